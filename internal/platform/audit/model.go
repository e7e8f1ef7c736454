package audit

import "time"

// Event is one immutable audit row. Ledger mutations write one event per
// touched balance; transfers write a paired _debit/_credit couple sharing
// a correlation id.
type Event struct {
	ID            int64
	OccurredAt    time.Time
	RecordedAt    time.Time
	ActorUserID   *int64
	TargetUserID  *int64
	Action        string
	Reason        string
	PointsDelta   *int64
	PointsBefore  *int64
	PointsAfter   *int64
	RelatedEntity string
	CorrelationID string
	Metadata      []byte
	PartitionDay  string
	HashPrev      string
	HashCurr      string
}

// Int64Ptr is a small helper for optional audit fields.
func Int64Ptr(v int64) *int64 {
	return &v
}
