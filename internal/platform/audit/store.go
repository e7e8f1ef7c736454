package audit

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// TxRecorder appends one event inside the caller's open transaction, so
// the audit row commits or rolls back together with the balance mutation
// it describes.
type TxRecorder interface {
	AppendTx(ctx context.Context, tx *sql.Tx, e Event) (Event, error)
}

// PostgresStore chains events through audit_chain_heads. The head row is
// locked FOR UPDATE, which serializes appends within a partition day; it
// is always the last lock an operation takes.
type PostgresStore struct{}

func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

func (s *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, e Event) (Event, error) {
	const headQ = `
SELECT last_hash FROM audit_chain_heads WHERE partition_day = $1 FOR UPDATE
`
	e.PartitionDay = e.RecordedAt.UTC().Format("2006-01-02")
	var prev string
	err := tx.QueryRowContext(ctx, headQ, e.PartitionDay).Scan(&prev)
	switch {
	case err == sql.ErrNoRows:
		prev = "GENESIS"
		const insertHead = `
INSERT INTO audit_chain_heads (partition_day, last_hash) VALUES ($1, $2)
ON CONFLICT (partition_day) DO NOTHING
`
		if _, err := tx.ExecContext(ctx, insertHead, e.PartitionDay, prev); err != nil {
			return Event{}, err
		}
		// A concurrent insert may have won; re-lock the head.
		if err := tx.QueryRowContext(ctx, headQ, e.PartitionDay).Scan(&prev); err != nil {
			return Event{}, err
		}
	case err != nil:
		return Event{}, err
	}

	e.HashPrev = prev
	e.HashCurr = ComputeHash(prev, e)

	const insertQ = `
INSERT INTO audit_logs (
  occurred_at, recorded_at, actor_user_id, target_user_id, action, reason,
  points_delta, points_before, points_after, related_entity, correlation_id,
  metadata, partition_day, hash_prev, hash_curr
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,COALESCE($12,'{}'::jsonb),$13,$14,$15)
RETURNING id
`
	meta := e.Metadata
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}
	if err := tx.QueryRowContext(ctx, insertQ,
		e.OccurredAt, e.RecordedAt, e.ActorUserID, e.TargetUserID, e.Action, e.Reason,
		e.PointsDelta, e.PointsBefore, e.PointsAfter, e.RelatedEntity, e.CorrelationID,
		meta, e.PartitionDay, e.HashPrev, e.HashCurr,
	).Scan(&e.ID); err != nil {
		return Event{}, err
	}

	const updateHead = `UPDATE audit_chain_heads SET last_hash = $2 WHERE partition_day = $1`
	if _, err := tx.ExecContext(ctx, updateHead, e.PartitionDay, e.HashCurr); err != nil {
		return Event{}, err
	}
	return e, nil
}

// InMemoryStore keeps the chain in process memory. Used by unit tests and
// for any component that audits outside a database transaction.
type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
	nextID int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: "GENESIS"}
}

func (s *InMemoryStore) AppendTx(_ context.Context, _ *sql.Tx, e Event) (Event, error) {
	return s.Append(e)
}

func (s *InMemoryStore) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.nextID++
	e.ID = s.nextID
	e.PartitionDay = e.RecordedAt.UTC().Format("2006-01-02")
	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)
	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
