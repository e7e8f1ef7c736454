package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

func optional(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// ComputeHash links an event to its predecessor. Tampering with any stored
// row breaks recomputation for every later row in the partition.
func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + optional(e.ActorUserID) + "|" + optional(e.TargetUserID)))
	_, _ = h.Write([]byte("|" + e.Action + "|" + e.Reason + "|" + e.RelatedEntity + "|" + e.CorrelationID))
	_, _ = h.Write([]byte("|" + optional(e.PointsDelta) + "|" + optional(e.PointsBefore) + "|" + optional(e.PointsAfter)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x", e.Metadata)))
	return hex.EncodeToString(h.Sum(nil))
}
