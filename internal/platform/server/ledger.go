package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/campuspoints/pointsd/internal/platform/audit"
)

// DeltaParams describes one balance mutation. Every mutation runs inside
// a transaction supplied by the caller and emits exactly one audit row.
type DeltaParams struct {
	UserID        int64
	Delta         int64
	ActorUserID   *int64
	Action        string
	Reason        string
	RelatedEntity string
	CorrelationID string
	Metadata      map[string]any
}

// applyDelta locks the user row, applies the delta, enforces the
// non-negative invariant (the DB CHECK and trigger are the second line of
// defence), and appends the audit row in the same transaction.
func (c *Core) applyDelta(ctx context.Context, tx *sql.Tx, p DeltaParams) (before, after int64, err error) {
	const lockQ = `SELECT points FROM users WHERE id = $1 FOR UPDATE`
	err = tx.QueryRowContext(ctx, lockQ, p.UserID).Scan(&before)
	if err == sql.ErrNoRows {
		return 0, 0, errNotFound("user not found")
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock user %d: %w", p.UserID, err)
	}

	after = before + p.Delta
	if after < 0 {
		c.Metrics.ObserveInsufficientPoints()
		return before, before, errInsufficientPoints()
	}

	const updateQ = `UPDATE users SET points = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, updateQ, p.UserID, after); err != nil {
		return 0, 0, fmt.Errorf("update points for %d: %w", p.UserID, err)
	}

	var meta []byte
	if len(p.Metadata) > 0 {
		meta, err = json.Marshal(p.Metadata)
		if err != nil {
			return 0, 0, fmt.Errorf("marshal audit metadata: %w", err)
		}
	}
	now := c.now()
	if _, err := c.Audit.AppendTx(ctx, tx, audit.Event{
		OccurredAt:    now,
		RecordedAt:    now,
		ActorUserID:   p.ActorUserID,
		TargetUserID:  audit.Int64Ptr(p.UserID),
		Action:        p.Action,
		Reason:        p.Reason,
		PointsDelta:   audit.Int64Ptr(p.Delta),
		PointsBefore:  audit.Int64Ptr(before),
		PointsAfter:   audit.Int64Ptr(after),
		RelatedEntity: p.RelatedEntity,
		CorrelationID: p.CorrelationID,
		Metadata:      meta,
	}); err != nil {
		return 0, 0, fmt.Errorf("append audit: %w", err)
	}

	c.Metrics.ObserveMutation(p.Action)
	return before, after, nil
}

// transfer moves amount from one user to another, locking both rows in
// ascending id order and writing a paired _debit/_credit audit couple
// under one correlation id.
func (c *Core) transfer(ctx context.Context, tx *sql.Tx, fromID, toID, amount int64, actor *int64, action, reason, related string) error {
	if amount <= 0 {
		return errValidation("transfer amount must be positive")
	}
	if fromID == toID {
		return errValidation("cannot transfer to self")
	}

	const orderedLockQ = `SELECT id FROM users WHERE id = ANY($1::bigint[]) ORDER BY id FOR UPDATE`
	ids := []int64{fromID, toID}
	if fromID > toID {
		ids[0], ids[1] = toID, fromID
	}
	rows, err := tx.QueryContext(ctx, orderedLockQ, idArray(ids))
	if err != nil {
		return fmt.Errorf("lock transfer parties: %w", err)
	}
	locked := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if locked != 2 {
		return errNotFound("user not found")
	}

	corr := uuid.NewString()
	if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
		UserID:        fromID,
		Delta:         -amount,
		ActorUserID:   actor,
		Action:        action + "_debit",
		Reason:        reason,
		RelatedEntity: related,
		CorrelationID: corr,
	}); err != nil {
		return err
	}
	if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
		UserID:        toID,
		Delta:         amount,
		ActorUserID:   actor,
		Action:        action + "_credit",
		Reason:        reason,
		RelatedEntity: related,
		CorrelationID: corr,
	}); err != nil {
		return err
	}
	return nil
}

// creditFee pays a fee into the super-admin account. A failure here is
// fatal for the surrounding operation: the caller's transaction rolls
// back rather than letting fee revenue leak.
func (c *Core) creditFee(ctx context.Context, tx *sql.Tx, fee int64, actor *int64, action, related, correlation string) error {
	if fee <= 0 {
		return nil
	}
	superAdminID, err := c.SuperAdminID(ctx)
	if err != nil {
		return err
	}
	_, _, err = c.applyDelta(ctx, tx, DeltaParams{
		UserID:        superAdminID,
		Delta:         fee,
		ActorUserID:   actor,
		Action:        action,
		Reason:        "fee",
		RelatedEntity: related,
		CorrelationID: correlation,
	})
	return err
}

// fee is the platform cut: floor(amount * 2%) in integer arithmetic.
func fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return amount * 2 / 100
}

// idArray renders a bigint array literal for ANY($1::bigint[]).
func idArray(ids []int64) string {
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out + "}"
}
