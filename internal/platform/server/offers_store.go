package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/campuspoints/pointsd/internal/platform/auth"
)

type Offer struct {
	ID             int64     `json:"id"`
	CreatorUserID  int64     `json:"creatorUserId"`
	GroupID        *int64    `json:"groupId,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	PointsCost     int64     `json:"pointsCost"`
	MaxAcceptances *int64    `json:"maxAcceptances,omitempty"`
	AcceptedCount  int64     `json:"acceptedCount"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

type OfferAcceptance struct {
	ID         int64     `json:"id"`
	OfferID    int64     `json:"offerId"`
	UserID     int64     `json:"userId"`
	PointsCost int64     `json:"pointsCost"`
	FeePoints  int64     `json:"feePoints"`
	CreatedAt  time.Time `json:"createdAt"`
}

type OfferReview struct {
	ID             int64     `json:"id"`
	OfferID        int64     `json:"offerId"`
	ReviewerUserID int64     `json:"reviewerUserId"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment"`
	CreatedAt      time.Time `json:"createdAt"`
}

const offerColumns = `
id, creator_user_id, group_id, title, description, points_cost,
max_acceptances, accepted_count, is_active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (Offer, error) {
	var (
		o      Offer
		group  sql.NullInt64
		maxAcc sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.CreatorUserID, &group, &o.Title, &o.Description,
		&o.PointsCost, &maxAcc, &o.AcceptedCount, &o.IsActive, &o.CreatedAt)
	if err != nil {
		return Offer{}, err
	}
	if group.Valid {
		o.GroupID = &group.Int64
	}
	if maxAcc.Valid {
		o.MaxAcceptances = &maxAcc.Int64
	}
	return o, nil
}

// visibleOfferClause hides group-scoped offers from non-members. Admins
// and the creator always see their rows.
const visibleOfferClause = `
(group_id IS NULL
 OR creator_user_id = $1
 OR EXISTS (SELECT 1 FROM group_members gm WHERE gm.group_id = offers.group_id AND gm.user_id = $1))`

func (c *Core) listOffers(ctx context.Context, p auth.Principal, activeOnly, mineOnly bool, search string) ([]Offer, error) {
	q := `SELECT ` + offerColumns + ` FROM offers WHERE TRUE`
	var args []any
	if !p.IsAdmin() {
		q += ` AND ` + visibleOfferClause
	}
	if mineOnly {
		q += ` AND creator_user_id = $1`
	}
	if !p.IsAdmin() || mineOnly {
		args = append(args, p.UserID)
	}
	if activeOnly {
		q += ` AND is_active`
	}
	if search != "" {
		args = append(args, "%"+search+"%")
		q += fmt.Sprintf(` AND (title ILIKE $%d OR description ILIKE $%d)`, len(args), len(args))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT 200`

	rows, err := c.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	offers := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func (c *Core) getOffer(ctx context.Context, p auth.Principal, offerID int64) (Offer, error) {
	const q = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	o, err := scanOffer(c.DB.QueryRowContext(ctx, q, offerID))
	if err == sql.ErrNoRows {
		return Offer{}, errNotFound("offer not found")
	}
	if err != nil {
		return Offer{}, fmt.Errorf("get offer %d: %w", offerID, err)
	}
	if !c.canSeeGroupScoped(ctx, p, o.GroupID, o.CreatorUserID) {
		// Hidden rows look absent, not forbidden.
		return Offer{}, errNotFound("offer not found")
	}
	return o, nil
}

// canSeeGroupScoped applies the group visibility rule shared by offers and
// bets.
func (c *Core) canSeeGroupScoped(ctx context.Context, p auth.Principal, groupID *int64, creatorID int64) bool {
	if groupID == nil || p.IsAdmin() || p.UserID == creatorID {
		return true
	}
	var member bool
	err := c.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		*groupID, p.UserID).Scan(&member)
	if err != nil {
		c.Log.Error("group membership check failed", "group_id", *groupID, "error", err)
		return false
	}
	return member
}

// acceptOffer runs the purchase: lock the offer, validate state, move the
// points, bump the counter, and record the acceptance, all in one
// transaction.
func (c *Core) acceptOffer(ctx context.Context, buyer auth.Principal, offerID int64) (OfferAcceptance, error) {
	var acceptance OfferAcceptance
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		const lockQ = `SELECT ` + offerColumns + ` FROM offers WHERE id = $1 FOR UPDATE`
		o, err := scanOffer(tx.QueryRowContext(ctx, lockQ, offerID))
		if err == sql.ErrNoRows {
			return errNotFound("offer not found")
		}
		if err != nil {
			return fmt.Errorf("lock offer %d: %w", offerID, err)
		}
		if !c.canSeeGroupScoped(ctx, buyer, o.GroupID, o.CreatorUserID) {
			return errNotFound("offer not found")
		}
		if !o.IsActive {
			return errStateInvalid("offer is not active")
		}
		if o.CreatorUserID == buyer.UserID {
			return errStateInvalid("cannot accept your own offer")
		}
		if o.MaxAcceptances != nil && o.AcceptedCount >= *o.MaxAcceptances {
			return errConflict("offer is fully accepted")
		}

		feePts := fee(o.PointsCost)
		related := fmt.Sprintf("offer:%d", o.ID)
		if err := c.transfer(ctx, tx, buyer.UserID, o.CreatorUserID, o.PointsCost,
			&buyer.UserID, "offer_accept", "offer accepted", related); err != nil {
			return err
		}
		if feePts > 0 {
			if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
				UserID:        buyer.UserID,
				Delta:         -feePts,
				ActorUserID:   &buyer.UserID,
				Action:        "offer_accept_fee_debit",
				Reason:        "platform fee",
				RelatedEntity: related,
			}); err != nil {
				return err
			}
			if err := c.creditFee(ctx, tx, feePts, &buyer.UserID, "offer_accept_fee", related, ""); err != nil {
				return err
			}
		}

		newCount := o.AcceptedCount + 1
		stillActive := o.IsActive
		if o.MaxAcceptances != nil && newCount >= *o.MaxAcceptances {
			stillActive = false
		}
		const bumpQ = `UPDATE offers SET accepted_count = $2, is_active = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, bumpQ, o.ID, newCount, stillActive); err != nil {
			return fmt.Errorf("bump offer %d: %w", o.ID, err)
		}

		const insertQ = `
INSERT INTO offer_acceptances (offer_id, user_id, points_cost, fee_points, created_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`
		acceptance = OfferAcceptance{
			OfferID:    o.ID,
			UserID:     buyer.UserID,
			PointsCost: o.PointsCost,
			FeePoints:  feePts,
			CreatedAt:  c.now(),
		}
		return tx.QueryRowContext(ctx, insertQ, o.ID, buyer.UserID, o.PointsCost, feePts,
			acceptance.CreatedAt).Scan(&acceptance.ID)
	})
	if err != nil {
		return OfferAcceptance{}, err
	}
	return acceptance, nil
}
