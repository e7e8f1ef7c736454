package server

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/campuspoints/pointsd/internal/platform/auth"
)

const (
	betStatusOpen      = "open"
	betStatusClosed    = "closed"
	betStatusResolving = "resolving"
	betStatusResolved  = "resolved"
	betStatusCancelled = "cancelled"

	positionStatusOpen      = "open"
	positionStatusSold      = "sold"
	positionStatusSettled   = "settled"
	positionStatusCancelled = "cancelled"
)

type Bet struct {
	ID             int64       `json:"id"`
	CreatorUserID  int64       `json:"creatorUserId"`
	GroupID        *int64      `json:"groupId,omitempty"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	BetType        string      `json:"betType"`
	ClosesAt       time.Time   `json:"closesAt"`
	Status         string      `json:"status"`
	ResultOptionID *int64      `json:"resultOptionId,omitempty"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Options        []BetOption `json:"options,omitempty"`
}

type BetOption struct {
	ID           int64   `json:"id"`
	BetID        int64   `json:"betId"`
	Label        string  `json:"label"`
	NumericValue *string `json:"numericValue,omitempty"`
	CurrentOdds  string  `json:"currentOdds"`
}

type BetPosition struct {
	ID             int64      `json:"id"`
	BetID          int64      `json:"betId"`
	BetOptionID    int64      `json:"betOptionId"`
	UserID         int64      `json:"userId"`
	StakePoints    int64      `json:"stakePoints"`
	OddsAtPurchase string     `json:"oddsAtPurchase"`
	Status         string     `json:"status"`
	PayoutPoints   *int64     `json:"payoutPoints,omitempty"`
	SoldPoints     *int64     `json:"soldPoints,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
}

const betColumns = `
id, creator_user_id, group_id, title, description, bet_type, closes_at,
status, result_option_id, resolved_at, created_at`

func scanBet(row rowScanner) (Bet, error) {
	var (
		b        Bet
		group    sql.NullInt64
		result   sql.NullInt64
		resolved sql.NullTime
	)
	err := row.Scan(&b.ID, &b.CreatorUserID, &group, &b.Title, &b.Description,
		&b.BetType, &b.ClosesAt, &b.Status, &result, &resolved, &b.CreatedAt)
	if err != nil {
		return Bet{}, err
	}
	if group.Valid {
		b.GroupID = &group.Int64
	}
	if result.Valid {
		b.ResultOptionID = &result.Int64
	}
	if resolved.Valid {
		b.ResolvedAt = &resolved.Time
	}
	return b, nil
}

func scanPosition(row rowScanner) (BetPosition, error) {
	var (
		pos     BetPosition
		payout  sql.NullInt64
		sold    sql.NullInt64
		settled sql.NullTime
	)
	err := row.Scan(&pos.ID, &pos.BetID, &pos.BetOptionID, &pos.UserID,
		&pos.StakePoints, &pos.OddsAtPurchase, &pos.Status, &payout, &sold,
		&pos.CreatedAt, &settled)
	if err != nil {
		return BetPosition{}, err
	}
	if payout.Valid {
		pos.PayoutPoints = &payout.Int64
	}
	if sold.Valid {
		pos.SoldPoints = &sold.Int64
	}
	if settled.Valid {
		pos.SettledAt = &settled.Time
	}
	return pos, nil
}

const positionColumns = `
id, bet_id, bet_option_id, user_id, stake_points, odds_at_purchase::text,
status, payout_points, sold_points, created_at, settled_at`

func (c *Core) loadBetOptions(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, betID int64) ([]BetOption, error) {
	const optQ = `
SELECT id, bet_id, label, numeric_value::text, current_odds::text
FROM bet_options WHERE bet_id = $1 ORDER BY id
`
	rows, err := q.QueryContext(ctx, optQ, betID)
	if err != nil {
		return nil, fmt.Errorf("load options of bet %d: %w", betID, err)
	}
	defer rows.Close()
	options := []BetOption{}
	for rows.Next() {
		var (
			opt BetOption
			num sql.NullString
		)
		if err := rows.Scan(&opt.ID, &opt.BetID, &opt.Label, &num, &opt.CurrentOdds); err != nil {
			return nil, err
		}
		if num.Valid {
			opt.NumericValue = &num.String
		}
		options = append(options, opt)
	}
	return options, rows.Err()
}

func (c *Core) listBets(ctx context.Context, p auth.Principal, status string) ([]Bet, error) {
	q := `SELECT ` + betColumns + ` FROM bets WHERE TRUE`
	var args []any
	if !p.IsAdmin() {
		q += ` AND (group_id IS NULL
 OR creator_user_id = $1
 OR EXISTS (SELECT 1 FROM group_members gm WHERE gm.group_id = bets.group_id AND gm.user_id = $1))`
		args = append(args, p.UserID)
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT 200`

	rows, err := c.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list bets: %w", err)
	}
	defer rows.Close()
	bets := []Bet{}
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range bets {
		if bets[i].Options, err = c.loadBetOptions(ctx, c.DB, bets[i].ID); err != nil {
			return nil, err
		}
	}
	return bets, nil
}

func (c *Core) getBet(ctx context.Context, p auth.Principal, betID int64) (Bet, error) {
	const q = `SELECT ` + betColumns + ` FROM bets WHERE id = $1`
	b, err := scanBet(c.DB.QueryRowContext(ctx, q, betID))
	if err == sql.ErrNoRows {
		return Bet{}, errNotFound("bet not found")
	}
	if err != nil {
		return Bet{}, fmt.Errorf("get bet %d: %w", betID, err)
	}
	if !c.canSeeGroupScoped(ctx, p, b.GroupID, b.CreatorUserID) {
		return Bet{}, errNotFound("bet not found")
	}
	if b.Options, err = c.loadBetOptions(ctx, c.DB, b.ID); err != nil {
		return Bet{}, err
	}
	return b, nil
}

// lockBet loads the bet row under FOR UPDATE. Every bet mutation takes
// this lock first, then option or position locks, then user rows.
func lockBet(ctx context.Context, tx *sql.Tx, betID int64) (Bet, error) {
	const q = `SELECT ` + betColumns + ` FROM bets WHERE id = $1 FOR UPDATE`
	b, err := scanBet(tx.QueryRowContext(ctx, q, betID))
	if err == sql.ErrNoRows {
		return Bet{}, errNotFound("bet not found")
	}
	if err != nil {
		return Bet{}, fmt.Errorf("lock bet %d: %w", betID, err)
	}
	return b, nil
}

// buyPosition stakes points on an option. The stake leaves the buyer's
// balance immediately; the position records the odds at purchase for
// settlement and resale.
func (c *Core) buyPosition(ctx context.Context, buyer auth.Principal, betID, optionID, stake int64) (BetPosition, error) {
	if stake <= 0 {
		return BetPosition{}, errValidation("stake must be positive")
	}
	var pos BetPosition
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		b, err := lockBet(ctx, tx, betID)
		if err != nil {
			return err
		}
		if !c.canSeeGroupScoped(ctx, buyer, b.GroupID, b.CreatorUserID) {
			return errNotFound("bet not found")
		}
		if b.Status != betStatusOpen {
			return errStateInvalid("bet is not open for positions")
		}
		if !c.now().Before(b.ClosesAt) {
			return errStateInvalid("bet is closed for positions")
		}

		const optQ = `
SELECT current_odds::text FROM bet_options WHERE id = $1 AND bet_id = $2 FOR UPDATE
`
		var odds string
		err = tx.QueryRowContext(ctx, optQ, optionID, betID).Scan(&odds)
		if err == sql.ErrNoRows {
			return errNotFound("bet option not found")
		}
		if err != nil {
			return fmt.Errorf("lock option %d: %w", optionID, err)
		}

		related := fmt.Sprintf("bet:%d", betID)
		if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
			UserID:        buyer.UserID,
			Delta:         -stake,
			ActorUserID:   &buyer.UserID,
			Action:        "bet_buy",
			Reason:        "position purchased",
			RelatedEntity: related,
			Metadata:      map[string]any{"optionId": optionID, "odds": odds},
		}); err != nil {
			return err
		}

		const insertQ = `
INSERT INTO bet_positions (bet_id, bet_option_id, user_id, stake_points, odds_at_purchase, created_at)
VALUES ($1,$2,$3,$4,$5::numeric,$6)
RETURNING ` + positionColumns
		pos, err = scanPosition(tx.QueryRowContext(ctx, insertQ,
			betID, optionID, buyer.UserID, stake, odds, c.now()))
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
		return nil
	})
	if err != nil {
		return BetPosition{}, err
	}
	return pos, nil
}

// cashoutValue prices an early exit: the stake scaled by how the odds
// moved since purchase, floored to whole points.
func cashoutValue(stake int64, currentOdds, atPurchase decimal.Decimal) int64 {
	if atPurchase.IsZero() {
		return 0
	}
	return decimal.NewFromInt(stake).Mul(currentOdds).Div(atPurchase).Floor().IntPart()
}

// sellPosition cashes out an open position at current odds, minus the
// platform fee. Selling is refused once resolution has started: the
// outcome is already decided at that point.
func (c *Core) sellPosition(ctx context.Context, seller auth.Principal, betID, positionID int64) (BetPosition, error) {
	var pos BetPosition
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		const posBetQ = `SELECT bet_id FROM bet_positions WHERE id = $1`
		var posBetID int64
		err := tx.QueryRowContext(ctx, posBetQ, positionID).Scan(&posBetID)
		if err == sql.ErrNoRows {
			return errNotFound("position not found")
		}
		if err != nil {
			return err
		}
		if posBetID != betID {
			return errValidation("position does not belong to this bet")
		}

		b, err := lockBet(ctx, tx, betID)
		if err != nil {
			return err
		}
		switch b.Status {
		case betStatusResolving:
			return errStateInvalid("bet is being resolved")
		case betStatusResolved, betStatusCancelled:
			return errStateInvalid("bet is already " + b.Status)
		}

		const lockPosQ = `SELECT ` + positionColumns + ` FROM bet_positions WHERE id = $1 FOR UPDATE`
		pos, err = scanPosition(tx.QueryRowContext(ctx, lockPosQ, positionID))
		if err != nil {
			return fmt.Errorf("lock position %d: %w", positionID, err)
		}
		if pos.UserID != seller.UserID {
			return errForbidden("not your position")
		}
		if pos.Status != positionStatusOpen {
			return errStateInvalid("position is already " + pos.Status)
		}

		const oddsQ = `SELECT current_odds::text FROM bet_options WHERE id = $1`
		var currentRaw string
		if err := tx.QueryRowContext(ctx, oddsQ, pos.BetOptionID).Scan(&currentRaw); err != nil {
			return fmt.Errorf("load current odds: %w", err)
		}
		current, err := decimal.NewFromString(currentRaw)
		if err != nil {
			return fmt.Errorf("malformed current odds %q: %w", currentRaw, err)
		}
		atPurchase, err := decimal.NewFromString(pos.OddsAtPurchase)
		if err != nil {
			return fmt.Errorf("malformed purchase odds %q: %w", pos.OddsAtPurchase, err)
		}

		gross := cashoutValue(pos.StakePoints, current, atPurchase)
		feePts := fee(gross)
		net := gross - feePts
		if net < 0 {
			net = 0
		}

		now := c.now()
		const sellQ = `
UPDATE bet_positions SET status = 'sold', sold_points = $2, settled_at = $3
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, sellQ, positionID, net, now); err != nil {
			return fmt.Errorf("mark position sold: %w", err)
		}

		related := fmt.Sprintf("bet:%d", betID)
		corr := fmt.Sprintf("sell:%d", positionID)
		if net > 0 {
			if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
				UserID:        seller.UserID,
				Delta:         net,
				ActorUserID:   &seller.UserID,
				Action:        "bet_sell",
				Reason:        "position sold",
				RelatedEntity: related,
				CorrelationID: corr,
				Metadata:      map[string]any{"positionId": positionID, "gross": gross, "fee": feePts},
			}); err != nil {
				return err
			}
		}
		if err := c.creditFee(ctx, tx, feePts, &seller.UserID, "bet_sell_fee", related, corr); err != nil {
			return err
		}

		pos.Status = positionStatusSold
		pos.SoldPoints = &net
		pos.SettledAt = &now
		return nil
	})
	if err != nil {
		return BetPosition{}, err
	}
	return pos, nil
}

// cancelBet refunds every open position at its original stake and ends
// the bet. Sold positions keep their cashout; there is nothing left to
// refund.
func (c *Core) cancelBet(ctx context.Context, actor auth.Principal, betID int64) (Bet, error) {
	var cancelled Bet
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		b, err := lockBet(ctx, tx, betID)
		if err != nil {
			return err
		}
		switch b.Status {
		case betStatusResolved, betStatusResolving:
			return errStateInvalid("bet is already " + b.Status)
		case betStatusCancelled:
			return errStateInvalid("bet is already cancelled")
		}

		const positionsQ = `
SELECT id, user_id, stake_points
FROM bet_positions
WHERE bet_id = $1 AND status = 'open'
ORDER BY id
FOR UPDATE
`
		rows, err := tx.QueryContext(ctx, positionsQ, betID)
		if err != nil {
			return fmt.Errorf("lock positions: %w", err)
		}
		refunds := map[int64]int64{}
		var userIDs []int64
		var posIDs []int64
		for rows.Next() {
			var id, uid, stake int64
			if err := rows.Scan(&id, &uid, &stake); err != nil {
				rows.Close()
				return err
			}
			if _, seen := refunds[uid]; !seen {
				userIDs = append(userIDs, uid)
			}
			refunds[uid] += stake
			posIDs = append(posIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := c.now()
		for _, id := range posIDs {
			// The refunded stake stays on the position row so it alone
			// explains where the points went.
			const cancelQ = `
UPDATE bet_positions
SET status = 'cancelled', payout_points = stake_points, settled_at = $2
WHERE id = $1
`
			if _, err := tx.ExecContext(ctx, cancelQ, id, now); err != nil {
				return err
			}
		}

		slices.Sort(userIDs)
		related := fmt.Sprintf("bet:%d", betID)
		corr := fmt.Sprintf("cancel:%d", betID)
		for _, uid := range userIDs {
			if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
				UserID:        uid,
				Delta:         refunds[uid],
				ActorUserID:   &actor.UserID,
				Action:        "bet_cancel_refund",
				Reason:        "bet cancelled",
				RelatedEntity: related,
				CorrelationID: corr,
			}); err != nil {
				return err
			}
		}

		const cancelBetQ = `UPDATE bets SET status = 'cancelled' WHERE id = $1`
		if _, err := tx.ExecContext(ctx, cancelBetQ, betID); err != nil {
			return err
		}
		b.Status = betStatusCancelled
		cancelled = b
		return nil
	})
	if err != nil {
		return Bet{}, err
	}
	c.Relay.forget(betID)
	return cancelled, nil
}

// resolveBet marks the winning option and hands settlement to the payout
// worker. The job row is the durable record: resolving an already-settled
// bet is rejected, while a job that previously failed is revived with a
// fresh attempt budget.
func (c *Core) resolveBet(ctx context.Context, actor auth.Principal, betID, resultOptionID int64) (int64, error) {
	var jobID int64
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		b, err := lockBet(ctx, tx, betID)
		if err != nil {
			return err
		}
		switch b.Status {
		case betStatusResolved:
			return errConflict("bet is already resolved")
		case betStatusCancelled:
			return errStateInvalid("bet is cancelled")
		case betStatusResolving:
			// The bet stays resolving while its job is parked in
			// failed/dead/retry_wait; those jobs are revived below. A live
			// job is a conflict.
			var jobStatus string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM payout_jobs WHERE bet_id = $1`, betID).Scan(&jobStatus)
			if err == sql.ErrNoRows {
				return errConflict("bet resolution is in progress")
			}
			if err != nil {
				return err
			}
			switch jobStatus {
			case payoutStatusFailed, payoutStatusDead, payoutStatusRetryWait:
			default:
				return errConflict("bet resolution is in progress")
			}
		}

		var optionExists bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM bet_options WHERE id = $1 AND bet_id = $2)`,
			resultOptionID, betID).Scan(&optionExists)
		if err != nil {
			return err
		}
		if !optionExists {
			return errValidation("result option does not belong to this bet")
		}

		const upsertQ = `
INSERT INTO payout_jobs (bet_id, result_option_id, resolved_by, status, attempts, max_attempts, created_at)
VALUES ($1,$2,$3,'queued',0,$4,$5)
ON CONFLICT (bet_id) DO UPDATE
SET result_option_id = EXCLUDED.result_option_id,
    resolved_by = EXCLUDED.resolved_by,
    status = 'queued',
    attempts = 0,
    next_attempt_at = NULL,
    last_error = ''
WHERE payout_jobs.status IN ('failed','dead','retry_wait')
RETURNING id
`
		err = tx.QueryRowContext(ctx, upsertQ, betID, resultOptionID, actor.UserID,
			c.Cfg.PayoutMaxTries, c.now()).Scan(&jobID)
		if err == sql.ErrNoRows {
			// A live job already exists for this bet.
			return errConflict("payout for this bet is already queued")
		}
		if err != nil {
			return fmt.Errorf("upsert payout job: %w", err)
		}

		const markQ = `UPDATE bets SET status = 'resolving' WHERE id = $1`
		if _, err := tx.ExecContext(ctx, markQ, betID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.Metrics.ObservePayoutTransition(payoutStatusQueued)
	if err := c.Queue.Push(ctx, jobID); err != nil {
		// The sweeper re-pushes queued jobs whose message was lost.
		c.Log.Error("push payout job", "job_id", jobID, "error", err)
	}
	c.Relay.forget(betID)
	return jobID, nil
}
