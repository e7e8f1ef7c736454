package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	payoutStatusQueued     = "queued"
	payoutStatusProcessing = "processing"
	payoutStatusRetryWait  = "retry_wait"
	payoutStatusCompleted  = "completed"
	payoutStatusFailed     = "failed"
	payoutStatusDead       = "dead"

	payoutPopTimeout   = 5 * time.Second
	payoutRetryBase    = 5 * time.Second
	payoutRetryCap     = 5 * time.Minute
	staleProcessingAge = 5 * time.Minute
	sweepInterval      = 30 * time.Second

	idempotencyRetention = 24 * time.Hour
	cleanupInterval      = time.Hour
)

var (
	errJobNotClaimable   = errors.New("payout job not claimable")
	errBetAlreadySettled = errors.New("bet already settled")
)

// RunPayoutWorkers runs the settlement pool plus the sweeper until ctx is
// cancelled. Workers block on the queue; the sweeper recovers jobs whose
// queue message was lost and promotes retry_wait jobs whose backoff
// elapsed.
func (c *Core) RunPayoutWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.Cfg.PayoutWorkers; i++ {
		worker := i
		g.Go(func() error {
			return c.payoutWorkerLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return c.sweepLoop(ctx)
	})
	return g.Wait()
}

func (c *Core) payoutWorkerLoop(ctx context.Context, worker int) error {
	log := c.Log.With("worker", worker)
	for {
		jobID, ok, err := c.Queue.Pop(ctx, payoutPopTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		if err := c.processPayoutJob(ctx, jobID); err != nil {
			if errors.Is(err, errJobNotClaimable) {
				continue
			}
			log.Error("payout job failed", "job_id", jobID, "error", err)
		}
	}
}

// processPayoutJob claims the job in its own transaction, then settles in
// a second one. The claim commit makes the processing state visible even
// if the settlement crashes; the sweeper will pick the job back up.
func (c *Core) processPayoutJob(ctx context.Context, jobID int64) error {
	job, err := c.claimPayoutJob(ctx, jobID)
	if err != nil {
		return err
	}

	settleErr := c.inTx(ctx, func(tx *sql.Tx) error {
		return c.settleBet(ctx, tx, job)
	})
	if settleErr == nil {
		c.Metrics.ObservePayoutTransition(payoutStatusCompleted)
		c.Metrics.ObservePayoutCompleted(job.attempts)
		return nil
	}
	if errors.Is(settleErr, errBetAlreadySettled) {
		// A concurrent worker (after a stale-processing requeue) finished
		// this bet first; its transaction already completed the job row.
		c.Log.Info("payout job settled by another worker",
			"job_id", job.id, "bet_id", job.betID)
		return nil
	}
	return c.markPayoutFailure(ctx, job, settleErr)
}

type payoutJob struct {
	id             int64
	betID          int64
	resultOptionID int64
	resolvedBy     int64
	attempts       int
	maxAttempts    int
}

func (c *Core) claimPayoutJob(ctx context.Context, jobID int64) (payoutJob, error) {
	var job payoutJob
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		const lockQ = `
SELECT id, bet_id, result_option_id, resolved_by, attempts, max_attempts, status
FROM payout_jobs WHERE id = $1 FOR UPDATE
`
		var status string
		err := tx.QueryRowContext(ctx, lockQ, jobID).Scan(
			&job.id, &job.betID, &job.resultOptionID, &job.resolvedBy,
			&job.attempts, &job.maxAttempts, &status)
		if err == sql.ErrNoRows {
			return errJobNotClaimable
		}
		if err != nil {
			return fmt.Errorf("lock payout job %d: %w", jobID, err)
		}
		if status != payoutStatusQueued {
			// Duplicate queue message, or an operator requeued while a
			// worker already held the job.
			return errJobNotClaimable
		}
		job.attempts++
		const claimQ = `
UPDATE payout_jobs
SET status = 'processing', attempts = $2, started_at = $3, next_attempt_at = NULL
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, claimQ, jobID, job.attempts, c.now()); err != nil {
			return fmt.Errorf("claim payout job %d: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return payoutJob{}, err
	}
	c.Metrics.ObservePayoutTransition(payoutStatusProcessing)
	return job, nil
}

// settleBet pays out every open position of a resolving bet and marks the
// job completed in the same transaction, so a crash between the two can
// never pay twice.
func (c *Core) settleBet(ctx context.Context, tx *sql.Tx, job payoutJob) error {
	const betQ = `SELECT status FROM bets WHERE id = $1 FOR UPDATE`
	var betStatus string
	if err := tx.QueryRowContext(ctx, betQ, job.betID).Scan(&betStatus); err != nil {
		return fmt.Errorf("lock bet %d: %w", job.betID, err)
	}
	if betStatus == betStatusResolved {
		return errBetAlreadySettled
	}
	if betStatus != betStatusResolving {
		return fmt.Errorf("bet %d is %s, expected resolving", job.betID, betStatus)
	}

	const positionsQ = `
SELECT id, bet_option_id, user_id, stake_points, odds_at_purchase::text
FROM bet_positions
WHERE bet_id = $1 AND status = 'open'
ORDER BY id
FOR UPDATE
`
	type settledPosition struct {
		id     int64
		userID int64
		net    int64
		fee    int64
	}
	var (
		settled    []settledPosition
		creditsFor = map[int64]int64{}
		userIDs    []int64
		totalFees  int64
	)
	rows, err := tx.QueryContext(ctx, positionsQ, job.betID)
	if err != nil {
		return fmt.Errorf("lock positions of bet %d: %w", job.betID, err)
	}
	for rows.Next() {
		var (
			pos     settledPosition
			optID   int64
			stake   int64
			oddsRaw string
		)
		if err := rows.Scan(&pos.id, &optID, &pos.userID, &stake, &oddsRaw); err != nil {
			rows.Close()
			return err
		}
		if optID == job.resultOptionID {
			odds, err := decimal.NewFromString(oddsRaw)
			if err != nil {
				rows.Close()
				return fmt.Errorf("position %d has malformed odds %q: %w", pos.id, oddsRaw, err)
			}
			gross := grossPayout(stake, odds)
			pos.fee = fee(gross)
			pos.net = gross - pos.fee
			if pos.net < 0 {
				pos.net = 0
			}
		}
		settled = append(settled, pos)
		if _, seen := creditsFor[pos.userID]; !seen {
			userIDs = append(userIDs, pos.userID)
		}
		creditsFor[pos.userID] += pos.net
		totalFees += pos.fee
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	now := c.now()
	for _, pos := range settled {
		const settleQ = `
UPDATE bet_positions
SET status = 'settled', payout_points = $2, settled_at = $3
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, settleQ, pos.id, pos.net, now); err != nil {
			return fmt.Errorf("settle position %d: %w", pos.id, err)
		}
	}

	// Credits go out in ascending user id, the same order every balance
	// path locks in.
	slices.Sort(userIDs)
	related := fmt.Sprintf("bet:%d", job.betID)
	corr := fmt.Sprintf("payout:%d", job.id)
	for _, uid := range userIDs {
		amount := creditsFor[uid]
		if amount <= 0 {
			continue
		}
		if _, _, err := c.applyDelta(ctx, tx, DeltaParams{
			UserID:        uid,
			Delta:         amount,
			Action:        "bet_payout",
			Reason:        "winning position settled",
			RelatedEntity: related,
			CorrelationID: corr,
		}); err != nil {
			return err
		}
	}
	if err := c.creditFee(ctx, tx, totalFees, nil, "bet_payout_fee", related, corr); err != nil {
		return err
	}

	const resolveQ = `
UPDATE bets SET status = 'resolved', result_option_id = $2, resolved_at = $3
WHERE id = $1
`
	if _, err := tx.ExecContext(ctx, resolveQ, job.betID, job.resultOptionID, now); err != nil {
		return fmt.Errorf("mark bet %d resolved: %w", job.betID, err)
	}

	const completeQ = `
UPDATE payout_jobs SET status = 'completed', completed_at = $2, last_error = ''
WHERE id = $1
`
	if _, err := tx.ExecContext(ctx, completeQ, job.id, now); err != nil {
		return fmt.Errorf("complete payout job %d: %w", job.id, err)
	}
	return nil
}

// markPayoutFailure schedules a retry with exponential backoff, or parks
// the job as dead once attempts run out. Both updates apply only while
// the job is still processing.
func (c *Core) markPayoutFailure(ctx context.Context, job payoutJob, cause error) error {
	if job.attempts >= job.maxAttempts {
		// The status guard keeps a late failure from clobbering a job that
		// another worker already drove to a terminal state.
		const deadQ = `
UPDATE payout_jobs SET status = 'dead', last_error = $2
WHERE id = $1 AND status = 'processing'
`
		res, err := c.DB.ExecContext(ctx, deadQ, job.id, cause.Error())
		if err != nil {
			return fmt.Errorf("mark payout job %d dead: %w", job.id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return cause
		}
		c.Metrics.ObservePayoutTransition(payoutStatusDead)
		c.Log.Error("payout job exhausted retries",
			"job_id", job.id, "bet_id", job.betID, "attempts", job.attempts, "error", cause)
		return cause
	}
	wait := payoutBackoff(job.attempts)
	const retryQ = `
UPDATE payout_jobs SET status = 'retry_wait', next_attempt_at = $2, last_error = $3
WHERE id = $1 AND status = 'processing'
`
	res, err := c.DB.ExecContext(ctx, retryQ, job.id, c.now().Add(wait), cause.Error())
	if err != nil {
		return fmt.Errorf("schedule payout retry %d: %w", job.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cause
	}
	c.Metrics.ObservePayoutTransition(payoutStatusRetryWait)
	c.Log.Warn("payout job scheduled for retry",
		"job_id", job.id, "bet_id", job.betID, "attempts", job.attempts,
		"wait", wait.String(), "error", cause)
	return cause
}

// payoutBackoff doubles from the base per attempt, capped.
func payoutBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	wait := payoutRetryBase << uint(attempts-1)
	if wait > payoutRetryCap || wait <= 0 {
		return payoutRetryCap
	}
	return wait
}

// grossPayout is floor(stake * odds) in decimal arithmetic.
func grossPayout(stake int64, odds decimal.Decimal) int64 {
	return decimal.NewFromInt(stake).Mul(odds).Floor().IntPart()
}

// sweepLoop promotes due retry_wait jobs, recovers stale processing jobs,
// re-pushes queued jobs whose wake-up message was lost, and trims old
// idempotency keys.
func (c *Core) sweepLoop(ctx context.Context) error {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			if err := c.sweepPayoutJobs(ctx); err != nil && ctx.Err() == nil {
				c.Log.Error("payout sweep failed", "error", err)
			}
		case <-cleanup.C:
			removed, err := c.cleanupIdempotencyKeys(ctx, idempotencyRetention)
			if err != nil && ctx.Err() == nil {
				c.Log.Error("idempotency cleanup failed", "error", err)
			} else if removed > 0 {
				c.Log.Info("idempotency keys removed", "count", removed)
			}
		}
	}
}

func (c *Core) sweepPayoutJobs(ctx context.Context) error {
	now := c.now()

	const dueQ = `
UPDATE payout_jobs SET status = 'queued', next_attempt_at = NULL
WHERE status = 'retry_wait' AND next_attempt_at <= $1
RETURNING id
`
	if err := c.requeueRows(ctx, dueQ, now); err != nil {
		return fmt.Errorf("promote retry_wait jobs: %w", err)
	}

	// A worker that died after the claim leaves processing behind.
	const staleQ = `
UPDATE payout_jobs SET status = 'queued'
WHERE status = 'processing' AND started_at < $1
RETURNING id
`
	if err := c.requeueRows(ctx, staleQ, now.Add(-staleProcessingAge)); err != nil {
		return fmt.Errorf("recover stale processing jobs: %w", err)
	}

	// Queued jobs sitting past the stale window lost their queue message.
	const lostQ = `
SELECT id FROM payout_jobs
WHERE status = 'queued' AND created_at < $1
`
	rows, err := c.DB.QueryContext(ctx, lostQ, now.Add(-staleProcessingAge))
	if err != nil {
		return fmt.Errorf("find lost queued jobs: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.Queue.Push(ctx, id); err != nil {
			return fmt.Errorf("re-push job %d: %w", id, err)
		}
	}
	return nil
}

func (c *Core) requeueRows(ctx context.Context, query string, cutoff time.Time) error {
	rows, err := c.DB.QueryContext(ctx, query, cutoff)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		c.Metrics.ObservePayoutTransition(payoutStatusQueued)
		if err := c.Queue.Push(ctx, id); err != nil {
			return fmt.Errorf("push job %d: %w", id, err)
		}
	}
	return nil
}
