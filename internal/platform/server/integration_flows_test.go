package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/campuspoints/pointsd/internal/platform/auth"
)

// End-to-end flows against a real Postgres, following the same
// POINTSD_TEST_DATABASE_URL guard as integration_test.go.

func memberPrincipal(id int64) auth.Principal {
	return auth.Principal{UserID: id, Permissions: map[string]struct{}{}}
}

func adminPrincipal(id int64) auth.Principal {
	return auth.Principal{UserID: id, Permissions: map[string]struct{}{
		auth.PermAdminAccess: {},
		auth.PermAdminSuper:  {},
	}}
}

func ensureTestSuperAdmin(t *testing.T, c *Core) int64 {
	t.Helper()
	ctx := context.Background()
	if id, err := c.SuperAdminID(ctx); err == nil {
		return id
	}
	id := createTestUser(t, c, 0)
	const assignQ = `
INSERT INTO user_roles (user_id, role_id)
SELECT $1, r.id FROM roles r WHERE r.name IN ('admin','super_admin')
ON CONFLICT DO NOTHING
`
	if _, err := c.DB.ExecContext(ctx, assignQ, id); err != nil {
		t.Fatalf("assign super admin: %v", err)
	}
	c.resetSuperAdminCache()
	id, err := c.SuperAdminID(ctx)
	if err != nil {
		t.Fatalf("resolve super admin: %v", err)
	}
	return id
}

func userPoints(t *testing.T, c *Core, id int64) int64 {
	t.Helper()
	var pts int64
	if err := c.DB.QueryRowContext(context.Background(),
		`SELECT points FROM users WHERE id = $1`, id).Scan(&pts); err != nil {
		t.Fatalf("read points of %d: %v", id, err)
	}
	return pts
}

func createTestOffer(t *testing.T, c *Core, creatorID, cost int64, maxAcceptances any) int64 {
	t.Helper()
	var id int64
	err := c.DB.QueryRowContext(context.Background(), `
INSERT INTO offers (creator_user_id, title, points_cost, max_acceptances)
VALUES ($1, 'test offer', $2, $3) RETURNING id`,
		creatorID, cost, maxAcceptances).Scan(&id)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return id
}

func createTestBet(t *testing.T, c *Core, creatorID int64, closesAt time.Time) (betID, yesOpt, noOpt int64) {
	t.Helper()
	ctx := context.Background()
	err := c.DB.QueryRowContext(ctx, `
INSERT INTO bets (creator_user_id, title, bet_type, closes_at)
VALUES ($1, 'test bet', 'boolean', $2) RETURNING id`, creatorID, closesAt).Scan(&betID)
	if err != nil {
		t.Fatalf("create bet: %v", err)
	}
	if err := c.DB.QueryRowContext(ctx, `
INSERT INTO bet_options (bet_id, label, current_odds) VALUES ($1, 'yes', 2.00) RETURNING id`,
		betID).Scan(&yesOpt); err != nil {
		t.Fatalf("create yes option: %v", err)
	}
	if err := c.DB.QueryRowContext(ctx, `
INSERT INTO bet_options (bet_id, label, current_odds) VALUES ($1, 'no', 3.00) RETURNING id`,
		betID).Scan(&noOpt); err != nil {
		t.Fatalf("create no option: %v", err)
	}
	return betID, yesOpt, noOpt
}

func TestIntegrationAcceptOfferMath(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	superID := ensureTestSuperAdmin(t, c)
	creatorID := createTestUser(t, c, 0)
	buyerID := createTestUser(t, c, 500)
	superBefore := userPoints(t, c, superID)

	offerID := createTestOffer(t, c, creatorID, 100, int64(2))

	acc, err := c.acceptOffer(ctx, memberPrincipal(buyerID), offerID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if acc.PointsCost != 100 || acc.FeePoints != 2 {
		t.Fatalf("acceptance = %+v, want cost 100 fee 2", acc)
	}
	if got := userPoints(t, c, buyerID); got != 398 {
		t.Fatalf("buyer balance = %d, want 398", got)
	}
	if got := userPoints(t, c, creatorID); got != 100 {
		t.Fatalf("creator balance = %d, want 100", got)
	}
	if got := userPoints(t, c, superID); got != superBefore+2 {
		t.Fatalf("fee account gained %d, want 2", got-superBefore)
	}

	// A counter already at the cap (two buyers raced) is a conflict, not a
	// validation failure.
	cappedID := createTestOffer(t, c, creatorID, 100, int64(1))
	if _, err := c.DB.ExecContext(ctx,
		`UPDATE offers SET accepted_count = 1 WHERE id = $1`, cappedID); err != nil {
		t.Fatal(err)
	}
	_, err = c.acceptOffer(ctx, memberPrincipal(buyerID), cappedID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeConflict {
		t.Fatalf("capped accept err = %v, want conflict", err)
	}
}

func TestIntegrationBuyAndSellPosition(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	ensureTestSuperAdmin(t, c)
	creatorID := createTestUser(t, c, 0)
	sellerID := createTestUser(t, c, 500)
	betID, optID, _ := createTestBet(t, c, creatorID, time.Now().Add(time.Hour))

	pos, err := c.buyPosition(ctx, memberPrincipal(sellerID), betID, optID, 50)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got := userPoints(t, c, sellerID); got != 450 {
		t.Fatalf("balance after buy = %d, want 450", got)
	}
	if pos.OddsAtPurchase != "2.00" {
		t.Fatalf("odds at purchase = %q, want 2.00", pos.OddsAtPurchase)
	}

	// Odds drift up: cashout = floor(50 * 2.40 / 2.00) = 60, fee 1, net 59.
	if _, err := c.DB.ExecContext(ctx,
		`UPDATE bet_options SET current_odds = 2.40 WHERE id = $1`, optID); err != nil {
		t.Fatal(err)
	}
	sold, err := c.sellPosition(ctx, memberPrincipal(sellerID), betID, pos.ID)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sold.Status != positionStatusSold || sold.SoldPoints == nil || *sold.SoldPoints != 59 {
		t.Fatalf("sold position = %+v, want sold for 59", sold)
	}
	if got := userPoints(t, c, sellerID); got != 509 {
		t.Fatalf("balance after sell = %d, want 509", got)
	}

	_, err = c.sellPosition(ctx, memberPrincipal(sellerID), betID, pos.ID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeStateInvalid {
		t.Fatalf("double sell err = %v", err)
	}
}

func TestIntegrationResolveAndSettle(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	superID := ensureTestSuperAdmin(t, c)
	creatorID := createTestUser(t, c, 0)
	winnerID := createTestUser(t, c, 500)
	loserID := createTestUser(t, c, 500)
	betID, winOpt, loseOpt := createTestBet(t, c, creatorID, time.Now().Add(time.Hour))

	winPos, err := c.buyPosition(ctx, memberPrincipal(winnerID), betID, winOpt, 100)
	if err != nil {
		t.Fatalf("winner buy: %v", err)
	}
	if _, err := c.buyPosition(ctx, memberPrincipal(loserID), betID, loseOpt, 80); err != nil {
		t.Fatalf("loser buy: %v", err)
	}

	// Odds move after purchase; settlement pays at the odds bought.
	if _, err := c.DB.ExecContext(ctx,
		`UPDATE bet_options SET current_odds = 9.99 WHERE id = $1`, winOpt); err != nil {
		t.Fatal(err)
	}

	superBefore := userPoints(t, c, superID)
	admin := adminPrincipal(superID)
	jobID, err := c.resolveBet(ctx, admin, betID, winOpt)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Re-resolving while the job is live is a conflict.
	var apiErr *APIError
	if _, err := c.resolveBet(ctx, admin, betID, winOpt); !errors.As(err, &apiErr) || apiErr.Code != CodeConflict {
		t.Fatalf("re-resolve of live job err = %v, want conflict", err)
	}

	if err := c.processPayoutJob(ctx, jobID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// gross = floor(100 * 2.00) = 200, fee 4, net 196.
	if got := userPoints(t, c, winnerID); got != 596 {
		t.Fatalf("winner balance = %d, want 596", got)
	}
	if got := userPoints(t, c, loserID); got != 420 {
		t.Fatalf("loser balance = %d, want 420", got)
	}
	if got := userPoints(t, c, superID); got != superBefore+4 {
		t.Fatalf("fee account gained %d, want 4", got-superBefore)
	}

	var (
		posStatus string
		payout    sql.NullInt64
	)
	if err := c.DB.QueryRowContext(ctx,
		`SELECT status, payout_points FROM bet_positions WHERE id = $1`, winPos.ID).
		Scan(&posStatus, &payout); err != nil {
		t.Fatal(err)
	}
	if posStatus != positionStatusSettled || !payout.Valid || payout.Int64 != 196 {
		t.Fatalf("winning position = %s/%v, want settled/196", posStatus, payout)
	}

	var betStatus, jobStatus string
	if err := c.DB.QueryRowContext(ctx, `SELECT status FROM bets WHERE id = $1`, betID).Scan(&betStatus); err != nil {
		t.Fatal(err)
	}
	if err := c.DB.QueryRowContext(ctx, `SELECT status FROM payout_jobs WHERE id = $1`, jobID).Scan(&jobStatus); err != nil {
		t.Fatal(err)
	}
	if betStatus != betStatusResolved || jobStatus != payoutStatusCompleted {
		t.Fatalf("bet/job status = %s/%s", betStatus, jobStatus)
	}

	// A replayed settlement finds the bet already resolved and backs off.
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		return c.settleBet(ctx, tx, payoutJob{id: jobID, betID: betID, resultOptionID: winOpt})
	})
	if !errors.Is(err, errBetAlreadySettled) {
		t.Fatalf("replayed settle err = %v, want errBetAlreadySettled", err)
	}
	if got := userPoints(t, c, winnerID); got != 596 {
		t.Fatalf("winner balance after replay = %d, want 596", got)
	}

	// A late failure report must not clobber the completed job, on either
	// the retry path or the dead path.
	cause := fmt.Errorf("late failure")
	_ = c.markPayoutFailure(ctx, payoutJob{id: jobID, betID: betID, attempts: 1, maxAttempts: 5}, cause)
	_ = c.markPayoutFailure(ctx, payoutJob{id: jobID, betID: betID, attempts: 5, maxAttempts: 5}, cause)
	if err := c.DB.QueryRowContext(ctx, `SELECT status FROM payout_jobs WHERE id = $1`, jobID).Scan(&jobStatus); err != nil {
		t.Fatal(err)
	}
	if jobStatus != payoutStatusCompleted {
		t.Fatalf("job status after late failure = %q, want completed", jobStatus)
	}

	// Resolving a resolved bet is a conflict.
	if _, err := c.resolveBet(ctx, admin, betID, winOpt); !errors.As(err, &apiErr) || apiErr.Code != CodeConflict {
		t.Fatalf("resolve of resolved bet err = %v, want conflict", err)
	}
}

func TestIntegrationResolveRevivesDeadJob(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	superID := ensureTestSuperAdmin(t, c)
	creatorID := createTestUser(t, c, 0)
	buyerID := createTestUser(t, c, 500)
	betID, winOpt, _ := createTestBet(t, c, creatorID, time.Now().Add(time.Hour))
	if _, err := c.buyPosition(ctx, memberPrincipal(buyerID), betID, winOpt, 100); err != nil {
		t.Fatalf("buy: %v", err)
	}

	admin := adminPrincipal(superID)
	jobID, err := c.resolveBet(ctx, admin, betID, winOpt)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Park the job as a worker that ran out of attempts would.
	if _, err := c.DB.ExecContext(ctx,
		`UPDATE payout_jobs SET status = 'dead', attempts = 5, last_error = 'boom' WHERE id = $1`,
		jobID); err != nil {
		t.Fatal(err)
	}

	// The stuck bet shows up in the pending view with its job state.
	rec := httptest.NewRecorder()
	if err := c.handlePendingResolution(rec, httptest.NewRequest(http.MethodGet, "/admin/bets/pending-resolution", nil)); err != nil {
		t.Fatalf("pending view: %v", err)
	}
	var view struct {
		Bets []struct {
			ID           int64  `json:"id"`
			Status       string `json:"status"`
			PayoutStatus string `json:"payoutStatus"`
		} `json:"bets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode pending view: %v", err)
	}
	found := false
	for _, b := range view.Bets {
		if b.ID == betID {
			found = true
			if b.Status != betStatusResolving || b.PayoutStatus != payoutStatusDead {
				t.Fatalf("pending entry = %+v, want resolving/dead", b)
			}
		}
	}
	if !found {
		t.Fatal("stuck bet missing from the pending view")
	}

	// Resolving again revives the parked job with a fresh budget.
	revivedID, err := c.resolveBet(ctx, admin, betID, winOpt)
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	if revivedID != jobID {
		t.Fatalf("revived job id = %d, want %d", revivedID, jobID)
	}
	var (
		status   string
		attempts int
	)
	if err := c.DB.QueryRowContext(ctx,
		`SELECT status, attempts FROM payout_jobs WHERE id = $1`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatal(err)
	}
	if status != payoutStatusQueued || attempts != 0 {
		t.Fatalf("revived job = %s/%d, want queued/0", status, attempts)
	}

	if err := c.processPayoutJob(ctx, revivedID); err != nil {
		t.Fatalf("settle revived: %v", err)
	}
	if got := userPoints(t, c, buyerID); got != 596 {
		t.Fatalf("buyer balance = %d, want 596", got)
	}
}

func TestIntegrationCancelBetRefundsStakes(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	creatorID := createTestUser(t, c, 0)
	buyerID := createTestUser(t, c, 300)
	betID, optID, _ := createTestBet(t, c, creatorID, time.Now().Add(time.Hour))

	pos, err := c.buyPosition(ctx, memberPrincipal(buyerID), betID, optID, 120)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got := userPoints(t, c, buyerID); got != 180 {
		t.Fatalf("balance after buy = %d, want 180", got)
	}

	cancelled, err := c.cancelBet(ctx, adminPrincipal(creatorID), betID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != betStatusCancelled {
		t.Fatalf("bet status = %q", cancelled.Status)
	}
	if got := userPoints(t, c, buyerID); got != 300 {
		t.Fatalf("balance after cancel = %d, want 300", got)
	}

	var (
		posStatus string
		payout    sql.NullInt64
	)
	if err := c.DB.QueryRowContext(ctx,
		`SELECT status, payout_points FROM bet_positions WHERE id = $1`, pos.ID).
		Scan(&posStatus, &payout); err != nil {
		t.Fatal(err)
	}
	if posStatus != positionStatusCancelled || !payout.Valid || payout.Int64 != 120 {
		t.Fatalf("cancelled position = %s/%v, want cancelled/120", posStatus, payout)
	}
}

func TestIntegrationBanEscheatsBalance(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	superID := ensureTestSuperAdmin(t, c)
	adminID := createTestUser(t, c, 0)
	targetID := createTestUser(t, c, 250)
	superBefore := userPoints(t, c, superID)

	ban := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/users/ban",
			strings.NewReader(`{"reason":"abuse"}`))
		req.SetPathValue("id", strconv.FormatInt(targetID, 10))
		req = req.WithContext(auth.WithPrincipal(req.Context(), adminPrincipal(adminID)))
		rec := httptest.NewRecorder()
		if err := c.handleBanUser(rec, req); err != nil {
			c.writeError(rec, req, err)
		}
		return rec
	}

	if rec := ban(); rec.Code != http.StatusOK {
		t.Fatalf("ban = %d: %s", rec.Code, rec.Body.String())
	}
	if got := userPoints(t, c, targetID); got != 0 {
		t.Fatalf("target balance = %d, want 0", got)
	}
	if got := userPoints(t, c, superID); got != superBefore+250 {
		t.Fatalf("escheat sink gained %d, want 250", got-superBefore)
	}
	var banned bool
	if err := c.DB.QueryRowContext(ctx,
		`SELECT is_banned FROM users WHERE id = $1`, targetID).Scan(&banned); err != nil {
		t.Fatal(err)
	}
	if !banned {
		t.Fatal("target not flagged banned")
	}

	// The escheat is a paired ledger transfer, not a raw balance write.
	var pairRows int
	if err := c.DB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM audit_logs
WHERE action IN ('ban_transfer_debit','ban_transfer_credit') AND related_entity = $1`,
		fmt.Sprintf("user:%d", targetID)).Scan(&pairRows); err != nil {
		t.Fatal(err)
	}
	if pairRows != 2 {
		t.Fatalf("escheat audit rows = %d, want 2", pairRows)
	}

	if rec := ban(); rec.Code != http.StatusBadRequest {
		t.Fatalf("second ban = %d, want 400", rec.Code)
	}
}

func TestIntegrationIdempotencyKeyScopedToPath(t *testing.T) {
	c := openIntegrationCore(t)
	userID := createTestUser(t, c, 0)
	key := fmt.Sprintf("it-path-%d", time.Now().UnixNano())

	var hits []string
	wrapped := c.idempotent(func(w http.ResponseWriter, r *http.Request) error {
		hits = append(hits, r.PathValue("id"))
		return writeOK(w, http.StatusOK, map[string]any{"offerId": r.PathValue("id")})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /offers/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(auth.WithPrincipal(r.Context(), memberPrincipal(userID)))
		if err := wrapped(w, r); err != nil {
			c.writeError(w, r, err)
		}
	})

	do := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set(idempotencyHeader, key)
		mux.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/offers/1/accept"); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d: %s", rec.Code, rec.Body.String())
	}

	// The same key against another offer is a reuse, never a replay of the
	// stored response.
	if rec := do("/offers/2/accept"); rec.Code != http.StatusConflict {
		t.Fatalf("same key, other offer = %d, want 409", rec.Code)
	}
	if len(hits) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(hits))
	}

	// The original request replays byte for byte.
	rec := do("/offers/1/accept")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"offerId":"1"`) {
		t.Fatalf("replay = %d: %s", rec.Code, rec.Body.String())
	}
	if len(hits) != 1 {
		t.Fatalf("replay re-ran the handler (%d hits)", len(hits))
	}
}

func TestIntegrationRefreshRotationAtomic(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	userID := createTestUser(t, c, 0)
	old, err := c.issueRefreshToken(ctx, userID, "", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rotate := func(token string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh",
			strings.NewReader(fmt.Sprintf(`{"refreshToken":%q}`, token)))
		if err := c.handleRefresh(rec, req); err != nil {
			c.writeError(rec, req, err)
		}
		return rec
	}

	first := rotate(old)
	if first.Code != http.StatusOK {
		t.Fatalf("rotate = %d: %s", first.Code, first.Body.String())
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(first.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RefreshToken == "" || body.RefreshToken == old {
		t.Fatalf("rotated token = %q", body.RefreshToken)
	}

	// The spent token no longer admits; the rotated one does, proving the
	// revoke and the insert landed together.
	if rec := rotate(old); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed old token = %d, want 401", rec.Code)
	}
	if rec := rotate(body.RefreshToken); rec.Code != http.StatusOK {
		t.Fatalf("rotated token rejected = %d: %s", rec.Code, rec.Body.String())
	}
}
