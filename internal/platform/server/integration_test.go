package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/campuspoints/pointsd/internal/platform/config"
)

// Integration tests need a throwaway Postgres; they are skipped unless
// POINTSD_TEST_DATABASE_URL is set.
func openIntegrationCore(t *testing.T) *Core {
	t.Helper()
	dsn := os.Getenv("POINTSD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("POINTSD_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.PingContext(context.Background()); err != nil {
		t.Fatalf("ping db: %v", err)
	}

	core := NewCore(CoreOptions{
		DB:      db,
		Log:     testLogger(),
		Metrics: NewMetrics(),
		Queue:   newMemoryQueue(16),
		Cfg: config.Config{
			JWTSecret:      "integration-test-secret-0123456789",
			JWTIssuer:      "pointsd",
			PayoutMaxTries: 5,
			PayoutWorkers:  1,
			StartingPoints: 500,
		},
	})
	if err := core.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return core
}

func createTestUser(t *testing.T, c *Core, points int64) int64 {
	t.Helper()
	email := fmt.Sprintf("it-%d@campus.test", time.Now().UnixNano())
	var id int64
	err := c.DB.QueryRowContext(context.Background(),
		`INSERT INTO users (email, password_hash, points) VALUES ($1, 'x', $2) RETURNING id`,
		email, points).Scan(&id)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

func TestIntegrationSchemaIdempotent(t *testing.T) {
	c := openIntegrationCore(t)
	// Running bootstrap twice must be a no-op.
	if err := c.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
}

func TestIntegrationApplyDelta(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	userID := createTestUser(t, c, 100)

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		before, after, err := c.applyDelta(ctx, tx, DeltaParams{
			UserID: userID,
			Delta:  40,
			Action: "test_credit",
			Reason: "integration",
		})
		if err != nil {
			return err
		}
		if before != 100 || after != 140 {
			t.Fatalf("credit before/after = %d/%d", before, after)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("credit tx: %v", err)
	}

	// Overdraft must roll the transaction back and leave the balance at
	// the pre-debit value.
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		_, _, err := c.applyDelta(ctx, tx, DeltaParams{
			UserID: userID,
			Delta:  -1000,
			Action: "test_debit",
			Reason: "integration",
		})
		return err
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeInsufficientPoints {
		t.Fatalf("overdraft err = %v", err)
	}
	var points int64
	if err := c.DB.QueryRowContext(ctx, `SELECT points FROM users WHERE id = $1`, userID).Scan(&points); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if points != 140 {
		t.Fatalf("balance after failed debit = %d, want 140", points)
	}
}

func TestIntegrationIdempotencyLifecycle(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	userID := createTestUser(t, c, 0)
	key := fmt.Sprintf("it-key-%d", time.Now().UnixNano())
	hash := hashRequest("POST", "/offers/{id}/accept", nil, []byte(`{}`))

	claimed, _, err := c.claimIdempotencyKey(ctx, key, userID, "/offers/{id}/accept", "POST", hash)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should win")
	}

	// Duplicate while processing.
	claimed, prior, err := c.claimIdempotencyKey(ctx, key, userID, "/offers/{id}/accept", "POST", hash)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim should observe the first")
	}
	if prior.status != idemStatusProcessing {
		t.Fatalf("prior status = %q", prior.status)
	}

	if err := c.completeIdempotencyKey(ctx, key, userID, "/offers/{id}/accept", "POST", 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, prior, err = c.claimIdempotencyKey(ctx, key, userID, "/offers/{id}/accept", "POST", hash)
	if err != nil {
		t.Fatalf("post-complete claim: %v", err)
	}
	if prior.status != idemStatusCompleted || prior.responseStatus != 201 {
		t.Fatalf("prior = %+v", prior)
	}
	if string(prior.responseBody) != `{"ok":true}` {
		t.Fatalf("stored body = %q", prior.responseBody)
	}

	// A different user may reuse the same opaque key.
	otherID := createTestUser(t, c, 0)
	claimed, _, err = c.claimIdempotencyKey(ctx, key, otherID, "/offers/{id}/accept", "POST", hash)
	if err != nil {
		t.Fatalf("other-user claim: %v", err)
	}
	if !claimed {
		t.Fatal("key scope should include the user id")
	}
}

func TestIntegrationTransfer(t *testing.T) {
	c := openIntegrationCore(t)
	ctx := context.Background()
	fromID := createTestUser(t, c, 300)
	toID := createTestUser(t, c, 10)

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		return c.transfer(ctx, tx, fromID, toID, 120, nil, "test_transfer", "integration", "test")
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	var fromPts, toPts int64
	if err := c.DB.QueryRowContext(ctx, `SELECT points FROM users WHERE id = $1`, fromID).Scan(&fromPts); err != nil {
		t.Fatal(err)
	}
	if err := c.DB.QueryRowContext(ctx, `SELECT points FROM users WHERE id = $1`, toID).Scan(&toPts); err != nil {
		t.Fatal(err)
	}
	if fromPts != 180 || toPts != 130 {
		t.Fatalf("balances = %d/%d, want 180/130", fromPts, toPts)
	}

	// The paired audit rows share a correlation id.
	var corrCount int
	const q = `
SELECT COUNT(DISTINCT correlation_id)
FROM audit_logs
WHERE action IN ('test_transfer_debit','test_transfer_credit')
  AND (target_user_id = $1 OR target_user_id = $2)
`
	if err := c.DB.QueryRowContext(ctx, q, fromID, toID).Scan(&corrCount); err != nil {
		t.Fatal(err)
	}
	if corrCount != 1 {
		t.Fatalf("distinct correlation ids = %d, want 1", corrCount)
	}
}
