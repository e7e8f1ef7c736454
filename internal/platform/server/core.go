package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campuspoints/pointsd/internal/platform/audit"
	"github.com/campuspoints/pointsd/internal/platform/auth"
	"github.com/campuspoints/pointsd/internal/platform/clock"
	"github.com/campuspoints/pointsd/internal/platform/config"
)

// Core owns every shared resource: the connection pool, the redis client,
// the caches, and the cached super-admin id. It is built once at startup
// and passed to all components; there is no package-level state.
type Core struct {
	DB         *sql.DB
	Redis      *redis.Client
	Clock      clock.Clock
	Log        *slog.Logger
	Metrics    *Metrics
	Audit      audit.TxRecorder
	Codec      *auth.TokenCodec
	Principals *auth.PrincipalCache
	Queue      PayoutQueue
	Relay      *OddsRelay
	Cfg        config.Config

	superAdminMu sync.Mutex
	superAdminID int64
}

type CoreOptions struct {
	DB      *sql.DB
	Redis   *redis.Client
	Clock   clock.Clock
	Log     *slog.Logger
	Metrics *Metrics
	Audit   audit.TxRecorder
	Queue   PayoutQueue
	Cfg     config.Config
}

func NewCore(opts CoreOptions) *Core {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Audit
	if recorder == nil {
		recorder = audit.NewPostgresStore()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	c := &Core{
		DB:      opts.DB,
		Redis:   opts.Redis,
		Clock:   clk,
		Log:     logger,
		Metrics: metrics,
		Audit:   recorder,
		Queue:   opts.Queue,
		Cfg:     opts.Cfg,
	}
	secretSource := auth.NewDBSecretSource(opts.DB, clk)
	c.Codec = auth.NewTokenCodec(secretSource, clk, opts.Cfg.JWTIssuer)
	c.Principals = auth.NewPrincipalCache(&auth.DBPrincipalLoader{DB: opts.DB}, clk)
	c.Relay = NewOddsRelay(logger, metrics)
	return c
}

// inTx runs fn inside one transaction: open, defer rollback, commit on
// success.
func (c *Core) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SuperAdminID resolves the fee/escheat sink once and caches it for the
// process lifetime.
func (c *Core) SuperAdminID(ctx context.Context) (int64, error) {
	c.superAdminMu.Lock()
	defer c.superAdminMu.Unlock()
	if c.superAdminID != 0 {
		return c.superAdminID, nil
	}
	const q = `
SELECT ur.user_id
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE r.name = 'super_admin'
ORDER BY ur.user_id
LIMIT 1
`
	var id int64
	if err := c.DB.QueryRowContext(ctx, q).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("no super admin assigned")
		}
		return 0, fmt.Errorf("resolve super admin: %w", err)
	}
	c.superAdminID = id
	return id, nil
}

// resetSuperAdminCache is called when the super-admin assignment changes.
func (c *Core) resetSuperAdminCache() {
	c.superAdminMu.Lock()
	c.superAdminID = 0
	c.superAdminMu.Unlock()
}

func (c *Core) now() time.Time {
	return c.Clock.Now().UTC()
}
