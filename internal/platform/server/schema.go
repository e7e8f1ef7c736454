package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Schema creation is idempotent and additive: tables use IF NOT EXISTS,
// later columns go through ensureColumn, and constraints/triggers check
// the catalogs first. Startup retries transient "relation does not exist"
// races with capped backoff.

var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  points BIGINT NOT NULL DEFAULT 0,
  is_banned BOOLEAN NOT NULL DEFAULT FALSE,
  banned_at TIMESTAMPTZ,
  profile_description TEXT NOT NULL DEFAULT '',
  profile_alias TEXT NOT NULL DEFAULT '',
  profile_quote TEXT NOT NULL DEFAULT '',
  profile_visibility TEXT NOT NULL DEFAULT 'public',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS roles (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
)`,
	`CREATE TABLE IF NOT EXISTS permissions (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE
)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
  role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
  permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
  PRIMARY KEY (role_id, permission_id)
)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
  PRIMARY KEY (user_id, role_id)
)`,
	`CREATE TABLE IF NOT EXISTS auth_secrets (
  id BIGSERIAL PRIMARY KEY,
  secret TEXT NOT NULL,
  is_primary BOOLEAN NOT NULL DEFAULT FALSE,
  expires_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS groups (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS group_members (
  group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (group_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS offers (
  id BIGSERIAL PRIMARY KEY,
  creator_user_id BIGINT NOT NULL REFERENCES users(id),
  group_id BIGINT REFERENCES groups(id),
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  points_cost BIGINT NOT NULL CHECK (points_cost > 0),
  max_acceptances BIGINT,
  accepted_count BIGINT NOT NULL DEFAULT 0,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS offer_acceptances (
  id BIGSERIAL PRIMARY KEY,
  offer_id BIGINT NOT NULL REFERENCES offers(id),
  user_id BIGINT NOT NULL REFERENCES users(id),
  points_cost BIGINT NOT NULL,
  fee_points BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS offer_reviews (
  id BIGSERIAL PRIMARY KEY,
  offer_id BIGINT NOT NULL REFERENCES offers(id),
  reviewer_user_id BIGINT NOT NULL REFERENCES users(id),
  rating INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
  comment TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (offer_id, reviewer_user_id)
)`,
	`CREATE TABLE IF NOT EXISTS bets (
  id BIGSERIAL PRIMARY KEY,
  creator_user_id BIGINT NOT NULL REFERENCES users(id),
  group_id BIGINT REFERENCES groups(id),
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  bet_type TEXT NOT NULL CHECK (bet_type IN ('boolean','number','multiple')),
  closes_at TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','closed','resolving','resolved','cancelled')),
  result_option_id BIGINT,
  resolved_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS bet_options (
  id BIGSERIAL PRIMARY KEY,
  bet_id BIGINT NOT NULL REFERENCES bets(id) ON DELETE CASCADE,
  label TEXT NOT NULL,
  numeric_value NUMERIC,
  current_odds NUMERIC(10,2) NOT NULL CHECK (current_odds >= 1.01)
)`,
	`CREATE TABLE IF NOT EXISTS bet_positions (
  id BIGSERIAL PRIMARY KEY,
  bet_id BIGINT NOT NULL REFERENCES bets(id),
  bet_option_id BIGINT NOT NULL REFERENCES bet_options(id),
  user_id BIGINT NOT NULL REFERENCES users(id),
  stake_points BIGINT NOT NULL CHECK (stake_points > 0),
  odds_at_purchase NUMERIC(10,2) NOT NULL,
  status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','sold','settled','cancelled')),
  payout_points BIGINT,
  sold_points BIGINT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  settled_at TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS payout_jobs (
  id BIGSERIAL PRIMARY KEY,
  bet_id BIGINT NOT NULL UNIQUE REFERENCES bets(id),
  result_option_id BIGINT NOT NULL,
  resolved_by BIGINT NOT NULL REFERENCES users(id),
  payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','processing','retry_wait','completed','failed','dead')),
  attempts INT NOT NULL DEFAULT 0,
  max_attempts INT NOT NULL,
  next_attempt_at TIMESTAMPTZ,
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
  idem_key TEXT NOT NULL,
  user_id BIGINT NOT NULL,
  route TEXT NOT NULL,
  method TEXT NOT NULL,
  request_hash TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('processing','completed')),
  response_status INT,
  response_body BYTEA,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  completed_at TIMESTAMPTZ,
  PRIMARY KEY (idem_key, user_id, route, method)
)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
  id BIGSERIAL PRIMARY KEY,
  occurred_at TIMESTAMPTZ NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL,
  actor_user_id BIGINT,
  target_user_id BIGINT,
  action TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  points_delta BIGINT,
  points_before BIGINT,
  points_after BIGINT,
  related_entity TEXT NOT NULL DEFAULT '',
  correlation_id TEXT NOT NULL DEFAULT '',
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  partition_day TEXT NOT NULL,
  hash_prev TEXT NOT NULL,
  hash_curr TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS audit_chain_heads (
  partition_day TEXT PRIMARY KEY,
  last_hash TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS user_devices (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  device_name TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  revoked_at TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
  id BIGSERIAL PRIMARY KEY,
  user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  token_hash TEXT NOT NULL UNIQUE,
  device_id BIGINT REFERENCES user_devices(id),
  expires_at TIMESTAMPTZ NOT NULL,
  revoked_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_offers_active ON offers (is_active, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_bets_status ON bets (status, closes_at)`,
	`CREATE INDEX IF NOT EXISTS idx_bet_positions_bet ON bet_positions (bet_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_bet_positions_user ON bet_positions (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs (target_user_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs (action, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_payout_jobs_status ON payout_jobs (status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens (user_id)`,
}

// Additive evolution: column checks run on every start so older databases
// pick up later columns without a migration tool.
var schemaColumns = []struct {
	table, column, ddl string
}{
	{"users", "profile_quote", `ALTER TABLE users ADD COLUMN profile_quote TEXT NOT NULL DEFAULT ''`},
	{"users", "banned_at", `ALTER TABLE users ADD COLUMN banned_at TIMESTAMPTZ`},
	{"bet_positions", "sold_points", `ALTER TABLE bet_positions ADD COLUMN sold_points BIGINT`},
	{"bet_positions", "settled_at", `ALTER TABLE bet_positions ADD COLUMN settled_at TIMESTAMPTZ`},
	{"payout_jobs", "last_error", `ALTER TABLE payout_jobs ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`},
	{"refresh_tokens", "device_id", `ALTER TABLE refresh_tokens ADD COLUMN device_id BIGINT REFERENCES user_devices(id)`},
}

// EnsureSchema creates tables, constraints, triggers, and seed rows.
func (c *Core) EnsureSchema(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 8 * time.Second
	var lastErr error
	for attempt := 0; attempt < 6; attempt++ {
		if lastErr = c.ensureSchemaOnce(ctx); lastErr == nil {
			return nil
		}
		if !isTransientSchemaErr(lastErr) {
			return lastErr
		}
		c.Log.Warn("schema bootstrap retry", "attempt", attempt+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

// Parent-table races surface while concurrent instances bootstrap; they
// resolve on retry.
func isTransientSchemaErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "duplicate key")
}

func (c *Core) ensureSchemaOnce(ctx context.Context) error {
	for _, ddl := range schemaTables {
		if _, err := c.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, col := range schemaColumns {
		if err := c.ensureColumn(ctx, col.table, col.column, col.ddl); err != nil {
			return err
		}
	}
	for _, ddl := range schemaIndexes {
		if _, err := c.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	if err := c.ensureNonNegativeGuard(ctx); err != nil {
		return err
	}
	if err := c.seedRBAC(ctx); err != nil {
		return err
	}
	if err := c.seedPrimarySecret(ctx); err != nil {
		return err
	}
	return c.bootstrapSuperAdmin(ctx)
}

func (c *Core) ensureColumn(ctx context.Context, table, column, ddl string) error {
	const existsQ = `
SELECT COUNT(*) FROM information_schema.columns
WHERE table_name = $1 AND column_name = $2
`
	var count int
	if err := c.DB.QueryRowContext(ctx, existsQ, table, column).Scan(&count); err != nil {
		return fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := c.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// ensureNonNegativeGuard installs the CHECK constraint and a BEFORE
// trigger. The ledger's FOR UPDATE path is the first line of defence;
// these catch any writer that bypasses it.
func (c *Core) ensureNonNegativeGuard(ctx context.Context) error {
	const checkExistsQ = `
SELECT COUNT(*) FROM information_schema.table_constraints
WHERE table_name = 'users' AND constraint_name = 'users_points_non_negative'
`
	var count int
	if err := c.DB.QueryRowContext(ctx, checkExistsQ).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		const addCheck = `ALTER TABLE users ADD CONSTRAINT users_points_non_negative CHECK (points >= 0)`
		if _, err := c.DB.ExecContext(ctx, addCheck); err != nil {
			return fmt.Errorf("add points check: %w", err)
		}
	}

	const fn = `
CREATE OR REPLACE FUNCTION enforce_non_negative_points() RETURNS trigger AS $$
BEGIN
  IF NEW.points < 0 THEN
    RAISE EXCEPTION 'points for user % would become negative', NEW.id;
  END IF;
  RETURN NEW;
END;
$$ LANGUAGE plpgsql
`
	if _, err := c.DB.ExecContext(ctx, fn); err != nil {
		return fmt.Errorf("create points trigger function: %w", err)
	}

	const triggerExistsQ = `SELECT COUNT(*) FROM pg_trigger WHERE tgname = 'users_points_guard'`
	if err := c.DB.QueryRowContext(ctx, triggerExistsQ).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		const addTrigger = `
CREATE TRIGGER users_points_guard
BEFORE INSERT OR UPDATE OF points ON users
FOR EACH ROW EXECUTE FUNCTION enforce_non_negative_points()
`
		if _, err := c.DB.ExecContext(ctx, addTrigger); err != nil {
			return fmt.Errorf("create points trigger: %w", err)
		}
	}
	return nil
}

func (c *Core) seedRBAC(ctx context.Context) error {
	seeds := []string{
		`INSERT INTO roles (name) VALUES ('admin'), ('super_admin') ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO permissions (name) VALUES ('admin.access'), ('admin.super') ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO role_permissions (role_id, permission_id)
SELECT r.id, p.id FROM roles r, permissions p
WHERE r.name = 'admin' AND p.name = 'admin.access'
ON CONFLICT DO NOTHING`,
		`INSERT INTO role_permissions (role_id, permission_id)
SELECT r.id, p.id FROM roles r, permissions p
WHERE r.name = 'super_admin' AND p.name IN ('admin.access', 'admin.super')
ON CONFLICT DO NOTHING`,
	}
	for _, q := range seeds {
		if _, err := c.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("seed rbac: %w", err)
		}
	}
	return nil
}

// seedPrimarySecret inserts the configured JWT secret as the primary
// signing key when the table is empty.
func (c *Core) seedPrimarySecret(ctx context.Context) error {
	const q = `
INSERT INTO auth_secrets (secret, is_primary)
SELECT $1, TRUE
WHERE NOT EXISTS (SELECT 1 FROM auth_secrets)
`
	_, err := c.DB.ExecContext(ctx, q, c.Cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("seed auth secret: %w", err)
	}
	return nil
}

// bootstrapSuperAdmin assigns super_admin to the configured user, by id
// or by email. Missing configuration is fine when an assignment exists.
func (c *Core) bootstrapSuperAdmin(ctx context.Context) error {
	var userID int64
	switch {
	case c.Cfg.BootstrapUserID > 0:
		userID = c.Cfg.BootstrapUserID
	case c.Cfg.BootstrapEmail != "":
		err := c.DB.QueryRowContext(ctx,
			`SELECT id FROM users WHERE email = $1`, c.Cfg.BootstrapEmail).Scan(&userID)
		if err == sql.ErrNoRows {
			c.Log.Warn("admin bootstrap email not found; skipping", "email", c.Cfg.BootstrapEmail)
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve bootstrap email: %w", err)
		}
	default:
		return nil
	}

	const assignQ = `
INSERT INTO user_roles (user_id, role_id)
SELECT $1, r.id FROM roles r WHERE r.name IN ('admin', 'super_admin')
ON CONFLICT DO NOTHING
`
	if _, err := c.DB.ExecContext(ctx, assignQ, userID); err != nil {
		return fmt.Errorf("assign super admin: %w", err)
	}
	c.resetSuperAdminCache()
	c.Principals.Invalidate(userID)
	return nil
}
