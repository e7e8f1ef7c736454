package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/campuspoints/pointsd/internal/platform/clock"
)

type Secret struct {
	ID        int64
	Value     []byte
	Primary   bool
	ExpiresAt *time.Time
}

func (s Secret) expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// SecretSource yields the accepted JWT signing secrets.
type SecretSource interface {
	Secrets(ctx context.Context) ([]Secret, error)
}

// StaticSecrets is a fixed in-memory set, used by tests.
type StaticSecrets []Secret

func (s StaticSecrets) Secrets(context.Context) ([]Secret, error) {
	return s, nil
}

// DBSecretSource reads auth_secrets with a refresh TTL so rotation lands
// without a restart while keeping verification off the hot DB path.
type DBSecretSource struct {
	DB    *sql.DB
	Clock clock.Clock
	TTL   time.Duration

	mu        sync.Mutex
	cached    []Secret
	fetchedAt time.Time
}

func NewDBSecretSource(db *sql.DB, clk clock.Clock) *DBSecretSource {
	return &DBSecretSource{DB: db, Clock: clk, TTL: 60 * time.Second}
}

func (s *DBSecretSource) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func (s *DBSecretSource) Secrets(ctx context.Context) ([]Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != nil && now.Sub(s.fetchedAt) < s.TTL {
		return s.cached, nil
	}

	const q = `
SELECT id, secret, is_primary, expires_at
FROM auth_secrets
WHERE expires_at IS NULL OR expires_at > NOW()
ORDER BY is_primary DESC, id DESC
`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		if s.cached != nil {
			return s.cached, nil
		}
		return nil, fmt.Errorf("query auth secrets: %w", err)
	}
	defer rows.Close()

	secrets := make([]Secret, 0, 4)
	for rows.Next() {
		var sec Secret
		var value string
		var expires sql.NullTime
		if err := rows.Scan(&sec.ID, &value, &sec.Primary, &expires); err != nil {
			return nil, fmt.Errorf("scan auth secret: %w", err)
		}
		sec.Value = []byte(value)
		if expires.Valid {
			t := expires.Time
			sec.ExpiresAt = &t
		}
		secrets = append(secrets, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("auth_secrets table holds no active secrets")
	}

	s.cached = secrets
	s.fetchedAt = now
	return secrets, nil
}

// Invalidate drops the cache so the next call refetches, used after an
// operator rotates the keyset.
func (s *DBSecretSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}
