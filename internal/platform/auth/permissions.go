package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/campuspoints/pointsd/internal/platform/clock"
)

var ErrUnknownUser = errors.New("user does not exist")

// PrincipalLoader resolves a user id to its principal (base row plus
// permission set).
type PrincipalLoader interface {
	Load(ctx context.Context, userID int64) (Principal, error)
}

// DBPrincipalLoader joins users through the RBAC tables.
type DBPrincipalLoader struct {
	DB *sql.DB
}

func (l *DBPrincipalLoader) Load(ctx context.Context, userID int64) (Principal, error) {
	const userQ = `SELECT email, points, is_banned FROM users WHERE id = $1`
	p := Principal{UserID: userID, Permissions: map[string]struct{}{}}
	err := l.DB.QueryRowContext(ctx, userQ, userID).Scan(&p.Email, &p.Points, &p.Banned)
	if err == sql.ErrNoRows {
		return Principal{}, ErrUnknownUser
	}
	if err != nil {
		return Principal{}, fmt.Errorf("load user %d: %w", userID, err)
	}

	const permQ = `
SELECT DISTINCT p.name
FROM permissions p
JOIN role_permissions rp ON rp.permission_id = p.id
JOIN user_roles ur ON ur.role_id = rp.role_id
WHERE ur.user_id = $1
`
	rows, err := l.DB.QueryContext(ctx, permQ, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("load permissions for %d: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Principal{}, err
		}
		p.Permissions[name] = struct{}{}
	}
	return p, rows.Err()
}

type cachedPrincipal struct {
	principal Principal
	loadedAt  time.Time
}

// PrincipalCache bounds permission staleness to TTL (30s). Role changes
// call Invalidate for immediate effect on this process.
type PrincipalCache struct {
	Loader PrincipalLoader
	Clock  clock.Clock
	TTL    time.Duration

	mu      sync.Mutex
	entries map[int64]cachedPrincipal
}

func NewPrincipalCache(loader PrincipalLoader, clk clock.Clock) *PrincipalCache {
	return &PrincipalCache{
		Loader:  loader,
		Clock:   clk,
		TTL:     30 * time.Second,
		entries: make(map[int64]cachedPrincipal),
	}
}

func (c *PrincipalCache) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *PrincipalCache) Get(ctx context.Context, userID int64) (Principal, error) {
	now := c.now()
	c.mu.Lock()
	if entry, ok := c.entries[userID]; ok && now.Sub(entry.loadedAt) < c.TTL {
		p := entry.principal
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	p, err := c.Loader.Load(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	c.mu.Lock()
	c.entries[userID] = cachedPrincipal{principal: p, loadedAt: now}
	c.mu.Unlock()
	return p, nil
}

func (c *PrincipalCache) Invalidate(userID int64) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
