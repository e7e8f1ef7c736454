package server

import (
	"context"
	"net/http"
	"time"
)

// handleHealth reports process liveness plus dependency reachability.
// The endpoint stays 200 while degraded so load balancers keep routing;
// the body says what is down.
func (c *Core) handleHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := c.DB.PingContext(ctx); err != nil {
		dbStatus = "unreachable"
	}
	redisStatus := "ok"
	if c.Redis == nil {
		redisStatus = "not configured"
	} else if err := c.Redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unreachable"
	}

	return writeOK(w, http.StatusOK, map[string]any{
		"version": c.Cfg.Version,
		"db":      dbStatus,
		"redis":   redisStatus,
		"time":    c.now(),
	})
}

// handleOddsSnapshot serves the relay's latest odds for clients that poll
// instead of holding a websocket.
func (c *Core) handleOddsSnapshot(w http.ResponseWriter, r *http.Request) error {
	return writeOK(w, http.StatusOK, map[string]any{"odds": c.Relay.Snapshot()})
}
