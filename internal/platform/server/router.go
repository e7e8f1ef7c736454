package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the full HTTP surface. Handlers compose as
// authenticate -> authorize -> idempotency -> work; the idempotency layer
// sits inside authentication because keys are scoped per user.
func (c *Core) Router(resolver *ClientIPResolver) http.Handler {
	mux := http.NewServeMux()

	// System surface. Metrics are the raw Prometheus exposition, outside
	// the JSON envelope.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_ = c.handleHealth(w, r)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /odds", c.handle(c.handleOddsSnapshot))
	mux.HandleFunc("GET /ws/odds", c.handleOddsWS)

	// Accounts.
	mux.Handle("POST /auth/register", c.handle(c.handleRegister))
	mux.Handle("POST /auth/login", c.handle(c.handleLogin))
	mux.Handle("POST /auth/refresh", c.handle(c.handleRefresh))
	mux.Handle("POST /auth/logout", c.handle(c.requireUser(c.handleLogout)))

	mux.Handle("GET /me", c.handle(c.requireUser(c.handleMe)))
	mux.Handle("GET /me/stats", c.handle(c.requireUser(c.handleMeStats)))
	mux.Handle("GET /me/bets", c.handle(c.requireUser(c.handleMyPositions)))
	mux.Handle("GET /me/groups", c.handle(c.requireUser(c.handleMyGroups)))
	mux.Handle("PATCH /me/profile", c.handle(c.requireUser(c.handleUpdateProfile)))
	mux.Handle("GET /users/{id}", c.handle(c.requireUser(c.handleGetUser)))
	mux.Handle("GET /profiles/{id}", c.handle(c.requireUser(c.handleGetProfile)))

	// Offers.
	mux.Handle("POST /offers", c.handle(c.requireUser(c.idempotent(c.handleCreateOffer))))
	mux.Handle("GET /offers", c.handle(c.requireUser(c.handleListOffers)))
	mux.Handle("GET /offers/{id}", c.handle(c.requireUser(c.handleGetOffer)))
	mux.Handle("PATCH /offers/{id}", c.handle(c.requireUser(c.handleUpdateOffer)))
	mux.Handle("DELETE /offers/{id}", c.handle(c.requireUser(c.handleDeleteOffer)))
	mux.Handle("POST /offers/{id}/accept", c.handle(c.requireUser(c.idempotent(c.handleAcceptOffer))))
	mux.Handle("POST /offers/{id}/reviews", c.handle(c.requireUser(c.idempotent(c.handleCreateReview))))
	mux.Handle("GET /offers/{id}/reviews", c.handle(c.requireUser(c.handleListReviews)))
	mux.Handle("GET /offers/{id}/acceptances", c.handle(c.requireUser(c.handleListAcceptances)))

	// Bets.
	mux.Handle("POST /bets", c.handle(c.requireUser(c.idempotent(c.handleCreateBet))))
	mux.Handle("GET /bets", c.handle(c.requireUser(c.handleListBets)))
	mux.Handle("GET /bets/{id}", c.handle(c.requireUser(c.handleGetBet)))
	mux.Handle("GET /bets/{id}/positions", c.handle(c.requireUser(c.handleListBetPositions)))
	mux.Handle("POST /bets/{id}/buy", c.handle(c.requireUser(c.idempotent(c.handleBuyPosition))))
	mux.Handle("POST /bets/{id}/sell", c.handle(c.requireUser(c.idempotent(c.handleSellPosition))))
	mux.Handle("PATCH /bets/{id}/options/{optionId}", c.handle(c.requireUser(c.handleUpdateBetOption)))

	// Admin surface.
	mux.Handle("POST /admin/users/{id}/points/credit", c.handle(c.requireAdmin(c.idempotent(c.handleAdminCredit))))
	mux.Handle("POST /admin/users/{id}/points/debit", c.handle(c.requireAdmin(c.idempotent(c.handleAdminDebit))))
	mux.Handle("POST /admin/users/{id}/ban", c.handle(c.requireAdmin(c.idempotent(c.handleBanUser))))
	mux.Handle("POST /admin/users/{id}/unban", c.handle(c.requireAdmin(c.handleUnbanUser)))
	mux.Handle("POST /admin/users/{id}/promote", c.handle(c.requireSuperAdmin(c.handlePromoteUser)))
	mux.Handle("POST /admin/users/{id}/demote", c.handle(c.requireSuperAdmin(c.handleDemoteUser)))
	mux.Handle("POST /admin/users/{id}/reset-password", c.handle(c.requireAdmin(c.handleResetPassword)))
	mux.Handle("GET /admin/users", c.handle(c.requireAdmin(c.handleAdminListUsers)))
	mux.Handle("GET /admin/users/banned", c.handle(c.requireAdmin(c.handleAdminListBanned)))
	mux.Handle("GET /admin/users/{id}/logs", c.handle(c.requireAdmin(c.handleAdminUserLogs)))
	mux.Handle("GET /admin/users/{id}/devices", c.handle(c.requireAdmin(c.handleAdminUserDevices)))
	mux.Handle("GET /admin/users/{id}/sessions", c.handle(c.requireAdmin(c.handleAdminUserSessions)))
	mux.Handle("DELETE /admin/devices/{id}", c.handle(c.requireAdmin(c.handleAdminRevokeDevice)))
	mux.Handle("DELETE /admin/sessions/{id}", c.handle(c.requireAdmin(c.handleAdminRevokeSession)))
	mux.Handle("GET /admin/logs", c.handle(c.requireAdmin(c.handleAdminLogs)))
	mux.Handle("GET /admin/fees/summary", c.handle(c.requireAdmin(c.handleFeeSummary)))

	mux.Handle("DELETE /admin/bets/{id}", c.handle(c.requireAdmin(c.idempotent(c.handleCancelBet))))
	mux.Handle("POST /admin/bets/{id}/resolve", c.handle(c.requireAdmin(c.idempotent(c.handleResolveBet))))
	mux.Handle("GET /admin/bets/pending-resolution", c.handle(c.requireAdmin(c.handlePendingResolution)))
	mux.Handle("GET /admin/payouts", c.handle(c.requireAdmin(c.handleAdminListPayouts)))
	mux.Handle("POST /admin/payouts/{id}/requeue", c.handle(c.requireAdmin(c.handleRequeuePayout)))

	mux.Handle("POST /admin/groups", c.handle(c.requireAdmin(c.handleCreateGroup)))
	mux.Handle("GET /admin/groups", c.handle(c.requireAdmin(c.handleListGroups)))
	mux.Handle("PATCH /admin/groups/{id}", c.handle(c.requireAdmin(c.handleUpdateGroup)))
	mux.Handle("DELETE /admin/groups/{id}", c.handle(c.requireAdmin(c.handleDeleteGroup)))
	mux.Handle("PUT /admin/groups/{id}/members", c.handle(c.requireAdmin(c.handleGroupMembers)))
	mux.Handle("GET /admin/groups/{id}/members", c.handle(c.requireAdmin(c.handleListGroupMembers)))

	return c.accessLog(resolver, mux)
}

// accessLog wraps the mux with one structured line per request.
func (c *Core) accessLog(resolver *ClientIPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if resolver != nil {
			attrs = append(attrs, "client_ip", resolver.ClientIP(r))
		}
		c.Log.Info("request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}
