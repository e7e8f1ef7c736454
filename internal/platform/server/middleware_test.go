package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/campuspoints/pointsd/internal/platform/auth"
	"github.com/campuspoints/pointsd/internal/platform/clock"
)

type staticLoader map[int64]auth.Principal

func (l staticLoader) Load(_ context.Context, userID int64) (auth.Principal, error) {
	p, ok := l[userID]
	if !ok {
		return auth.Principal{}, auth.ErrUnknownUser
	}
	return p, nil
}

func authTestCore(t *testing.T, users map[int64]auth.Principal) *Core {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	secrets := auth.StaticSecrets{{ID: 1, Value: []byte("0123456789abcdef0123456789abcdef"), Primary: true}}
	return &Core{
		Log:        testLogger(),
		Metrics:    NewMetrics(),
		Clock:      clk,
		Codec:      auth.NewTokenCodec(secrets, clk, "pointsd"),
		Principals: auth.NewPrincipalCache(staticLoader(users), clk),
	}
}

func signToken(t *testing.T, c *Core, userID int64) string {
	t.Helper()
	token, err := c.Codec.Sign(context.Background(), userID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func serveAuthed(c *Core, h apiHandler, token string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	c.handle(h).ServeHTTP(rec, r)
	return rec
}

func okHandler(w http.ResponseWriter, r *http.Request) error {
	return writeOK(w, http.StatusOK, nil)
}

func TestRequireUserRejectsMissingToken(t *testing.T) {
	c := authTestCore(t, nil)
	rec := serveAuthed(c, c.requireUser(okHandler), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequireUserRejectsGarbageToken(t *testing.T) {
	c := authTestCore(t, nil)
	rec := serveAuthed(c, c.requireUser(okHandler), "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequireUserPassesPrincipal(t *testing.T) {
	c := authTestCore(t, map[int64]auth.Principal{
		42: {UserID: 42, Email: "a@campus.test", Points: 500},
	})
	var seen auth.Principal
	h := c.requireUser(func(w http.ResponseWriter, r *http.Request) error {
		seen = principal(r)
		return writeOK(w, http.StatusOK, nil)
	})
	rec := serveAuthed(c, h, signToken(t, c, 42))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if seen.UserID != 42 || seen.Email != "a@campus.test" {
		t.Fatalf("principal = %+v", seen)
	}
}

func TestRequireUserRejectsBanned(t *testing.T) {
	c := authTestCore(t, map[int64]auth.Principal{
		7: {UserID: 7, Banned: true},
	})
	rec := serveAuthed(c, c.requireUser(okHandler), signToken(t, c, 7))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	c := authTestCore(t, map[int64]auth.Principal{
		1: {UserID: 1, Permissions: map[string]struct{}{auth.PermAdminAccess: {}}},
		2: {UserID: 2, Permissions: map[string]struct{}{}},
	})
	if rec := serveAuthed(c, c.requireAdmin(okHandler), signToken(t, c, 1)); rec.Code != http.StatusOK {
		t.Fatalf("admin blocked: %d", rec.Code)
	}
	if rec := serveAuthed(c, c.requireAdmin(okHandler), signToken(t, c, 2)); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin allowed: %d", rec.Code)
	}
}

func TestRequireSuperAdmin(t *testing.T) {
	c := authTestCore(t, map[int64]auth.Principal{
		1: {UserID: 1, Permissions: map[string]struct{}{auth.PermAdminAccess: {}}},
		2: {UserID: 2, Permissions: map[string]struct{}{
			auth.PermAdminAccess: {},
			auth.PermAdminSuper:  {},
		}},
	})
	if rec := serveAuthed(c, c.requireSuperAdmin(okHandler), signToken(t, c, 1)); rec.Code != http.StatusForbidden {
		t.Fatalf("plain admin allowed: %d", rec.Code)
	}
	if rec := serveAuthed(c, c.requireSuperAdmin(okHandler), signToken(t, c, 2)); rec.Code != http.StatusOK {
		t.Fatalf("super admin blocked: %d", rec.Code)
	}
}

func TestClientIPResolver(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := resolver.ClientIP(r); got != "203.0.113.9" {
		t.Fatalf("trusted proxy ip = %q", got)
	}

	r.RemoteAddr = "198.51.100.4:6666"
	if got := resolver.ClientIP(r); got != "198.51.100.4" {
		t.Fatalf("untrusted peer ip = %q", got)
	}
}
