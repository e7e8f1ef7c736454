package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHashRequestStable(t *testing.T) {
	query := map[string][]string{"b": {"2"}, "a": {"1"}}
	h1 := hashRequest("POST", "/offers/{id}/accept", query, []byte(`{"x":1}`))
	h2 := hashRequest("POST", "/offers/{id}/accept", map[string][]string{"a": {"1"}, "b": {"2"}}, []byte(`{"x":1}`))
	if h1 != h2 {
		t.Fatal("query ordering changed the hash")
	}
}

func TestHashRequestSensitivity(t *testing.T) {
	base := hashRequest("POST", "/bets/{id}/positions", nil, []byte(`{"stakePoints":10}`))
	if base == hashRequest("PUT", "/bets/{id}/positions", nil, []byte(`{"stakePoints":10}`)) {
		t.Error("method change did not alter the hash")
	}
	if base == hashRequest("POST", "/bets/{id}/sell", nil, []byte(`{"stakePoints":10}`)) {
		t.Error("route change did not alter the hash")
	}
	if base == hashRequest("POST", "/bets/{id}/positions", nil, []byte(`{"stakePoints":11}`)) {
		t.Error("body change did not alter the hash")
	}
	if base == hashRequest("POST", "/bets/{id}/positions", map[string][]string{"dry": {"1"}}, []byte(`{"stakePoints":10}`)) {
		t.Error("query change did not alter the hash")
	}
}

func TestHashRequestDistinguishesPathValues(t *testing.T) {
	// Two requests behind the same route pattern must never collide: the
	// hash is computed over the concrete path.
	h1 := hashRequest("POST", "/offers/1/accept", nil, []byte(`{}`))
	h2 := hashRequest("POST", "/offers/2/accept", nil, []byte(`{}`))
	if h1 == h2 {
		t.Fatal("different path values produced the same hash")
	}
}

func TestHashRequestMultiValueQuery(t *testing.T) {
	h1 := hashRequest("GET", "/x", map[string][]string{"k": {"b", "a"}}, nil)
	h2 := hashRequest("GET", "/x", map[string][]string{"k": {"a", "b"}}, nil)
	if h1 != h2 {
		t.Fatal("value ordering within one key changed the hash")
	}
}

func TestRoutePatternFallsBackToPath(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/offers/9/accept", nil)
	if got := routePattern(r); got != "/offers/9/accept" {
		t.Fatalf("fallback pattern = %q", got)
	}
}

func TestRoutePatternFromMux(t *testing.T) {
	mux := http.NewServeMux()
	var captured string
	mux.HandleFunc("POST /offers/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		captured = routePattern(r)
	})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offers/42/accept", nil))
	if captured != "/offers/{id}/accept" {
		t.Fatalf("pattern = %q, want /offers/{id}/accept", captured)
	}
}

func TestResponseRecorderFlush(t *testing.T) {
	rec := newResponseRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(http.StatusCreated)
	if _, err := rec.Write([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := httptest.NewRecorder()
	rec.flushTo(out)
	if out.Code != http.StatusCreated {
		t.Fatalf("status = %d", out.Code)
	}
	if out.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %q", out.Body.String())
	}
	if out.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", out.Header().Get("Content-Type"))
	}
}

func TestResponseRecorderDefaultsTo200(t *testing.T) {
	rec := newResponseRecorder()
	if _, err := rec.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.status != http.StatusOK {
		t.Fatalf("implicit status = %d", rec.status)
	}
}
