package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testCore() *Core {
	return &Core{
		Log:     testLogger(),
		Metrics: NewMetrics(),
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body
}

func TestWriteOKEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := writeOK(rec, http.StatusCreated, map[string]any{"value": 7}); err != nil {
		t.Fatalf("writeOK: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["ok"] != true {
		t.Fatal("envelope missing ok:true")
	}
	if body["value"] != float64(7) {
		t.Fatalf("value = %v", body["value"])
	}
}

func TestWriteErrorAPIError(t *testing.T) {
	c := testCore()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	c.writeError(rec, r, errNotFound("offer not found"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeEnvelope(t, rec)
	if body["ok"] != false || body["code"] != CodeNotFound {
		t.Fatalf("envelope = %v", body)
	}
	if body["message"] != "offer not found" {
		t.Fatalf("message = %v", body["message"])
	}
}

func TestWriteErrorMasksInternals(t *testing.T) {
	c := testCore()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	c.writeError(rec, r, errors.New("pq: connection refused to 10.0.0.5"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") {
		t.Fatal("internal detail leaked into the response")
	}
	body := decodeEnvelope(t, rec)
	if body["code"] != CodeInternal {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestWriteErrorRateLimitRetryAfter(t *testing.T) {
	c := testCore()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	c.writeError(rec, r, errRateLimited(30))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q", got)
	}
	body := decodeEnvelope(t, rec)
	if body["code"] != CodeRateLimited {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestValidationIssuesSurface(t *testing.T) {
	c := testCore()
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	c.writeError(rec, r, errValidation("invalid bet", "title is required", "odds too low"))

	body := decodeEnvelope(t, rec)
	issues, ok := body["issues"].([]any)
	if !ok || len(issues) != 2 {
		t.Fatalf("issues = %v", body["issues"])
	}
}

func TestHandleEchoesRequestID(t *testing.T) {
	c := testCore()
	h := c.handle(func(w http.ResponseWriter, r *http.Request) error {
		return writeOK(w, http.StatusOK, nil)
	})

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set(requestIDHeader, "req-abc")
	h.ServeHTTP(rec, r)
	if got := rec.Header().Get(requestIDHeader); got != "req-abc" {
		t.Fatalf("echoed request id = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("no request id generated")
	}
}

func TestDecodeBodyRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"amount":5,"bogus":1}`))
	var dst struct {
		Amount int64 `json:"amount"`
	}
	err := decodeBody(r, &dst)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeValidation {
		t.Fatalf("err = %v", err)
	}
}
