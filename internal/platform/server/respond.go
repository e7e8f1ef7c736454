package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

type requestIDKey struct{}

const requestIDHeader = "X-Request-Id"

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// apiHandler is the shape every endpoint implements; returned errors are
// rendered by handle() into the envelope.
type apiHandler func(w http.ResponseWriter, r *http.Request) error

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf)
	return nil
}

// writeOK renders {ok:true, ...fields}.
func writeOK(w http.ResponseWriter, status int, fields map[string]any) error {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	return writeJSON(w, status, body)
}

func (c *Core) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		c.Log.Error("request failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		apiErr = errInternal()
	}
	body := map[string]any{
		"ok":      false,
		"code":    apiErr.Code,
		"message": apiErr.Message,
	}
	if len(apiErr.Issues) > 0 {
		body["issues"] = apiErr.Issues
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	_ = writeJSON(w, apiErr.Status, body)
}

// handle adapts an apiHandler into http.Handler, tagging the response with
// the echoed-or-generated request id.
func (c *Core) handle(h apiHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		r = r.WithContext(withRequestID(r.Context(), reqID))
		if err := h(w, r); err != nil {
			c.writeError(w, r, err)
		}
	})
}

// responseRecorder captures status and body so the idempotency layer can
// replay completed responses byte for byte.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

func (r *responseRecorder) flushTo(w http.ResponseWriter) {
	for k, vs := range r.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errValidation("invalid request body")
	}
	return nil
}
