package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxIdemKeyLength  = 128

	idemStatusProcessing = "processing"
	idemStatusCompleted  = "completed"
)

// hashRequest canonicalizes (method, path, query, body) so a replayed
// request can be told apart from a key reused for a different payload or
// a different resource.
func hashRequest(method, path string, query map[string][]string, body []byte) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(method)
	b.WriteString("\n")
	b.WriteString(path)
	b.WriteString("\n")
	for _, k := range keys {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(v)
			b.WriteString("&")
		}
	}
	b.WriteString("\n")
	b.Write(body)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func routePattern(r *http.Request) string {
	if r.Pattern != "" {
		// Strip the method prefix of a "POST /path" pattern.
		if i := strings.IndexByte(r.Pattern, ' '); i >= 0 {
			return r.Pattern[i+1:]
		}
		return r.Pattern
	}
	return r.URL.Path
}

// idempotent wraps a mutating handler with the at-most-once contract.
// Requests without the header run untouched. The key is scoped to
// (key, user, route, method), so distinct users may reuse the same
// opaque string.
func (c *Core) idempotent(next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			return next(w, r)
		}
		if len(key) > maxIdemKeyLength {
			return errValidation("Idempotency-Key exceeds 128 characters")
		}
		p := principal(r)
		if p.UserID == 0 {
			return errUnauthenticated("idempotent requests require authentication")
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			return errValidation("unreadable request body")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		route := routePattern(r)
		// The hash covers the concrete path, not the mux pattern, so the
		// same key aimed at a different resource reads as a reuse, not a
		// replay of the stored response.
		requestHash := hashRequest(r.Method, r.URL.Path, r.URL.Query(), body)

		claimed, prior, err := c.claimIdempotencyKey(r.Context(), key, p.UserID, route, r.Method, requestHash)
		if err != nil {
			return err
		}
		if !claimed {
			switch {
			case prior.requestHash != requestHash:
				c.Metrics.ObserveIdempotencyConflict("reuse")
				return errConflict("idempotency key reused with a different payload")
			case prior.status == idemStatusCompleted:
				c.Metrics.ObserveIdempotencyReplay()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(prior.responseStatus)
				_, _ = w.Write(prior.responseBody)
				return nil
			default:
				c.Metrics.ObserveIdempotencyConflict("in_flight")
				return errConflict("request with this idempotency key is in flight")
			}
		}

		rec := newResponseRecorder()
		if err := next(rec, r); err != nil {
			c.writeError(rec, r, err)
		}

		// 5xx means the handler did not reach a terminal outcome; the
		// row stays processing so duplicates keep answering in-flight
		// until operational cleanup, matching the crash behaviour.
		if rec.status < http.StatusInternalServerError {
			if err := c.completeIdempotencyKey(r.Context(), key, p.UserID, route, r.Method, rec.status, rec.body.Bytes()); err != nil {
				c.Log.Error("persist idempotency completion",
					"request_id", requestIDFrom(r.Context()), "error", err)
				return errInternal()
			}
		}

		rec.flushTo(w)
		return nil
	}
}

type idempotencyRow struct {
	requestHash    string
	status         string
	responseStatus int
	responseBody   []byte
}

// claimIdempotencyKey upserts the processing row in its own transaction
// before the handler runs. claimed=false returns the pre-existing row.
func (c *Core) claimIdempotencyKey(ctx context.Context, key string, userID int64, route, method, requestHash string) (bool, idempotencyRow, error) {
	var (
		claimed bool
		prior   idempotencyRow
	)
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		const insertQ = `
INSERT INTO idempotency_keys (idem_key, user_id, route, method, request_hash, status, created_at)
VALUES ($1,$2,$3,$4,$5,'processing',$6)
ON CONFLICT (idem_key, user_id, route, method) DO NOTHING
`
		res, err := tx.ExecContext(ctx, insertQ, key, userID, route, method, requestHash, c.now())
		if err != nil {
			return fmt.Errorf("claim idempotency key: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 1 {
			claimed = true
			return nil
		}

		const selectQ = `
SELECT request_hash, status, COALESCE(response_status, 0), COALESCE(response_body, ''::bytea)
FROM idempotency_keys
WHERE idem_key = $1 AND user_id = $2 AND route = $3 AND method = $4
`
		return tx.QueryRowContext(ctx, selectQ, key, userID, route, method).
			Scan(&prior.requestHash, &prior.status, &prior.responseStatus, &prior.responseBody)
	})
	if err != nil {
		return false, idempotencyRow{}, err
	}
	return claimed, prior, nil
}

func (c *Core) completeIdempotencyKey(ctx context.Context, key string, userID int64, route, method string, status int, body []byte) error {
	const q = `
UPDATE idempotency_keys
SET status = 'completed', response_status = $5, response_body = $6, completed_at = $7
WHERE idem_key = $1 AND user_id = $2 AND route = $3 AND method = $4 AND status = 'processing'
`
	_, err := c.DB.ExecContext(ctx, q, key, userID, route, method, status, body, c.now())
	return err
}

// cleanupIdempotencyKeys drops completed keys older than the retention
// window. Processing rows are left for the operator: deleting them could
// let a crashed mutation re-run silently.
func (c *Core) cleanupIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `
DELETE FROM idempotency_keys
WHERE status = 'completed' AND completed_at < $1
`
	res, err := c.DB.ExecContext(ctx, q, c.now().Add(-olderThan))
	c.Metrics.ObserveIdempotencyCleanup(err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
