package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/campuspoints/pointsd/internal/platform/auth"
)

// targetPermissions reports the permission names a user holds, bypassing
// the principal cache so admin decisions never act on stale role data.
func (c *Core) targetPermissions(ctx context.Context, userID int64) (map[string]struct{}, error) {
	const q = `
SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1
`
	rows, err := c.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms[name] = struct{}{}
	}
	return perms, rows.Err()
}

type adminAdjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// adminAdjust applies a manual credit or debit. Touching a super-admin
// balance requires the super-admin permission on the caller.
func (c *Core) adminAdjust(w http.ResponseWriter, r *http.Request, sign int64, action string) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req adminAdjustRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Amount <= 0 {
		return errValidation("amount must be positive")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return errValidation("reason is required")
	}

	targetPerms, err := c.targetPermissions(r.Context(), id)
	if err != nil {
		return err
	}
	if _, isSuper := targetPerms[auth.PermAdminSuper]; isSuper && !p.IsSuperAdmin() {
		return errForbidden("only a super admin may adjust a super admin balance")
	}

	var before, after int64
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		before, after, err = c.applyDelta(r.Context(), tx, DeltaParams{
			UserID:      id,
			Delta:       sign * req.Amount,
			ActorUserID: &p.UserID,
			Action:      action,
			Reason:      strings.TrimSpace(req.Reason),
		})
		return err
	})
	if err != nil {
		return err
	}
	c.Principals.Invalidate(id)
	return writeOK(w, http.StatusOK, map[string]any{
		"userId": id,
		"before": before,
		"after":  after,
	})
}

func (c *Core) handleAdminCredit(w http.ResponseWriter, r *http.Request) error {
	return c.adminAdjust(w, r, 1, "admin_credit")
}

func (c *Core) handleAdminDebit(w http.ResponseWriter, r *http.Request) error {
	return c.adminAdjust(w, r, -1, "admin_debit")
}

type banRequest struct {
	Reason string `json:"reason"`
}

// handleBanUser escheats the full balance to the super-admin account and
// flags the user. Admins cannot be banned; demote first.
func (c *Core) handleBanUser(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req banRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return errValidation("reason is required")
	}

	targetPerms, err := c.targetPermissions(r.Context(), id)
	if err != nil {
		return err
	}
	if _, isAdmin := targetPerms[auth.PermAdminAccess]; isAdmin {
		return errForbidden("cannot ban an admin; demote first")
	}

	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		superID, err := c.SuperAdminID(r.Context())
		if err != nil {
			return err
		}
		if superID == id {
			return errStateInvalid("cannot ban the fee account")
		}

		// Target and escheat sink lock in ascending id order, the same
		// order every transfer path uses.
		ids := []int64{id, superID}
		slices.Sort(ids)
		rows, err := tx.QueryContext(r.Context(),
			`SELECT id FROM users WHERE id = ANY($1::bigint[]) ORDER BY id FOR UPDATE`, idArray(ids))
		if err != nil {
			return err
		}
		targetLocked := false
		for rows.Next() {
			var lockedID int64
			if err := rows.Scan(&lockedID); err != nil {
				rows.Close()
				return err
			}
			if lockedID == id {
				targetLocked = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if !targetLocked {
			return errNotFound("user not found")
		}

		const stateQ = `SELECT points, is_banned FROM users WHERE id = $1`
		var (
			points int64
			banned bool
		)
		if err := tx.QueryRowContext(r.Context(), stateQ, id).Scan(&points, &banned); err != nil {
			return err
		}
		if banned {
			return errStateInvalid("user is already banned")
		}

		if points > 0 {
			if err := c.transfer(r.Context(), tx, id, superID, points,
				&p.UserID, "ban_transfer", reason, fmt.Sprintf("user:%d", id)); err != nil {
				return err
			}
		}

		const banQ = `UPDATE users SET is_banned = TRUE, banned_at = $2 WHERE id = $1`
		if _, err := tx.ExecContext(r.Context(), banQ, id, c.now()); err != nil {
			return err
		}
		const revokeQ = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
		_, err = tx.ExecContext(r.Context(), revokeQ, id, c.now())
		return err
	})
	if err != nil {
		return err
	}
	c.Principals.Invalidate(id)
	return writeOK(w, http.StatusOK, map[string]any{"userId": id, "banned": true})
}

func (c *Core) handleUnbanUser(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	res, err := c.DB.ExecContext(r.Context(),
		`UPDATE users SET is_banned = FALSE, banned_at = NULL WHERE id = $1 AND is_banned`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errStateInvalid("user is not banned")
	}
	c.Principals.Invalidate(id)
	return writeOK(w, http.StatusOK, map[string]any{"userId": id, "banned": false})
}

type roleRequest struct {
	Role string `json:"role"`
}

func validRole(role string) bool {
	return role == "admin" || role == "super_admin"
}

func (c *Core) handlePromoteUser(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if !validRole(req.Role) {
		return errValidation("role must be admin or super_admin")
	}
	const q = `
INSERT INTO user_roles (user_id, role_id)
SELECT $1, r.id FROM roles r
WHERE r.name = $2 AND EXISTS (SELECT 1 FROM users WHERE id = $1)
ON CONFLICT DO NOTHING
`
	res, err := c.DB.ExecContext(r.Context(), q, id, req.Role)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists bool
		if err := c.DB.QueryRowContext(r.Context(),
			`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return errNotFound("user not found")
		}
	}
	c.Principals.Invalidate(id)
	if req.Role == "super_admin" {
		c.resetSuperAdminCache()
	}
	return writeOK(w, http.StatusOK, map[string]any{"userId": id, "role": req.Role})
}

func (c *Core) handleDemoteUser(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req roleRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if !validRole(req.Role) {
		return errValidation("role must be admin or super_admin")
	}
	if req.Role == "super_admin" && id == p.UserID {
		return errStateInvalid("cannot demote yourself from super_admin")
	}
	const q = `
DELETE FROM user_roles
WHERE user_id = $1 AND role_id = (SELECT id FROM roles WHERE name = $2)
`
	res, err := c.DB.ExecContext(r.Context(), q, id, req.Role)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errStateInvalid("user does not hold that role")
	}
	c.Principals.Invalidate(id)
	if req.Role == "super_admin" {
		c.resetSuperAdminCache()
	}
	return writeOK(w, http.StatusOK, map[string]any{"userId": id, "role": req.Role})
}

type resetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

// handleResetPassword replaces the hash and revokes every session.
func (c *Core) handleResetPassword(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	var req resetPasswordRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if len(req.NewPassword) < minPasswordLength {
		return errValidation("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(r.Context(),
			`UPDATE users SET password_hash = $2 WHERE id = $1`, id, string(hash))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errNotFound("user not found")
		}
		_, err = tx.ExecContext(r.Context(),
			`UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`,
			id, c.now())
		return err
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"userId": id})
}

func (c *Core) handleAdminListUsers(w http.ResponseWriter, r *http.Request) error {
	q := `
SELECT id, email, points, is_banned, profile_description, profile_alias,
       profile_quote, profile_visibility, created_at
FROM users WHERE TRUE`
	var args []any
	if r.URL.Query().Get("banned") == "true" {
		q += ` AND is_banned`
	}
	if search := strings.TrimSpace(r.URL.Query().Get("q")); search != "" {
		args = append(args, "%"+strings.ToLower(search)+"%")
		q += fmt.Sprintf(` AND (LOWER(email) LIKE $%d OR LOWER(profile_alias) LIKE $%d)`, len(args), len(args))
	}
	q += ` ORDER BY id LIMIT 500`

	rows, err := c.DB.QueryContext(r.Context(), q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	users := []userView{}
	for rows.Next() {
		var u userView
		if err := rows.Scan(&u.ID, &u.Email, &u.Points, &u.IsBanned, &u.ProfileDescription,
			&u.ProfileAlias, &u.ProfileQuote, &u.ProfileVisibility, &u.CreatedAt); err != nil {
			return err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"users": users})
}

// handleAdminListBanned is the banned-only slice of the user list.
func (c *Core) handleAdminListBanned(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	q.Set("banned", "true")
	r.URL.RawQuery = q.Encode()
	return c.handleAdminListUsers(w, r)
}

type auditLogView struct {
	ID            int64          `json:"id"`
	OccurredAt    time.Time      `json:"occurredAt"`
	ActorUserID   *int64         `json:"actorUserId,omitempty"`
	TargetUserID  *int64         `json:"targetUserId,omitempty"`
	Action        string         `json:"action"`
	Reason        string         `json:"reason"`
	PointsDelta   *int64         `json:"pointsDelta,omitempty"`
	PointsBefore  *int64         `json:"pointsBefore,omitempty"`
	PointsAfter   *int64         `json:"pointsAfter,omitempty"`
	RelatedEntity string         `json:"relatedEntity,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

func scanAuditLog(rows *sql.Rows) (auditLogView, error) {
	var (
		v      auditLogView
		actor  sql.NullInt64
		target sql.NullInt64
		delta  sql.NullInt64
		before sql.NullInt64
		after  sql.NullInt64
	)
	err := rows.Scan(&v.ID, &v.OccurredAt, &actor, &target, &v.Action, &v.Reason,
		&delta, &before, &after, &v.RelatedEntity, &v.CorrelationID)
	if err != nil {
		return auditLogView{}, err
	}
	if actor.Valid {
		v.ActorUserID = &actor.Int64
	}
	if target.Valid {
		v.TargetUserID = &target.Int64
	}
	if delta.Valid {
		v.PointsDelta = &delta.Int64
	}
	if before.Valid {
		v.PointsBefore = &before.Int64
	}
	if after.Valid {
		v.PointsAfter = &after.Int64
	}
	return v, nil
}

const auditLogColumns = `
id, occurred_at, actor_user_id, target_user_id, action, reason,
points_delta, points_before, points_after, related_entity, correlation_id`

func (c *Core) handleAdminUserLogs(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	const q = `SELECT ` + auditLogColumns + `
FROM audit_logs
WHERE target_user_id = $1 OR actor_user_id = $1
ORDER BY id DESC LIMIT 200`
	return c.respondAuditLogs(w, r, q, id)
}

func (c *Core) handleAdminLogs(w http.ResponseWriter, r *http.Request) error {
	q := `SELECT ` + auditLogColumns + ` FROM audit_logs WHERE TRUE`
	var args []any
	if action := strings.TrimSpace(r.URL.Query().Get("action")); action != "" {
		args = append(args, action)
		q += fmt.Sprintf(` AND action = $%d`, len(args))
	}
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return errValidation("limit must be between 1 and 1000")
		}
		limit = n
	}
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT %d`, limit)
	return c.respondAuditLogs(w, r, q, args...)
}

func (c *Core) respondAuditLogs(w http.ResponseWriter, r *http.Request, query string, args ...any) error {
	rows, err := c.DB.QueryContext(r.Context(), query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	logs := []auditLogView{}
	for rows.Next() {
		v, err := scanAuditLog(rows)
		if err != nil {
			return err
		}
		logs = append(logs, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"logs": logs})
}

func (c *Core) handleAdminUserDevices(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	const q = `
SELECT id, device_name, user_agent, created_at, revoked_at
FROM user_devices WHERE user_id = $1 ORDER BY id DESC
`
	rows, err := c.DB.QueryContext(r.Context(), q, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	type device struct {
		ID         int64      `json:"id"`
		DeviceName string     `json:"deviceName"`
		UserAgent  string     `json:"userAgent"`
		CreatedAt  time.Time  `json:"createdAt"`
		RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	}
	devices := []device{}
	for rows.Next() {
		var (
			d       device
			revoked sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.DeviceName, &d.UserAgent, &d.CreatedAt, &revoked); err != nil {
			return err
		}
		if revoked.Valid {
			d.RevokedAt = &revoked.Time
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"devices": devices})
}

func (c *Core) handleAdminUserSessions(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	const q = `
SELECT id, device_id, expires_at, created_at
FROM refresh_tokens
WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2
ORDER BY id DESC
`
	rows, err := c.DB.QueryContext(r.Context(), q, id, c.now())
	if err != nil {
		return err
	}
	defer rows.Close()
	type session struct {
		ID        int64     `json:"id"`
		DeviceID  *int64    `json:"deviceId,omitempty"`
		ExpiresAt time.Time `json:"expiresAt"`
		CreatedAt time.Time `json:"createdAt"`
	}
	sessions := []session{}
	for rows.Next() {
		var (
			s      session
			device sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &device, &s.ExpiresAt, &s.CreatedAt); err != nil {
			return err
		}
		if device.Valid {
			s.DeviceID = &device.Int64
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleAdminRevokeDevice revokes the device and every session bound to
// it.
func (c *Core) handleAdminRevokeDevice(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		res, err := tx.ExecContext(r.Context(),
			`UPDATE user_devices SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
			id, c.now())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errNotFound("device not found")
		}
		_, err = tx.ExecContext(r.Context(),
			`UPDATE refresh_tokens SET revoked_at = $2 WHERE device_id = $1 AND revoked_at IS NULL`,
			id, c.now())
		return err
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, nil)
}

func (c *Core) handleAdminRevokeSession(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	res, err := c.DB.ExecContext(r.Context(),
		`UPDATE refresh_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, c.now())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errNotFound("session not found")
	}
	return writeOK(w, http.StatusOK, nil)
}

// handlePendingResolution lists bets past their close that nobody has
// resolved yet, plus bets stuck in resolving together with their payout
// job state, so parked jobs are visible without trawling the job list.
func (c *Core) handlePendingResolution(w http.ResponseWriter, r *http.Request) error {
	const q = `
SELECT b.id, b.creator_user_id, b.group_id, b.title, b.description, b.bet_type,
       b.closes_at, b.status, b.result_option_id, b.resolved_at, b.created_at,
       COALESCE(pj.status, '')
FROM bets b
LEFT JOIN payout_jobs pj ON pj.bet_id = b.id
WHERE (b.status IN ('open','closed') AND b.closes_at <= $1)
   OR b.status = 'resolving'
ORDER BY b.closes_at
LIMIT 200`
	rows, err := c.DB.QueryContext(r.Context(), q, c.now())
	if err != nil {
		return err
	}
	defer rows.Close()
	type pendingBet struct {
		Bet
		PayoutStatus string `json:"payoutStatus,omitempty"`
	}
	bets := []pendingBet{}
	for rows.Next() {
		var (
			pb       pendingBet
			group    sql.NullInt64
			result   sql.NullInt64
			resolved sql.NullTime
		)
		if err := rows.Scan(&pb.ID, &pb.CreatorUserID, &group, &pb.Title, &pb.Description,
			&pb.BetType, &pb.ClosesAt, &pb.Status, &result, &resolved, &pb.CreatedAt,
			&pb.PayoutStatus); err != nil {
			return err
		}
		if group.Valid {
			pb.GroupID = &group.Int64
		}
		if result.Valid {
			pb.ResultOptionID = &result.Int64
		}
		if resolved.Valid {
			pb.ResolvedAt = &resolved.Time
		}
		bets = append(bets, pb)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"bets": bets})
}

// handleFeeSummary totals collected fees per action from the audit trail.
func (c *Core) handleFeeSummary(w http.ResponseWriter, r *http.Request) error {
	const q = `
SELECT action, COUNT(*), COALESCE(SUM(points_delta), 0)
FROM audit_logs
WHERE reason = 'fee' AND points_delta > 0
GROUP BY action
ORDER BY action
`
	rows, err := c.DB.QueryContext(r.Context(), q)
	if err != nil {
		return err
	}
	defer rows.Close()
	type feeLine struct {
		Action string `json:"action"`
		Count  int64  `json:"count"`
		Points int64  `json:"points"`
	}
	lines := []feeLine{}
	var total int64
	for rows.Next() {
		var l feeLine
		if err := rows.Scan(&l.Action, &l.Count, &l.Points); err != nil {
			return err
		}
		lines = append(lines, l)
		total += l.Points
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{
		"fees":        lines,
		"totalPoints": total,
	})
}

func (c *Core) handleAdminListPayouts(w http.ResponseWriter, r *http.Request) error {
	q := `
SELECT id, bet_id, result_option_id, resolved_by, status, attempts, max_attempts,
       next_attempt_at, started_at, completed_at, last_error, created_at
FROM payout_jobs WHERE TRUE`
	var args []any
	if status := r.URL.Query().Get("status"); status != "" {
		switch status {
		case payoutStatusQueued, payoutStatusProcessing, payoutStatusRetryWait,
			payoutStatusCompleted, payoutStatusFailed, payoutStatusDead:
		default:
			return errValidation("unknown payout status")
		}
		args = append(args, status)
		q += ` AND status = $1`
	}
	q += ` ORDER BY id DESC LIMIT 200`

	rows, err := c.DB.QueryContext(r.Context(), q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	type payoutView struct {
		ID             int64      `json:"id"`
		BetID          int64      `json:"betId"`
		ResultOptionID int64      `json:"resultOptionId"`
		ResolvedBy     int64      `json:"resolvedBy"`
		Status         string     `json:"status"`
		Attempts       int        `json:"attempts"`
		MaxAttempts    int        `json:"maxAttempts"`
		NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
		StartedAt      *time.Time `json:"startedAt,omitempty"`
		CompletedAt    *time.Time `json:"completedAt,omitempty"`
		LastError      string     `json:"lastError,omitempty"`
		CreatedAt      time.Time  `json:"createdAt"`
	}
	jobs := []payoutView{}
	for rows.Next() {
		var (
			j                         payoutView
			nextAt, startAt, doneAt   sql.NullTime
		)
		if err := rows.Scan(&j.ID, &j.BetID, &j.ResultOptionID, &j.ResolvedBy, &j.Status,
			&j.Attempts, &j.MaxAttempts, &nextAt, &startAt, &doneAt, &j.LastError, &j.CreatedAt); err != nil {
			return err
		}
		if nextAt.Valid {
			j.NextAttemptAt = &nextAt.Time
		}
		if startAt.Valid {
			j.StartedAt = &startAt.Time
		}
		if doneAt.Valid {
			j.CompletedAt = &doneAt.Time
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"payouts": jobs})
}

// handleRequeuePayout gives a parked job a fresh attempt budget. Live or
// finished jobs are refused.
func (c *Core) handleRequeuePayout(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	const q = `
UPDATE payout_jobs
SET status = 'queued', attempts = 0, next_attempt_at = NULL, last_error = ''
WHERE id = $1 AND status IN ('failed','dead','retry_wait')
RETURNING id
`
	var jobID int64
	err = c.DB.QueryRowContext(r.Context(), q, id).Scan(&jobID)
	if err == sql.ErrNoRows {
		var status string
		if err := c.DB.QueryRowContext(r.Context(),
			`SELECT status FROM payout_jobs WHERE id = $1`, id).Scan(&status); err == sql.ErrNoRows {
			return errNotFound("payout job not found")
		} else if err != nil {
			return err
		}
		return errStateInvalid("payout job is " + status)
	}
	if err != nil {
		return err
	}
	c.Metrics.ObservePayoutTransition(payoutStatusQueued)
	if err := c.Queue.Push(r.Context(), jobID); err != nil {
		c.Log.Error("push requeued payout job", "job_id", jobID, "error", err)
	}
	return writeOK(w, http.StatusOK, map[string]any{"payoutJobId": jobID, "status": payoutStatusQueued})
}
