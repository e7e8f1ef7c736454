package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLength = 8
	refreshTokenTTL   = 30 * 24 * time.Hour
)

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleRegister creates the account and mints the starting balance as an
// audited ledger mutation, so day-one points are as traceable as any
// other credit.
func (c *Core) handleRegister(w http.ResponseWriter, r *http.Request) error {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return errValidation("invalid email address")
	}
	if len(req.Password) < minPasswordLength {
		return errValidation("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	var userID int64
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		const insertQ = `
INSERT INTO users (email, password_hash, created_at)
VALUES ($1,$2,$3)
ON CONFLICT (email) DO NOTHING
RETURNING id
`
		err := tx.QueryRowContext(r.Context(), insertQ, email, string(hash), c.now()).Scan(&userID)
		if err == sql.ErrNoRows {
			return errConflict("email is already registered")
		}
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if c.Cfg.StartingPoints > 0 {
			if _, _, err := c.applyDelta(r.Context(), tx, DeltaParams{
				UserID: userID,
				Delta:  c.Cfg.StartingPoints,
				Action: "signup_grant",
				Reason: "starting balance",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusCreated, map[string]any{
		"userId": userID,
		"email":  email,
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceName string `json:"deviceName"`
}

func (c *Core) handleLogin(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	const q = `SELECT id, password_hash, is_banned FROM users WHERE email = $1`
	var (
		userID int64
		hash   string
		banned bool
	)
	err := c.DB.QueryRowContext(r.Context(), q, email).Scan(&userID, &hash, &banned)
	if err == sql.ErrNoRows {
		return errUnauthenticated("invalid credentials")
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		return errUnauthenticated("invalid credentials")
	}
	if banned {
		return errForbidden("account is banned")
	}

	access, err := c.Codec.Sign(r.Context(), userID)
	if err != nil {
		return err
	}
	refresh, err := c.issueRefreshToken(r.Context(), userID, req.DeviceName, r.UserAgent())
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"userId":       userID,
	})
}

func (c *Core) issueRefreshToken(ctx context.Context, userID int64, deviceName, userAgent string) (string, error) {
	token, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	var deviceID any
	if strings.TrimSpace(deviceName) != "" {
		const deviceQ = `
INSERT INTO user_devices (user_id, device_name, user_agent, created_at)
VALUES ($1,$2,$3,$4)
RETURNING id
`
		var id int64
		if err := c.DB.QueryRowContext(ctx, deviceQ, userID,
			strings.TrimSpace(deviceName), userAgent, c.now()).Scan(&id); err != nil {
			return "", fmt.Errorf("register device: %w", err)
		}
		deviceID = id
	}
	const tokenQ = `
INSERT INTO refresh_tokens (user_id, token_hash, device_id, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5)
`
	now := c.now()
	if _, err := c.DB.ExecContext(ctx, tokenQ, userID, hashRefreshToken(token),
		deviceID, now.Add(refreshTokenTTL), now); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return token, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// handleRefresh rotates the refresh token: the old one is revoked and the
// replacement stored in the same transaction that admits it, so a
// replayed token fails cleanly and a failed rotation leaves the old
// token usable.
func (c *Core) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.RefreshToken == "" {
		return errValidation("refreshToken is required")
	}

	token, err := newRefreshToken()
	if err != nil {
		return err
	}
	var userID int64
	err = c.inTx(r.Context(), func(tx *sql.Tx) error {
		const q = `
SELECT rt.user_id, rt.device_id
FROM refresh_tokens rt
JOIN users u ON u.id = rt.user_id
WHERE rt.token_hash = $1
  AND rt.revoked_at IS NULL
  AND rt.expires_at > $2
  AND NOT u.is_banned
FOR UPDATE OF rt
`
		var deviceID sql.NullInt64
		err := tx.QueryRowContext(r.Context(), q, hashRefreshToken(req.RefreshToken), c.now()).
			Scan(&userID, &deviceID)
		if err == sql.ErrNoRows {
			return errUnauthenticated("invalid refresh token")
		}
		if err != nil {
			return err
		}
		const revokeQ = `UPDATE refresh_tokens SET revoked_at = $2 WHERE token_hash = $1`
		if _, err := tx.ExecContext(r.Context(), revokeQ, hashRefreshToken(req.RefreshToken), c.now()); err != nil {
			return err
		}
		var device any
		if deviceID.Valid {
			device = deviceID.Int64
		}
		now := c.now()
		const insertQ = `
INSERT INTO refresh_tokens (user_id, token_hash, device_id, expires_at, created_at)
VALUES ($1,$2,$3,$4,$5)
`
		if _, err := tx.ExecContext(r.Context(), insertQ, userID, hashRefreshToken(token),
			device, now.Add(refreshTokenTTL), now); err != nil {
			return fmt.Errorf("store rotated token: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	access, err := c.Codec.Sign(r.Context(), userID)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{
		"accessToken":  access,
		"refreshToken": token,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
	All          bool   `json:"all"`
}

func (c *Core) handleLogout(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	var req logoutRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	var (
		res sql.Result
		err error
	)
	if req.All {
		res, err = c.DB.ExecContext(r.Context(),
			`UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`,
			p.UserID, c.now())
	} else {
		if req.RefreshToken == "" {
			return errValidation("refreshToken is required unless all=true")
		}
		res, err = c.DB.ExecContext(r.Context(),
			`UPDATE refresh_tokens SET revoked_at = $3 WHERE user_id = $1 AND token_hash = $2 AND revoked_at IS NULL`,
			p.UserID, hashRefreshToken(req.RefreshToken), c.now())
	}
	if err != nil {
		return err
	}
	revoked, _ := res.RowsAffected()
	return writeOK(w, http.StatusOK, map[string]any{"revoked": revoked})
}

type userView struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	Points             int64     `json:"points"`
	IsBanned           bool      `json:"isBanned"`
	ProfileDescription string    `json:"profileDescription"`
	ProfileAlias       string    `json:"profileAlias"`
	ProfileQuote       string    `json:"profileQuote"`
	ProfileVisibility  string    `json:"profileVisibility"`
	CreatedAt          time.Time `json:"createdAt"`
}

func (c *Core) loadUser(ctx context.Context, userID int64) (userView, error) {
	const q = `
SELECT id, email, points, is_banned, profile_description, profile_alias,
       profile_quote, profile_visibility, created_at
FROM users WHERE id = $1
`
	var u userView
	err := c.DB.QueryRowContext(ctx, q, userID).Scan(&u.ID, &u.Email, &u.Points,
		&u.IsBanned, &u.ProfileDescription, &u.ProfileAlias, &u.ProfileQuote,
		&u.ProfileVisibility, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return userView{}, errNotFound("user not found")
	}
	if err != nil {
		return userView{}, err
	}
	return u, nil
}

func (c *Core) handleMe(w http.ResponseWriter, r *http.Request) error {
	u, err := c.loadUser(r.Context(), principal(r).UserID)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"user": u})
}

// handleMeStats aggregates the caller's activity in one round trip per
// table.
func (c *Core) handleMeStats(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	const q = `
SELECT
  (SELECT points FROM users WHERE id = $1),
  (SELECT COUNT(*) FROM bet_positions WHERE user_id = $1 AND status = 'open'),
  (SELECT COALESCE(SUM(stake_points), 0) FROM bet_positions WHERE user_id = $1 AND status = 'open'),
  (SELECT COUNT(*) FROM bet_positions WHERE user_id = $1 AND status = 'settled' AND payout_points > 0),
  (SELECT COALESCE(SUM(payout_points), 0) FROM bet_positions WHERE user_id = $1 AND status = 'settled'),
  (SELECT COUNT(*) FROM offers WHERE creator_user_id = $1),
  (SELECT COUNT(*) FROM offer_acceptances WHERE user_id = $1)
`
	var (
		points, openPositions, staked int64
		wins, won                     int64
		offersCreated, accepted       int64
	)
	if err := c.DB.QueryRowContext(r.Context(), q, p.UserID).Scan(
		&points, &openPositions, &staked, &wins, &won, &offersCreated, &accepted); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{
		"stats": map[string]any{
			"points":         points,
			"openPositions":  openPositions,
			"pointsAtStake":  staked,
			"betsWon":        wins,
			"pointsWon":      won,
			"offersCreated":  offersCreated,
			"offersAccepted": accepted,
		},
	})
}

func (c *Core) handleMyPositions(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	const q = `SELECT ` + positionColumns + `
FROM bet_positions WHERE user_id = $1 ORDER BY id DESC LIMIT 200`
	rows, err := c.DB.QueryContext(r.Context(), q, p.UserID)
	if err != nil {
		return err
	}
	defer rows.Close()
	positions := []BetPosition{}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return err
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"positions": positions})
}

func (c *Core) handleMyGroups(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	const q = `
SELECT g.id, g.name, g.description, g.created_at
FROM groups g
JOIN group_members gm ON gm.group_id = g.id
WHERE gm.user_id = $1
ORDER BY g.name
`
	rows, err := c.DB.QueryContext(r.Context(), q, p.UserID)
	if err != nil {
		return err
	}
	defer rows.Close()
	groups := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
			return err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"groups": groups})
}

type updateProfileRequest struct {
	Description *string `json:"description"`
	Alias       *string `json:"alias"`
	Quote       *string `json:"quote"`
	Visibility  *string `json:"visibility"`
}

func (c *Core) handleUpdateProfile(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	var req updateProfileRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Visibility != nil && *req.Visibility != "public" && *req.Visibility != "private" {
		return errValidation("visibility must be public or private")
	}

	const q = `
UPDATE users
SET profile_description = COALESCE($2, profile_description),
    profile_alias = COALESCE($3, profile_alias),
    profile_quote = COALESCE($4, profile_quote),
    profile_visibility = COALESCE($5, profile_visibility)
WHERE id = $1
`
	if _, err := c.DB.ExecContext(r.Context(), q, p.UserID,
		req.Description, req.Alias, req.Quote, req.Visibility); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	u, err := c.loadUser(r.Context(), p.UserID)
	if err != nil {
		return err
	}
	return writeOK(w, http.StatusOK, map[string]any{"user": u})
}

// handleGetUser returns the full account view for the caller themselves
// or an admin; everyone else gets the profile-shaped subset so email and
// ban state stay private.
func (c *Core) handleGetUser(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	u, err := c.loadUser(r.Context(), id)
	if err != nil {
		return err
	}
	if id == p.UserID || p.IsAdmin() {
		return writeOK(w, http.StatusOK, map[string]any{"user": u})
	}
	if u.ProfileVisibility == "private" {
		return writeOK(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":         u.ID,
				"alias":      u.ProfileAlias,
				"visibility": "private",
			},
		})
	}
	return writeOK(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":          u.ID,
			"alias":       u.ProfileAlias,
			"description": u.ProfileDescription,
			"quote":       u.ProfileQuote,
			"points":      u.Points,
			"visibility":  u.ProfileVisibility,
			"memberSince": u.CreatedAt,
		},
	})
}

// handleGetProfile serves the public view of another user. Private
// profiles reveal only the alias; admins see everything.
func (c *Core) handleGetProfile(w http.ResponseWriter, r *http.Request) error {
	p := principal(r)
	id, err := pathID(r, "id")
	if err != nil {
		return err
	}
	u, err := c.loadUser(r.Context(), id)
	if err != nil {
		return err
	}
	if u.ProfileVisibility == "private" && id != p.UserID && !p.IsAdmin() {
		return writeOK(w, http.StatusOK, map[string]any{
			"profile": map[string]any{
				"id":         u.ID,
				"alias":      u.ProfileAlias,
				"visibility": "private",
			},
		})
	}
	return writeOK(w, http.StatusOK, map[string]any{
		"profile": map[string]any{
			"id":          u.ID,
			"alias":       u.ProfileAlias,
			"description": u.ProfileDescription,
			"quote":       u.ProfileQuote,
			"points":      u.Points,
			"visibility":  u.ProfileVisibility,
			"memberSince": u.CreatedAt,
		},
	})
}
