package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/campuspoints/pointsd/internal/platform/clock"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoPrimary    = errors.New("no primary signing secret")
)

type contextKey string

const principalContextKey contextKey = "principal"

const (
	PermAdminAccess = "admin.access"
	PermAdminSuper  = "admin.super"
)

// Principal is the authenticated caller: base user row plus the derived
// permission set. Handlers receive it through the request context instead
// of re-reading the token.
type Principal struct {
	UserID      int64
	Email       string
	Points      int64
	Banned      bool
	Permissions map[string]struct{}
}

func (p Principal) Can(perm string) bool {
	_, ok := p.Permissions[perm]
	return ok
}

func (p Principal) IsAdmin() bool {
	return p.Can(PermAdminAccess)
}

func (p Principal) IsSuperAdmin() bool {
	return p.Can(PermAdminSuper)
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(principalContextKey).(Principal)
	return v, ok
}

// TokenCodec signs access tokens with the primary secret and verifies them
// against every non-expired secret in the set, so rotation never strands
// tokens signed by a previous primary.
type TokenCodec struct {
	Source    SecretSource
	Clock     clock.Clock
	Issuer    string
	AccessTTL time.Duration
}

func NewTokenCodec(source SecretSource, clk clock.Clock, issuer string) *TokenCodec {
	return &TokenCodec{
		Source:    source,
		Clock:     clk,
		Issuer:    issuer,
		AccessTTL: 15 * time.Minute,
	}
}

func (c *TokenCodec) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}

func (c *TokenCodec) Sign(ctx context.Context, userID int64) (string, error) {
	secrets, err := c.Source.Secrets(ctx)
	if err != nil {
		return "", fmt.Errorf("load signing secrets: %w", err)
	}
	var primary *Secret
	for i := range secrets {
		if secrets[i].Primary && !secrets[i].expired(c.now()) {
			primary = &secrets[i]
			break
		}
	}
	if primary == nil {
		return "", ErrNoPrimary
	}
	now := c.now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iss": c.Issuer,
		"iat": now.Unix(),
		"exp": now.Add(c.AccessTTL).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(primary.Value)
}

// VerifyUserID tries the token against each active secret; first success
// wins.
func (c *TokenCodec) VerifyUserID(ctx context.Context, tokenString string) (int64, error) {
	secrets, err := c.Source.Secrets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load verification secrets: %w", err)
	}
	now := c.now()
	for i := range secrets {
		if secrets[i].expired(now) {
			continue
		}
		userID, err := c.verifyWith(tokenString, secrets[i].Value)
		if err == nil {
			return userID, nil
		}
	}
	return 0, ErrInvalidToken
}

func (c *TokenCodec) verifyWith(tokenString string, secret []byte) (int64, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !tok.Valid {
		return 0, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return userID, nil
}
