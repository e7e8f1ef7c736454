package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/campuspoints/pointsd/internal/platform/auth"
)

// authenticate verifies the bearer token, loads the principal through the
// 30s cache, and rejects banned users with a distinct error regardless of
// token validity.
func (c *Core) authenticate(r *http.Request) (auth.Principal, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return auth.Principal{}, errUnauthenticated("missing bearer token")
	}
	userID, err := c.Codec.VerifyUserID(r.Context(), strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return auth.Principal{}, errUnauthenticated("invalid token")
		}
		return auth.Principal{}, err
	}
	p, err := c.Principals.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownUser) {
			return auth.Principal{}, errUnauthenticated("unknown user")
		}
		return auth.Principal{}, err
	}
	if p.Banned {
		return auth.Principal{}, errForbidden("account is banned")
	}
	return p, nil
}

// requireUser wraps a handler with authentication.
func (c *Core) requireUser(next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) error {
		p, err := c.authenticate(r)
		if err != nil {
			return err
		}
		*r = *r.WithContext(auth.WithPrincipal(r.Context(), p))
		return next(w, r)
	}
}

// requirePerm additionally gates on a permission name.
func (c *Core) requirePerm(perm string, next apiHandler) apiHandler {
	return c.requireUser(func(w http.ResponseWriter, r *http.Request) error {
		p, _ := auth.PrincipalFromContext(r.Context())
		if !p.Can(perm) {
			return errForbidden("missing permission")
		}
		return next(w, r)
	})
}

func (c *Core) requireAdmin(next apiHandler) apiHandler {
	return c.requirePerm(auth.PermAdminAccess, next)
}

func (c *Core) requireSuperAdmin(next apiHandler) apiHandler {
	return c.requirePerm(auth.PermAdminSuper, next)
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}
