package auth

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-settlement/internal/common"
)

// Middleware wires bearer token verification into HTTP handlers.
type Middleware struct {
	Verifier *Verifier
}

// Authenticate attaches the caller identity when a valid token is present and
// lets anonymous requests through untouched. Quotes work without a login.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || m.Verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := m.Verifier.Verify(token)
		if err != nil {
			common.WriteError(w, err)
			return
		}
		ctx := common.WithUserID(r.Context(), p.UserID)
		ctx = common.WithRole(ctx, p.Role)
		zerolog.Ctx(ctx).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", p.UserID)
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects requests without an authenticated user.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := common.UserID(r.Context()); !ok {
			common.JSONError(w, http.StatusUnauthorized, common.CodeUnauthorized, "missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// RequireAdmin rejects callers whose token does not carry the admin role.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if common.Role(r.Context()) != common.RoleAdmin {
			common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
