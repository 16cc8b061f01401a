package httputil

import (
	"context"
	"net/http"
	"strings"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
)

type contextKey string

// Context keys for storing caller information.
const (
	UserIDKey contextKey = "user_id"
	RoleKey   contextKey = "role"
)

// TokenValidator validates bearer tokens of ops API callers.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, role domain.Role, err error)
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				Error(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			userID, role, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				ctxlog.FromContext(r.Context()).Debug("token rejected", "error", err)
				Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, RoleKey, role)
			ctx = ctxlog.With(ctx, "user_id", userID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return token, true
}

// RequireRole rejects callers below minRole.
func RequireRole(minRole domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := r.Context().Value(RoleKey).(domain.Role)
			if !ok {
				Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if !role.HasPermission(minRole) {
				Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WithCaller returns a context carrying caller identity, as AuthMiddleware
// would set it.
func WithCaller(ctx context.Context, userID string, role domain.Role) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, RoleKey, role)
}

// GetUserID extracts user ID from context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRole extracts role from context.
func GetRole(ctx context.Context) domain.Role {
	if role, ok := ctx.Value(RoleKey).(domain.Role); ok {
		return role
	}
	return ""
}
