package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Rrens/pagemind/internal/api/response"
	"github.com/Rrens/pagemind/internal/security"
)

type contextKey string

const SurfaceKey contextKey = "surface"

// AuthMiddleware checks the handshake token minted from the shared secret
type AuthMiddleware struct {
	tokens *security.TokenManager
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(tokens *security.TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate validates the bearer token. Requests pass unchecked when no
// shared secret is configured.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.tokens.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			response.Unauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			response.Unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.tokens.Validate(parts[1])
		if err != nil {
			response.Unauthorized(w, "invalid or expired token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), SurfaceKey, claims.Surface)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSurface gets the authenticated UI surface from context
func GetSurface(ctx context.Context) (string, bool) {
	surface, ok := ctx.Value(SurfaceKey).(string)
	return surface, ok
}
