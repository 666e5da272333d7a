package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/taskearn/backend/internal/models"
	"github.com/taskearn/backend/internal/respond"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator verifies a bearer token and returns the user it was issued to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, models.Role, error)
}

// Identity is the authenticated caller. Caps is resolved once from the role
// carried in the token.
type Identity struct {
	UserID uuid.UUID
	Role   models.Role
	Caps   models.Capability
}

// Authenticate validates the Bearer JWT and puts the caller's Identity into
// the request context.
func Authenticate(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				respond.Fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			userID, role, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				respond.Fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
				return
			}
			id := &Identity{UserID: userID, Role: role, Caps: models.CapabilitiesFor(role)}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireCapability rejects callers whose identity lacks c. It must run after
// Authenticate.
func RequireCapability(c models.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromCtx(r.Context())
			if id == nil {
				respond.Fail(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			if !id.Caps.Has(c) {
				respond.Fail(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromCtx returns the authenticated caller or nil.
func IdentityFromCtx(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxIdentityKey).(*Identity)
	return id
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
