package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyIdentity is the gin context key for the authenticated identity.
	ContextKeyIdentity = "authIdentity"

	// HeaderAgentKey is the alternative credential header.
	HeaderAgentKey = "X-Agent-Key"
)

type ctxKey struct{}

// CredentialFromRequest extracts the raw key from "Authorization: Bearer"
// or X-Agent-Key. Bearer wins when both are present.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderAgentKey))
}

// WithIdentity stores the authenticated identity on a context.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, ident)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	ident, ok := ctx.Value(ctxKey{}).(*Identity)
	return ident, ok && ident != nil
}

// RequireIdentity rejects requests without an active credential of one of
// the given roles (any role if none given).
func RequireIdentity(m *Manager, roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := m.Authenticate(c.Request.Context(), CredentialFromRequest(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}
		if len(roles) > 0 && !hasRole(ident.Role, roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "credential role not permitted here",
			})
			return
		}
		c.Set(ContextKeyIdentity, ident)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), ident))
		c.Next()
	}
}

// GetIdentity returns the identity set by RequireIdentity.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil, false
	}
	ident, ok := v.(*Identity)
	return ident, ok
}

func hasRole(r Role, roles []Role) bool {
	for _, want := range roles {
		if r == want {
			return true
		}
	}
	return false
}
