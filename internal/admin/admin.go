// Package admin provides operator endpoints guarded by the admin secret:
// identity approval, wallet top-ups, ledger audits, forced cancellation,
// flagged order review and on-demand expiry sweeps.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderSecret carries the operator secret.
const HeaderSecret = "X-Admin-Secret"

// OperatorID is recorded as the actor of admin-initiated transitions.
const OperatorID = "admin"

// RequireSecret rejects requests whose X-Admin-Secret does not match.
// An empty configured secret disables the admin API entirely.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}
		got := c.GetHeader(HeaderSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": HeaderSecret + " header required",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// SweepReport is the result of one on-demand expiry sweep.
type SweepReport struct {
	OrdersVoided       int `json:"ordersVoided"`
	NegotiationsClosed int `json:"negotiationsClosed"`
}
