package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the registration endpoints.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts /v1/agents, /v1/sellers and /v1/me.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.register(RoleAgent))
	r.POST("/sellers", h.register(RoleSeller))
	r.GET("/me", RequireIdentity(h.manager), h.Me)
}

// RegisterRequest is the body for identity registration.
type RegisterRequest struct {
	Name      string `json:"name" binding:"required,max=255"`
	PolicyRef string `json:"policyRef"`
}

func (h *Handler) register(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}

		// Trust scores are never self-declared.
		raw, ident, err := h.manager.Register(c.Request.Context(), Registration{
			Role:      role,
			Name:      req.Name,
			PolicyRef: req.PolicyRef,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "registration_failed",
				"message": "Failed to register identity",
			})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      ident.ID,
			"role":    ident.Role,
			"status":  ident.Status,
			"apiKey":  raw,
			"warning": "Store this key securely. It will not be shown again.",
		})
	}
}

// Me returns the authenticated identity.
func (h *Handler) Me(c *gin.Context) {
	ident, ok := GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, ident)
}
