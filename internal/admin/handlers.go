package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/idgen"
	"github.com/mbd888/agentgate/internal/ledger"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/orders"
)

// IdentityAdmin changes identity status.
type IdentityAdmin interface {
	Get(ctx context.Context, id string) (*auth.Identity, error)
	List(ctx context.Context, role auth.Role, status auth.Status, limit int) ([]*auth.Identity, error)
	SetStatus(ctx context.Context, id string, status auth.Status) (*auth.Identity, error)
}

// LedgerAdmin tops up and audits wallets.
type LedgerAdmin interface {
	Credit(ctx context.Context, agentID string, amount int64, reason, reference string) (*ledger.Entry, error)
	Balance(ctx context.Context, agentID string) (*ledger.Account, error)
	Audit(ctx context.Context, agentID string) (*ledger.AuditReport, error)
}

// OrderAdmin exposes operator order actions.
type OrderAdmin interface {
	Get(ctx context.Context, actor orders.Actor, id string) (*orders.Order, error)
	Cancel(ctx context.Context, actor orders.Actor, id, reason string) (*orders.Order, error)
	Deliver(ctx context.Context, actor orders.Actor, id string) (*orders.Order, error)
	ListFlagged(ctx context.Context, limit int) ([]*orders.Order, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// NegotiationSweeper closes negotiations past their deadline.
type NegotiationSweeper interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	identities   IdentityAdmin
	ledger       LedgerAdmin
	orders       OrderAdmin
	negotiations NegotiationSweeper
	now          func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler(ids IdentityAdmin, led LedgerAdmin, ord OrderAdmin, neg NegotiationSweeper) *Handler {
	return &Handler{
		identities:   ids,
		ledger:       led,
		orders:       ord,
		negotiations: neg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes sets up admin routes. The caller applies RequireSecret.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/identities", h.listIdentities)
	r.POST("/identities/:id/status", h.setStatus)
	r.POST("/ledger/:agentId/topup", h.topUp)
	r.GET("/ledger/:agentId/audit", h.audit)
	r.GET("/orders/flagged", h.listFlagged)
	r.GET("/orders/:id", h.getOrder)
	r.POST("/orders/:id/cancel", h.cancelOrder)
	r.POST("/orders/:id/deliver", h.deliverOrder)
	r.POST("/sweeps", h.sweep)
}

var operator = orders.Actor{ID: OperatorID, Admin: true}

// respondError maps business codes onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.OrderNotFound, apperr.ProductNotFound, apperr.NegotiationNotFound, apperr.AccountNotFound:
		status = http.StatusNotFound
	case apperr.OrderTerminal, apperr.InvalidTransition, apperr.Conflict, apperr.DuplicateReference:
		status = http.StatusConflict
	case apperr.InvalidArgument, apperr.InsufficientFunds:
		status = http.StatusBadRequest
	case apperr.Forbidden:
		status = http.StatusForbidden
	case apperr.GatewayUnavailable:
		status = http.StatusBadGateway
	}
	if errors.Is(err, auth.ErrNotFound) {
		status, code = http.StatusNotFound, "IDENTITY_NOT_FOUND"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("admin request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func queryLimit(c *gin.Context, def int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			return parsed
		}
	}
	return def
}

func (h *Handler) listIdentities(c *gin.Context) {
	role := auth.Role(strings.ToLower(c.Query("role")))
	status := auth.Status(strings.ToUpper(c.Query("status")))
	list, err := h.identities.List(c.Request.Context(), role, status, queryLimit(c, 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": list, "count": len(list)})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// setStatus approves, reactivates or revokes an agent or seller.
func (h *Handler) setStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	ident, err := h.identities.SetStatus(c.Request.Context(), c.Param("id"), auth.Status(strings.ToUpper(req.Status)))
	if err != nil {
		respondError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("identity status changed", "identity_id", ident.ID, "status", ident.Status)
	c.JSON(http.StatusOK, ident)
}

type topUpRequest struct {
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

// topUp credits an agent wallet. A repeated reference is rejected, so
// retried top-ups never double-credit.
func (h *Handler) topUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	ident, err := h.identities.Get(ctx, agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	if ident.Role != auth.RoleAgent {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.InvalidArgument, "message": "only agents hold wallets"})
		return
	}
	if req.Reason == "" {
		req.Reason = "admin top-up"
	}
	if req.Reference == "" {
		req.Reference = "topup:" + idgen.New()
	}

	entry, err := h.ledger.Credit(ctx, agentID, req.Amount, req.Reason, req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "balance": entry.BalanceAfter})
}

func (h *Handler) audit(c *gin.Context) {
	report, err := h.ledger.Audit(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func (h *Handler) listFlagged(c *gin.Context) {
	list, err := h.orders.ListFlagged(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "count": len(list)})
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), operator, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder cancels any pre-delivery order, including shipped ones.
func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	o, err := h.orders.Cancel(c.Request.Context(), operator, c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) deliverOrder(c *gin.Context) {
	o, err := h.orders.Deliver(c.Request.Context(), operator, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// sweep runs the order and negotiation expiry sweeps now instead of waiting
// for the next timer tick.
func (h *Handler) sweep(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.now()

	var report SweepReport
	var err error
	if report.OrdersVoided, err = h.orders.ExpireOverdue(ctx, now); err != nil {
		respondError(c, err)
		return
	}
	if report.NegotiationsClosed, err = h.negotiations.ExpireOverdue(ctx, now); err != nil {
		respondError(c, err)
		return
	}
	logging.L(ctx).Info("admin sweep finished",
		"orders_voided", report.OrdersVoided, "negotiations_closed", report.NegotiationsClosed)
	c.JSON(http.StatusOK, report)
}
