package payments

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentgate/internal/metrics"
)

// Lookup resolves an order's correlation id and amount for the sandbox.
type Lookup func(c *gin.Context, orderID string) (correlationID string, amount int64, err error)

// Handler serves PG callbacks.
type Handler struct {
	reconciler Reconciler
	hosted     *HostedGateway
	stripe     *StripeGateway
	lookup     Lookup
	logger     *slog.Logger
}

// NewHandler creates the callback handler. Either gateway may be nil.
func NewHandler(r Reconciler, hosted *HostedGateway, sg *StripeGateway, logger *slog.Logger) *Handler {
	return &Handler{reconciler: r, hosted: hosted, stripe: sg, logger: logger}
}

// WithSandboxLookup enables the sandbox completion route for the hosted
// gateway.
func (h *Handler) WithSandboxLookup(l Lookup) *Handler {
	h.lookup = l
	return h
}

// RegisterRoutes mounts the callback endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	if h.hosted != nil {
		r.POST("/payments/callback", h.HostedCallback)
		if h.hosted.Sandbox() && h.lookup != nil {
			r.POST("/payments/sandbox/:orderId", h.SandboxComplete)
		}
	}
	if h.stripe != nil {
		r.POST("/payments/stripe/webhook", h.StripeWebhook)
	}
}

// HostedCallback handles POST /payments/callback. The PG expects the literal
// body OK or FAIL.
func (h *Handler) HostedCallback(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		h.fail(c, "hosted", "malformed", err)
		return
	}
	notice, err := h.hosted.VerifyNotice(c.Request.PostForm)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrBadSignature) {
			reason = "bad_signature"
		}
		h.fail(c, "hosted", reason, err)
		return
	}
	if err := h.reconciler.ReconcilePayment(c.Request.Context(), *notice); err != nil {
		h.fail(c, "hosted", "rejected", err)
		return
	}
	metrics.CallbacksTotal.WithLabelValues("hosted", "ok").Inc()
	c.String(http.StatusOK, "OK")
}

// StripeWebhook handles POST /payments/stripe/webhook.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	notice, err := h.stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, ErrIgnoredNotice):
		metrics.CallbacksTotal.WithLabelValues("stripe", "ignored").Inc()
		c.Status(http.StatusOK)
		return
	case errors.Is(err, ErrBadSignature):
		metrics.CallbacksTotal.WithLabelValues("stripe", "bad_signature").Inc()
		h.logger.Warn("stripe webhook signature rejected", "error", err)
		c.Status(http.StatusBadRequest)
		return
	case err != nil:
		metrics.CallbacksTotal.WithLabelValues("stripe", "malformed").Inc()
		c.Status(http.StatusBadRequest)
		return
	}

	if err := h.reconciler.ReconcilePayment(c.Request.Context(), *notice); err != nil {
		metrics.CallbacksTotal.WithLabelValues("stripe", "rejected").Inc()
		h.logger.Warn("stripe notice rejected", "order_id", notice.OrderID, "error", err)
		// 2xx stops Stripe from retrying a notice that can never apply.
		c.Status(http.StatusOK)
		return
	}
	metrics.CallbacksTotal.WithLabelValues("stripe", "ok").Inc()
	c.Status(http.StatusOK)
}

// SandboxComplete handles POST /payments/sandbox/:orderId?code=0000 by
// posting a signed notice through the same verification path as the PG.
func (h *Handler) SandboxComplete(c *gin.Context) {
	orderID := c.Param("orderId")
	tid, amount, err := h.lookup(c, orderID)
	if err != nil {
		c.String(http.StatusNotFound, "FAIL")
		return
	}
	if a := c.Query("amount"); a != "" {
		// Simulates a tampered amount.
		if amount, err = strconv.ParseInt(a, 10, 64); err != nil {
			c.String(http.StatusBadRequest, "FAIL")
			return
		}
	}
	c.Request.PostForm = h.hosted.SignedNotice(orderID, tid, amount, c.DefaultQuery("code", CodeSuccess))
	h.HostedCallback(c)
}

func (h *Handler) fail(c *gin.Context, provider, reason string, err error) {
	metrics.CallbacksTotal.WithLabelValues(provider, reason).Inc()
	h.logger.Warn("payment callback rejected", "provider", provider, "reason", reason, "error", err)
	c.String(http.StatusOK, "FAIL")
}
