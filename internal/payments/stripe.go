package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/agentgate/internal/circuitbreaker"
)

// StripeConfig configures Stripe Checkout.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	APIURL        string // overrides the API endpoint (tests, stripe-mock)
	Timeout       time.Duration
}

// StripeGateway opens Stripe Checkout sessions and consumes their webhooks.
type StripeGateway struct {
	cfg   StripeConfig
	sc    *client.API
	guard guard
}

// NewStripeGateway creates the Stripe adapter. The SDK's own retries are
// disabled; the breaker and order sweep handle transient failure.
func NewStripeGateway(cfg StripeConfig, breaker *circuitbreaker.Breaker) *StripeGateway {
	g := newGuard("stripe", cfg.Timeout, breaker)
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: g.timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	sc := client.New(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackend(stripe.ConnectBackend),
		Uploads: stripe.GetBackend(stripe.UploadsBackend),
	})
	return &StripeGateway{cfg: cfg, sc: sc, guard: g}
}

func (s *StripeGateway) Name() string { return "stripe" }

// Stripe only accepts checkout expiries between 30 minutes and 24 hours out.
const (
	minStripeExpiry = 30*time.Minute + time.Minute
	maxStripeExpiry = 24*time.Hour - time.Minute
)

// CreateCheckout opens a KRW payment-mode session for the order total.
func (s *StripeGateway) CreateCheckout(ctx context.Context, c Checkout) (*Session, error) {
	now := time.Now()
	expires := c.Deadline
	if expires.Sub(now) > maxStripeExpiry {
		expires = now.Add(maxStripeExpiry)
	}
	if expires.Sub(now) < minStripeExpiry {
		expires = now.Add(minStripeExpiry)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(c.OrderID),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ExpiresAt:         stripe.Int64(expires.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("krw"),
				UnitAmount: stripe.Int64(c.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(c.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	params.AddMetadata("order_id", c.OrderID)
	params.AddMetadata("buyer_id", c.BuyerID)
	params.SetIdempotencyKey("checkout:" + c.OrderID)

	var cs *stripe.CheckoutSession
	err := s.guard.call(ctx, "checkout", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		cs, err = s.sc.CheckoutSessions.New(params)
		return classifyStripe(err)
	})
	if err != nil {
		return nil, err
	}
	return &Session{CorrelationID: cs.ID, RedirectURL: cs.URL}, nil
}

// Refund refunds the payment intent behind a completed session.
func (s *StripeGateway) Refund(ctx context.Context, correlationID string, amount int64, reason string) error {
	return s.guard.call(ctx, "refund", func(ctx context.Context) error {
		getParams := &stripe.CheckoutSessionParams{}
		getParams.Context = ctx
		cs, err := s.sc.CheckoutSessions.Get(correlationID, getParams)
		if err != nil {
			return classifyStripe(err)
		}
		if cs.PaymentIntent == nil || cs.PaymentIntent.ID == "" {
			return fmt.Errorf("%w: session %s has no payment intent", ErrRejected, correlationID)
		}

		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(cs.PaymentIntent.ID),
			Amount:        stripe.Int64(amount),
			Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		}
		params.Context = ctx
		params.AddMetadata("reason", reason)
		params.SetIdempotencyKey("refund:" + correlationID)
		_, err = s.sc.Refunds.New(params)
		return classifyStripe(err)
	})
}

// ParseWebhook verifies a Stripe webhook and converts checkout session
// events to a Notice. Other event types return ErrIgnoredNotice.
func (s *StripeGateway) ParseWebhook(payload []byte, sigHeader string) (*Notice, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	var outcome Outcome
	switch string(event.Type) {
	case "checkout.session.completed":
		outcome = OutcomePending
	case "checkout.session.async_payment_succeeded":
		outcome = OutcomeCaptured
	case "checkout.session.async_payment_failed":
		outcome = OutcomeFailed
	case "checkout.session.expired":
		outcome = OutcomeExpired
	default:
		return nil, ErrIgnoredNotice
	}

	if event.Data == nil {
		return nil, ErrMalformed
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if outcome == OutcomePending && cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		outcome = OutcomeCaptured
	}

	orderID := cs.ClientReferenceID
	if orderID == "" {
		orderID = cs.Metadata["order_id"]
	}
	return &Notice{
		Provider:      s.Name(),
		OrderID:       orderID,
		CorrelationID: cs.ID,
		Amount:        cs.AmountTotal,
		Outcome:       outcome,
		RawCode:       string(event.Type),
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// classifyStripe marks 4xx API errors as rejections so they do not trip the
// breaker.
func classifyStripe(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRejected, se.Msg)
	}
	return err
}
