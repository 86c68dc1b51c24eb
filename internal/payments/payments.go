// Package payments adapts external payment gateways (PGs).
//
// A Gateway opens a hosted checkout for an order and refunds captured
// payments. Completion arrives asynchronously as a Notice, verified here and
// handed to a Reconciler (the order engine) through the callback handlers.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/circuitbreaker"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/traces"
)

var (
	ErrUnavailable   = apperr.New(apperr.GatewayUnavailable, "payment gateway unavailable")
	ErrRejected      = errors.New("payments: request rejected by gateway")
	ErrBadSignature  = errors.New("payments: notice signature mismatch")
	ErrMalformed     = errors.New("payments: malformed notice")
	ErrIgnoredNotice = errors.New("payments: notice type not handled")
)

// Outcome is the normalized result carried by a completion notice.
type Outcome string

const (
	OutcomeCaptured  Outcome = "captured"
	OutcomePending   Outcome = "pending"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
	OutcomeFailed    Outcome = "failed"
)

// Checkout describes the payment to open for an order.
type Checkout struct {
	OrderID     string
	BuyerID     string
	Description string
	Amount      int64
	Quantity    int
	Deadline    time.Time
}

// Session is an opened checkout.
type Session struct {
	CorrelationID string
	RedirectURL   string
}

// Gateway is an external payment provider.
type Gateway interface {
	Name() string
	CreateCheckout(ctx context.Context, c Checkout) (*Session, error)
	Refund(ctx context.Context, correlationID string, amount int64, reason string) error
}

// Notice is a verified completion notice.
type Notice struct {
	Provider      string
	OrderID       string
	CorrelationID string
	Amount        int64
	Outcome       Outcome
	RawCode       string
	ReceivedAt    time.Time
}

// Reconciler applies a notice to the order it refers to. A nil error means
// the notice was accepted (including replays and flagged late captures).
type Reconciler interface {
	ReconcilePayment(ctx context.Context, n Notice) error
}

// guard runs gateway calls under a timeout and a per-provider circuit
// breaker, recording latency.
type guard struct {
	provider string
	timeout  time.Duration
	breaker  *circuitbreaker.Breaker
}

func newGuard(provider string, timeout time.Duration, breaker *circuitbreaker.Breaker) guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return guard{provider: provider, timeout: timeout, breaker: breaker}
}

// call invokes fn. Transport failures, timeouts and 5xx responses count
// against the breaker and surface as ErrUnavailable; ErrRejected passes
// through uncounted.
func (g guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "payments."+op, traces.Provider(g.provider))
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.breaker.Execute(g.provider, countable, func() error { return fn(ctx) })
	metrics.GatewayRequestDuration.WithLabelValues(g.provider, op).Observe(time.Since(start).Seconds())
	traces.End(span, err)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRejected):
		return err
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Errorf("%s %s: %w: circuit open", g.provider, op, ErrUnavailable)
	default:
		return fmt.Errorf("%s %s: %w: %v", g.provider, op, ErrUnavailable, err)
	}
}

func countable(err error) bool {
	return !errors.Is(err, ErrRejected)
}
