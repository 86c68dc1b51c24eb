package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/agentgate/internal/ledger"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/payments"
)

// Ledger is the subset of the ledger service the wallet path needs.
type Ledger interface {
	Debit(ctx context.Context, agentID string, amount int64, orderRef string) (*ledger.Entry, error)
	Credit(ctx context.Context, agentID string, amount int64, reason, reference string) (*ledger.Entry, error)
}

// PaymentInitiator is a payment path. Prepare runs before the order row is
// written and decides its initial status; Start runs after it is written;
// Rollback undoes Prepare if the write fails; Refund returns captured money.
type PaymentInitiator interface {
	Method() Method
	Prepare(ctx context.Context, o *Order) error
	Start(ctx context.Context, o *Order) error
	Rollback(ctx context.Context, o *Order)
	Refund(ctx context.Context, o *Order, reason string) error
}

type walletInitiator struct {
	ledger Ledger
	now    func() time.Time
}

func (w *walletInitiator) Method() Method { return MethodWallet }

func (w *walletInitiator) Prepare(ctx context.Context, o *Order) error {
	if _, err := w.ledger.Debit(ctx, o.BuyerID, o.TotalPrice, o.ID); err != nil {
		return err
	}
	paid := w.now()
	o.Status = StatusConfirmed
	o.PaymentStatus = PaymentCaptured
	o.PaidAt = &paid
	return nil
}

func (w *walletInitiator) Start(context.Context, *Order) error { return nil }

func (w *walletInitiator) Rollback(ctx context.Context, o *Order) {
	if _, err := w.ledger.Credit(ctx, o.BuyerID, o.TotalPrice, "order creation rolled back", "rollback:"+o.ID); err != nil {
		logging.L(ctx).Error("wallet rollback failed", "order_id", o.ID, "error", err)
	}
}

func (w *walletInitiator) Refund(ctx context.Context, o *Order, reason string) error {
	_, err := w.ledger.Credit(ctx, o.BuyerID, o.TotalPrice, reason, "refund:"+o.ID)
	if errors.Is(err, ledger.ErrDuplicateReference) {
		return nil
	}
	return err
}

type gatewayInitiator struct {
	gateway payments.Gateway
	window  time.Duration
	store   Store
	now     func() time.Time
}

func (g *gatewayInitiator) Method() Method { return MethodGateway }

func (g *gatewayInitiator) Prepare(_ context.Context, o *Order) error {
	deadline := o.CreatedAt.Add(g.window)
	o.Status = StatusCreated
	o.PaymentStatus = PaymentPending
	o.PaymentProvider = g.gateway.Name()
	o.PaymentDeadline = &deadline
	return nil
}

// Start opens the checkout. On failure the order stays ORDER_CREATED/PENDING
// and expires at its deadline unless a late notice arrives.
func (g *gatewayInitiator) Start(ctx context.Context, o *Order) error {
	sess, err := g.gateway.CreateCheckout(ctx, payments.Checkout{
		OrderID:     o.ID,
		BuyerID:     o.BuyerID,
		Description: o.SKU + " x" + strconv.Itoa(o.Quantity),
		Amount:      o.TotalPrice,
		Quantity:    o.Quantity,
		Deadline:    *o.PaymentDeadline,
	})
	if err != nil {
		return err
	}

	o.CorrelationID = sess.CorrelationID
	o.RedirectURL = sess.RedirectURL
	o.UpdatedAt = g.now()
	if err := g.store.Update(ctx, o, o.Status); err != nil {
		return fmt.Errorf("store correlation id: %w", err)
	}
	return nil
}

func (g *gatewayInitiator) Rollback(context.Context, *Order) {}

func (g *gatewayInitiator) Refund(ctx context.Context, o *Order, reason string) error {
	if o.CorrelationID == "" {
		return fmt.Errorf("refund %s: no gateway correlation id", o.ID)
	}
	return g.gateway.Refund(ctx, o.CorrelationID, o.TotalPrice, reason)
}
