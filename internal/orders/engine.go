package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/events"
	"github.com/mbd888/agentgate/internal/idgen"
	"github.com/mbd888/agentgate/internal/keylock"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/payments"
	"github.com/mbd888/agentgate/internal/traces"
)

// Catalog is the subset of the catalog service orders need.
type Catalog interface {
	Get(ctx context.Context, sku string) (*catalog.Product, error)
	Reserve(ctx context.Context, sku string, qty int) (*catalog.Product, error)
	Release(ctx context.Context, sku string, qty int) error
}

// Config tunes the engine.
type Config struct {
	PaymentWindow time.Duration
	DefaultMethod Method
}

// DefaultPaymentWindow is how long a gateway order waits for payment.
const DefaultPaymentWindow = 24 * time.Hour

// Engine runs the order state machine.
type Engine struct {
	store      Store
	catalog    Catalog
	initiators map[Method]PaymentInitiator
	locker     keylock.Locker
	events     events.Publisher
	cfg        Config
	now        func() time.Time
}

// NewEngine wires the engine with both payment paths.
func NewEngine(store Store, cat Catalog, led Ledger, gw payments.Gateway, cfg Config) *Engine {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = DefaultPaymentWindow
	}
	if cfg.DefaultMethod == "" {
		cfg.DefaultMethod = MethodGateway
	}
	e := &Engine{
		store:   store,
		catalog: cat,
		locker:  keylock.NewMemoryLocker(),
		events:  events.Nop{},
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	e.initiators = map[Method]PaymentInitiator{
		MethodWallet:  &walletInitiator{ledger: led, now: e.clock},
		MethodGateway: &gatewayInitiator{gateway: gw, window: cfg.PaymentWindow, store: store, now: e.clock},
	}
	return e
}

// WithLocker sets the per-order locker.
func (e *Engine) WithLocker(l keylock.Locker) *Engine {
	e.locker = l
	return e
}

// WithEvents sets the domain event publisher.
func (e *Engine) WithEvents(p events.Publisher) *Engine {
	e.events = p
	return e
}

func (e *Engine) clock() time.Time { return e.now() }

// CreateRequest is a buyer's order.
type CreateRequest struct {
	BuyerID       string
	SKU           string
	Quantity      int
	Method        Method
	NegotiationID string
	UnitPrice     int64 // agreed price; zero means the list price
}

// Create places an order. On the gateway path a failed checkout returns the
// persisted order together with a GATEWAY_UNAVAILABLE error carrying its id.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (o *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.create",
		traces.AgentID(req.BuyerID), traces.SKU(req.SKU))
	defer func() { traces.End(span, err) }()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if req.Method == "" {
		req.Method = e.cfg.DefaultMethod
	}
	path, ok := e.initiators[req.Method]
	if !ok {
		return nil, ErrInvalidMethod
	}

	product, err := e.catalog.Get(ctx, req.SKU)
	if err != nil {
		return nil, err
	}
	if product.StockQty <= 0 {
		return nil, catalog.ErrOutOfStock
	}
	if req.Quantity < max(product.MinOrderQty, 1) {
		return nil, fmt.Errorf("%w: minimum is %d", ErrBelowMinimum, product.MinOrderQty)
	}
	if req.Quantity > product.StockQty {
		return nil, fmt.Errorf("%w: %d available", catalog.ErrOutOfStock, product.StockQty)
	}

	unit := product.Price
	if req.UnitPrice > 0 {
		unit = req.UnitPrice
	}
	if unit > 0 && int64(req.Quantity) > math.MaxInt64/unit {
		return nil, ErrInvalidQuantity
	}

	now := e.now()
	o = &Order{
		ID:            idgen.OrderID(),
		BuyerID:       req.BuyerID,
		SellerID:      product.SellerID,
		SKU:           product.SKU,
		Quantity:      req.Quantity,
		UnitPrice:     unit,
		TotalPrice:    unit * int64(req.Quantity),
		PaymentMethod: req.Method,
		NegotiationID: req.NegotiationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	unlock, err := e.locker.Lock(ctx, "order:"+o.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err = e.catalog.Reserve(ctx, o.SKU, o.Quantity); err != nil {
		return nil, err
	}
	if err = path.Prepare(ctx, o); err != nil {
		e.release(ctx, o)
		return nil, err
	}
	if err = e.store.Create(ctx, o); err != nil {
		path.Rollback(ctx, o)
		e.release(ctx, o)
		return nil, fmt.Errorf("create order: %w", err)
	}

	metrics.OrdersCreatedTotal.WithLabelValues(string(o.PaymentMethod)).Inc()
	logging.L(ctx).Info("order created",
		"order_id", o.ID, "sku", o.SKU, "quantity", o.Quantity,
		"total", o.TotalPrice, "method", o.PaymentMethod, "status", o.Status)
	e.publish(ctx, "order.created", o)

	if err = path.Start(ctx, o); err != nil {
		logging.L(ctx).Warn("payment start failed, order left pending",
			"order_id", o.ID, "error", err)
		if apperr.CodeOf(err) != apperr.GatewayUnavailable {
			err = fmt.Errorf("%w: %v", payments.ErrUnavailable, err)
		}
		return o, apperr.WithDetails(err, map[string]any{
			"orderId":       o.ID,
			"status":        o.Status,
			"paymentStatus": o.PaymentStatus,
		})
	}
	return o, nil
}

// Get returns an order visible to the actor.
func (e *Engine) Get(ctx context.Context, actor Actor, id string) (*Order, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != o.BuyerID && actor.ID != o.SellerID {
		return nil, ErrForbidden
	}
	return o, nil
}

// ListForBuyer returns the buyer's orders, newest first.
func (e *Engine) ListForBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error) {
	return e.store.ListByBuyer(ctx, buyerID, clampLimit(limit))
}

// ListForSeller returns orders for the seller's products, optionally by status.
func (e *Engine) ListForSeller(ctx context.Context, sellerID string, status Status, limit int) ([]*Order, error) {
	return e.store.ListBySeller(ctx, sellerID, status, clampLimit(limit))
}

// ListFlagged returns orders awaiting operator review.
func (e *Engine) ListFlagged(ctx context.Context, limit int) ([]*Order, error) {
	return e.store.ListFlagged(ctx, clampLimit(limit))
}

// PaymentRef returns the gateway correlation id and amount of an order.
func (e *Engine) PaymentRef(ctx context.Context, id string) (string, int64, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if o.PaymentMethod != MethodGateway {
		return "", 0, ErrNotGatewayOrder
	}
	return o.CorrelationID, o.TotalPrice, nil
}

// Ship moves a paid order to SHIPPED. Only the order's seller may ship.
func (e *Engine) Ship(ctx context.Context, sellerID, id, carrier, tracking string) (*Order, error) {
	if carrier == "" || tracking == "" {
		return nil, fmt.Errorf("%w: carrier and tracking_number are required", ErrInvalidArgument)
	}
	return e.transition(ctx, id, func(o *Order) error {
		if o.SellerID != sellerID {
			return ErrForbidden
		}
		switch o.Status {
		case StatusShipped, StatusDelivered, StatusCancelled, StatusVoided:
			return fmt.Errorf("%w: order %s is %s", ErrTerminal, o.ID, o.Status)
		case StatusConfirmed:
		default:
			return fmt.Errorf("%w: order %s is %s and unpaid", ErrInvalidTransition, o.ID, o.Status)
		}
		now := e.now()
		o.Status = StatusShipped
		o.Carrier = carrier
		o.TrackingNumber = tracking
		o.ShippedAt = &now
		return nil
	})
}

// Deliver moves a shipped order to DELIVERED.
func (e *Engine) Deliver(ctx context.Context, actor Actor, id string) (*Order, error) {
	return e.transition(ctx, id, func(o *Order) error {
		if !actor.Admin && o.SellerID != actor.ID {
			return ErrForbidden
		}
		if o.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrTerminal, o.ID, o.Status)
		}
		if o.Status != StatusShipped {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
		}
		now := e.now()
		o.Status = StatusDelivered
		o.DeliveredAt = &now
		o.ClosedAt = &now
		return nil
	})
}

// Cancel cancels an order. Buyers may cancel before shipping; operators any
// time before delivery. Captured money is refunded and stock is restored.
func (e *Engine) Cancel(ctx context.Context, actor Actor, id, reason string) (*Order, error) {
	o, err := e.transition(ctx, id, func(o *Order) error {
		if !actor.Admin && o.BuyerID != actor.ID {
			return ErrForbidden
		}
		if o.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", ErrTerminal, o.ID, o.Status)
		}
		if o.Status == StatusShipped && !actor.Admin {
			return fmt.Errorf("%w: shipped orders can only be cancelled by an operator", ErrInvalidTransition)
		}

		if reason == "" {
			reason = "cancelled by " + actor.ID
		}
		if o.PaymentStatus == PaymentCaptured {
			if err := e.initiators[o.PaymentMethod].Refund(ctx, o, reason); err != nil {
				return fmt.Errorf("refund order %s: %w", o.ID, err)
			}
			o.PaymentStatus = PaymentRefunded
		} else {
			o.PaymentStatus = PaymentVoided
		}
		now := e.now()
		o.Status = StatusCancelled
		o.CancelReason = reason
		o.CancelledBy = actor.ID
		o.ClosedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.release(ctx, o)
	return o, nil
}

// transition applies fn to the order under its lock and persists the result
// with a compare-and-swap on the previous status.
func (e *Engine) transition(ctx context.Context, id string, fn func(o *Order) error) (*Order, error) {
	unlock, err := e.locker.Lock(ctx, "order:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := o.Status
	if err := fn(o); err != nil {
		return nil, err
	}
	if err := e.save(ctx, o, prev); err != nil {
		return nil, err
	}
	return o, nil
}

func (e *Engine) save(ctx context.Context, o *Order, prev Status) error {
	if !ValidPair(o.Status, o.PaymentStatus) {
		return fmt.Errorf("order %s: invalid status pair %s/%s", o.ID, o.Status, o.PaymentStatus)
	}
	o.UpdatedAt = e.now()
	if err := e.store.Update(ctx, o, prev); err != nil {
		return err
	}
	if o.Status != prev {
		metrics.OrderTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
		logging.L(ctx).Info("order transitioned",
			"order_id", o.ID, "from", prev, "to", o.Status, "payment_status", o.PaymentStatus)
		e.publish(ctx, eventType(o.Status), o)
	}
	return nil
}

func (e *Engine) release(ctx context.Context, o *Order) {
	if err := e.catalog.Release(ctx, o.SKU, o.Quantity); err != nil && !errors.Is(err, context.Canceled) {
		logging.L(ctx).Error("stock release failed", "order_id", o.ID, "sku", o.SKU, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, typ string, o *Order) {
	e.events.Publish(ctx, events.Event{
		Type:     typ,
		Subject:  o.ID,
		Audience: []string{o.BuyerID, o.SellerID},
		Data: map[string]any{
			"status":        o.Status,
			"paymentStatus": o.PaymentStatus,
			"sku":           o.SKU,
			"quantity":      o.Quantity,
			"totalPrice":    o.TotalPrice,
			"flag":          o.ReconFlag,
		},
	})
}

func eventType(s Status) string {
	switch s {
	case StatusPaymentRequested:
		return "order.payment_requested"
	case StatusConfirmed:
		return "order.confirmed"
	case StatusShipped:
		return "order.shipped"
	case StatusDelivered:
		return "order.delivered"
	case StatusCancelled:
		return "order.cancelled"
	case StatusVoided:
		return "order.voided"
	default:
		return "order.updated"
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}
