package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/events"
	"github.com/mbd888/agentgate/internal/idgen"
	"github.com/mbd888/agentgate/internal/keylock"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/traces"
)

const (
	DefaultMaxRounds = 5
	DefaultTTL       = 24 * time.Hour
)

// Catalog resolves the product being negotiated.
type Catalog interface {
	Get(ctx context.Context, sku string) (*catalog.Product, error)
}

// Config tunes the engine.
type Config struct {
	MaxRounds int
	TTL       time.Duration
	// DisableAutoPolicy stops the engine from answering buyer offers on
	// behalf of sellers that published a floor price.
	DisableAutoPolicy bool
}

// Party is the authenticated caller.
type Party struct {
	ID    string
	Side  Side
	Admin bool
}

// ProposeRequest is one call of the negotiate tool.
type ProposeRequest struct {
	NegotiationID string
	SKU           string
	Side          Side
	Action        Action
	Price         int64
	Message       string
}

// Engine runs negotiations.
type Engine struct {
	store   Store
	catalog Catalog
	locker  keylock.Locker
	events  events.Publisher
	cfg     Config
	now     func() time.Time
}

// NewEngine creates a negotiation engine.
func NewEngine(store Store, cat Catalog, cfg Config) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Engine{
		store:   store,
		catalog: cat,
		locker:  keylock.NewMemoryLocker(),
		events:  events.Nop{},
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker sets the per-negotiation locker.
func (e *Engine) WithLocker(l keylock.Locker) *Engine {
	e.locker = l
	return e
}

// WithEvents sets the domain event publisher.
func (e *Engine) WithEvents(p events.Publisher) *Engine {
	e.events = p
	return e
}

// Propose opens a negotiation (buyer offer without a negotiation id) or
// appends a round to an existing one.
func (e *Engine) Propose(ctx context.Context, caller Party, req ProposeRequest) (n *Negotiation, err error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.propose",
		traces.NegotiationID(req.NegotiationID), traces.SKU(req.SKU), traces.Amount(req.Price))
	defer func() { traces.End(span, err) }()

	if req.Action == "" {
		req.Action = ActionOffer
	}
	if err := validate(caller, req); err != nil {
		return nil, err
	}
	if req.NegotiationID == "" {
		return e.open(ctx, caller, req)
	}

	unlock, err := e.locker.Lock(ctx, "negotiation:"+req.NegotiationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, err = e.store.Get(ctx, req.NegotiationID)
	if err != nil {
		return nil, err
	}
	if !isParty(n, caller) {
		return nil, ErrForbidden
	}
	if req.SKU != "" && req.SKU != n.SKU {
		return nil, fmt.Errorf("%w: negotiation %s is for %s", ErrInvalidArgument, n.ID, n.SKU)
	}
	if n.IsTerminal() {
		return nil, fmt.Errorf("%w: status %s", ErrClosed, n.Status)
	}

	prevStatus, prevRounds := n.Status, len(n.Rounds)
	if !e.now().Before(n.Deadline) {
		e.close(n, StatusRejected, "deadline passed")
		if err := e.save(ctx, n, prevStatus, prevRounds); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: deadline passed", ErrClosed)
	}

	if err := e.apply(n, req.Side, req.Action, req.Price, req.Message, false); err != nil {
		return nil, err
	}
	if req.Side == SideBuyer {
		e.autoRespond(ctx, n)
	}
	if err := e.save(ctx, n, prevStatus, prevRounds); err != nil {
		return nil, err
	}
	return n, nil
}

func validate(caller Party, req ProposeRequest) error {
	switch req.Side {
	case SideBuyer, SideSeller:
	default:
		return fmt.Errorf("%w: side must be buyer or seller", ErrInvalidArgument)
	}
	if req.Side != caller.Side {
		return fmt.Errorf("%w: caller cannot act as %s", ErrForbidden, req.Side)
	}
	switch req.Action {
	case ActionOffer:
		if req.Price <= 0 {
			return fmt.Errorf("%w: proposed_price must be positive", ErrInvalidArgument)
		}
	case ActionAccept, ActionReject:
		if req.Price < 0 {
			return fmt.Errorf("%w: proposed_price must not be negative", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: action must be offer, accept or reject", ErrInvalidArgument)
	}
	return nil
}

func (e *Engine) open(ctx context.Context, caller Party, req ProposeRequest) (*Negotiation, error) {
	if req.Side != SideBuyer || req.Action != ActionOffer {
		return nil, fmt.Errorf("%w: a negotiation starts with a buyer offer", ErrInvalidArgument)
	}
	if req.SKU == "" {
		return nil, fmt.Errorf("%w: sku is required", ErrInvalidArgument)
	}
	product, err := e.catalog.Get(ctx, req.SKU)
	if err != nil {
		return nil, err
	}

	now := e.now()
	n := &Negotiation{
		ID:        idgen.NegotiationID(),
		SKU:       product.SKU,
		ListPrice: product.Price,
		BuyerID:   caller.ID,
		SellerID:  product.SellerID,
		Status:    StatusPending,
		MaxRounds: e.cfg.MaxRounds,
		Deadline:  now.Add(e.cfg.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.apply(n, SideBuyer, ActionOffer, req.Price, req.Message, false); err != nil {
		return nil, err
	}
	e.autoRespondWith(n, product)

	if err := e.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create negotiation: %w", err)
	}
	metrics.NegotiationsTotal.WithLabelValues("opened").Inc()
	logging.L(ctx).Info("negotiation opened",
		"negotiation_id", n.ID, "sku", n.SKU, "offer", req.Price, "list_price", n.ListPrice)
	e.publish(ctx, "negotiation.opened", n)
	e.publishOutcome(ctx, n)
	return n, nil
}

// apply appends one round and moves the status.
func (e *Engine) apply(n *Negotiation, side Side, action Action, price int64, msg string, auto bool) error {
	if n.IsTerminal() {
		return ErrClosed
	}
	if len(n.Rounds) >= n.MaxRounds {
		return ErrRoundLimit
	}

	if action == ActionReject {
		reason := "rejected by " + string(side)
		if msg != "" {
			reason += ": " + msg
		}
		e.close(n, StatusRejected, reason)
		return nil
	}

	other, hasOther := n.LastPrice(side.other())
	if action == ActionAccept {
		if !hasOther {
			return fmt.Errorf("%w: nothing to accept yet", ErrInvalidArgument)
		}
		if price != 0 && price != other {
			return fmt.Errorf("%w: accept must match the latest %s price %d", ErrInvalidArgument, side.other(), other)
		}
		price = other
	}
	agreed := hasOther && price == other
	if agreed {
		action = ActionAccept
	}

	now := e.now()
	n.Rounds = append(n.Rounds, Round{
		Number:    len(n.Rounds) + 1,
		Side:      side,
		Action:    action,
		Price:     price,
		Message:   msg,
		Auto:      auto,
		CreatedAt: now,
	})
	n.UpdatedAt = now

	switch {
	case agreed:
		final := price
		n.FinalPrice = &final
		e.close(n, StatusAgreed, "")
	case len(n.Rounds) >= n.MaxRounds:
		e.close(n, StatusRejected, "round limit reached")
	case side == SideBuyer:
		n.Status = StatusNegotiating
	default:
		n.Status = StatusCounter
	}
	return nil
}

func (e *Engine) close(n *Negotiation, status Status, reason string) {
	n.Status = status
	n.CloseReason = reason
	n.UpdatedAt = e.now()
}

// autoRespond answers an open buyer round for sellers with a floor price.
func (e *Engine) autoRespond(ctx context.Context, n *Negotiation) {
	if e.cfg.DisableAutoPolicy || n.IsTerminal() {
		return
	}
	product, err := e.catalog.Get(ctx, n.SKU)
	if err != nil {
		logging.L(ctx).Warn("auto-policy product lookup failed", "sku", n.SKU, "error", err)
		return
	}
	e.autoRespondWith(n, product)
}

// autoRespondWith accepts buyer offers at or above the floor and otherwise
// counters at max(floor, midpoint(offer, latest seller ask or list price)).
func (e *Engine) autoRespondWith(n *Negotiation, product *catalog.Product) {
	if e.cfg.DisableAutoPolicy || n.IsTerminal() || !product.Negotiable() {
		return
	}
	offer, ok := n.LastPrice(SideBuyer)
	if !ok {
		return
	}
	floor := *product.FloorPrice
	if offer >= floor {
		_ = e.apply(n, SideSeller, ActionAccept, offer, "accepted automatically", true)
		return
	}

	ask, ok := n.LastPrice(SideSeller)
	if !ok {
		ask = n.ListPrice
	}
	counter := max(floor, (offer+ask)/2)
	_ = e.apply(n, SideSeller, ActionOffer, counter, "automatic counter-offer", true)
}

// Get returns a negotiation visible to the caller.
func (e *Engine) Get(ctx context.Context, caller Party, id string) (*Negotiation, error) {
	n, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Admin && caller.ID != n.BuyerID && caller.ID != n.SellerID {
		return nil, ErrForbidden
	}
	return n, nil
}

// List returns negotiations the party takes part in, newest first.
func (e *Engine) List(ctx context.Context, partyID string, limit int) ([]*Negotiation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return e.store.ListByParty(ctx, partyID, limit)
}

// Convert places an order from an agreed negotiation at its final price.
// place runs under the negotiation lock and returns the new order id; an id
// returned alongside an error is still recorded, since the order exists.
func (e *Engine) Convert(ctx context.Context, buyerID, id string, place func(n *Negotiation) (string, error)) (*Negotiation, error) {
	unlock, err := e.locker.Lock(ctx, "negotiation:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	n, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if n.Status != StatusAgreed || n.FinalPrice == nil {
		return nil, fmt.Errorf("%w: status %s", ErrNotAgreed, n.Status)
	}
	if n.OrderID != "" {
		return nil, apperr.WithDetails(ErrAlreadyOrdered, map[string]any{"orderId": n.OrderID})
	}

	orderID, placeErr := place(n)
	if orderID == "" {
		return nil, placeErr
	}
	n.OrderID = orderID
	n.UpdatedAt = e.now()
	if err := e.store.Update(ctx, n, n.Status, len(n.Rounds)); err != nil {
		return nil, err
	}
	e.publish(ctx, "negotiation.ordered", n)
	return n, placeErr
}

// ExpireOverdue rejects open negotiations whose deadline passed before now.
func (e *Engine) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ListExpired(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("list expired negotiations: %w", err)
	}

	count := 0
	for _, candidate := range expired {
		ok, err := e.expire(ctx, candidate.ID, now)
		if err != nil {
			logging.L(ctx).Warn("failed to expire negotiation", "negotiation_id", candidate.ID, "error", err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (e *Engine) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := e.locker.Lock(ctx, "negotiation:"+id)
	if err != nil {
		return false, err
	}
	defer unlock()

	n, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if n.IsTerminal() || now.Before(n.Deadline) {
		return false, nil
	}
	prevStatus, prevRounds := n.Status, len(n.Rounds)
	e.close(n, StatusRejected, "deadline passed")
	if err := e.save(ctx, n, prevStatus, prevRounds); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) save(ctx context.Context, n *Negotiation, prevStatus Status, prevRounds int) error {
	if err := e.store.Update(ctx, n, prevStatus, prevRounds); err != nil {
		return err
	}
	if len(n.Rounds) > prevRounds {
		e.publish(ctx, "negotiation.round", n)
	}
	if n.Status != prevStatus {
		e.publishOutcome(ctx, n)
	}
	return nil
}

func (e *Engine) publishOutcome(ctx context.Context, n *Negotiation) {
	switch n.Status {
	case StatusAgreed:
		metrics.NegotiationsTotal.WithLabelValues("agreed").Inc()
		logging.L(ctx).Info("negotiation agreed", "negotiation_id", n.ID, "final_price", *n.FinalPrice)
		e.publish(ctx, "negotiation.agreed", n)
	case StatusRejected:
		metrics.NegotiationsTotal.WithLabelValues("rejected").Inc()
		logging.L(ctx).Info("negotiation rejected", "negotiation_id", n.ID, "reason", n.CloseReason)
		e.publish(ctx, "negotiation.rejected", n)
	}
}

func (e *Engine) publish(ctx context.Context, typ string, n *Negotiation) {
	data := map[string]any{
		"sku":    n.SKU,
		"status": n.Status,
		"rounds": len(n.Rounds),
	}
	if last := len(n.Rounds); last > 0 {
		data["lastPrice"] = n.Rounds[last-1].Price
		data["lastSide"] = n.Rounds[last-1].Side
	}
	if n.FinalPrice != nil {
		data["finalPrice"] = *n.FinalPrice
	}
	e.events.Publish(ctx, events.Event{
		Type:     typ,
		Subject:  n.ID,
		Audience: []string{n.BuyerID, n.SellerID},
		Data:     data,
	})
}

func isParty(n *Negotiation, caller Party) bool {
	if caller.Side == SideBuyer {
		return caller.ID == n.BuyerID
	}
	return caller.ID == n.SellerID
}
