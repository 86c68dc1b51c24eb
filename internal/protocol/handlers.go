package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/ledger"
	"github.com/mbd888/agentgate/internal/negotiation"
	"github.com/mbd888/agentgate/internal/orders"
)

// Caller is the authenticated identity behind a tool call. It is always
// resolved from the credential, never taken from arguments.
type Caller struct {
	ID   string
	Role auth.Role
}

func callerOf(ident *auth.Identity) Caller {
	return Caller{ID: ident.ID, Role: ident.Role}
}

func (c Caller) actor() orders.Actor {
	return orders.Actor{ID: c.ID}
}

func (c Caller) party() negotiation.Party {
	side := negotiation.SideBuyer
	if c.Role == auth.RoleSeller {
		side = negotiation.SideSeller
	}
	return negotiation.Party{ID: c.ID, Side: side}
}

// HandlerFunc executes one tool. Returned values are serialized into the
// tool result; errors carrying an apperr code become failure payloads.
type HandlerFunc func(ctx context.Context, caller Caller, args Args) (any, error)

type tool struct {
	def    mcp.Tool
	roles  []auth.Role
	handle HandlerFunc
}

// Services are the engines the tool handlers route to.
type Services struct {
	Orders       *orders.Engine
	Negotiations *negotiation.Engine
	Catalog      *catalog.Service
	Ledger       *ledger.Service
	Identities   *auth.Manager
}

// Handlers implements every tool on top of Services.
type Handlers struct {
	svc Services
}

// NewHandlers creates the tool handlers.
func NewHandlers(svc Services) *Handlers {
	return &Handlers{svc: svc}
}

// registry maps every tool id to its definition, permitted roles and handler.
func (h *Handlers) registry() map[ToolID]tool {
	entry := func(id ToolID, roles []auth.Role, fn HandlerFunc) tool {
		return tool{def: definitions[id], roles: roles, handle: fn}
	}
	return map[ToolID]tool{
		ToolSearchProducts:       entry(ToolSearchProducts, anyone, h.searchProducts),
		ToolGetProduct:           entry(ToolGetProduct, anyone, h.getProduct),
		ToolCreateOrder:          entry(ToolCreateOrder, buyers, h.createOrder),
		ToolGetOrderStatus:       entry(ToolGetOrderStatus, anyone, h.getOrderStatus),
		ToolListOrders:           entry(ToolListOrders, buyers, h.listOrders),
		ToolCancelOrder:          entry(ToolCancelOrder, buyers, h.cancelOrder),
		ToolNegotiate:            entry(ToolNegotiate, anyone, h.negotiate),
		ToolGetNegotiation:       entry(ToolGetNegotiation, anyone, h.getNegotiation),
		ToolOrderFromNegotiation: entry(ToolOrderFromNegotiation, buyers, h.orderFromNegotiation),
		ToolCheckBalance:         entry(ToolCheckBalance, buyers, h.checkBalance),
		ToolLedgerHistory:        entry(ToolLedgerHistory, buyers, h.ledgerHistory),
		ToolRevokeCredential:     entry(ToolRevokeCredential, anyone, h.revokeCredential),
		ToolUpdateStock:          entry(ToolUpdateStock, sellers, h.updateStock),
		ToolUpdatePrice:          entry(ToolUpdatePrice, sellers, h.updatePrice),
		ToolShipOrder:            entry(ToolShipOrder, sellers, h.shipOrder),
		ToolDeliverOrder:         entry(ToolDeliverOrder, sellers, h.deliverOrder),
		ToolListSellerOrders:     entry(ToolListSellerOrders, sellers, h.listSellerOrders),
	}
}

// productView adds the derived fields agents filter on.
type productView struct {
	*catalog.Product
	StockStatus catalog.StockStatus `json:"stockStatus"`
	Negotiable  bool                `json:"negotiable"`
}

func viewProduct(p *catalog.Product) productView {
	return productView{Product: p, StockStatus: p.StockStatus(), Negotiable: p.Negotiable()}
}

func (h *Handlers) searchProducts(ctx context.Context, _ Caller, args Args) (any, error) {
	q := catalog.Query{Limit: 20}
	var err error
	if q.Text, err = args.String("query"); err != nil {
		return nil, err
	}
	if q.Category, err = args.String("category"); err != nil {
		return nil, err
	}
	if maxPrice, ok, err := args.Int64("max_price"); err != nil {
		return nil, err
	} else if ok {
		q.MaxPrice = maxPrice
	}
	if q.InStockOnly, err = args.Bool("in_stock_only"); err != nil {
		return nil, err
	}
	if limit, err := args.Limit(); err != nil {
		return nil, err
	} else if limit > 0 {
		q.Limit = limit
	}

	products, err := h.svc.Catalog.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	views := make([]productView, 0, len(products))
	for _, p := range products {
		views = append(views, viewProduct(p))
	}
	return map[string]any{"products": views, "count": len(views)}, nil
}

func (h *Handlers) getProduct(ctx context.Context, _ Caller, args Args) (any, error) {
	sku, err := args.String("sku")
	if err != nil {
		return nil, err
	}
	p, err := h.svc.Catalog.Get(ctx, sku)
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func paymentMethod(args Args) (orders.Method, error) {
	m, err := args.String("payment_method")
	if err != nil {
		return "", err
	}
	switch orders.Method(strings.ToLower(m)) {
	case "":
		return "", nil
	case orders.MethodWallet:
		return orders.MethodWallet, nil
	case orders.MethodGateway:
		return orders.MethodGateway, nil
	default:
		return "", fmt.Errorf("%w: payment_method must be wallet or gateway", errInvalidArgument)
	}
}

func (h *Handlers) createOrder(ctx context.Context, caller Caller, args Args) (any, error) {
	sku, err := args.String("sku")
	if err != nil {
		return nil, err
	}
	qty, err := args.PositiveInt("quantity")
	if err != nil {
		return nil, err
	}
	method, err := paymentMethod(args)
	if err != nil {
		return nil, err
	}
	return h.svc.Orders.Create(ctx, orders.CreateRequest{
		BuyerID:  caller.ID,
		SKU:      sku,
		Quantity: qty,
		Method:   method,
	})
}

func (h *Handlers) getOrderStatus(ctx context.Context, caller Caller, args Args) (any, error) {
	id, err := args.String("orderId")
	if err != nil {
		return nil, err
	}
	return h.svc.Orders.Get(ctx, caller.actor(), id)
}

func (h *Handlers) listOrders(ctx context.Context, caller Caller, args Args) (any, error) {
	limit, err := args.Limit()
	if err != nil {
		return nil, err
	}
	list, err := h.svc.Orders.ListForBuyer(ctx, caller.ID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"orders": nonNil(list), "count": len(list)}, nil
}

func (h *Handlers) cancelOrder(ctx context.Context, caller Caller, args Args) (any, error) {
	id, err := args.String("orderId")
	if err != nil {
		return nil, err
	}
	reason, err := args.String("reason")
	if err != nil {
		return nil, err
	}
	return h.svc.Orders.Cancel(ctx, caller.actor(), id, reason)
}

func (h *Handlers) negotiate(ctx context.Context, caller Caller, args Args) (any, error) {
	var req negotiation.ProposeRequest
	var err error
	if req.SKU, err = args.String("sku"); err != nil {
		return nil, err
	}
	if req.NegotiationID, err = args.String("negotiation_id"); err != nil {
		return nil, err
	}
	side, err := args.String("side")
	if err != nil {
		return nil, err
	}
	req.Side = negotiation.Side(strings.ToLower(side))
	action, err := args.String("action")
	if err != nil {
		return nil, err
	}
	req.Action = negotiation.Action(strings.ToLower(action))
	if req.Message, err = args.String("message"); err != nil {
		return nil, err
	}
	price, ok, err := args.Int64("proposed_price")
	if err != nil {
		return nil, err
	}
	if !ok && (req.Action == "" || req.Action == negotiation.ActionOffer) {
		return nil, fmt.Errorf("%w: proposed_price is required for offers", errInvalidArgument)
	}
	req.Price = price

	return h.svc.Negotiations.Propose(ctx, caller.party(), req)
}

func (h *Handlers) getNegotiation(ctx context.Context, caller Caller, args Args) (any, error) {
	id, err := args.String("negotiation_id")
	if err != nil {
		return nil, err
	}
	return h.svc.Negotiations.Get(ctx, caller.party(), id)
}

func (h *Handlers) orderFromNegotiation(ctx context.Context, caller Caller, args Args) (any, error) {
	id, err := args.String("negotiation_id")
	if err != nil {
		return nil, err
	}
	qty, err := args.PositiveInt("quantity")
	if err != nil {
		return nil, err
	}
	method, err := paymentMethod(args)
	if err != nil {
		return nil, err
	}

	var placed *orders.Order
	_, err = h.svc.Negotiations.Convert(ctx, caller.ID, id, func(n *negotiation.Negotiation) (string, error) {
		o, err := h.svc.Orders.Create(ctx, orders.CreateRequest{
			BuyerID:       caller.ID,
			SKU:           n.SKU,
			Quantity:      qty,
			Method:        method,
			NegotiationID: n.ID,
			UnitPrice:     *n.FinalPrice,
		})
		if o == nil {
			return "", err
		}
		placed = o
		return o.ID, err
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

func (h *Handlers) checkBalance(ctx context.Context, caller Caller, _ Args) (any, error) {
	acct, err := h.svc.Ledger.Balance(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agentId": acct.AgentID, "balance": acct.Balance, "currency": "KRW"}, nil
}

func (h *Handlers) ledgerHistory(ctx context.Context, caller Caller, args Args) (any, error) {
	limit, err := args.Limit()
	if err != nil {
		return nil, err
	}
	entries, err := h.svc.Ledger.History(ctx, caller.ID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": nonNil(entries), "count": len(entries)}, nil
}

func (h *Handlers) revokeCredential(ctx context.Context, caller Caller, _ Args) (any, error) {
	ident, err := h.svc.Identities.Revoke(ctx, caller.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": ident.ID, "status": ident.Status}, nil
}

func (h *Handlers) updateStock(ctx context.Context, caller Caller, args Args) (any, error) {
	sku, err := args.String("sku")
	if err != nil {
		return nil, err
	}
	qty, _, err := args.Int64("quantity")
	if err != nil {
		return nil, err
	}
	if qty < 0 || qty > 1<<31-1 {
		return nil, catalog.ErrInvalidStock
	}
	p, err := h.svc.Catalog.UpdateStock(ctx, caller.ID, sku, int(qty))
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (h *Handlers) updatePrice(ctx context.Context, caller Caller, args Args) (any, error) {
	sku, err := args.String("sku")
	if err != nil {
		return nil, err
	}
	price, _, err := args.Int64("price")
	if err != nil {
		return nil, err
	}
	p, err := h.svc.Catalog.UpdatePrice(ctx, caller.ID, sku, price)
	if err != nil {
		return nil, err
	}
	return viewProduct(p), nil
}

func (h *Handlers) shipOrder(ctx context.Context, caller Caller, args Args) (any, error) {
	id, err := args.String("orderId")
	if err != nil {
		return nil, err
	}
	carrier, err := args.String("carrier")
	if err != nil {
		return nil, err
	}
	tracking, err := args.String("tracking_number")
	if err != nil {
		return nil, err
	}
	return h.svc.Orders.Ship(ctx, caller.ID, id, carrier, tracking)
}

func (h *Handlers) deliverOrder(ctx context.Context, caller Caller, args Args) (any, error) {
	id, err := args.String("orderId")
	if err != nil {
		return nil, err
	}
	return h.svc.Orders.Deliver(ctx, caller.actor(), id)
}

func (h *Handlers) listSellerOrders(ctx context.Context, caller Caller, args Args) (any, error) {
	status, err := args.String("status")
	if err != nil {
		return nil, err
	}
	limit, err := args.Limit()
	if err != nil {
		return nil, err
	}
	list, err := h.svc.Orders.ListForSeller(ctx, caller.ID, orders.Status(strings.ToUpper(status)), limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"orders": nonNil(list), "count": len(list)}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
