package protocol

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentgate/internal/auth"
)

// ToolID names a tool in the registry.
type ToolID string

const (
	ToolCreateOrder          ToolID = "create_order"
	ToolGetOrderStatus       ToolID = "get_order_status"
	ToolListOrders           ToolID = "list_orders"
	ToolCancelOrder          ToolID = "cancel_order"
	ToolNegotiate            ToolID = "negotiate"
	ToolGetNegotiation       ToolID = "get_negotiation"
	ToolOrderFromNegotiation ToolID = "order_from_negotiation"
	ToolSearchProducts       ToolID = "search_products"
	ToolGetProduct           ToolID = "get_product"
	ToolCheckBalance         ToolID = "check_balance"
	ToolLedgerHistory        ToolID = "ledger_history"
	ToolRevokeCredential     ToolID = "revoke_credential"
	ToolUpdateStock          ToolID = "update_stock"
	ToolUpdatePrice          ToolID = "update_price"
	ToolShipOrder            ToolID = "ship_order"
	ToolDeliverOrder         ToolID = "deliver_order"
	ToolListSellerOrders     ToolID = "list_seller_orders"
)

// toolOrder is the order tools/list reports them in.
var toolOrder = []ToolID{
	ToolSearchProducts,
	ToolGetProduct,
	ToolCreateOrder,
	ToolGetOrderStatus,
	ToolListOrders,
	ToolCancelOrder,
	ToolNegotiate,
	ToolGetNegotiation,
	ToolOrderFromNegotiation,
	ToolCheckBalance,
	ToolLedgerHistory,
	ToolRevokeCredential,
	ToolUpdateStock,
	ToolUpdatePrice,
	ToolShipOrder,
	ToolDeliverOrder,
	ToolListSellerOrders,
}

var (
	buyers  = []auth.Role{auth.RoleAgent}
	sellers = []auth.Role{auth.RoleSeller}
	anyone  = []auth.Role{auth.RoleAgent, auth.RoleSeller}
)

// Tool definitions. Descriptions are what the calling model reads to pick a
// tool, so they state units and side effects.

var defSearchProducts = mcp.NewTool(string(ToolSearchProducts),
	mcp.WithDescription("Search the marketplace catalog. Prices are whole KRW. "+
		"Each result carries stock status, minimum order quantity, seller trust score "+
		"and whether the seller accepts negotiation."),
	mcp.WithString("query", mcp.Description("Free text matched against name, description and SKU")),
	mcp.WithString("category", mcp.Description("Exact category filter")),
	mcp.WithNumber("max_price", mcp.Description("Only products at or below this unit price (KRW)")),
	mcp.WithBoolean("in_stock_only", mcp.Description("Hide products that are out of stock")),
	mcp.WithNumber("limit", mcp.Description("Maximum results (default 20)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var defGetProduct = mcp.NewTool(string(ToolGetProduct),
	mcp.WithDescription("Get one product by SKU with price, stock status and terms."),
	mcp.WithString("sku", mcp.Required(), mcp.Description("Product SKU, e.g. WW-001")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var defCreateOrder = mcp.NewTool(string(ToolCreateOrder),
	mcp.WithDescription("Place an order. 'wallet' debits your prepaid balance and confirms immediately. "+
		"'gateway' (default) returns a redirectUrl to complete payment before paymentDeadline (24h); "+
		"the order confirms when the payment gateway reports success."),
	mcp.WithString("sku", mcp.Required(), mcp.Description("Product SKU")),
	mcp.WithNumber("quantity", mcp.Required(), mcp.Min(1), mcp.Description("Units to buy, at least the product's minimum order quantity")),
	mcp.WithString("payment_method", mcp.Enum("wallet", "gateway"), mcp.Description("Payment path (default gateway)")),
)

var defGetOrderStatus = mcp.NewTool(string(ToolGetOrderStatus),
	mcp.WithDescription("Get the full status of an order: order and payment status, deadline, "+
		"carrier and tracking, and any reconciliation flag. Safe to poll."),
	mcp.WithString("orderId", mcp.Required(), mcp.Description("Order id (ord_...)")),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithIdempotentHintAnnotation(true),
)

var defListOrders = mcp.NewTool(string(ToolListOrders),
	mcp.WithDescription("List your orders, newest first."),
	mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var defCancelOrder = mcp.NewTool(string(ToolCancelOrder),
	mcp.WithDescription("Cancel one of your orders before it ships. Paid orders are refunded "+
		"to the original payment method and stock is released."),
	mcp.WithString("orderId", mcp.Required(), mcp.Description("Order id")),
	mcp.WithString("reason", mcp.Description("Why the order is cancelled")),
	mcp.WithDestructiveHintAnnotation(true),
)

var defNegotiate = mcp.NewTool(string(ToolNegotiate),
	mcp.WithDescription("Propose a price in a negotiation. Buyers open one by omitting negotiation_id. "+
		"Matching the other side's latest price, or action 'accept', agrees the deal; 'reject' ends it. "+
		"A negotiation has a bounded number of rounds and a deadline."),
	mcp.WithString("sku", mcp.Required(), mcp.Description("Product SKU being negotiated")),
	mcp.WithString("side", mcp.Required(), mcp.Enum("buyer", "seller"), mcp.Description("Your side; must match your credential")),
	mcp.WithNumber("proposed_price", mcp.Description("Unit price in KRW; required for offers")),
	mcp.WithString("negotiation_id", mcp.Description("Existing negotiation (neg_...)")),
	mcp.WithString("action", mcp.Enum("offer", "accept", "reject"), mcp.Description("Default offer")),
	mcp.WithString("message", mcp.Description("Free text for the other side")),
)

var defGetNegotiation = mcp.NewTool(string(ToolGetNegotiation),
	mcp.WithDescription("Get a negotiation's status and full round history."),
	mcp.WithString("negotiation_id", mcp.Required(), mcp.Description("Negotiation id")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var defOrderFromNegotiation = mcp.NewTool(string(ToolOrderFromNegotiation),
	mcp.WithDescription("Place an order at the agreed price of an AGREED negotiation. "+
		"Each negotiation can be ordered once."),
	mcp.WithString("negotiation_id", mcp.Required(), mcp.Description("Agreed negotiation id")),
	mcp.WithNumber("quantity", mcp.Required(), mcp.Min(1), mcp.Description("Units to buy")),
	mcp.WithString("payment_method", mcp.Enum("wallet", "gateway"), mcp.Description("Payment path (default gateway)")),
)

var defCheckBalance = mcp.NewTool(string(ToolCheckBalance),
	mcp.WithDescription("Check your prepaid wallet balance in KRW."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var defLedgerHistory = mcp.NewTool(string(ToolLedgerHistory),
	mcp.WithDescription("List your wallet debits and credits, newest first, with the balance after each."),
	mcp.WithNumber("limit", mcp.Description("Maximum entries (default 50)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var defRevokeCredential = mcp.NewTool(string(ToolRevokeCredential),
	mcp.WithDescription("Permanently revoke the credential used for this call. It cannot be undone."),
	mcp.WithDestructiveHintAnnotation(true),
)

var defUpdateStock = mcp.NewTool(string(ToolUpdateStock),
	mcp.WithDescription("Seller: set the stock quantity of one of your products."),
	mcp.WithString("sku", mcp.Required(), mcp.Description("Product SKU")),
	mcp.WithNumber("quantity", mcp.Required(), mcp.Min(0), mcp.Description("New stock quantity")),
)

var defUpdatePrice = mcp.NewTool(string(ToolUpdatePrice),
	mcp.WithDescription("Seller: set the list price (KRW) of one of your products."),
	mcp.WithString("sku", mcp.Required(), mcp.Description("Product SKU")),
	mcp.WithNumber("price", mcp.Required(), mcp.Min(1), mcp.Description("New unit price in KRW")),
)

var defShipOrder = mcp.NewTool(string(ToolShipOrder),
	mcp.WithDescription("Seller: mark a paid order as shipped with carrier and tracking number."),
	mcp.WithString("orderId", mcp.Required(), mcp.Description("Order id")),
	mcp.WithString("carrier", mcp.Required(), mcp.Description("Carrier name")),
	mcp.WithString("tracking_number", mcp.Required(), mcp.Description("Carrier tracking number")),
)

var defDeliverOrder = mcp.NewTool(string(ToolDeliverOrder),
	mcp.WithDescription("Seller: mark a shipped order as delivered."),
	mcp.WithString("orderId", mcp.Required(), mcp.Description("Order id")),
)

var defListSellerOrders = mcp.NewTool(string(ToolListSellerOrders),
	mcp.WithDescription("Seller: list orders for your products, newest first."),
	mcp.WithString("status", mcp.Description("Only orders in this status, e.g. CONFIRMED")),
	mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

// Definitions returns every tool definition in listing order.
func Definitions() []mcp.Tool {
	defs := make([]mcp.Tool, 0, len(toolOrder))
	for _, id := range toolOrder {
		defs = append(defs, definitions[id])
	}
	return defs
}

var definitions = map[ToolID]mcp.Tool{
	ToolSearchProducts:       defSearchProducts,
	ToolGetProduct:           defGetProduct,
	ToolCreateOrder:          defCreateOrder,
	ToolGetOrderStatus:       defGetOrderStatus,
	ToolListOrders:           defListOrders,
	ToolCancelOrder:          defCancelOrder,
	ToolNegotiate:            defNegotiate,
	ToolGetNegotiation:       defGetNegotiation,
	ToolOrderFromNegotiation: defOrderFromNegotiation,
	ToolCheckBalance:         defCheckBalance,
	ToolLedgerHistory:        defLedgerHistory,
	ToolRevokeCredential:     defRevokeCredential,
	ToolUpdateStock:          defUpdateStock,
	ToolUpdatePrice:          defUpdatePrice,
	ToolShipOrder:            defShipOrder,
	ToolDeliverOrder:         defDeliverOrder,
	ToolListSellerOrders:     defListSellerOrders,
}
