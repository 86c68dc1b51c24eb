package protocol

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
)

const (
	uriProducts     = "catalog://products"
	uriBalance      = "ledger://balance"
	prefixProduct   = "catalog://products/"
	prefixOrder     = "orders://"
	prefixNegotiate = "negotiations://"
	mimeJSON        = "application/json"
)

var staticResources = []mcp.Resource{
	mcp.NewResource(uriProducts, "Product catalog",
		mcp.WithResourceDescription("In-stock products with price, stock status and terms"),
		mcp.WithMIMEType(mimeJSON)),
	mcp.NewResource(uriBalance, "Wallet balance",
		mcp.WithResourceDescription("Prepaid KRW balance of the calling agent"),
		mcp.WithMIMEType(mimeJSON)),
}

var resourceTemplates = []mcp.ResourceTemplate{
	mcp.NewResourceTemplate(prefixProduct+"{sku}", "Product",
		mcp.WithTemplateDescription("One product by SKU"),
		mcp.WithTemplateMIMEType(mimeJSON)),
	mcp.NewResourceTemplate(prefixOrder+"{orderId}", "Order",
		mcp.WithTemplateDescription("Order status snapshot, visible to its buyer and seller"),
		mcp.WithTemplateMIMEType(mimeJSON)),
	mcp.NewResourceTemplate(prefixNegotiate+"{negotiationId}", "Negotiation",
		mcp.WithTemplateDescription("Negotiation with its round history"),
		mcp.WithTemplateMIMEType(mimeJSON)),
}

// readResource resolves a resource URI for the caller. The returned error
// is either a business error or nil with ok=false for unknown URIs.
func (h *Handlers) readResource(ctx context.Context, caller Caller, uri string) (v any, ok bool, err error) {
	switch {
	case uri == uriProducts:
		products, err := h.svc.Catalog.Search(ctx, catalog.Query{InStockOnly: true, Limit: 100})
		if err != nil {
			return nil, true, err
		}
		views := make([]productView, 0, len(products))
		for _, p := range products {
			views = append(views, viewProduct(p))
		}
		return map[string]any{"products": views}, true, nil

	case uri == uriBalance:
		if caller.Role != auth.RoleAgent {
			return nil, true, errForbiddenResource
		}
		acct, err := h.svc.Ledger.Balance(ctx, caller.ID)
		return acct, true, err

	case strings.HasPrefix(uri, prefixProduct):
		p, err := h.svc.Catalog.Get(ctx, strings.TrimPrefix(uri, prefixProduct))
		if err != nil {
			return nil, true, err
		}
		return viewProduct(p), true, nil

	case strings.HasPrefix(uri, prefixOrder):
		o, err := h.svc.Orders.Get(ctx, caller.actor(), strings.TrimPrefix(uri, prefixOrder))
		return o, true, err

	case strings.HasPrefix(uri, prefixNegotiate):
		n, err := h.svc.Negotiations.Get(ctx, caller.party(), strings.TrimPrefix(uri, prefixNegotiate))
		return n, true, err
	}
	return nil, false, nil
}

func resourceContents(uri string, v any) (*mcp.ReadResourceResult, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: mimeJSON, Text: string(text)},
		},
	}, nil
}

// Resources returns the static resources in listing order.
func Resources() []mcp.Resource {
	return append([]mcp.Resource(nil), staticResources...)
}

// ResourceTemplates returns the parameterized resources.
func ResourceTemplates() []mcp.ResourceTemplate {
	return append([]mcp.ResourceTemplate(nil), resourceTemplates...)
}
