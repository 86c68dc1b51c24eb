// Package catalog holds the marketplace products agents can buy.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
)

var (
	ErrProductNotFound = apperr.New(apperr.ProductNotFound, "product not found")
	ErrOutOfStock      = apperr.New(apperr.OutOfStock, "insufficient stock")
	ErrNotOwner        = apperr.New(apperr.Forbidden, "product belongs to another seller")
	ErrInvalidPrice    = apperr.New(apperr.InvalidArgument, "price must be positive")
	ErrInvalidStock    = apperr.New(apperr.InvalidArgument, "stock quantity must not be negative")
	ErrInvalidQuantity = apperr.New(apperr.InvalidArgument, "quantity must be positive")
)

// StockStatus is derived from the stock quantity, never stored.
type StockStatus string

const (
	InStock    StockStatus = "IN_STOCK"
	LowStock   StockStatus = "LOW_STOCK"
	OutOfStock StockStatus = "OUT_OF_STOCK"
)

// DefaultLowStockThreshold applies when a product does not set one.
const DefaultLowStockThreshold = 10

// Product is a catalog entry keyed by SKU. Prices are whole KRW.
type Product struct {
	SKU               string    `json:"sku"`
	SellerID          string    `json:"sellerId"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Category          string    `json:"category,omitempty"`
	Price             int64     `json:"price"`
	StockQty          int       `json:"stockQty"`
	LowStockThreshold int       `json:"-"`
	MinOrderQty       int       `json:"minOrderQty"`
	FloorPrice        *int64    `json:"-"`
	SellerTrust       float64   `json:"sellerTrustScore"`
	ShippingTerms     string    `json:"shippingTerms,omitempty"`
	ReturnTerms       string    `json:"returnTerms,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// StockStatus derives the availability band.
func (p *Product) StockStatus() StockStatus {
	threshold := p.LowStockThreshold
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	switch {
	case p.StockQty <= 0:
		return OutOfStock
	case p.StockQty <= threshold:
		return LowStock
	default:
		return InStock
	}
}

// Negotiable reports whether the seller published a floor for auto-negotiation.
func (p *Product) Negotiable() bool {
	return p.FloorPrice != nil
}

// Query filters catalog searches.
type Query struct {
	Text        string
	Category    string
	SellerID    string
	MaxPrice    int64
	InStockOnly bool
	Limit       int
}

func (q Query) matches(p *Product) bool {
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.Description), needle) &&
			!strings.EqualFold(p.SKU, q.Text) {
			return false
		}
	}
	if q.Category != "" && !strings.EqualFold(p.Category, q.Category) {
		return false
	}
	if q.SellerID != "" && p.SellerID != q.SellerID {
		return false
	}
	if q.MaxPrice > 0 && p.Price > q.MaxPrice {
		return false
	}
	if q.InStockOnly && p.StockQty <= 0 {
		return false
	}
	return true
}

// Store persists products. Reserve must be a conditional decrement so
// concurrent orders can never drive stock negative.
type Store interface {
	Upsert(ctx context.Context, p *Product) error
	Get(ctx context.Context, sku string) (*Product, error)
	Search(ctx context.Context, q Query) ([]*Product, error)
	Reserve(ctx context.Context, sku string, qty int) (*Product, error)
	Release(ctx context.Context, sku string, qty int) (*Product, error)
	SetStock(ctx context.Context, sku string, qty int) (*Product, error)
	SetPrice(ctx context.Context, sku string, price int64) (*Product, error)
}

// Service is the catalog API used by the engines and tool handlers.
type Service struct {
	store Store
}

// NewService creates a catalog service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Upsert creates or replaces a product (seed and admin paths).
func (s *Service) Upsert(ctx context.Context, p *Product) error {
	if p.Price <= 0 {
		return ErrInvalidPrice
	}
	if p.StockQty < 0 {
		return ErrInvalidStock
	}
	if p.MinOrderQty <= 0 {
		p.MinOrderQty = 1
	}
	if p.LowStockThreshold <= 0 {
		p.LowStockThreshold = DefaultLowStockThreshold
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.store.Upsert(ctx, p)
}

// Get returns a product by SKU.
func (s *Service) Get(ctx context.Context, sku string) (*Product, error) {
	return s.store.Get(ctx, sku)
}

// Search lists products matching q.
func (s *Service) Search(ctx context.Context, q Query) ([]*Product, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	return s.store.Search(ctx, q)
}

// Reserve takes qty units out of stock for a pending order.
func (s *Service) Reserve(ctx context.Context, sku string, qty int) (*Product, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	p, err := s.store.Reserve(ctx, sku, qty)
	if err != nil {
		return nil, fmt.Errorf("reserve %d of %s: %w", qty, sku, err)
	}
	return p, nil
}

// Release puts qty units back after a cancelled or voided order.
func (s *Service) Release(ctx context.Context, sku string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if _, err := s.store.Release(ctx, sku, qty); err != nil {
		return fmt.Errorf("release %d of %s: %w", qty, sku, err)
	}
	return nil
}

// UpdateStock sets the stock level of a seller's own product.
func (s *Service) UpdateStock(ctx context.Context, sellerID, sku string, qty int) (*Product, error) {
	if qty < 0 {
		return nil, ErrInvalidStock
	}
	if err := s.checkOwner(ctx, sellerID, sku); err != nil {
		return nil, err
	}
	return s.store.SetStock(ctx, sku, qty)
}

// UpdatePrice sets the list price of a seller's own product.
func (s *Service) UpdatePrice(ctx context.Context, sellerID, sku string, price int64) (*Product, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	if err := s.checkOwner(ctx, sellerID, sku); err != nil {
		return nil, err
	}
	return s.store.SetPrice(ctx, sku, price)
}

func (s *Service) checkOwner(ctx context.Context, sellerID, sku string) error {
	p, err := s.store.Get(ctx, sku)
	if err != nil {
		return err
	}
	if p.SellerID != sellerID {
		return ErrNotOwner
	}
	return nil
}
