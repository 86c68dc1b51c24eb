// Package seed loads sellers, products and funded agents from a YAML fixture.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/ledger"
	"github.com/mbd888/agentgate/internal/logging"
)

// File models the structure of a seed fixture.
type File struct {
	Sellers  []Seller  `yaml:"sellers"`
	Agents   []Agent   `yaml:"agents"`
	Products []Product `yaml:"products"`
}

// Seller is a seller identity with a fixed key.
type Seller struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name"`
	Key        string  `yaml:"key"`
	TrustScore float64 `yaml:"trust_score"`
}

// Agent is a buyer agent with a fixed key and an opening balance.
type Agent struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Key       string `yaml:"key"`
	PolicyRef string `yaml:"policy_ref"`
	Balance   int64  `yaml:"balance"`
}

// Product is a catalog entry.
type Product struct {
	SKU               string `yaml:"sku"`
	SellerID          string `yaml:"seller_id"`
	Name              string `yaml:"name"`
	Description       string `yaml:"description"`
	Category          string `yaml:"category"`
	Price             int64  `yaml:"price"`
	Stock             int    `yaml:"stock"`
	LowStockThreshold int    `yaml:"low_stock_threshold"`
	MinOrderQty       int    `yaml:"min_order_qty"`
	FloorPrice        *int64 `yaml:"floor_price"`
	ShippingTerms     string `yaml:"shipping_terms"`
	ReturnTerms       string `yaml:"return_terms"`
}

// Load parses the fixture at path. An empty path yields an empty fixture.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return &File{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(content)
}

// Parse decodes and validates a fixture.
func Parse(content []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	sellers := make(map[string]bool, len(f.Sellers))
	for _, s := range f.Sellers {
		if s.ID == "" || s.Key == "" {
			return fmt.Errorf("seed seller %q: id and key are required", s.Name)
		}
		sellers[s.ID] = true
	}
	for _, a := range f.Agents {
		if a.ID == "" || a.Key == "" {
			return fmt.Errorf("seed agent %q: id and key are required", a.Name)
		}
		if a.Balance < 0 {
			return fmt.Errorf("seed agent %s: balance must not be negative", a.ID)
		}
	}
	for _, p := range f.Products {
		if p.SKU == "" || p.Price <= 0 {
			return fmt.Errorf("seed product %q: sku and a positive price are required", p.SKU)
		}
		if !sellers[p.SellerID] {
			return fmt.Errorf("seed product %s: unknown seller %q", p.SKU, p.SellerID)
		}
		if p.FloorPrice != nil && (*p.FloorPrice <= 0 || *p.FloorPrice > p.Price) {
			return fmt.Errorf("seed product %s: floor_price must be within (0, price]", p.SKU)
		}
	}
	return nil
}

// Targets are the services a fixture is applied to.
type Targets struct {
	Identities *auth.Manager
	Catalog    *catalog.Service
	Ledger     *ledger.Service
}

// Apply writes the fixture. It is safe to run on every start: existing
// identities and products are left untouched and each opening balance is
// credited once under a per-agent reference.
func (f *File) Apply(ctx context.Context, t Targets) error {
	log := logging.L(ctx)

	for _, s := range f.Sellers {
		ident := &auth.Identity{ID: s.ID, Role: auth.RoleSeller, Name: s.Name, TrustScore: s.TrustScore}
		if err := importIdentity(ctx, t.Identities, ident, s.Key); err != nil {
			return err
		}
	}
	for _, a := range f.Agents {
		ident := &auth.Identity{ID: a.ID, Role: auth.RoleAgent, Name: a.Name, PolicyRef: a.PolicyRef}
		if err := importIdentity(ctx, t.Identities, ident, a.Key); err != nil {
			return err
		}
		if a.Balance == 0 {
			continue
		}
		_, err := t.Ledger.Credit(ctx, a.ID, a.Balance, "opening balance", "seed:"+a.ID)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateReference) {
			return fmt.Errorf("seed balance for %s: %w", a.ID, err)
		}
	}
	trust := make(map[string]float64, len(f.Sellers))
	for _, s := range f.Sellers {
		trust[s.ID] = s.TrustScore
	}
	for _, p := range f.Products {
		if _, err := t.Catalog.Get(ctx, p.SKU); err == nil {
			continue
		} else if !errors.Is(err, catalog.ErrProductNotFound) {
			return fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
		err := t.Catalog.Upsert(ctx, &catalog.Product{
			SKU:               p.SKU,
			SellerID:          p.SellerID,
			Name:              p.Name,
			Description:       p.Description,
			Category:          p.Category,
			Price:             p.Price,
			StockQty:          p.Stock,
			LowStockThreshold: p.LowStockThreshold,
			MinOrderQty:       p.MinOrderQty,
			FloorPrice:        p.FloorPrice,
			SellerTrust:       trust[p.SellerID],
			ShippingTerms:     p.ShippingTerms,
			ReturnTerms:       p.ReturnTerms,
		})
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.SKU, err)
		}
	}

	log.Info("seed fixture applied",
		"sellers", len(f.Sellers), "agents", len(f.Agents), "products", len(f.Products))
	return nil
}

func importIdentity(ctx context.Context, m *auth.Manager, ident *auth.Identity, key string) error {
	if _, err := m.Get(ctx, ident.ID); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("seed identity %s: %w", ident.ID, err)
	}
	if err := m.Import(ctx, ident, key); err != nil && !errors.Is(err, auth.ErrDuplicate) {
		return fmt.Errorf("seed identity %s: %w", ident.ID, err)
	}
	return nil
}
