package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory product store.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*Product
}

// NewMemoryStore creates a new in-memory product store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func (m *MemoryStore) Upsert(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.SKU] = clone(p)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sku string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[sku]
	if !ok {
		return nil, ErrProductNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) Search(_ context.Context, q Query) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Product
	for _, p := range m.products {
		if q.matches(p) {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Reserve(_ context.Context, sku string, qty int) (*Product, error) {
	return m.mutate(sku, func(p *Product) error {
		if p.StockQty < qty {
			return ErrOutOfStock
		}
		p.StockQty -= qty
		return nil
	})
}

func (m *MemoryStore) Release(_ context.Context, sku string, qty int) (*Product, error) {
	return m.mutate(sku, func(p *Product) error {
		p.StockQty += qty
		return nil
	})
}

func (m *MemoryStore) SetStock(_ context.Context, sku string, qty int) (*Product, error) {
	return m.mutate(sku, func(p *Product) error {
		p.StockQty = qty
		return nil
	})
}

func (m *MemoryStore) SetPrice(_ context.Context, sku string, price int64) (*Product, error) {
	return m.mutate(sku, func(p *Product) error {
		p.Price = price
		return nil
	})
}

func (m *MemoryStore) mutate(sku string, fn func(*Product) error) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[sku]
	if !ok {
		return nil, ErrProductNotFound
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Now().UTC()
	return clone(p), nil
}

func clone(p *Product) *Product {
	cp := *p
	if p.FloorPrice != nil {
		f := *p.FloorPrice
		cp.FloorPrice = &f
	}
	return &cp
}
