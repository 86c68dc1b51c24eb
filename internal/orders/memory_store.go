package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrConflict
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return clone(o), nil
}

func (m *MemoryStore) GetByCorrelation(_ context.Context, provider, correlationID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.PaymentProvider == provider && o.CorrelationID == correlationID {
			return clone(o), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) Update(_ context.Context, o *Order, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	m.orders[o.ID] = clone(o)
	return nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerID string, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool { return o.BuyerID == buyerID }), nil
}

func (m *MemoryStore) ListBySeller(_ context.Context, sellerID string, status Status, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return o.SellerID == sellerID && (status == "" || o.Status == status)
	}), nil
}

func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool {
		return o.Pending() && o.PaymentDeadline != nil && o.PaymentDeadline.Before(now)
	}), nil
}

func (m *MemoryStore) ListFlagged(_ context.Context, limit int) ([]*Order, error) {
	return m.list(limit, func(o *Order) bool { return o.ReconFlag != "" }), nil
}

func (m *MemoryStore) list(limit int, keep func(*Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(o *Order) *Order {
	c := *o
	return &c
}
