package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory negotiation store.
type MemoryStore struct {
	mu           sync.RWMutex
	negotiations map[string]*Negotiation
}

// NewMemoryStore creates a new in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{negotiations: make(map[string]*Negotiation)}
}

func (m *MemoryStore) Create(_ context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.negotiations[n.ID]; ok {
		return ErrConflict
	}
	m.negotiations[n.ID] = clone(n)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(n), nil
}

func (m *MemoryStore) Update(_ context.Context, n *Negotiation, expect Status, expectRounds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.negotiations[n.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect || len(cur.Rounds) != expectRounds {
		return ErrConflict
	}
	m.negotiations[n.ID] = clone(n)
	return nil
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string, limit int) ([]*Negotiation, error) {
	return m.list(limit, func(n *Negotiation) bool {
		return n.BuyerID == partyID || n.SellerID == partyID
	}), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*Negotiation, error) {
	return m.list(limit, func(n *Negotiation) bool {
		return !n.IsTerminal() && !now.Before(n.Deadline)
	}), nil
}

func (m *MemoryStore) list(limit int, keep func(*Negotiation) bool) []*Negotiation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Negotiation
	for _, n := range m.negotiations {
		if keep(n) {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clone(n *Negotiation) *Negotiation {
	c := *n
	c.Rounds = append([]Round(nil), n.Rounds...)
	if n.FinalPrice != nil {
		p := *n.FinalPrice
		c.FinalPrice = &p
	}
	return &c
}
