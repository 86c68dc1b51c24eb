package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps accounts and entries in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	entries  map[string][]*Entry
	refs     map[string]struct{}
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		entries:  make(map[string][]*Entry),
		refs:     make(map[string]struct{}),
	}
}

func (m *MemoryStore) Apply(_ context.Context, e *Entry) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refKey string
	if e.Reference != "" {
		refKey = e.AgentID + "|" + string(e.Kind) + "|" + e.Reference
		if _, dup := m.refs[refKey]; dup {
			return nil, ErrDuplicateReference
		}
	}

	acct, ok := m.accounts[e.AgentID]
	if !ok {
		acct = &Account{AgentID: e.AgentID}
	}
	next := acct.Balance + e.signed()
	if next < 0 {
		return nil, ErrInsufficientFunds
	}

	acct.Balance = next
	acct.UpdatedAt = e.CreatedAt
	m.accounts[e.AgentID] = acct

	stored := *e
	stored.BalanceAfter = next
	m.entries[e.AgentID] = append(m.entries[e.AgentID], &stored)
	if refKey != "" {
		m.refs[refKey] = struct{}{}
	}

	out := stored
	return &out, nil
}

func (m *MemoryStore) Account(_ context.Context, agentID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[agentID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Entries(_ context.Context, agentID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[agentID]
	out := make([]*Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Sum(_ context.Context, agentID string) (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.entries[agentID] {
		sum += e.signed()
	}
	return sum, len(m.entries[agentID]), nil
}
