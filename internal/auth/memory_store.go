package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory identity store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Identity
	byHash map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Identity),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, ident *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ident.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byHash[ident.KeyHash]; ok {
		return ErrDuplicate
	}
	cp := *ident
	s.byID[ident.ID] = &cp
	s.byHash[ident.KeyHash] = ident.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ident
	return &cp, nil
}

func (s *MemoryStore) GetByKeyHash(_ context.Context, hash string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	ident.Status = status
	ident.UpdatedAt = time.Now().UTC()
	cp := *ident
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, role Role, status Status, limit int) ([]*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Identity
	for _, ident := range s.byID {
		if role != "" && ident.Role != role {
			continue
		}
		if status != "" && ident.Status != status {
			continue
		}
		cp := *ident
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
