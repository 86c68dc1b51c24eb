// Package keylock serializes work on a single business key (an order id, an
// agent's ledger, a negotiation) across concurrent requests.
package keylock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockTimeout is returned when a lock could not be acquired before the
// caller's context expired.
var ErrLockTimeout = errors.New("keylock: timed out waiting for lock")

// Locker acquires an exclusive lock on key. On success it returns an unlock
// function which the caller must invoke exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// MemoryLocker is an in-process Locker. Each key gets its own channel-based
// mutex, so distinct keys never contend and waiters can bail out on context
// cancellation. Entries are reference counted and dropped when idle.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*chanMutex
}

type chanMutex struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process per-key locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*chanMutex)}
}

// Lock acquires the mutex for key, respecting context cancellation.
func (m *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	cm, ok := m.locks[key]
	if !ok {
		cm = &chanMutex{ch: make(chan struct{}, 1)}
		cm.ch <- struct{}{}
		m.locks[key] = cm
	}
	cm.refs++
	m.mu.Unlock()

	select {
	case <-cm.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				cm.ch <- struct{}{}
				m.release(key, cm)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, cm)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, ctx.Err()
	}
}

func (m *MemoryLocker) release(key string, cm *chanMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm.refs--
	if cm.refs == 0 && m.locks[key] == cm {
		delete(m.locks, key)
	}
}

// size reports the number of tracked keys (for tests).
func (m *MemoryLocker) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
