// Package ledger maintains agents' prepaid KRW balances.
//
// Every mutation appends an immutable entry and moves the stored balance in
// the same atomic unit, so the balance always equals the signed sum of the
// entries. Audit recomputes that sum to prove it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/events"
	"github.com/mbd888/agentgate/internal/idgen"
	"github.com/mbd888/agentgate/internal/keylock"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/traces"
)

var (
	ErrInsufficientFunds  = apperr.New(apperr.InsufficientFunds, "insufficient funds")
	ErrInvalidAmount      = apperr.New(apperr.InvalidArgument, "amount must be positive")
	ErrDuplicateReference = apperr.New(apperr.DuplicateReference, "reference already applied")
	ErrAccountNotFound    = apperr.New(apperr.AccountNotFound, "ledger account not found")
)

// Kind is the direction of an entry.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
)

// Entry is an immutable ledger record.
type Entry struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId"`
	Kind         Kind      `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balanceAfter"`
	Reference    string    `json:"reference,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// signed returns the entry's effect on the balance.
func (e *Entry) signed() int64 {
	if e.Kind == KindDebit {
		return -e.Amount
	}
	return e.Amount
}

// Account is an agent's current balance.
type Account struct {
	AgentID   string    `json:"agentId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuditReport compares the stored balance with the entry sum.
type AuditReport struct {
	AgentID       string `json:"agentId"`
	StoredBalance int64  `json:"storedBalance"`
	EntrySum      int64  `json:"entrySum"`
	EntryCount    int    `json:"entryCount"`
	Consistent    bool   `json:"consistent"`
}

// Store persists accounts and entries. Apply must be atomic: it fails with
// ErrInsufficientFunds when a debit would overdraw, ErrDuplicateReference
// when (agent, kind, reference) was already applied, and otherwise appends
// the entry and returns it with BalanceAfter filled.
type Store interface {
	Apply(ctx context.Context, e *Entry) (*Entry, error)
	Account(ctx context.Context, agentID string) (*Account, error)
	Entries(ctx context.Context, agentID string, limit int) ([]*Entry, error)
	Sum(ctx context.Context, agentID string) (sum int64, count int, err error)
}

// Service is the ledger API.
type Service struct {
	store  Store
	locker keylock.Locker
	events events.Publisher
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		locker: keylock.NewMemoryLocker(),
		events: events.Nop{},
	}
}

// WithLocker sets the per-agent locker (Redis-backed in multi-instance
// deployments).
func (s *Service) WithLocker(l keylock.Locker) *Service {
	s.locker = l
	return s
}

// WithEvents sets the domain event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// Debit removes amount from the agent's balance for an order.
func (s *Service) Debit(ctx context.Context, agentID string, amount int64, orderRef string) (*Entry, error) {
	return s.apply(ctx, &Entry{
		AgentID:   agentID,
		Kind:      KindDebit,
		Amount:    amount,
		Reference: orderRef,
		Reason:    "order payment",
	})
}

// Credit adds amount to the agent's balance. A non-empty reference makes
// the credit idempotent: replaying it fails with ErrDuplicateReference.
func (s *Service) Credit(ctx context.Context, agentID string, amount int64, reason, reference string) (*Entry, error) {
	return s.apply(ctx, &Entry{
		AgentID:   agentID,
		Kind:      KindCredit,
		Amount:    amount,
		Reference: reference,
		Reason:    reason,
	})
}

func (s *Service) apply(ctx context.Context, e *Entry) (*Entry, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger."+string(e.Kind),
		traces.AgentID(e.AgentID), traces.Amount(e.Amount))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, err := s.locker.Lock(ctx, "ledger:"+e.AgentID)
	if err != nil {
		return nil, fmt.Errorf("lock ledger %s: %w", e.AgentID, err)
	}
	defer unlock()

	e.ID = idgen.WithPrefix("txn_")
	e.CreatedAt = time.Now().UTC()

	applied, err := s.store.Apply(ctx, e)
	if err != nil {
		metrics.LedgerOperationsTotal.WithLabelValues(string(e.Kind), resultLabel(err)).Inc()
		if errors.Is(err, ErrInsufficientFunds) {
			logging.L(ctx).Info("ledger debit rejected", "agent_id", e.AgentID, "amount", e.Amount)
		}
		return nil, fmt.Errorf("%s %d for %s: %w", e.Kind, e.Amount, e.AgentID, err)
	}

	metrics.LedgerOperationsTotal.WithLabelValues(string(e.Kind), "ok").Inc()
	s.events.Publish(ctx, events.Event{
		Type:     "ledger." + string(applied.Kind),
		Subject:  applied.ID,
		Audience: []string{applied.AgentID},
		Data: map[string]any{
			"amount":       applied.Amount,
			"balanceAfter": applied.BalanceAfter,
			"reference":    applied.Reference,
		},
	})
	return applied, nil
}

// Balance returns the agent's account. Agents without entries have a zero
// balance rather than an error.
func (s *Service) Balance(ctx context.Context, agentID string) (*Account, error) {
	acct, err := s.store.Account(ctx, agentID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{AgentID: agentID}, nil
	}
	return acct, err
}

// History returns the most recent entries, newest first.
func (s *Service) History(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Entries(ctx, agentID, limit)
}

// Audit re-sums the agent's entries and compares the result with the
// stored balance.
func (s *Service) Audit(ctx context.Context, agentID string) (*AuditReport, error) {
	unlock, err := s.locker.Lock(ctx, "ledger:"+agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.Balance(ctx, agentID)
	if err != nil {
		return nil, err
	}
	sum, count, err := s.store.Sum(ctx, agentID)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		AgentID:       agentID,
		StoredBalance: acct.Balance,
		EntrySum:      sum,
		EntryCount:    count,
		Consistent:    sum == acct.Balance,
	}
	if !report.Consistent {
		logging.L(ctx).Error("ledger audit mismatch",
			"agent_id", agentID, "stored", acct.Balance, "sum", sum)
	}
	return report, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateReference):
		return "duplicate"
	default:
		return "error"
	}
}
