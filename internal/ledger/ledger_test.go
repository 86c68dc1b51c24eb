package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/apperr"
)

func fund(t *testing.T, s *Service, agentID string, amount int64) {
	t.Helper()
	_, err := s.Credit(context.Background(), agentID, amount, "top-up", "topup_"+agentID)
	require.NoError(t, err)
}

func TestDebit_ExactArithmetic(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	fund(t, s, "agt_1", 50000)

	e, err := s.Debit(ctx, "agt_1", 25000, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, int64(25000), e.BalanceAfter)
	assert.Equal(t, KindDebit, e.Kind)

	acct, err := s.Balance(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, int64(25000), acct.Balance)
}

func TestDebit_InsufficientFundsDoesNotMutate(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	fund(t, s, "agt_1", 1000)

	_, err := s.Debit(ctx, "agt_1", 1001, "ord_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, apperr.InsufficientFunds, apperr.CodeOf(err))

	acct, _ := s.Balance(ctx, "agt_1")
	assert.Equal(t, int64(1000), acct.Balance)

	hist, _ := s.History(ctx, "agt_1", 10)
	assert.Len(t, hist, 1, "only the top-up entry")
}

func TestDebit_UnknownAgentIsInsufficient(t *testing.T) {
	s := NewService(NewMemoryStore())
	_, err := s.Debit(context.Background(), "agt_ghost", 1, "ord_1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestInvalidAmounts(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	for _, amt := range []int64{0, -5} {
		_, err := s.Debit(ctx, "agt_1", amt, "x")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Credit(ctx, "agt_1", amt, "r", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestCredit_ReferenceIdempotent(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.Credit(ctx, "agt_1", 5000, "refund", "refund:ord_1")
	require.NoError(t, err)
	_, err = s.Credit(ctx, "agt_1", 5000, "refund", "refund:ord_1")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	// Unreferenced credits are never deduplicated.
	_, err = s.Credit(ctx, "agt_1", 100, "bonus", "")
	require.NoError(t, err)
	_, err = s.Credit(ctx, "agt_1", 100, "bonus", "")
	require.NoError(t, err)

	acct, _ := s.Balance(ctx, "agt_1")
	assert.Equal(t, int64(5200), acct.Balance)
}

func TestDebit_SameOrderTwiceRejected(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	fund(t, s, "agt_1", 10000)

	_, err := s.Debit(ctx, "agt_1", 1000, "ord_1")
	require.NoError(t, err)
	_, err = s.Debit(ctx, "agt_1", 1000, "ord_1")
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestDebit_ConcurrentOverspend(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	fund(t, s, "agt_1", 30000)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Debit(ctx, "agt_1", 25000, fmt.Sprintf("ord_%d", i)); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	acct, _ := s.Balance(ctx, "agt_1")
	assert.Equal(t, int64(5000), acct.Balance)
	assert.GreaterOrEqual(t, acct.Balance, int64(0))
}

func TestAudit(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()
	fund(t, s, "agt_1", 50000)
	_, _ = s.Debit(ctx, "agt_1", 12000, "ord_1")
	_, _ = s.Credit(ctx, "agt_1", 12000, "refund", "refund:ord_1")
	_, _ = s.Debit(ctx, "agt_1", 3000, "ord_2")

	report, err := s.Audit(ctx, "agt_1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(47000), report.StoredBalance)
	assert.Equal(t, int64(47000), report.EntrySum)
	assert.Equal(t, 4, report.EntryCount)

	// Corrupt the stored balance behind the service's back.
	store.accounts["agt_1"].Balance = 1
	report, err = s.Audit(ctx, "agt_1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
}

func TestHistory_NewestFirst(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()
	fund(t, s, "agt_1", 100)
	_, _ = s.Debit(ctx, "agt_1", 10, "ord_a")
	_, _ = s.Debit(ctx, "agt_1", 20, "ord_b")

	hist, err := s.History(ctx, "agt_1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "ord_b", hist[0].Reference)
	assert.Equal(t, int64(70), hist[0].BalanceAfter)
	assert.Equal(t, "ord_a", hist[1].Reference)
}
