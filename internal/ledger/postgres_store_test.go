package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/keylock"
	"github.com/mbd888/agentgate/internal/testutil"
)

// noLock exercises the store's own conditional update without the
// service-level per-agent lock.
type noLock struct{}

func (noLock) Lock(context.Context, string) (func(), error) { return func() {}, nil }

var _ keylock.Locker = noLock{}

func TestPostgresStore_ConditionalDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, auth.NewManager(auth.NewPostgresStore(db)).Import(ctx,
		&auth.Identity{ID: "agt_pg", Role: auth.RoleAgent}, "ak_pg_ledger"))

	s := NewService(NewPostgresStore(db)).WithLocker(noLock{})
	_, err := s.Credit(ctx, "agt_pg", 30000, "top-up", "topup_1")
	require.NoError(t, err)

	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Debit(ctx, "agt_pg", 25000, fmt.Sprintf("ord_%d", i)); err == nil {
				atomic.AddInt64(&ok, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), ok)

	_, err = s.Credit(ctx, "agt_pg", 30000, "top-up", "topup_1")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	report, err := s.Audit(ctx, "agt_pg")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(5000), report.StoredBalance)

	_, err = s.Credit(ctx, "agt_unknown", 1, "x", "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
