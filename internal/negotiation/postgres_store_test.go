package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/testutil"
)

func TestPostgresStore_RoundsAndCompareAndSwap(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	ids := auth.NewManager(auth.NewPostgresStore(db))
	require.NoError(t, ids.Import(ctx, &auth.Identity{ID: "agt_pg", Role: auth.RoleAgent}, "ak_pg_negotiation"))
	require.NoError(t, ids.Import(ctx, &auth.Identity{ID: "sel_pg", Role: auth.RoleSeller}, "sk_pg_negotiation"))
	cat := catalog.NewService(catalog.NewPostgresStore(db))
	require.NoError(t, cat.Upsert(ctx, &catalog.Product{
		SKU: "WW-002", SellerID: "sel_pg", Name: "Gadget", Price: 3200, StockQty: 10,
	}))

	store := NewPostgresStore(db)
	e := NewEngine(store, cat, Config{})
	b := Party{ID: "agt_pg", Side: SideBuyer}
	s := Party{ID: "sel_pg", Side: SideSeller}

	n, err := e.Propose(ctx, b, ProposeRequest{SKU: "WW-002", Side: SideBuyer, Price: 2800, Message: "bulk order"})
	require.NoError(t, err)
	_, err = e.Propose(ctx, s, ProposeRequest{NegotiationID: n.ID, Side: SideSeller, Price: 3000})
	require.NoError(t, err)
	_, err = e.Propose(ctx, b, ProposeRequest{NegotiationID: n.ID, Side: SideBuyer, Price: 3000})
	require.NoError(t, err)

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAgreed, got.Status)
	require.NotNil(t, got.FinalPrice)
	assert.Equal(t, int64(3000), *got.FinalPrice)
	require.Len(t, got.Rounds, 3)
	assert.Equal(t, "bulk order", got.Rounds[0].Message)
	assert.Equal(t, SideSeller, got.Rounds[1].Side)
	assert.Equal(t, ActionAccept, got.Rounds[2].Action)

	// A writer holding a stale view loses.
	stale := *got
	stale.CloseReason = "stale"
	assert.ErrorIs(t, store.Update(ctx, &stale, StatusCounter, 2), ErrConflict)

	_, err = store.Get(ctx, "neg_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListByParty(ctx, "sel_pg", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Rounds, 3)
}

func TestPostgresStore_ListExpired(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	ids := auth.NewManager(auth.NewPostgresStore(db))
	require.NoError(t, ids.Import(ctx, &auth.Identity{ID: "agt_pg", Role: auth.RoleAgent}, "ak_pg_neg_exp"))
	require.NoError(t, ids.Import(ctx, &auth.Identity{ID: "sel_pg", Role: auth.RoleSeller}, "sk_pg_neg_exp"))
	cat := catalog.NewService(catalog.NewPostgresStore(db))
	require.NoError(t, cat.Upsert(ctx, &catalog.Product{
		SKU: "WW-002", SellerID: "sel_pg", Name: "Gadget", Price: 3200, StockQty: 10,
	}))

	store := NewPostgresStore(db)
	e := NewEngine(store, cat, Config{TTL: time.Hour})
	n, err := e.Propose(ctx, Party{ID: "agt_pg", Side: SideBuyer}, ProposeRequest{SKU: "WW-002", Side: SideBuyer, Price: 2800})
	require.NoError(t, err)

	expired, err := store.ListExpired(ctx, n.CreatedAt.Add(30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	count, err := e.ExpireOverdue(ctx, n.CreatedAt.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "deadline passed", got.CloseReason)
}
