package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/apperr"
)

func seedService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(NewMemoryStore())
	floor := int64(2900)
	require.NoError(t, svc.Upsert(context.Background(), &Product{
		SKU: "WW-001", SellerID: "sel_ww", Name: "Walnut coaster", Price: 2500, StockQty: 100, Category: "kitchen",
	}))
	require.NoError(t, svc.Upsert(context.Background(), &Product{
		SKU: "WW-002", SellerID: "sel_ww", Name: "Oak spoon", Price: 3200, StockQty: 5, FloorPrice: &floor,
	}))
	return svc
}

func TestStockStatus(t *testing.T) {
	tests := []struct {
		qty  int
		want StockStatus
	}{
		{0, OutOfStock},
		{1, LowStock},
		{10, LowStock},
		{11, InStock},
	}
	for _, tt := range tests {
		p := &Product{StockQty: tt.qty}
		assert.Equal(t, tt.want, p.StockStatus(), "qty=%d", tt.qty)
	}
}

func TestUpsert_Defaults(t *testing.T) {
	svc := seedService(t)
	p, err := svc.Get(context.Background(), "WW-001")
	require.NoError(t, err)
	assert.Equal(t, 1, p.MinOrderQty)
	assert.Equal(t, DefaultLowStockThreshold, p.LowStockThreshold)
	assert.False(t, p.Negotiable())

	err = svc.Upsert(context.Background(), &Product{SKU: "BAD", Price: -1})
	assert.ErrorIs(t, err, ErrInvalidPrice)

	err = svc.Upsert(context.Background(), &Product{SKU: "FREE", Price: 0})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestReserveRelease(t *testing.T) {
	svc := seedService(t)
	ctx := context.Background()

	p, err := svc.Reserve(ctx, "WW-002", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, p.StockQty)

	_, err = svc.Reserve(ctx, "WW-002", 3)
	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.Equal(t, apperr.OutOfStock, apperr.CodeOf(err))

	require.NoError(t, svc.Release(ctx, "WW-002", 3))
	p, _ = svc.Get(ctx, "WW-002")
	assert.Equal(t, 5, p.StockQty)

	_, err = svc.Reserve(ctx, "NOPE", 1)
	assert.Equal(t, apperr.ProductNotFound, apperr.CodeOf(err))

	_, err = svc.Reserve(ctx, "WW-001", 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	svc := seedService(t)
	ctx := context.Background()

	var ok int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(ctx, "WW-002", 1); err == nil {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), ok)
	p, _ := svc.Get(ctx, "WW-002")
	assert.Equal(t, 0, p.StockQty)
}

func TestSellerUpdates(t *testing.T) {
	svc := seedService(t)
	ctx := context.Background()

	p, err := svc.UpdateStock(ctx, "sel_ww", "WW-001", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, p.StockQty)
	assert.Equal(t, LowStock, p.StockStatus())

	p, err = svc.UpdatePrice(ctx, "sel_ww", "WW-001", 2700)
	require.NoError(t, err)
	assert.Equal(t, int64(2700), p.Price)

	_, err = svc.UpdatePrice(ctx, "sel_other", "WW-001", 1)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = svc.UpdateStock(ctx, "sel_ww", "WW-001", -1)
	assert.ErrorIs(t, err, ErrInvalidStock)

	_, err = svc.UpdatePrice(ctx, "sel_ww", "WW-001", -5)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = svc.UpdatePrice(ctx, "sel_ww", "WW-001", 0)
	assert.ErrorIs(t, err, ErrInvalidPrice)
	p, err = svc.Get(ctx, "WW-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2700), p.Price)
}

func TestSearch(t *testing.T) {
	svc := seedService(t)
	ctx := context.Background()

	res, err := svc.Search(ctx, Query{Text: "spoon"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "WW-002", res[0].SKU)

	res, _ = svc.Search(ctx, Query{MaxPrice: 3000})
	require.Len(t, res, 1)
	assert.Equal(t, "WW-001", res[0].SKU)

	res, _ = svc.Search(ctx, Query{Category: "KITCHEN"})
	assert.Len(t, res, 1)

	_, _ = svc.UpdateStock(ctx, "sel_ww", "WW-001", 0)
	res, _ = svc.Search(ctx, Query{InStockOnly: true})
	require.Len(t, res, 1)
	assert.Equal(t, "WW-002", res[0].SKU)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	svc := seedService(t)
	p, _ := svc.Get(context.Background(), "WW-002")
	*p.FloorPrice = 1
	p.Price = 1

	again, _ := svc.Get(context.Background(), "WW-002")
	assert.Equal(t, int64(3200), again.Price)
	assert.Equal(t, int64(2900), *again.FloorPrice)
}
