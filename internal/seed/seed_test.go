package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/ledger"
)

const fixture = `
sellers:
  - id: sel_1
    name: WidgetWorks
    key: sk_test_seller
    trust_score: 0.9
agents:
  - id: agt_1
    name: Buyer
    key: ak_test_agent
    balance: 50000
products:
  - sku: WW-001
    seller_id: sel_1
    name: Widget
    price: 2500
    stock: 10
  - sku: WW-003
    seller_id: sel_1
    name: Floored
    price: 9800
    stock: 5
    floor_price: 8500
`

func targets() Targets {
	return Targets{
		Identities: auth.NewManager(auth.NewMemoryStore()),
		Catalog:    catalog.NewService(catalog.NewMemoryStore()),
		Ledger:     ledger.NewService(ledger.NewMemoryStore()),
	}
}

func TestApply(t *testing.T) {
	f, err := Parse([]byte(fixture))
	require.NoError(t, err)
	ctx := context.Background()
	tg := targets()

	require.NoError(t, f.Apply(ctx, tg))

	ident, err := tg.Identities.Authenticate(ctx, "ak_test_agent")
	require.NoError(t, err)
	assert.Equal(t, "agt_1", ident.ID)
	assert.Equal(t, auth.RoleAgent, ident.Role)

	seller, err := tg.Identities.Authenticate(ctx, "sk_test_seller")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleSeller, seller.Role)

	acct, err := tg.Ledger.Balance(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), acct.Balance)

	p, err := tg.Catalog.Get(ctx, "WW-003")
	require.NoError(t, err)
	assert.True(t, p.Negotiable())
	assert.Equal(t, 0.9, p.SellerTrust)
	assert.Equal(t, 1, p.MinOrderQty)
}

func TestApply_Rerun(t *testing.T) {
	f, err := Parse([]byte(fixture))
	require.NoError(t, err)
	ctx := context.Background()
	tg := targets()

	require.NoError(t, f.Apply(ctx, tg))
	_, err = tg.Catalog.Reserve(ctx, "WW-001", 4)
	require.NoError(t, err)

	require.NoError(t, f.Apply(ctx, tg))

	acct, err := tg.Ledger.Balance(ctx, "agt_1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), acct.Balance, "opening balance is credited once")

	p, err := tg.Catalog.Get(ctx, "WW-001")
	require.NoError(t, err)
	assert.Equal(t, 6, p.StockQty, "existing stock is not reset")
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown seller": "products:\n  - sku: X\n    seller_id: nobody\n    price: 10\n",
		"missing key":    "agents:\n  - id: agt_1\n",
		"floor above price": "sellers:\n  - {id: s, key: k}\nproducts:\n" +
			"  - {sku: X, seller_id: s, price: 10, floor_price: 20}\n",
		"bad yaml": "sellers: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, f.Products)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))
	f, err = Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Products, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDemoFixtureParses(t *testing.T) {
	f, err := Load(filepath.Join("..", "..", "configs", "seed.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, f.Products)
}
