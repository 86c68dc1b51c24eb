package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/ledger"
	"github.com/mbd888/agentgate/internal/negotiation"
	"github.com/mbd888/agentgate/internal/orders"
	"github.com/mbd888/agentgate/internal/payments"
	"github.com/mbd888/agentgate/internal/protocol"
)

const agentKey = "ak_relay_test"

// newGateway starts a real protocol endpoint backed by in-memory stores.
func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	ids := auth.NewManager(auth.NewMemoryStore())
	require.NoError(t, ids.Import(ctx, &auth.Identity{ID: "agt_1", Role: auth.RoleAgent}, agentKey))
	cat := catalog.NewService(catalog.NewMemoryStore())
	require.NoError(t, cat.Upsert(ctx, &catalog.Product{SKU: "WW-001", SellerID: "sel_1", Name: "Steel widget", Price: 2500, StockQty: 100}))
	led := ledger.NewService(ledger.NewMemoryStore())
	_, err := led.Credit(ctx, "agt_1", 10000, "top-up", "t1")
	require.NoError(t, err)

	gw := payments.NewHostedGateway(payments.HostedConfig{CallbackURL: "http://gate.test/payments/callback"}, nil)
	d := protocol.NewDispatcher(ids, protocol.NewHandlers(protocol.Services{
		Orders:       orders.NewEngine(orders.NewMemoryStore(), cat, led, gw, orders.Config{}),
		Negotiations: negotiation.NewEngine(negotiation.NewMemoryStore(), cat, negotiation.Config{}),
		Catalog:      cat,
		Ledger:       led,
		Identities:   ids,
	}), "test")
	r := gin.New()
	d.RegisterRoutes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func TestClient_SendsKeyAndDecodesRPCError(t *testing.T) {
	var gotAuth, gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotMethod, _ = req["method"].(string)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32001,"message":"invalid credential"}}`))
	}))
	defer ts.Close()

	c := NewClient(Config{GatewayURL: ts.URL + "/", Key: "ak_secret"})
	_, err := c.Call(context.Background(), "tools/list", nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32001, rpcErr.Code)
	assert.Equal(t, "Bearer ak_secret", gotAuth)
	assert.Equal(t, "tools/list", gotMethod)
}

func TestClient_HTTPFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{GatewayURL: ts.URL, Key: "k"}).Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "slow down")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{GatewayURL: "http://127.0.0.1:1", Key: "k"}).Call(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestRelay_RegistersGatewaySurface(t *testing.T) {
	s := NewMCPServer(Config{GatewayURL: "http://unused", Key: "k"}, "test")
	tools := s.ListTools()
	assert.Len(t, tools, len(protocol.Definitions()))
	assert.NotNil(t, s.GetTool("create_order"))
	assert.NotNil(t, s.GetTool("negotiate"))
}

func TestRelay_ForwardsToolCalls(t *testing.T) {
	ts := newGateway(t)
	r := &relay{client: NewClient(Config{GatewayURL: ts.URL, Key: agentKey})}
	ctx := context.Background()

	res, err := r.callTool(ctx, toolRequest("create_order", map[string]any{"sku": "WW-001", "quantity": 2, "payment_method": "wallet"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"status":"CONFIRMED"`)
	payload, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5000), payload["totalPrice"])

	res, err = r.callTool(ctx, toolRequest("create_order", map[string]any{"sku": "WW-001", "quantity": 3, "payment_method": "wallet"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "business failures pass through as tool errors")
	assert.Contains(t, resultText(t, res), "INSUFFICIENT_FUNDS")
}

func TestRelay_ProtocolErrorsBecomeToolErrors(t *testing.T) {
	ts := newGateway(t)
	r := &relay{client: NewClient(Config{GatewayURL: ts.URL, Key: "ak_wrong"})}

	res, err := r.callTool(context.Background(), toolRequest("check_balance", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "-32001")
}

func TestRelay_ReadsResources(t *testing.T) {
	ts := newGateway(t)
	r := &relay{client: NewClient(Config{GatewayURL: ts.URL, Key: agentKey})}

	var req mcp.ReadResourceRequest
	req.Params.URI = "ledger://balance"
	contents, err := r.readResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"balance":10000`)

	req.Params.URI = "orders://ord_missing"
	_, err = r.readResource(context.Background(), req)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.CodeNotFound, rpcErr.Code)
}
