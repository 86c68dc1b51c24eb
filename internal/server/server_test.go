package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/config"
	"github.com/mbd888/agentgate/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminSecret = "test-admin-secret"

// testConfig returns an in-memory sandbox config seeded with the demo fixture.
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "json",
		CatalogSeed:           "../../configs/seed.yaml",
		PGProvider:            "hosted",
		PGTimeout:             time.Second,
		PublicBaseURL:         "http://gate.test",
		PaymentWindow:         24 * time.Hour,
		OrderSweepInterval:    time.Minute,
		NegotiationMaxRounds:  5,
		NegotiationTTL:        24 * time.Hour,
		DefaultPaymentMethod:  "gateway",
		GatewayBreakerTrips:   5,
		GatewayBreakerCooloff: time.Minute,
		AdminSecret:           adminSecret,
		RateLimitRPM:          6000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.New("error", "json")), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// callTool posts a tools/call and returns the structured payload.
func callTool(t *testing.T, s *Server, key, tool string, args map[string]any) (map[string]any, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": tool, "arguments": args},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key)
	resp := decode(t, serve(s, req))
	if resp["error"] != nil {
		return nil, resp["error"].(map[string]any)
	}
	result := resp["result"].(map[string]any)
	return result["structuredContent"].(map[string]any), nil
}

func adminRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", adminSecret)
	return req
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])

	w = serve(s, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(s, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = serve(s, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, want := range []string{
		"POST:/mcp",
		"GET:/metrics",
		"POST:/payments/callback",
		"POST:/payments/sandbox/:orderId",
		"GET:/payments/return",
		"POST:/v1/agents",
		"POST:/v1/sellers",
		"GET:/v1/me",
		"GET:/v1/events/ws",
		"POST:/admin/identities/:id/status",
		"POST:/admin/ledger/:agentId/topup",
		"POST:/admin/sweeps",
	} {
		assert.True(t, routeSet[want], "route %s not registered", want)
	}
	assert.False(t, routeSet["POST:/payments/stripe/webhook"], "stripe is not configured")
}

func TestSandboxRouteOnlyInDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	s, err := New(cfg, WithLogger(logging.New("error", "json")), WithVersion("test"))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })

	for _, route := range s.Router().Routes() {
		assert.NotEqual(t, "/payments/sandbox/:orderId", route.Path)
	}
	w := serve(s, httptest.NewRequest(http.MethodPost, "/payments/sandbox/ord_any", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	w := serve(s, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	w = serve(s, req)
	assert.Equal(t, "req-123", w.Header().Get(HeaderRequestID))
}

func TestSeededWalletOrder(t *testing.T) {
	s := newTestServer(t)

	bal, rpcErr := callTool(t, s, "ak_demo_agent", "check_balance", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(50000), bal["balance"])

	order, rpcErr := callTool(t, s, "ak_demo_agent", "create_order",
		map[string]any{"sku": "WW-001", "quantity": 10, "payment_method": "wallet"})
	require.Nil(t, rpcErr)
	assert.Equal(t, true, order["success"])
	assert.Equal(t, "CONFIRMED", order["status"])

	bal, _ = callTool(t, s, "ak_demo_agent", "check_balance", nil)
	assert.Equal(t, float64(25000), bal["balance"])
}

func TestGatewayOrderSandboxCompletion(t *testing.T) {
	s := newTestServer(t)

	order, rpcErr := callTool(t, s, "ak_demo_agent", "create_order", map[string]any{"sku": "WW-001", "quantity": 2})
	require.Nil(t, rpcErr)
	require.Equal(t, "ORDER_CREATED", order["status"], "%v", order)
	id := order["orderId"].(string)
	assert.Equal(t, "http://gate.test/payments/sandbox/"+id, order["redirectUrl"])

	w := serve(s, httptest.NewRequest(http.MethodPost, "/payments/sandbox/"+id, nil))
	assert.Equal(t, "OK", w.Body.String())

	status, _ := callTool(t, s, "ak_demo_agent", "get_order_status", map[string]any{"orderId": id})
	assert.Equal(t, "CONFIRMED", status["status"])
	assert.Equal(t, "CAPTURED", status["paymentStatus"])

	// The seller sees it and ships it.
	shipped, _ := callTool(t, s, "sk_demo_widgetworks", "ship_order",
		map[string]any{"orderId": id, "carrier": "CJ", "tracking_number": "9911"})
	assert.Equal(t, "SHIPPED", shipped["status"])
}

func TestRegistrationApprovalFlow(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/agents", bytes.NewBufferString(`{"name":"procurement-bot"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(s, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	reg := decode(t, w)
	assert.Equal(t, "PENDING_APPROVAL", reg["status"])
	key := reg["apiKey"].(string)
	id := reg["id"].(string)

	_, rpcErr := callTool(t, s, key, "check_balance", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, float64(-32001), rpcErr["code"])

	w = serve(s, adminRequest(http.MethodPost, "/admin/identities/"+id+"/status", map[string]any{"status": "ACTIVE"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = serve(s, adminRequest(http.MethodPost, "/admin/ledger/"+id+"/topup", map[string]any{"amount": 9000}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	bal, rpcErr := callTool(t, s, key, "check_balance", nil)
	require.Nil(t, rpcErr)
	assert.Equal(t, float64(9000), bal["balance"])

	meReq := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	meReq.Header.Set("X-Agent-Key", key)
	w = serve(s, meReq)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decode(t, w)["id"])
}

func TestAdminRequiresSecret(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/sweeps", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req.Header.Set("X-Admin-Secret", "wrong")
	assert.Equal(t, http.StatusForbidden, serve(s, req).Code)

	w := serve(s, adminRequest(http.MethodPost, "/admin/sweeps", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventStreamRequiresCredential(t *testing.T) {
	s := newTestServer(t)
	w := serve(s, httptest.NewRequest(http.MethodGet, "/v1/events/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	callTool(t, s, "ak_demo_agent", "search_products", map[string]any{"query": "widget"})

	w := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agentgate_tool_calls_total")
}

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, s.ready.Load())
	assert.NoError(t, s.Close())
}

func TestNewRejectsBadSeed(t *testing.T) {
	cfg := testConfig()
	cfg.CatalogSeed = "does-not-exist.yaml"
	_, err := New(cfg, WithLogger(logging.New("error", "json")))
	assert.Error(t, err)
}
