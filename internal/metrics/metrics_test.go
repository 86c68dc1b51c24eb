package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges are exported with a zero value from the start.
	assert.Contains(t, w.Body.String(), "agentgate_active_websocket_clients")

	OrdersCreatedTotal.WithLabelValues("wallet").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(w.Body.String(), "agentgate_orders_created_total"))
}

func TestToolCallsCounter(t *testing.T) {
	before := testutil.ToFloat64(ToolCallsTotal.WithLabelValues("create_order", "INSUFFICIENT_FUNDS"))
	ToolCallsTotal.WithLabelValues("create_order", "INSUFFICIENT_FUNDS").Inc()
	after := testutil.ToFloat64(ToolCallsTotal.WithLabelValues("create_order", "INSUFFICIENT_FUNDS"))
	assert.Equal(t, before+1, after)
}

func TestOrdersExpiredCounter_Write(t *testing.T) {
	OrdersExpiredTotal.Add(2)

	var m dto.Metric
	require.NoError(t, OrdersExpiredTotal.Write(&m))
	require.NotNil(t, m.GetCounter())
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), float64(2))
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	require.Equal(t, http.StatusOK, w.Code)

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))
	assert.Equal(t, before+1, after)
}
