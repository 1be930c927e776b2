package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
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
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, name := range []string{
		"cropstack_overdue_pickups",
		"cropstack_active_websocket_clients",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}

	OrderTransitionsTotal.WithLabelValues("pending", "approved").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "cropstack_order_transitions_total")
}

func TestObserveOp_RecordsOutcome(t *testing.T) {
	okBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("orders", "test_op", "ok"))
	errBefore := testutil.ToFloat64(OperationsTotal.WithLabelValues("orders", "test_op", "error"))

	ObserveOp("orders", "test_op")(nil)
	ObserveOp("orders", "test_op")(errors.New("boom"))
	ObserveOp("orders", "test_op")(nil)

	assert.Equal(t, okBefore+2, testutil.ToFloat64(OperationsTotal.WithLabelValues("orders", "test_op", "ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(OperationsTotal.WithLabelValues("orders", "test_op", "error")))

	var m dto.Metric
	h := OperationDuration.WithLabelValues("orders", "test_op")
	require.NoError(t, h.(interface{ Write(*dto.Metric) error }).Write(&m))
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleCount(), uint64(3))
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/orders/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/orders/:id", "4xx"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/orders/ord_123", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/orders/:id", "4xx")))
}
