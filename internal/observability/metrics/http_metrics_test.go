package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMetricsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, err := newHTTPMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	router := gin.New()
	router.Use(m.Middleware())
	router.GET("/v1/services/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/services/provider_0", nil))

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/v1/services/:id", "404"))
	if got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}
