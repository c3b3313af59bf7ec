package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestMetrics(t *testing.T) (*HTTPMetrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m := &HTTPMetrics{meter: mp.Meter(httpInstrumentationName), logger: zap.NewNop()}
	m.init()
	return m, reader
}

// requestCounts returns knowledged.http.requests_total keyed by
// "route status".
func requestCounts(t *testing.T, reader *metric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "knowledged.http.requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("route"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				counts[route.AsString()+" "+status.Emit()] += dp.Value
			}
		}
	}
	return counts
}

func TestMetricsMiddleware_LabelsRouteAndFinalStatus(t *testing.T) {
	m, reader := newTestMetrics(t)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.POST("/api/v1/partitions/:name/rebuild", func(c echo.Context) error {
		if c.Param("name") == "busy" {
			return echo.NewHTTPError(http.StatusConflict, "rebuild already in progress")
		}
		return c.JSON(http.StatusOK, map[string]string{"partition": c.Param("name")})
	})

	for _, path := range []string{
		"/api/v1/partitions/hr/rebuild",
		"/api/v1/partitions/engineering/rebuild",
		"/api/v1/partitions/busy/rebuild",
		"/api/v1/nope",
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	}

	counts := requestCounts(t, reader)
	assert.Equal(t, int64(2), counts["/api/v1/partitions/:name/rebuild 200"])
	assert.Equal(t, int64(1), counts["/api/v1/partitions/:name/rebuild 409"])
	var notFound int64
	for key, n := range counts {
		if strings.HasSuffix(key, " 404") {
			notFound += n
		}
	}
	assert.Equal(t, int64(1), notFound)
}

func TestMetricsMiddleware_ErrorResponseWrittenOnce(t *testing.T) {
	m, _ := newTestMetrics(t)

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "embedding provider unavailable")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "embedding provider unavailable")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/health", routeLabel("/health"))
	assert.Equal(t, "/api/v1/partitions/:name", routeLabel("/api/v1/partitions/:name"))
}
