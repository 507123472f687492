package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devrev/cqrsengine/internal/config"
	"github.com/devrev/cqrsengine/internal/handler"
	"github.com/devrev/cqrsengine/internal/health"
	"github.com/devrev/cqrsengine/internal/metrics"
	"github.com/devrev/cqrsengine/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, cfg *config.Config, hc *health.HealthCheck) (*Server, *metrics.Metrics) {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(nil, nil, nil, errorHandler, logger)

	srv := NewServer(cfg, handlers, errorHandler, hc, m, logger)
	srv.SetupRoutes()
	return srv, m
}

func serve(srv *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_HealthRoutes(t *testing.T) {
	hc := health.NewHealthCheck(zap.NewNop())
	hc.Register("store", func(ctx context.Context) error { return errors.New("down") })
	srv, m := newTestServer(t, &config.Config{}, hc)

	rec := serve(srv, http.MethodGet, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(srv, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/health/live", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/health/ready", "503")))
}

func TestServer_UnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t, &config.Config{}, health.NewHealthCheck(zap.NewNop()))

	rec := serve(srv, http.MethodGet, "/v1/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint not found")

	rec = serve(srv, http.MethodDelete, "/v1/commands")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RateLimiter(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimiter = config.RateLimiterConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1}
	srv, _ := newTestServer(t, cfg, health.NewHealthCheck(zap.NewNop()))

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodGet, "/health/live").Code)
}

func TestMetricsServer_SamplePools(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "pipeline", MaxWorkers: 1, QueueSize: 8, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	ms := NewMetricsServer(&MetricsServerConfig{Port: 0, Pools: []*workerpool.WorkerPool{pool}}, m, zap.NewNop())
	ms.SamplePools()

	require.NotNil(t, ms.httpServer.Handler)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PoolQueueDepth.WithLabelValues("pipeline")))
}
