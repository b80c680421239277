package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/health"
	"github.com/devrev/nvstore/internal/metrics"
	"github.com/devrev/nvstore/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsServer_Endpoints(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("test", reg)

	store, err := service.Open(ctx, flash.NewMemRegion(512, 4), nil, zap.NewNop(), m)
	require.NoError(t, err)
	require.NoError(t, store.SetString(ctx, "cfg", "k", "v"))

	checker := health.NewHealthChecker(&health.HealthCheckConfig{StoreID: "test"}, store, zap.NewNop())
	checker.RunChecks()

	srv := NewMetricsServer(&MetricsServerConfig{Port: 0}, reg, checker, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, store.Close())
	checker.RunChecks()

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
