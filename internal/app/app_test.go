package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/config"
)

func memoryConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Portal:    config.PortalConfig{Backend: "noop"},
		Analysis:  config.AnalysisConfig{DefaultThreshold: 61},
		Stream:    config.StreamConfig{QueueSize: 32, HeartbeatSec: 15},
		DB:        config.DBConfig{Backend: "memory"},
		Snapshots: config.SnapshotsConfig{Backend: "memory"},
	}
}

func TestNewWithMemoryBackendsServes(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), memoryConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// No pingable backend is configured, so readiness is unconditional.
	resp2, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.DB.Backend = "dynamo"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown db backend")

	cfg = memoryConfig()
	cfg.Snapshots.Backend = "s3"
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown snapshots backend")
}

func TestCloseOnPartiallyBuiltApp(t *testing.T) {
	t.Parallel()

	a := &App{cfg: memoryConfig(), logger: zap.NewNop()}
	a.Close() // must not panic with nothing initialized
}
