package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  store_id: bench-1
region:
  path: /tmp/nvs.bin
  page_count: 8
store:
  compression:
    enabled: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "bench-1", cfg.Server.StoreID)
	assert.Equal(t, 50061, cfg.Server.Port)
	assert.Equal(t, "/tmp/nvs.bin", cfg.Region.Path)
	assert.Equal(t, 4096, cfg.Region.PageSize)
	assert.Equal(t, 8, cfg.Region.PageCount)
	assert.Equal(t, 1, cfg.Store.ReservePages)
	assert.True(t, cfg.Store.Compression.Enabled)
	assert.Equal(t, 512, cfg.Store.Compression.MinSize)
	assert.Equal(t, 10*time.Second, cfg.Store.HealthCheckInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad page size", "region:\n  page_size: 1000\n"},
		{"too few pages", "region:\n  page_count: 1\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"thresholds inverted", "store:\n  free_pages_warning: 1\n  free_pages_critical: 3\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigOrDefault(t *testing.T) {
	cfg, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.NoError(t, cfg.Validate())

	_, err = LoadConfigOrDefault(writeConfig(t, "region:\n  page_size: 100\n"))
	assert.Error(t, err)
}
