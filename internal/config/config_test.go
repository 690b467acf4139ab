package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, int64(10<<20), cfg.HTTP.MaxResponseBytes)
	assert.Equal(t, 5, cfg.HTTP.MaxRedirects)
	assert.Equal(t, 5*time.Second, cfg.Scripts.Timeout)
	assert.Equal(t, 256, cfg.Scripts.CacheSize)
	assert.Equal(t, 5, cfg.Jobs.MaxActive)
}

func TestLoad_OverridesOnTopOfDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/apicli
http:
  timeout: 5s
  rate_limit: 20
scripts:
  timeout: 250ms
jobs:
  max_active: 2
log:
  level: DEBUG
  format: json
metrics:
  addr: ":9464"
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/apicli", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 20.0, cfg.HTTP.RateLimit)
	assert.Equal(t, 5, cfg.HTTP.MaxRedirects)
	assert.Equal(t, 250*time.Millisecond, cfg.Scripts.Timeout)
	assert.Equal(t, 2, cfg.Jobs.MaxActive)
	assert.Equal(t, 5, cfg.Jobs.DefaultConcurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "http: [1, 2"},
		{"bad duration", "http:\n  timeout: soon\n"},
		{"zero timeout", "http:\n  timeout: 0s\n"},
		{"concurrency too high", "jobs:\n  default_concurrency: 101\n"},
		{"concurrency too low", "jobs:\n  default_concurrency: 0\n"},
		{"negative redirects", "http:\n  max_redirects: -1\n"},
		{"unknown level", "log:\n  level: trace\n"},
		{"unknown format", "log:\n  format: xml\n"},
		{"zero script cache", "scripts:\n  cache_size: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Timeout = 0
	cfg.Jobs.MaxActive = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.timeout")
	assert.Contains(t, err.Error(), "jobs.max_active")
}
