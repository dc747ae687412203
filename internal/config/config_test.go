package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMapKeepsDefaults(t *testing.T) {
	cfg, err := FromMap(map[string]string{"PATH": "/usr/bin", "SYNCVIEW_LOG_LEVEL": ""})
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestFromMapDecodesTypedValues(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"SYNCVIEW_LOG_LEVEL":           "debug",
		"SYNCVIEW_RESOLVER_TIMEOUT":    "5s",
		"SYNCVIEW_RESOLVER_RETRY_MAX":  "2",
		"SYNCVIEW_DISCOVERY_POLL":      "750ms",
		"SYNCVIEW_CAST_RETRY_ATTEMPTS": "5",
		"SYNCVIEW_HW_DECODE":           "false",
		"SYNCVIEW_PREROLL_TIMEOUT":     "8s",
		"SYNCVIEW_REDIS_URL":           "redis://localhost:6379/0",
	})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ResolverTimeout)
	assert.Equal(t, 2, cfg.ResolverRetryMax)
	assert.Equal(t, 750*time.Millisecond, cfg.DiscoveryPoll)
	assert.Equal(t, 5, cfg.CastRetryAttempts)
	assert.False(t, cfg.HWDecode)
	assert.Equal(t, 8*time.Second, cfg.PrerollTimeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestFromMapRejectsUnknownKeys(t *testing.T) {
	_, err := FromMap(map[string]string{"SYNCVIEW_NOPE": "1"})
	require.Error(t, err)
}

func TestFromMapRejectsBadValues(t *testing.T) {
	_, err := FromMap(map[string]string{"SYNCVIEW_RESOLVER_TIMEOUT": "soon"})
	require.Error(t, err)

	_, err = FromMap(map[string]string{"SYNCVIEW_CAST_RETRY_ATTEMPTS": "0"})
	require.Error(t, err)

	_, err = FromMap(map[string]string{"SYNCVIEW_PREROLL_TIMEOUT": "0s"})
	require.Error(t, err)
}

func TestLoadMergesEnvFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SYNCVIEW_LOG_LEVEL=warn\nSYNCVIEW_METRICS_ADDR=:9100\n"), 0o600))

	t.Setenv("SYNCVIEW_METRICS_ADDR", ":9200")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":9200", cfg.MetricsAddr)
}

func TestLoadToleratesMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
