package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "admission", cfg.KeyPrefix)
	assert.Equal(t, 1000, cfg.ConfigCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.ConfigCacheTTL)
	assert.Equal(t, []string{"admin"}, cfg.OverrideRoles)
	assert.Equal(t, 5, cfg.RedisConnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RedisConnectInterval)
	assert.Equal(t, 100.0, cfg.DefaultTokens)
	assert.Equal(t, time.Minute, cfg.DefaultInterval)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("ADMISSION_REDIS_URL", "redis://cache:6380/2")
	t.Setenv("ADMISSION_OVERRIDE_ROLES", "admin,moderator")
	t.Setenv("ADMISSION_CONFIG_CACHE_TTL", "30s")
	t.Setenv("ADMISSION_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6380/2", cfg.RedisURL)
	assert.Equal(t, []string{"admin", "moderator"}, cfg.OverrideRoles)
	assert.Equal(t, 30*time.Second, cfg.ConfigCacheTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_EnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("ADMISSION_KEY_PREFIX=from-file\nADMISSION_DEFAULT_TOKENS=5\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("ADMISSION_KEY_PREFIX")
		_ = os.Unsetenv("ADMISSION_DEFAULT_TOKENS")
	})

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.KeyPrefix)
	assert.Equal(t, 5.0, cfg.DefaultTokens)
}

func TestLoad_Invalid(t *testing.T) {
	tt := []struct {
		desc string
		key  string
		val  string
	}{
		{desc: "unparsable duration", key: "ADMISSION_CONFIG_CACHE_TTL", val: "soon"},
		{desc: "interval below one second", key: "ADMISSION_DEFAULT_INTERVAL", val: "10ms"},
		{desc: "non-positive tokens", key: "ADMISSION_DEFAULT_TOKENS", val: "0"},
		{desc: "unknown log level", key: "ADMISSION_LOG_LEVEL", val: "verbose"},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			t.Setenv(ts.key, ts.val)
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tt := []struct {
		in    string
		level slog.Level
		err   bool
	}{
		{in: "debug", level: slog.LevelDebug},
		{in: "INFO", level: slog.LevelInfo},
		{in: "", level: slog.LevelInfo},
		{in: "warning", level: slog.LevelWarn},
		{in: "error", level: slog.LevelError},
		{in: "loud", level: slog.LevelInfo, err: true},
	}

	for _, ts := range tt {
		t.Run(ts.in, func(t *testing.T) {
			level, err := ParseLevel(ts.in)
			assert.Equal(t, ts.level, level)
			assert.Equal(t, ts.err, err != nil)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", slog.String("provider", "email"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, "email", record["provider"])

	_, err = NewLogger("loud", &buf)
	assert.Error(t, err)
}
