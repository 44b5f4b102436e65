package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":12345", cfg.ListenAddr)
	assert.Equal(t, ":12346", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 3, cfg.KeepAliveCount)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "gotalk.yaml", `
listen_addr: "127.0.0.1:4000"
http_addr: ""
journal_path: /var/lib/gotalk/journal.db
write_timeout: 3s
keepalive_count: 5
log_level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	assert.Empty(t, cfg.HTTPAddr)
	assert.Equal(t, "/var/lib/gotalk/journal.db", cfg.JournalPath)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5, cfg.KeepAliveCount)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.MetricsLogInterval)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "gotalk.toml", `
listen_addr = ":5000"
websocket = true
log_format = "json"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "gotalk.ini", "listen_addr=:1"))
	assert.ErrorContains(t, err, "unsupported format")

	_, err = LoadConfig(writeConfig(t, "gotalk.yaml", "listen_addr: [oops"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"GOTALK_LISTEN_ADDR":     ":7000",
		"GOTALK_WEBSOCKET":       "true",
		"GOTALK_WRITE_TIMEOUT":   "250ms",
		"GOTALK_KEEPALIVE_COUNT": "9",
		"GOTALK_LOG_LEVEL":       "warn",
	}
	cfg, err := applyEnvOverrides(DefaultConfig(), func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	assert.Equal(t, 9, cfg.KeepAliveCount)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":12346", cfg.HTTPAddr)
}

func TestEnvOverridesOverFile(t *testing.T) {
	path := writeConfig(t, "gotalk.yaml", "listen_addr: \":4000\"\n")
	t.Setenv("GOTALK_LISTEN_ADDR", ":4001")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":4001", cfg.ListenAddr)
}

func TestEnvOverridesInvalid(t *testing.T) {
	env := map[string]string{
		"GOTALK_WRITE_TIMEOUT":   "soon",
		"GOTALK_KEEPALIVE_COUNT": "many",
		"GOTALK_WEBSOCKET":       "perhaps",
	}
	_, err := applyEnvOverrides(DefaultConfig(), func(k string) string { return env[k] })
	require.Error(t, err)
	assert.ErrorContains(t, err, "GOTALK_WRITE_TIMEOUT")
	assert.ErrorContains(t, err, "GOTALK_KEEPALIVE_COUNT")
	assert.ErrorContains(t, err, "GOTALK_WEBSOCKET")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"websocket without http", func(c *Config) { c.WebSocket = true; c.HTTPAddr = "" }},
		{"negative timeout", func(c *Config) { c.WriteTimeout = -time.Second }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
