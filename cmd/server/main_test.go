package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/store"
	"github.com/NicolasHaas/gotalk/pkg/version"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfigPrecedence(t *testing.T) {
	path := writeFile(t, "gotalk.yaml", `
listen_addr: ":4000"
journal_path: /from/file.db
log_level: debug
write_timeout: 3s
`)
	t.Setenv("GOTALK_HTTP_ADDR", ":5000")
	t.Setenv("GOTALK_LOG_LEVEL", "warn")
	t.Setenv("GOTALK_WRITE_TIMEOUT", "4s")

	opts, err := parseOptions([]string{
		"--config", path,
		"--listen", ":4100",
		"--journal", "/from/flag.db",
		"--write-timeout", "5s",
		"--websocket",
	})
	require.NoError(t, err)
	cfg := opts.cfg

	assert.Equal(t, ":4100", cfg.ListenAddr, "flag beats file")
	assert.Equal(t, "/from/flag.db", cfg.JournalPath, "flag beats file")
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout, "flag beats env and file")
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, ":5000", cfg.HTTPAddr, "env beats default")
	assert.Equal(t, "warn", cfg.LogLevel, "env beats file")
	assert.Equal(t, 60*time.Second, cfg.MetricsLogInterval, "default kept")
}

func TestFlagsWithoutConfigFile(t *testing.T) {
	opts, err := parseOptions([]string{"-l", "127.0.0.1:9000", "--http", "", "--log-format", "json"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", opts.cfg.ListenAddr)
	assert.Empty(t, opts.cfg.HTTPAddr)
	assert.Equal(t, "json", opts.cfg.LogFormat)
}

func TestParseOptionsErrors(t *testing.T) {
	_, err := parseOptions([]string{"--no-such-flag"})
	assert.Error(t, err)

	_, err = parseOptions([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	opts, err := parseOptions([]string{"--help"})
	require.NoError(t, err)
	assert.True(t, opts.help)
}

func TestRunRejectsBadLogLevelFlag(t *testing.T) {
	err := run(context.Background(), []string{"--log-level", "bogus", "--export-history", "nobody"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown log level")
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &out))
	assert.Contains(t, out.String(), version.String())
}

func TestRunExportHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	j, err := store.Open(dbPath)
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, store.PresenceEvent{Username: "alice", State: model.StateConnected, Endpoint: "10.0.0.1:5000", At: at}))
	require.NoError(t, j.Record(ctx, store.PresenceEvent{Username: "alice", State: model.StateDisconnected, At: at.Add(time.Minute)}))
	require.NoError(t, j.Close())

	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"--journal", dbPath, "--export-history", "alice", "--log-level", "error"}, &out))

	var doc historyExport
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, historyExport{
		User: "alice",
		Events: []historyEntry{
			{State: "Disconnected", At: "2024-05-01T12:01:00.000Z"},
			{State: "Connected", Endpoint: "10.0.0.1:5000", At: "2024-05-01T12:00:00.000Z"},
		},
	}, doc)
}

func TestRunExportHistoryUsesJournalFlag(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "j.db")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--journal", dbPath, "--export-history", "nobody", "--log-level", "error"}, &out))

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "journal database was not created at the flag's path")
	assert.Contains(t, out.String(), "user: nobody")
	assert.Contains(t, out.String(), "events: []")
}

func TestRunServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, []string{"--listen", "127.0.0.1:0", "--http", "", "--log-level", "error"}, &bytes.Buffer{})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
