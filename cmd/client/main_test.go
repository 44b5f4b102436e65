package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gotalk/pkg/client"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
	"github.com/NicolasHaas/gotalk/pkg/server"
)

// lockedBuffer is written by the event printer while the test reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.MetricsLogInterval = 0
	srv := server.New(cfg, server.Dependencies{})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv, strconv.Itoa(srv.Addr().(*net.TCPAddr).Port)
}

// dialBob logs a second user in and waits for the login to be acknowledged.
func dialBob(t *testing.T, srv *server.Server) *client.Client {
	t.Helper()
	bob, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	id, err := bob.Login("bob")
	require.NoError(t, err)
	nextMatching(t, bob, func(cmd protocol.Command) bool {
		ack, ok := cmd.(protocol.Ack)
		return ok && ack.MessageID == id
	})
	return bob
}

func nextMatching(t *testing.T, c *client.Client, match func(protocol.Command) bool) protocol.Command {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-c.Events():
			require.True(t, ok, "connection closed")
			if match(env.Command) {
				return env.Command
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestLineLoopSendsAndPrints(t *testing.T) {
	srv, port := startServer(t)
	bob := dialBob(t, srv)

	in, stdin := io.Pipe()
	defer stdin.Close()
	out := &lockedBuffer{}
	errc := make(chan error, 1)
	go func() {
		errc <- run([]string{"--host", "127.0.0.1", "--port", port, "--user", "alice", "--log-level", "error"}, in, out)
	}()

	// Two lines per message: recipient, then body.
	_, err := io.WriteString(stdin, "bob\nhello bob\n")
	require.NoError(t, err)
	got := nextMatching(t, bob, func(cmd protocol.Command) bool { _, ok := cmd.(protocol.TextMessage); return ok })
	msg := got.(protocol.TextMessage)
	assert.Equal(t, "alice", msg.From.Name)
	assert.Equal(t, "hello bob", msg.Body)

	require.NoError(t, bob.SendTextMessage("alice", "hi alice"))
	require.NoError(t, bob.SetState("Away"))
	assert.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "[bob] hi alice") && strings.Contains(s, "* bob is Away")
	}, 3*time.Second, 10*time.Millisecond, "output: %q", out.String())

	_, err = io.WriteString(stdin, "q\n")
	require.NoError(t, err)
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not quit on q")
	}

	state := nextMatching(t, bob, func(cmd protocol.Command) bool { _, ok := cmd.(protocol.UserState); return ok })
	assert.Equal(t, protocol.UserState{User: msg.From, State: "Disconnected"}, state)
}

func TestLineLoopEndsOnEOF(t *testing.T) {
	_, port := startServer(t)
	err := run([]string{"-p", port, "-u", "alice", "--log-level", "error"}, strings.NewReader("bob\n"), io.Discard)
	assert.NoError(t, err)
}

func TestRunFlagErrors(t *testing.T) {
	assert.ErrorContains(t, run([]string{"--port", "1"}, strings.NewReader(""), io.Discard), "--user is required")
	assert.Error(t, run([]string{"--bogus"}, strings.NewReader(""), io.Discard))

	// Nothing listens on port 1.
	assert.Error(t, run([]string{"--port", "1", "--user", "alice", "--log-level", "error"}, strings.NewReader(""), io.Discard))
}
