package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// ReadBufferSize is the size of each connection's receive buffer (10 KiB).
const ReadBufferSize = 10 * 1024

// Connection wraps one established net.Conn. A single goroutine reads from
// it (see Serve); any number of goroutines may Send.
type Connection struct {
	conn         net.Conn
	endpoint     model.Endpoint
	id           string
	writeTimeout time.Duration
	logger       zerolog.Logger

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	discOnce  sync.Once
	done      chan struct{}
}

// NewConnection wraps conn. The endpoint is the peer's remote address.
// A zero writeTimeout lets Send block until the peer drains its buffer.
func NewConnection(conn net.Conn, writeTimeout time.Duration, logger zerolog.Logger) *Connection {
	c := &Connection{
		conn:         conn,
		endpoint:     model.Endpoint(conn.RemoteAddr().String()),
		id:           uuid.NewString(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.logger = logger.With().Str("conn", c.id).Str("remote", string(c.endpoint)).Logger()
	return c
}

// Endpoint returns the peer address this connection is registered under.
func (c *Connection) Endpoint() model.Endpoint { return c.endpoint }

// ID returns a unique id used to correlate log lines of one connection.
func (c *Connection) ID() string { return c.id }

// Done is closed once the connection has disconnected.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Serve runs the read loop until the peer goes away or Close is called.
// Each read is reported to emit as one EventData carrying a copy of the
// bytes received; the loop ends with exactly one EventDisconnected.
func (c *Connection) Serve(emit func(Event)) {
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			emit(Event{Kind: EventData, Endpoint: c.endpoint, Data: data})
		}
		switch {
		case err == nil && n == 0:
			c.disconnect(emit, nil)
			return
		case err == nil:
			continue
		case errors.Is(err, os.ErrDeadlineExceeded) && !c.closed.Load():
			c.logger.Debug().Err(err).Msg("read timeout, continuing")
			continue
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			c.disconnect(emit, nil)
			return
		default:
			c.disconnect(emit, err)
			return
		}
	}
}

func (c *Connection) disconnect(emit func(Event), cause error) {
	c.discOnce.Do(func() {
		c.closed.Store(true)
		_ = c.Close()
		if cause != nil {
			c.logger.Debug().Err(cause).Msg("connection lost")
		}
		emit(Event{Kind: EventDisconnected, Endpoint: c.endpoint, Err: cause})
		close(c.done)
	})
}

// Send writes data to the peer. Concurrent calls are serialized so frames
// never interleave. After the connection is gone Send returns ErrNotConnected.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		if c.closed.Load() {
			return ErrNotConnected
		}
		// A half-written frame leaves the stream unusable.
		_ = c.Close()
		return fmt.Errorf("transport: send to %s: %w", c.endpoint, err)
	}
	return nil
}

// Close shuts the socket. The read loop then reports the disconnect.
// Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}
