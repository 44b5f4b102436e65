// Package client implements the GoTalk client session: it dials a relay
// server, logs in and exchanges framed envelopes with it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
	"github.com/NicolasHaas/gotalk/pkg/transport"
)

var (
	// ErrNotLoggedIn is returned by operations that need a prior Login.
	ErrNotLoggedIn = errors.New("client: not logged in")
	// ErrEmptyArgument is returned when a required argument is empty.
	ErrEmptyArgument = errors.New("client: empty argument")
	// ErrClosed is returned after Close or once the server went away.
	ErrClosed = errors.New("client: connection closed")
)

// Options configures a Client. The zero value is usable.
type Options struct {
	DialTimeout  time.Duration // 0 = 10s
	WriteTimeout time.Duration // per-send deadline, 0 = none
	EventBuffer  int           // inbound envelope queue, 0 = 64
	Logger       *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Client is one session with a GoTalk server. Send methods are safe for
// concurrent use; inbound envelopes arrive on Events.
type Client struct {
	conn   net.Conn
	opts   Options
	logger zerolog.Logger

	wmu    sync.Mutex
	nextID atomic.Int64

	mu   sync.RWMutex
	user model.UserInfo

	events    chan protocol.Envelope
	done      chan struct{} // closed when receive exits
	quit      chan struct{} // closed by Close
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to a server over TCP.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(conn, opts), nil
}

// DialWebSocket connects to a server's WebSocket endpoint, e.g.
// ws://host:12346/ws. The same framed bytes travel in binary messages.
func DialWebSocket(ctx context.Context, url string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	return New(transport.NewWebSocketConn(ws), opts), nil
}

// New wraps an established connection and starts receiving.
func New(conn net.Conn, opts Options) *Client {
	opts = opts.withDefaults()
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: logger.With().Str("component", "client").Str("server", conn.RemoteAddr().String()).Logger(),
		events: make(chan protocol.Envelope, opts.EventBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go c.receive()
	return c
}

// Events delivers every envelope the server sends. It is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Envelope {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open or
// after a clean shutdown.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// User returns the name used in the last Login, or "".
func (c *Client) User() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user.Name
}

// Login announces name to the server and returns the message id the
// server will acknowledge.
func (c *Client) Login(name string) (int64, error) {
	if err := model.ValidateUsername(name); err != nil {
		return 0, fmt.Errorf("client: login: %w", err)
	}
	user := model.NewUserInfo(name)
	id, err := c.send(protocol.Login{User: user})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	return id, nil
}

// SendTextMessage sends body to the user named to.
func (c *Client) SendTextMessage(to, body string) error {
	if to == "" || body == "" {
		return ErrEmptyArgument
	}
	from := c.User()
	if from == "" {
		return ErrNotLoggedIn
	}
	_, err := c.send(protocol.TextMessage{
		From: model.NewUserInfo(from),
		To:   model.NewUserInfo(to),
		Body: body,
	})
	return err
}

// SetState changes the logged-in user's presence, e.g. "Away".
func (c *Client) SetState(state string) error {
	if _, err := model.ParseState(state); err != nil {
		return fmt.Errorf("client: set state: %w", err)
	}
	from := c.User()
	if from == "" {
		return ErrNotLoggedIn
	}
	_, err := c.send(protocol.UserState{User: model.NewUserInfo(from), State: state})
	return err
}

// Ack acknowledges a server message id.
func (c *Client) Ack(messageID int64) error {
	_, err := c.send(protocol.Ack{MessageID: messageID})
	return err
}

// Close ends the session. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		err = c.conn.Close()
	})
	return err
}

// send stamps cmd with the next message id and writes it as one frame.
func (c *Client) send(cmd protocol.Command) (int64, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	id := c.nextID.Add(1)
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := protocol.WriteMessage(c.conn, protocol.NewEnvelope(id, cmd)); err != nil {
		return 0, fmt.Errorf("client: send %s: %w", cmd.Type(), err)
	}
	return id, nil
}

func (c *Client) receive() {
	defer close(c.done)
	defer close(c.events)

	for {
		env, err := protocol.ReadMessage(c.conn)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) || errors.Is(err, protocol.ErrDecompressionFailed) {
				c.logger.Warn().Err(err).Msg("dropping undecodable message")
				continue
			}
			if !isClosedErr(err) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
				c.logger.Error().Err(err).Msg("read error")
			} else {
				c.logger.Debug().Msg("connection closed")
			}
			_ = c.Close()
			return
		}
		select {
		case c.events <- env:
		case <-c.quit:
			return
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
