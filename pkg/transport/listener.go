package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Config controls a Listener.
type Config struct {
	Addr         string
	KeepAlive    net.KeepAliveConfig
	WriteTimeout time.Duration
	EventBuffer  int
	Logger       *zerolog.Logger
}

// DefaultKeepAlive sends keep-alives to an idle peer after 10s, then every 20s.
func DefaultKeepAlive() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     10 * time.Second,
		Interval: 20 * time.Second,
		Count:    3,
	}
}

// Listener accepts connections and keeps the endpoint -> connection map.
// All connection activity is reported through Events in per-connection order.
type Listener struct {
	ln     net.Listener
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	conns map[model.Endpoint]*Connection

	events    chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds cfg.Addr and starts accepting in the background. The
// listener is closed when ctx is cancelled.
func Listen(ctx context.Context, cfg Config) (*Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: cfg.KeepAlive}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Addr, err)
	}

	l := newListener(ln, cfg)
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")

	l.wg.Add(1)
	go l.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()
	return l, nil
}

func newListener(ln net.Listener, cfg Config) *Listener {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Listener{
		ln:     ln,
		cfg:    cfg,
		logger: logger.With().Str("component", "transport").Logger(),
		conns:  make(map[model.Endpoint]*Connection),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Events returns the event stream. It is closed after Close returns.
func (l *Listener) Events() <-chan Event {
	return l.events
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error().Err(err).Msg("accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if err := l.Adopt(conn); err != nil {
			l.logger.Debug().Err(err).Msg("dropping accepted connection")
		}
	}
}

// Adopt registers an already established connection, as if it had been
// accepted by the listener. A live connection on the same endpoint is
// closed and replaced.
func (l *Listener) Adopt(conn net.Conn) error {
	c := NewConnection(conn, l.cfg.WriteTimeout, l.logger)

	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		_ = conn.Close()
		return ErrListenerClosed
	default:
	}
	prev := l.conns[c.endpoint]
	l.conns[c.endpoint] = c
	l.wg.Add(1)
	l.mu.Unlock()

	if prev != nil {
		c.logger.Warn().Str("replaced", prev.id).Msg("endpoint reused, closing previous connection")
		_ = prev.Close()
	}

	c.logger.Debug().Msg("connection accepted")
	l.emit(Event{Kind: EventConnected, Endpoint: c.endpoint, ConnID: c.id})

	go func() {
		defer l.wg.Done()
		c.Serve(func(ev Event) { l.forward(c, ev) })
	}()
	return nil
}

// forward stamps a connection's event with its id and passes it on unless
// the connection has been replaced in the map. An event read just before a
// replacement can still slip through; consumers compare ConnID with the
// id of the endpoint's latest EventConnected.
func (l *Listener) forward(c *Connection, ev Event) {
	ev.ConnID = c.id
	if ev.Kind == EventDisconnected {
		l.mu.Lock()
		current := l.conns[c.endpoint] == c
		if current {
			delete(l.conns, c.endpoint)
		}
		l.mu.Unlock()
		if !current {
			c.logger.Debug().Msg("replaced connection closed")
			return
		}
		c.logger.Debug().Msg("connection closed")
		l.emit(ev)
		return
	}

	l.mu.RLock()
	current := l.conns[c.endpoint] == c
	l.mu.RUnlock()
	if current {
		l.emit(ev)
	}
}

func (l *Listener) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// SendTo writes data to the connection registered under ep.
func (l *Listener) SendTo(ep model.Endpoint, data []byte) error {
	l.mu.RLock()
	c := l.conns[ep]
	l.mu.RUnlock()
	if c == nil {
		return ErrSessionNotFound
	}
	return c.Send(data)
}

// Disconnect closes the connection registered under ep, if any.
func (l *Listener) Disconnect(ep model.Endpoint) bool {
	l.mu.RLock()
	c := l.conns[ep]
	l.mu.RUnlock()
	if c == nil {
		return false
	}
	_ = c.Close()
	return true
}

// Len returns the number of live connections.
func (l *Listener) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.conns)
}

// Close stops accepting, closes every connection and waits for all read
// loops to finish before closing the event channel. Events not yet
// consumed when Close is called may be dropped. Safe to call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.done)
		conns := make([]*Connection, 0, len(l.conns))
		for _, c := range l.conns {
			conns = append(conns, c)
		}
		l.mu.Unlock()

		err = l.ln.Close()
		for _, c := range conns {
			_ = c.Close()
		}
		l.wg.Wait()
		close(l.events)
		l.logger.Info().Msg("relay listener closed")
	})
	return err
}
