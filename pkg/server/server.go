// Package server implements the GoTalk relay server: session registry,
// protocol dispatcher, admin HTTP and process lifecycle.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/store"
	"github.com/NicolasHaas/gotalk/pkg/transport"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`   // TCP relay bind address (e.g. ":12345")
	HTTPAddr    string `yaml:"http_addr" toml:"http_addr"`       // admin/metrics HTTP bind address (empty = disabled)
	WebSocket   bool   `yaml:"websocket" toml:"websocket"`       // serve the relay over /ws on HTTPAddr
	JournalPath string `yaml:"journal_path" toml:"journal_path"` // SQLite presence journal (empty = in memory)

	WriteTimeout      time.Duration `yaml:"write_timeout" toml:"write_timeout"` // per-send deadline (0 = none)
	KeepAliveIdle     time.Duration `yaml:"keepalive_idle" toml:"keepalive_idle"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" toml:"keepalive_interval"`
	KeepAliveCount    int           `yaml:"keepalive_count" toml:"keepalive_count"`

	MetricsLogInterval time.Duration `yaml:"metrics_log_interval" toml:"metrics_log_interval"` // 0 = off

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	ka := transport.DefaultKeepAlive()
	return Config{
		ListenAddr:         ":12345",
		HTTPAddr:           ":12346",
		WriteTimeout:       10 * time.Second,
		KeepAliveIdle:      ka.Idle,
		KeepAliveInterval:  ka.Interval,
		KeepAliveCount:     ka.Count,
		MetricsLogInterval: 60 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate checks the config for values the server cannot start with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("server: listen address must not be empty")
	}
	if c.WebSocket && c.HTTPAddr == "" {
		return fmt.Errorf("server: websocket requires an http address")
	}
	if c.WriteTimeout < 0 || c.KeepAliveIdle < 0 || c.KeepAliveInterval < 0 || c.KeepAliveCount < 0 {
		return fmt.Errorf("server: timeouts and counts must not be negative")
	}
	return logging.Validate(c.LogLevel)
}

func (c Config) keepAlive() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     c.KeepAliveIdle,
		Interval: c.KeepAliveInterval,
		Count:    c.KeepAliveCount,
	}
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Journal and will Close() it on shutdown.
type Dependencies struct {
	Journal store.Journal
}

// Server is the main GoTalk server.
type Server struct {
	cfg        Config
	registry   *Registry
	metrics    *Metrics
	journal    store.Journal
	listener   *transport.Listener
	dispatcher *Dispatcher
	httpSrv    *http.Server
	httpLn     net.Listener
	logger     zerolog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a new Server instance. A nil journal is replaced by an
// in-memory one.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	journal := deps.Journal
	if journal == nil {
		journal = store.NewMemory()
	}
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		journal:  journal,
		logger:   logging.Component("server"),
		ctx:      ctx,
		cancel:   cancel,
	}
	_ = s.metrics.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "gotalk",
		Name:      "sessions_online",
		Help:      "Sessions with a live endpoint.",
	}, func() float64 { return float64(s.registry.Online()) }))
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the relay listener's address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the admin HTTP address, or nil if it is not running.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Start binds the relay listener and admin HTTP server and starts the
// dispatcher. It returns once everything is accepting.
func (s *Server) Start() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	ln, err := transport.Listen(s.ctx, transport.Config{
		Addr:         s.cfg.ListenAddr,
		KeepAlive:    s.cfg.keepAlive(),
		WriteTimeout: s.cfg.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.listener = ln

	s.dispatcher = NewDispatcher(DispatcherConfig{
		Registry: s.registry,
		Sender:   ln,
		Journal:  s.journal,
		Metrics:  s.metrics,
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatcher.Run(s.ctx, ln.Events())
	}()

	if err := s.startHTTP(); err != nil {
		s.Shutdown()
		return err
	}

	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.logger, s.ctx.Done())
	s.logger.Info().
		Str("relay", ln.Addr().String()).
		Str("http", s.cfg.HTTPAddr).
		Bool("websocket", s.cfg.WebSocket).
		Msg("GoTalk server running")
	return nil
}
