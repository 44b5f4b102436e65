package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access and
// are exported to Prometheus through a private registry.
type Metrics struct {
	startTime time.Time
	reg       *prometheus.Registry

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted
	ActiveConnections atomic.Int64 // current live connections
	TotalDisconnects  atomic.Int64 // connections that went away

	// Presence counters
	Logins         atomic.Int64 // accepted logins
	LoginsRejected atomic.Int64 // logins dropped for an invalid username
	StateChanges   atomic.Int64 // accepted UserState updates
	StatesDropped  atomic.Int64 // UserState updates for unknown or offline users

	// Relay counters
	TextRelayed    atomic.Int64 // text messages delivered
	TextDropped    atomic.Int64 // text messages with an unreachable target
	DecodeErrors   atomic.Int64 // malformed frames or documents
	BroadcastsSent atomic.Int64 // presence envelopes written to peers
	SendErrors     atomic.Int64 // failed writes to a peer
	JournalErrors  atomic.Int64 // presence events that could not be recorded
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		reg:       prometheus.NewRegistry(),
	}

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gotalk",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gotalk",
			Name:      "uptime_seconds",
			Help:      "Server uptime in seconds.",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gotalk",
			Name:      "connections_active",
			Help:      "Current live relay connections.",
		}, func() float64 { return float64(m.ActiveConnections.Load()) }),
		counter("connections_total", "Lifetime relay connections accepted.", &m.TotalConnections),
		counter("disconnects_total", "Relay connections that went away.", &m.TotalDisconnects),
		counter("logins_total", "Accepted logins.", &m.Logins),
		counter("logins_rejected_total", "Logins dropped for an invalid username.", &m.LoginsRejected),
		counter("state_changes_total", "Accepted presence changes.", &m.StateChanges),
		counter("state_changes_dropped_total", "Presence changes for unknown or offline users.", &m.StatesDropped),
		counter("text_messages_relayed_total", "Text messages delivered.", &m.TextRelayed),
		counter("text_messages_dropped_total", "Text messages with an unreachable target.", &m.TextDropped),
		counter("decode_errors_total", "Malformed frames or documents.", &m.DecodeErrors),
		counter("broadcasts_sent_total", "Presence envelopes written to peers.", &m.BroadcastsSent),
		counter("send_errors_total", "Failed writes to a peer.", &m.SendErrors),
		counter("journal_errors_total", "Presence events that could not be recorded.", &m.JournalErrors),
	)
	return m
}

// Register adds an extra collector, such as a gauge over live server state.
func (m *Metrics) Register(c prometheus.Collector) error {
	return m.reg.Register(c)
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	Logins         int64 `json:"logins"`
	LoginsRejected int64 `json:"logins_rejected"`
	StateChanges   int64 `json:"state_changes"`
	StatesDropped  int64 `json:"states_dropped"`

	TextRelayed    int64 `json:"text_relayed"`
	TextDropped    int64 `json:"text_dropped"`
	DecodeErrors   int64 `json:"decode_errors"`
	BroadcastsSent int64 `json:"broadcasts_sent"`
	SendErrors     int64 `json:"send_errors"`
	JournalErrors  int64 `json:"journal_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		Logins:            m.Logins.Load(),
		LoginsRejected:    m.LoginsRejected.Load(),
		StateChanges:      m.StateChanges.Load(),
		StatesDropped:     m.StatesDropped.Load(),
		TextRelayed:       m.TextRelayed.Load(),
		TextDropped:       m.TextDropped.Load(),
		DecodeErrors:      m.DecodeErrors.Load(),
		BroadcastsSent:    m.BroadcastsSent.Load(),
		SendErrors:        m.SendErrors.Load(),
		JournalErrors:     m.JournalErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(logger zerolog.Logger) {
	s := m.Snapshot()
	logger.Info().
		Str("uptime", s.Uptime).
		Int64("connections", s.ActiveConnections).
		Int64("total_connections", s.TotalConnections).
		Int64("logins", s.Logins).
		Int64("text_relayed", s.TextRelayed).
		Int64("text_dropped", s.TextDropped).
		Int64("decode_errors", s.DecodeErrors).
		Msg("metrics")
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, logger zerolog.Logger, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}
