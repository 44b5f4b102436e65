package server

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
	"github.com/NicolasHaas/gotalk/pkg/store"
	"github.com/NicolasHaas/gotalk/pkg/transport"
)

// Sender delivers bytes to a live endpoint. *transport.Listener implements it.
type Sender interface {
	SendTo(ep model.Endpoint, data []byte) error
}

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Registry *Registry
	Sender   Sender
	Journal  store.Journal // optional
	Metrics  *Metrics      // optional
	Logger   *zerolog.Logger
}

// Dispatcher turns transport events into registry transitions and
// outbound envelopes. One goroutine drives it (see Run); the per-endpoint
// streams are owned by that goroutine.
type Dispatcher struct {
	registry *Registry
	sender   Sender
	journal  store.Journal
	metrics  *Metrics
	logger   zerolog.Logger

	streams map[model.Endpoint]*peerStream
	nextID  atomic.Int64
}

// peerStream is the inbound state of the live connection on an endpoint.
type peerStream struct {
	connID  string
	decoder *protocol.FrameDecoder
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		sender:   cfg.Sender,
		journal:  cfg.Journal,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		streams:  make(map[model.Endpoint]*peerStream),
	}
}

// Run consumes events until the channel is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan transport.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.HandleEvent(ev)
		}
	}
}

// HandleEvent processes one transport event. Data and Disconnected events
// from a connection that has since been replaced on its endpoint are
// dropped.
func (d *Dispatcher) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		d.metrics.TotalConnections.Add(1)
		if _, replaced := d.streams[ev.Endpoint]; replaced {
			// The replaced connection never reports its disconnect.
			d.metrics.TotalDisconnects.Add(1)
		} else {
			d.metrics.ActiveConnections.Add(1)
		}
		// A reused endpoint starts a fresh stream and cannot inherit a login.
		if _, held := d.registry.SessionAt(ev.Endpoint); held {
			d.OnSocketDisconnected(ev.Endpoint)
		}
		d.streams[ev.Endpoint] = &peerStream{connID: ev.ConnID, decoder: protocol.NewFrameDecoder()}
		d.logger.Debug().Str("endpoint", string(ev.Endpoint)).Str("conn", ev.ConnID).Msg("peer connected")

	case transport.EventData:
		if d.stale(ev) {
			return
		}
		d.handleData(ev.Endpoint, ev.ConnID, ev.Data)

	case transport.EventDisconnected:
		if d.stale(ev) {
			return
		}
		if _, ok := d.streams[ev.Endpoint]; ok {
			d.metrics.ActiveConnections.Add(-1)
			d.metrics.TotalDisconnects.Add(1)
			delete(d.streams, ev.Endpoint)
		}
		d.OnSocketDisconnected(ev.Endpoint)
	}
}

// stale reports whether ev comes from a connection other than the one
// currently registered on its endpoint.
func (d *Dispatcher) stale(ev transport.Event) bool {
	st, ok := d.streams[ev.Endpoint]
	if !ok || st.connID == ev.ConnID {
		return false
	}
	d.logger.Debug().
		Str("endpoint", string(ev.Endpoint)).
		Str("conn", ev.ConnID).
		Stringer("kind", ev.Kind).
		Msg("dropping event from replaced connection")
	return true
}

func (d *Dispatcher) handleData(ep model.Endpoint, connID string, data []byte) {
	st, ok := d.streams[ep]
	if !ok {
		// An endpoint first seen through data counts as connected.
		st = &peerStream{connID: connID, decoder: protocol.NewFrameDecoder()}
		d.streams[ep] = st
		d.metrics.ActiveConnections.Add(1)
	}

	payloads, err := st.decoder.Feed(data)
	if err != nil {
		d.metrics.DecodeErrors.Add(1)
		d.logger.Warn().Err(err).Str("endpoint", string(ep)).Msg("framing error")
	}
	for _, p := range payloads {
		env, err := protocol.Decode(p)
		if err != nil {
			d.metrics.DecodeErrors.Add(1)
			d.logger.Warn().Err(err).Str("endpoint", string(ep)).Msg("dropping undecodable message")
			continue
		}
		d.HandleEnvelope(env, ep)
	}
}

// HandleEnvelope routes a decoded envelope received from ep to its handler.
func (d *Dispatcher) HandleEnvelope(env protocol.Envelope, ep model.Endpoint) {
	if env.Version != protocol.Version {
		d.logger.Debug().Int("version", env.Version).Str("endpoint", string(ep)).Msg("unexpected protocol version")
	}

	switch cmd := env.Command.(type) {
	case protocol.Login:
		d.HandleLogin(env.MessageID, cmd, ep)
	case protocol.UserState:
		d.HandleUserState(env.MessageID, cmd)
	case protocol.TextMessage:
		d.HandleTextMessage(env.MessageID, cmd)
	case protocol.Ack:
		d.HandleAck(env.MessageID, cmd)
	default:
		d.logger.Warn().Str("endpoint", string(ep)).Msgf("unhandled command %T", env.Command)
	}
}

// HandleLogin binds the user to ep, acknowledges the login to ep and
// tells every other live session that the user is Connected.
func (d *Dispatcher) HandleLogin(messageID int64, cmd protocol.Login, ep model.Endpoint) {
	if err := model.ValidateUsername(cmd.User.Name); err != nil {
		d.metrics.LoginsRejected.Add(1)
		d.logger.Warn().Err(err).Str("endpoint", string(ep)).Msg("login rejected")
		return
	}

	// The endpoint may already carry another user's login.
	if prev, ok := d.registry.SessionAt(ep); ok && prev.User.Name != cmd.User.Name {
		d.OnSocketDisconnected(ep)
	}

	session, others := d.registry.Login(cmd.User, ep)
	d.metrics.Logins.Add(1)
	d.record(session)
	d.logger.Info().Str("user", session.User.Name).Str("endpoint", string(ep)).Msg("user logged in")

	if err := d.send(ep, protocol.Ack{MessageID: messageID}); err != nil {
		d.logger.Warn().Err(err).Str("user", session.User.Name).Msg("login ack failed")
	}
	d.Broadcast(session, others)
}

// HandleUserState applies a presence change and broadcasts it. Updates for
// unknown or offline users are dropped, as is a client asking to be
// Disconnected: only a closed socket produces that state.
func (d *Dispatcher) HandleUserState(messageID int64, cmd protocol.UserState) {
	logger := d.logger.With().Int64("msg", messageID).Str("user", cmd.User.Name).Logger()

	state, err := model.ParseState(cmd.State)
	if err != nil || !state.Online() {
		d.metrics.StatesDropped.Add(1)
		logger.Warn().Err(err).Str("state", cmd.State).Msg("ignoring presence update")
		return
	}

	session, others, ok := d.registry.SetState(cmd.User.Name, state)
	if !ok {
		d.metrics.StatesDropped.Add(1)
		logger.Debug().Msg("presence update for unknown or offline user")
		return
	}
	d.metrics.StateChanges.Add(1)
	d.record(session)
	logger.Info().Str("state", state.String()).Msg("presence changed")
	d.Broadcast(session, others)
}

// HandleTextMessage forwards a message to its target's endpoint only.
// An unknown sender or unreachable target drops the message silently.
func (d *Dispatcher) HandleTextMessage(messageID int64, cmd protocol.TextMessage) {
	ep, ok := d.registry.Route(cmd.From.Name, cmd.To.Name)
	if !ok {
		d.metrics.TextDropped.Add(1)
		d.logger.Debug().
			Int64("msg", messageID).
			Str("from", cmd.From.Name).
			Str("to", cmd.To.Name).
			Msg("dropping text message for unreachable user")
		return
	}
	if err := d.send(ep, cmd); err != nil {
		d.logger.Warn().Err(err).Str("to", cmd.To.Name).Msg("text message delivery failed")
		return
	}
	d.metrics.TextRelayed.Add(1)
}

// HandleAck accepts an acknowledgement. The server keeps no pending
// state, so there is nothing to resolve.
func (d *Dispatcher) HandleAck(messageID int64, cmd protocol.Ack) {
	d.logger.Debug().Int64("msg", messageID).Int64("ack", cmd.MessageID).Msg("ack received")
}

// Broadcast sends the session's presence to each endpoint in recipients.
// A failed send is logged and does not stop the fan-out.
func (d *Dispatcher) Broadcast(session model.Session, recipients []model.Endpoint) {
	if len(recipients) == 0 {
		return
	}
	env := d.envelope(protocol.UserState{User: session.User, State: session.State.String()})
	data, err := protocol.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Msg("encode presence broadcast")
		return
	}
	for _, ep := range recipients {
		if err := d.sender.SendTo(ep, data); err != nil {
			d.metrics.SendErrors.Add(1)
			d.logger.Warn().Err(err).Str("endpoint", string(ep)).Msg("broadcast write failed")
			continue
		}
		d.metrics.BroadcastsSent.Add(1)
	}
}

// OnSocketDisconnected marks the session bound to ep as Disconnected and
// broadcasts the change.
func (d *Dispatcher) OnSocketDisconnected(ep model.Endpoint) {
	session, others, ok := d.registry.DisconnectEndpoint(ep)
	if !ok {
		d.logger.Debug().Str("endpoint", string(ep)).Msg("disconnect without session")
		return
	}
	d.record(model.Session{User: session.User, State: session.State, Endpoint: ep})
	d.logger.Info().Str("user", session.User.Name).Str("endpoint", string(ep)).Msg("user disconnected")
	d.Broadcast(session, others)
}

// envelope stamps cmd with the next server message id.
func (d *Dispatcher) envelope(cmd protocol.Command) protocol.Envelope {
	return protocol.NewEnvelope(d.nextID.Add(1), cmd)
}

func (d *Dispatcher) send(ep model.Endpoint, cmd protocol.Command) error {
	data, err := protocol.Marshal(d.envelope(cmd))
	if err != nil {
		return err
	}
	if err := d.sender.SendTo(ep, data); err != nil {
		d.metrics.SendErrors.Add(1)
		return err
	}
	return nil
}

// record appends a presence transition to the journal. Failures are logged
// and never block the transition itself.
func (d *Dispatcher) record(s model.Session) {
	if d.journal == nil {
		return
	}
	err := d.journal.Record(context.Background(), store.PresenceEvent{
		Username: s.User.Name,
		State:    s.State,
		Endpoint: s.Endpoint,
	})
	if err != nil && !errors.Is(err, store.ErrClosed) {
		d.metrics.JournalErrors.Add(1)
		d.logger.Warn().Err(err).Str("user", s.User.Name).Msg("journal write failed")
	}
}
