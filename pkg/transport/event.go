// Package transport owns raw connections: it accepts TCP (and WebSocket)
// peers, runs one read loop per connection and reports what happens on
// them as a single ordered stream of events.
package transport

import (
	"errors"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

var (
	ErrNotConnected    = errors.New("transport: not connected")
	ErrSessionNotFound = errors.New("transport: no connection for endpoint")
	ErrListenerClosed  = errors.New("transport: listener closed")
)

// EventKind tells what happened on a connection.
type EventKind int

const (
	EventConnected EventKind = iota
	EventData
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one notification from a connection. Data is set only for
// EventData and is owned by the receiver. Err is the cause of a
// disconnect, nil for an orderly close. ConnID identifies the connection
// that produced the event, so a consumer can tell a replaced socket from
// its successor on the same endpoint.
type Event struct {
	Kind     EventKind
	Endpoint model.Endpoint
	ConnID   string
	Data     []byte
	Err      error
}
