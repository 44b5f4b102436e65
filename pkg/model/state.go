package model

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxStateLength is the longest custom presence string accepted from a client.
const MaxStateLength = 128

var ErrStateEmpty = errors.New("presence state must not be empty")
var ErrStateTooLong = errors.New("presence state must not exceed 128 bytes")
var ErrStateInvalid = errors.New("presence state must be valid UTF-8 without control characters")

// PresenceState is a session's presence. Besides the two well-known values
// any other non-empty string is a custom state set by the user ("Away", "Busy", ...).
type PresenceState string

const (
	StateDisconnected PresenceState = "Disconnected"
	StateConnected    PresenceState = "Connected"
)

// String returns the wire form of the state. The zero value is Disconnected.
func (s PresenceState) String() string {
	if s == "" {
		return string(StateDisconnected)
	}
	return string(s)
}

// Online reports whether a session in this state holds a live endpoint.
func (s PresenceState) Online() bool {
	return s != "" && s != StateDisconnected
}

// IsCustom reports whether the state is a user-defined one.
func (s PresenceState) IsCustom() bool {
	return s.Online() && s != StateConnected
}

// ParseState validates a state string received from the wire.
func ParseState(raw string) (PresenceState, error) {
	if raw == "" {
		return "", ErrStateEmpty
	}
	if len(raw) > MaxStateLength {
		return "", ErrStateTooLong
	}
	if !utf8.ValidString(raw) || strings.ContainsFunc(raw, isControl) {
		return "", ErrStateInvalid
	}
	return PresenceState(raw), nil
}
