// Package protocol defines the GoTalk command set, the wire codec and the
// length-prefixed frame format used on every connection.
package protocol

import (
	"fmt"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Version is the protocol version stamped into every envelope.
const Version = 1

// CommandType is the wire tag of a command.
type CommandType string

const (
	TypeLogin       CommandType = "Login"
	TypeAck         CommandType = "Ack"
	TypeUserState   CommandType = "UserState"
	TypeTextMessage CommandType = "TextMessage"
)

// Command is one of Login, Ack, UserState or TextMessage.
type Command interface {
	Type() CommandType
	command()
}

// Login announces the sender's username.
type Login struct {
	User model.UserInfo
}

// Ack acknowledges the envelope with MessageID.
type Ack struct {
	MessageID int64
}

// UserState carries a presence change. State is the raw wire string;
// see model.ParseState.
type UserState struct {
	User  model.UserInfo
	State string
}

// TextMessage is a direct message from one user to another.
type TextMessage struct {
	From model.UserInfo
	To   model.UserInfo
	Body string
}

func (Login) Type() CommandType       { return TypeLogin }
func (Ack) Type() CommandType         { return TypeAck }
func (UserState) Type() CommandType   { return TypeUserState }
func (TextMessage) Type() CommandType { return TypeTextMessage }

func (Login) command()       {}
func (Ack) command()         {}
func (UserState) command()   {}
func (TextMessage) command() {}

// Envelope wraps a command with the sender's protocol version and message id.
// Message ids are monotonic per sender.
type Envelope struct {
	Version   int
	MessageID int64
	Command   Command
}

// NewEnvelope returns an envelope stamped with the current protocol version.
func NewEnvelope(messageID int64, cmd Command) Envelope {
	return Envelope{Version: Version, MessageID: messageID, Command: cmd}
}

func (e Envelope) String() string {
	if e.Command == nil {
		return fmt.Sprintf("v%d #%d <nil>", e.Version, e.MessageID)
	}
	return fmt.Sprintf("v%d #%d %s", e.Version, e.MessageID, e.Command.Type())
}
