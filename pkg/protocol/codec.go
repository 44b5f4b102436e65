package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NicolasHaas/gotalk/pkg/model"
	pb "github.com/NicolasHaas/gotalk/pkg/protocol/pb"
)

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrMissingCommand = errors.New("envelope has no command")
)

// DecodeError reports a document that could not be turned into an Envelope.
type DecodeError struct {
	Type string // command type tag, empty if it could not be read
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return "protocol: decode: " + e.Err.Error()
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type commandCodec struct {
	encode func(Command) (any, bool)
	decode func(json.RawMessage) (Command, error)
}

// codecs maps each type tag to its encoder and decoder. Adding a command
// means adding a struct in command.go, a wire struct in pb and a row here.
var codecs = map[CommandType]commandCodec{
	TypeLogin:       {encode: encodeLogin, decode: decodeLogin},
	TypeAck:         {encode: encodeAck, decode: decodeAck},
	TypeUserState:   {encode: encodeUserState, decode: decodeUserState},
	TypeTextMessage: {encode: encodeTextMessage, decode: decodeTextMessage},
}

// Encode serializes an envelope into a JSON document (unframed).
func Encode(env Envelope) ([]byte, error) {
	if env.Command == nil {
		return nil, fmt.Errorf("protocol: encode: %w", ErrMissingCommand)
	}
	c, ok := codecs[env.Command.Type()]
	if !ok {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Command.Type(), ErrUnknownCommand)
	}
	wire, ok := c.encode(env.Command)
	if !ok {
		return nil, fmt.Errorf("protocol: encode %T: %w", env.Command, ErrUnknownCommand)
	}
	cmd, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Command.Type(), err)
	}
	data, err := json.Marshal(pb.Envelope{
		Version:   env.Version,
		MessageID: env.MessageID,
		Command:   cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses one JSON document into an Envelope. All failures are
// returned as *DecodeError.
func Decode(data []byte) (Envelope, error) {
	var doc pb.Envelope
	if err := json.Unmarshal(data, &doc); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	if len(doc.Command) == 0 || string(doc.Command) == "null" {
		return Envelope{}, &DecodeError{Err: ErrMissingCommand}
	}

	var hdr pb.CommandHeader
	if err := json.Unmarshal(doc.Command, &hdr); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	c, ok := codecs[CommandType(hdr.Type)]
	if !ok {
		return Envelope{}, &DecodeError{Type: hdr.Type, Err: ErrUnknownCommand}
	}
	cmd, err := c.decode(doc.Command)
	if err != nil {
		return Envelope{}, &DecodeError{Type: hdr.Type, Err: err}
	}

	return Envelope{Version: doc.Version, MessageID: doc.MessageID, Command: cmd}, nil
}

// ----- per-command codecs -----

func encodeLogin(c Command) (any, bool) {
	m, ok := c.(Login)
	return pb.Login{Type: string(TypeLogin), UserInfo: pb.UserInfo{Name: m.User.Name}}, ok
}

func decodeLogin(raw json.RawMessage) (Command, error) {
	var m pb.Login
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Login{User: model.NewUserInfo(m.UserInfo.Name)}, nil
}

func encodeAck(c Command) (any, bool) {
	m, ok := c.(Ack)
	return pb.Ack{Type: string(TypeAck), MessageID: m.MessageID}, ok
}

func decodeAck(raw json.RawMessage) (Command, error) {
	var m pb.Ack
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Ack{MessageID: m.MessageID}, nil
}

func encodeUserState(c Command) (any, bool) {
	m, ok := c.(UserState)
	return pb.UserState{
		Type:      string(TypeUserState),
		UserInfo:  pb.UserInfo{Name: m.User.Name},
		UserState: m.State,
	}, ok
}

func decodeUserState(raw json.RawMessage) (Command, error) {
	var m pb.UserState
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return UserState{User: model.NewUserInfo(m.UserInfo.Name), State: m.UserState}, nil
}

func encodeTextMessage(c Command) (any, bool) {
	m, ok := c.(TextMessage)
	return pb.TextMessage{
		Type:        string(TypeTextMessage),
		From:        pb.Participant{UserInfo: pb.UserInfo{Name: m.From.Name}},
		To:          pb.Participant{UserInfo: pb.UserInfo{Name: m.To.Name}},
		TextMessage: m.Body,
	}, ok
}

func decodeTextMessage(raw json.RawMessage) (Command, error) {
	var m pb.TextMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return TextMessage{
		From: model.NewUserInfo(m.From.UserInfo.Name),
		To:   model.NewUserInfo(m.To.UserInfo.Name),
		Body: m.TextMessage,
	}, nil
}
