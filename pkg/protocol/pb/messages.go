// Package pb holds the JSON wire documents exchanged between client and server.
// Field names are part of the protocol and must not change.
package pb

import "encoding/json"

// Envelope is the outer document of every frame.
type Envelope struct {
	Version   int             `json:"version"`
	MessageID int64           `json:"messageId"`
	Command   json.RawMessage `json:"command"`
}

// CommandHeader is decoded first to find the command's type tag.
type CommandHeader struct {
	Type string `json:"type"`
}

type UserInfo struct {
	Name string `json:"name"`
}

// Participant wraps a UserInfo on either side of a text message.
type Participant struct {
	UserInfo UserInfo `json:"userInfo"`
}

// ----- Commands -----

type Login struct {
	Type     string   `json:"type"`
	UserInfo UserInfo `json:"userInfo"`
}

type Ack struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
}

type UserState struct {
	Type      string   `json:"type"`
	UserInfo  UserInfo `json:"userInfo"`
	UserState string   `json:"userState"`
}

type TextMessage struct {
	Type        string      `json:"type"`
	From        Participant `json:"from"`
	To          Participant `json:"to"`
	TextMessage string      `json:"textMessage"`
}
