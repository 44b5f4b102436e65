// Package model defines the core domain types for GoTalk.
package model

// Endpoint identifies one live transport connection (the peer's "host:port").
// An empty Endpoint means "no connection".
type Endpoint string

// String returns the endpoint address.
func (e Endpoint) String() string {
	return string(e)
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e == ""
}
