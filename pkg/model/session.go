package model

// Session is the presence record of one username. The server keeps exactly
// one per name for the lifetime of the process; values of this type handed
// out by the registry are snapshots and safe to read without locking.
type Session struct {
	User     UserInfo      `json:"user"`
	State    PresenceState `json:"state"`
	Endpoint Endpoint      `json:"endpoint,omitempty"` // empty while Disconnected
}

// Reachable reports whether messages can currently be delivered to the session.
func (s Session) Reachable() bool {
	return s.State.Online() && !s.Endpoint.IsZero()
}
