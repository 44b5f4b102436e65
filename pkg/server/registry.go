package server

import (
	"sort"
	"sync"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Registry is the single source of truth for presence and reachability.
// It holds one Session per username and maps live endpoints back to the
// session that owns them. Every method is atomic; callers get snapshots
// and do their network I/O after the lock is released.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*model.Session // username -> session
	byEndpoint map[model.Endpoint]string // live endpoint -> username
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*model.Session),
		byEndpoint: make(map[model.Endpoint]string),
	}
}

// Login finds or creates the session for user and binds it to ep in the
// Connected state. A later login always wins over an earlier endpoint.
// It returns the new snapshot and every other live endpoint.
func (r *Registry) Login(user model.UserInfo, ep model.Endpoint) (model.Session, []model.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[user.Name]
	if !ok {
		s = &model.Session{User: user}
		r.sessions[user.Name] = s
	}
	if s.Endpoint != "" && s.Endpoint != ep {
		delete(r.byEndpoint, s.Endpoint)
	}
	s.State = model.StateConnected
	s.Endpoint = ep
	r.byEndpoint[ep] = user.Name

	return *s, r.othersLocked(user.Name)
}

// SetState changes the presence of a connected user. It reports false if
// the user is unknown or currently disconnected.
func (r *Registry) SetState(name string, state model.PresenceState) (model.Session, []model.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[name]
	if !ok || s.Endpoint == "" || !state.Online() {
		return model.Session{}, nil, false
	}
	s.State = state
	return *s, r.othersLocked(name), true
}

// DisconnectEndpoint marks the session bound to ep as Disconnected. It
// reports false if no session holds ep.
func (r *Registry) DisconnectEndpoint(ep model.Endpoint) (model.Session, []model.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byEndpoint[ep]
	if !ok {
		return model.Session{}, nil, false
	}
	delete(r.byEndpoint, ep)
	s := r.sessions[name]
	s.State = model.StateDisconnected
	s.Endpoint = ""
	return *s, r.othersLocked(name), true
}

// Route returns the endpoint to deliver a message from -> to. It reports
// false if either user is unknown or the target is not reachable.
func (r *Registry) Route(from, to string) (model.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[from]; !ok {
		return "", false
	}
	target, ok := r.sessions[to]
	if !ok || !target.Reachable() {
		return "", false
	}
	return target.Endpoint, true
}

// Get returns a snapshot of the named session.
func (r *Registry) Get(name string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// SessionAt returns the session bound to ep, if any.
func (r *Registry) SessionAt(ep model.Endpoint) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byEndpoint[ep]
	if !ok {
		return model.Session{}, false
	}
	return *r.sessions[name], true
}

// Snapshot returns every session sorted by username.
func (r *Registry) Snapshot() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.Name < out[j].User.Name })
	return out
}

// Count returns the number of known sessions, online or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Online returns the number of sessions with a live endpoint.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEndpoint)
}

// othersLocked lists the live endpoints of every session except name,
// ordered by username. Caller must hold r.mu.
func (r *Registry) othersLocked(name string) []model.Endpoint {
	names := make([]string, 0, len(r.byEndpoint))
	for _, n := range r.byEndpoint {
		if n != name {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	out := make([]model.Endpoint, len(names))
	for i, n := range names {
		out[i] = r.sessions[n].Endpoint
	}
	return out
}
