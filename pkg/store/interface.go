// Package store keeps the presence journal: an append-only record of every
// login, state change and disconnect the server has seen. Message bodies
// are never stored.
package store

import (
	"context"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// PresenceEvent is one presence transition of one user.
type PresenceEvent struct {
	ID       int64               `json:"id"`
	Username string              `json:"username"`
	State    model.PresenceState `json:"state"`
	Endpoint model.Endpoint      `json:"endpoint,omitempty"`
	At       time.Time           `json:"at"`
}

// Journal defines the persistence interface for presence events.
// Implementations include the SQLite journal and an in-memory journal for
// tests and for servers run without a database.
type Journal interface {
	// Record appends an event. A zero At is set to the current time.
	Record(ctx context.Context, ev PresenceEvent) error

	// History returns up to limit events for username, newest first.
	// A limit <= 0 returns every event.
	History(ctx context.Context, username string, limit int) ([]PresenceEvent, error)

	// Users returns every username that has an event, sorted.
	Users(ctx context.Context) ([]string, error)

	// Close releases the underlying storage.
	Close() error
}

// Compile-time checks.
var (
	_ Journal = (*MemoryJournal)(nil)
	_ Journal = (*SQLiteJournal)(nil)
)

// New opens the SQLite journal at path, or an in-memory journal when path is empty.
func New(path string) (Journal, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return Open(path)
}
