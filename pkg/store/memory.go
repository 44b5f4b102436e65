package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// MemoryJournal is an in-memory Journal. It mirrors the SQLite journal's
// ordering and validation so tests can use either.
type MemoryJournal struct {
	mu sync.RWMutex

	now    func() time.Time
	nextID int64
	events []PresenceEvent
	byUser map[string][]int // username -> indexes into events
	closed bool
}

// NewMemory creates a MemoryJournal using time.Now().UTC().
func NewMemory() *MemoryJournal {
	return NewMemoryWithClock(nil)
}

// NewMemoryWithClock creates a MemoryJournal with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryJournal {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryJournal{
		now:    now,
		nextID: 1,
		byUser: make(map[string][]int),
	}
}

func (m *MemoryJournal) Record(ctx context.Context, ev PresenceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEvent(ev); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if ev.At.IsZero() {
		ev.At = m.now()
	}
	ev.At = ev.At.UTC()
	ev.State = model.PresenceState(ev.State.String())
	ev.ID = m.nextID
	m.nextID++

	m.byUser[ev.Username] = append(m.byUser[ev.Username], len(m.events))
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryJournal) History(ctx context.Context, username string, limit int) ([]PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	idx := m.byUser[username]
	n := len(idx)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PresenceEvent, 0, n)
	for i := len(idx) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.events[idx[i]])
	}
	return out, nil
}

func (m *MemoryJournal) Users(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	users := make([]string, 0, len(m.byUser))
	for name := range m.byUser {
		users = append(users, name)
	}
	sort.Strings(users)
	return users, nil
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
