package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

const dbTimeLayout = time.RFC3339Nano

var (
	ErrClosed          = errors.New("store: journal closed")
	ErrInvalidUsername = errors.New("store: event username must not be empty")
)

// SQLiteJournal stores presence events in a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	now    func() time.Time
	closed atomic.Bool
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open DB: %w", err)
	}
	// Pragmas below are per connection; one connection keeps them in force.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	pragmas := []struct{ stmt, what string }{
		// WAL for better concurrent read performance
		{"PRAGMA journal_mode=WAL", "set WAL"},
		// avoid "database is locked" under concurrency
		{"PRAGMA busy_timeout=5000", "set busy_timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", p.what, err)
		}
	}

	j := &SQLiteJournal{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return j, nil
}

// Close closes the database connection. Later calls return ErrClosed
// from every method and nil from Close.
func (j *SQLiteJournal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}

func (j *SQLiteJournal) migrate(ctx context.Context) error {
	if err := j.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := j.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version: 1,
			statements: []string{`
			CREATE TABLE IF NOT EXISTS presence_events (
				id       INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT    NOT NULL CHECK(length(username) > 0),
				state    TEXT    NOT NULL,
				endpoint TEXT    NOT NULL DEFAULT '',
				at       TEXT    NOT NULL
			)`,
				"CREATE INDEX IF NOT EXISTS idx_presence_events_username ON presence_events (username, id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := j.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: migrate v%d: %w", m.version, err)
			}
		}
		if err := j.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (j *SQLiteJournal) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := j.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (j *SQLiteJournal) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := j.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (j *SQLiteJournal) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := j.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func validateEvent(ev PresenceEvent) error {
	if ev.Username == "" {
		return ErrInvalidUsername
	}
	return nil
}

// ---- Events ----

func (j *SQLiteJournal) Record(ctx context.Context, ev PresenceEvent) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if err := validateEvent(ev); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO presence_events (username, state, endpoint, at) VALUES (?, ?, ?, ?)",
		ev.Username, ev.State.String(), string(ev.Endpoint), formatDBTime(ev.At),
	)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) History(ctx context.Context, username string, limit int) ([]PresenceEvent, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT id, username, state, endpoint, at FROM presence_events WHERE username = ? ORDER BY id DESC LIMIT ?",
		username, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []PresenceEvent{}
	for rows.Next() {
		var (
			ev              PresenceEvent
			state, endpoint string
			at              string
		)
		if err := rows.Scan(&ev.ID, &ev.Username, &state, &endpoint, &at); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		ev.State = model.PresenceState(state)
		ev.Endpoint = model.Endpoint(endpoint)
		if ev.At, err = parseDBTime(at); err != nil {
			return nil, fmt.Errorf("store: history time: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (j *SQLiteJournal) Users(ctx context.Context) ([]string, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, "SELECT DISTINCT username FROM presence_events ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("store: users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: users scan: %w", err)
		}
		users = append(users, name)
	}
	return users, rows.Err()
}
