package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/store"
)

func NewTestSqlJournal(t *testing.T) *store.SQLiteJournal {
	t.Helper()

	dir := t.TempDir()
	j, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store_test: failed to open db: %v", err)
	}
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})
	return j
}

// withJournals runs fn against every Journal implementation.
func withJournals(t *testing.T, fn func(t *testing.T, j store.Journal)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		j := store.NewMemory()
		t.Cleanup(func() { _ = j.Close() })
		fn(t, j)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, NewTestSqlJournal(t))
	})
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

func TestRecordAndHistory(t *testing.T) {
	withJournals(t, func(t *testing.T, j store.Journal) {
		ctx := context.Background()
		input := []store.PresenceEvent{
			{Username: "alice", State: model.StateConnected, Endpoint: "10.0.0.1:5000", At: base},
			{Username: "bob", State: model.StateConnected, Endpoint: "10.0.0.2:5000", At: base.Add(time.Second)},
			{Username: "alice", State: "Away", Endpoint: "10.0.0.1:5000", At: base.Add(2 * time.Second)},
			{Username: "alice", State: model.StateDisconnected, At: base.Add(3 * time.Second)},
		}
		for _, ev := range input {
			if err := j.Record(ctx, ev); err != nil {
				t.Fatalf("Record(%+v): %v", ev, err)
			}
		}

		got, err := j.History(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		want := []store.PresenceEvent{
			{ID: 4, Username: "alice", State: model.StateDisconnected, At: base.Add(3 * time.Second)},
			{ID: 3, Username: "alice", State: "Away", Endpoint: "10.0.0.1:5000", At: base.Add(2 * time.Second)},
			{ID: 1, Username: "alice", State: model.StateConnected, Endpoint: "10.0.0.1:5000", At: base},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("History mismatch (-want +got):\n%s", diff)
		}

		limited, err := j.History(ctx, "alice", 2)
		if err != nil {
			t.Fatalf("History limit: %v", err)
		}
		if diff := cmp.Diff(want[:2], limited); diff != "" {
			t.Errorf("History limit mismatch (-want +got):\n%s", diff)
		}

		none, err := j.History(ctx, "nobody", 10)
		if err != nil {
			t.Fatalf("History unknown: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("History unknown: got %d events, want 0", len(none))
		}
	})
}

func TestUsers(t *testing.T) {
	withJournals(t, func(t *testing.T, j store.Journal) {
		ctx := context.Background()
		users, err := j.Users(ctx)
		if err != nil {
			t.Fatalf("Users: %v", err)
		}
		if len(users) != 0 {
			t.Fatalf("Users on empty journal = %v", users)
		}

		for _, name := range []string{"carol", "alice", "bob", "alice"} {
			if err := j.Record(ctx, store.PresenceEvent{Username: name, State: model.StateConnected}); err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
		users, err = j.Users(ctx)
		if err != nil {
			t.Fatalf("Users: %v", err)
		}
		if diff := cmp.Diff([]string{"alice", "bob", "carol"}, users); diff != "" {
			t.Errorf("Users mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestRecordDefaults(t *testing.T) {
	withJournals(t, func(t *testing.T, j store.Journal) {
		ctx := context.Background()
		before := time.Now().Add(-time.Second)
		if err := j.Record(ctx, store.PresenceEvent{Username: "dave"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		got, err := j.History(ctx, "dave", 1)
		if err != nil || len(got) != 1 {
			t.Fatalf("History = %v, %v", got, err)
		}
		if got[0].State != model.StateDisconnected {
			t.Errorf("zero state stored as %q, want Disconnected", got[0].State)
		}
		if got[0].At.Before(before) {
			t.Errorf("At = %v, want a current timestamp", got[0].At)
		}
	})
}

func TestRecordRejectsEmptyUsername(t *testing.T) {
	withJournals(t, func(t *testing.T, j store.Journal) {
		err := j.Record(context.Background(), store.PresenceEvent{State: model.StateConnected})
		if !errors.Is(err, store.ErrInvalidUsername) {
			t.Errorf("Record empty username = %v, want ErrInvalidUsername", err)
		}
	})
}

func TestConcurrentRecord(t *testing.T) {
	withJournals(t, func(t *testing.T, j store.Journal) {
		ctx := context.Background()
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- j.Record(ctx, store.PresenceEvent{Username: "eve", State: model.StateConnected, Endpoint: model.Endpoint(fmt.Sprintf("h:%d", i))})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
		}
		got, err := j.History(ctx, "eve", 0)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(got) != n {
			t.Errorf("History len = %d, want %d", len(got), n)
		}
	})
}

func TestClosedJournal(t *testing.T) {
	withJournals(t, func(t *testing.T, j store.Journal) {
		ctx := context.Background()
		if err := j.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := j.Close(); err != nil {
			t.Errorf("second Close = %v, want nil", err)
		}
		if err := j.Record(ctx, store.PresenceEvent{Username: "x", At: base}); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Record after Close = %v, want ErrClosed", err)
		}
		if _, err := j.History(ctx, "x", 0); !errors.Is(err, store.ErrClosed) {
			t.Errorf("History after Close = %v, want ErrClosed", err)
		}
		if _, err := j.Users(ctx); !errors.Is(err, store.ErrClosed) {
			t.Errorf("Users after Close = %v, want ErrClosed", err)
		}
	})
}

func TestNewSelectsBackend(t *testing.T) {
	j, err := store.New("")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	if _, ok := j.(*store.MemoryJournal); !ok {
		t.Errorf("New(\"\") = %T, want *store.MemoryJournal", j)
	}
	_ = j.Close()

	j, err = store.New(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatalf("New(path): %v", err)
	}
	if _, ok := j.(*store.SQLiteJournal); !ok {
		t.Errorf("New(path) = %T, want *store.SQLiteJournal", j)
	}
	_ = j.Close()
}

func TestOpenTwiceKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	j, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Record(context.Background(), store.PresenceEvent{Username: "frank", State: model.StateConnected, At: base}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	_ = j.Close()

	j, err = store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	got, err := j.History(context.Background(), "frank", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || !got[0].At.Equal(base) {
		t.Errorf("History after reopen = %+v", got)
	}
}
