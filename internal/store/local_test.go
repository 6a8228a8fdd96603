package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/event"
)

func newTestLocal(t *testing.T) (*LocalStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local_db.json")
	s, err := NewLocal(path, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testEvent(userID string, ts time.Time) *event.FallEvent {
	ev := event.New(userID, "Living Room", 0.9, nil)
	ev.Timestamp = ts
	return ev
}

func TestLocalStoreSaveAndList(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		ev := testEvent("alice", base.Add(time.Duration(i)*time.Minute))
		if err := s.Save(ctx, ev); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		ids = append(ids, ev.ID)
	}

	events, err := s.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("List returned %d events, want 3", len(events))
	}
	// Newest first.
	if events[0].ID != ids[2] || events[2].ID != ids[0] {
		t.Fatalf("List order wrong: got %s first, want %s", events[0].ID, ids[2])
	}
}

func TestLocalStoreListLimit(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := s.Save(ctx, testEvent("alice", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	events, err := s.List(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("List returned %d events, want 2", len(events))
	}
}

func TestLocalStoreSaveIsIdempotent(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()

	ev := testEvent("alice", time.Now())
	if err := s.Save(ctx, ev); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	ev.Status = event.StatusAcknowledged
	if err := s.Save(ctx, ev); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	events, err := s.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("duplicate Save created %d events, want 1", len(events))
	}
	if events[0].Status != event.StatusAcknowledged {
		t.Fatalf("Save did not overwrite: status %q", events[0].Status)
	}
}

func TestLocalStoreDelete(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()

	ev := testEvent("alice", time.Now())
	if err := s.Save(ctx, ev); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := s.Delete(ctx, "alice", ev.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "alice", ev.ID); err == nil {
		t.Fatal("deleting a missing event should fail")
	}
	if err := s.Delete(ctx, "nobody", ev.ID); err == nil {
		t.Fatal("deleting for an unknown user should fail")
	}

	events, err := s.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("Delete left %d events", len(events))
	}
}

func TestLocalStoreCleanupOlderThan(t *testing.T) {
	s, _ := newTestLocal(t)
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	old := testEvent("alice", cutoff.Add(-time.Hour))
	atCutoff := testEvent("alice", cutoff)
	fresh := testEvent("alice", cutoff.Add(time.Hour))
	for _, ev := range []*event.FallEvent{old, atCutoff, fresh} {
		if err := s.Save(ctx, ev); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	removed, err := s.CleanupOlderThan(ctx, "alice", cutoff)
	if err != nil {
		t.Fatalf("CleanupOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d events, want 1 (strictly before cutoff)", removed)
	}

	events, err := s.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("%d events remain, want 2", len(events))
	}
	for _, ev := range events {
		if ev.ID == old.ID {
			t.Fatal("cleanup kept the old event")
		}
	}
}

func TestLocalStoreReloadsFromFile(t *testing.T) {
	s, path := newTestLocal(t)
	ctx := context.Background()

	ev := testEvent("alice", time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	if err := s.Save(ctx, ev); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.Close()

	reopened, err := NewLocal(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.List(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("List after reopen failed: %v", err)
	}
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Fatalf("reopened store lost the event: got %d events", len(events))
	}
}

func TestLocalStoreClosedRejectsOps(t *testing.T) {
	s, _ := newTestLocal(t)
	s.Close()

	if err := s.Save(context.Background(), testEvent("alice", time.Now())); err == nil {
		t.Fatal("Save on a closed store should fail")
	}
}
