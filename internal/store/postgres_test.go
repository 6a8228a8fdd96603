package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/event"
)

func TestEventRowEncodesDetectionsAsJSONText(t *testing.T) {
	ev := event.New("alice", "Kitchen", 0.93, []event.Detection{
		{ClassID: 1, ClassName: "fall", Confidence: 0.93, Box: [4]int{10, 20, 110, 220}, Center: [2]int{60, 120}},
	})

	row, err := newEventRow(ev)
	if err != nil {
		t.Fatalf("newEventRow failed: %v", err)
	}

	// The detections column is jsonb; the parameter must be JSON text the
	// server can cast, never a bytea literal.
	var decoded []event.Detection
	if err := json.Unmarshal([]byte(row.Detections), &decoded); err != nil {
		t.Fatalf("detections payload is not valid JSON text: %v (%q)", err, row.Detections)
	}
	if len(decoded) != 1 || decoded[0].ClassName != "fall" || decoded[0].Box != ev.Detections[0].Box {
		t.Fatalf("detections did not round-trip: %+v", decoded)
	}
}

func TestEventRowEmptyDetections(t *testing.T) {
	row, err := newEventRow(event.New("alice", "", 0.8, nil))
	if err != nil {
		t.Fatalf("newEventRow failed: %v", err)
	}
	if row.Detections != "null" && row.Detections != "[]" {
		t.Fatalf("empty detections encoded as %q", row.Detections)
	}
	var decoded []event.Detection
	if err := json.Unmarshal([]byte(row.Detections), &decoded); err != nil {
		t.Fatalf("empty detections payload is not valid JSON: %v", err)
	}
}

// deadPostgres returns a store whose pool is already closed, so every
// statement fails the way an unreachable backend does.
func deadPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	db, err := sqlx.Open("postgres", "postgres://guard@localhost/guard?sslmode=disable")
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	db.Close()
	return &PostgresStore{db: db, logger: zap.NewNop()}
}

func TestPostgresSaveFailsOnBothTablesWithoutPanic(t *testing.T) {
	s := deadPostgres(t)

	err := s.Save(context.Background(), event.New("alice", "Kitchen", 0.9, nil))
	if err == nil {
		t.Fatal("Save against a dead backend should fail")
	}
}

func TestPostgresReadsFailOnDeadBackend(t *testing.T) {
	s := deadPostgres(t)
	ctx := context.Background()

	if _, err := s.List(ctx, "alice", 10); err == nil {
		t.Fatal("List against a dead backend should fail")
	}
	if err := s.Delete(ctx, "alice", "ev-1"); err == nil {
		t.Fatal("Delete against a dead backend should fail")
	}
	if _, err := s.CleanupOlderThan(ctx, "alice", time.Now()); err == nil {
		t.Fatal("CleanupOlderThan against a dead backend should fail")
	}
}
