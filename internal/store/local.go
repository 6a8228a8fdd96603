package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/event"
)

// LocalStore keeps events in memory and mirrors the full state to a single
// JSON file on every mutation. It is the fallback used when the durable
// backend is unreachable.
type LocalStore struct {
	path   string
	logger *zap.Logger

	// mutations funnel through ops so file writes are serialized without
	// holding callers' goroutines against each other mid-write
	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	data localData
}

type localData struct {
	Users map[string]*userRecord `json:"users"`
}

type userRecord struct {
	ID     string             `json:"id"`
	Events []*event.FallEvent `json:"events"`
}

// NewLocal loads existing state from path (if any) and returns the store.
func NewLocal(path string, logger *zap.Logger) (*LocalStore, error) {
	if path == "" {
		path = "data/local_db.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &LocalStore{
		path:   path,
		logger: logger.Named("store.local"),
		ops:    make(chan func()),
		done:   make(chan struct{}),
		data:   localData{Users: map[string]*userRecord{}},
	}

	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse local store %s: %w", path, err)
		}
		if s.data.Users == nil {
			s.data.Users = map[string]*userRecord{}
		}
		s.logger.Info("local store loaded", zap.String("path", path))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read local store %s: %w", path, err)
	}

	go s.run()
	return s, nil
}

// run serializes all access to the in-memory state.
func (s *LocalStore) run() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.done:
			return
		}
	}
}

// exec runs op on the store goroutine and waits for it.
func (s *LocalStore) exec(ctx context.Context, op func()) error {
	wrapped := make(chan struct{})
	fn := func() {
		op()
		close(wrapped)
	}
	select {
	case s.ops <- fn:
	case <-s.done:
		return fmt.Errorf("local store closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-wrapped
	return nil
}

// Save appends or overwrites the event (matched by ID) and mirrors the file.
func (s *LocalStore) Save(ctx context.Context, ev *event.FallEvent) error {
	var saveErr error
	err := s.exec(ctx, func() {
		rec := s.user(ev.UserID)
		replaced := false
		for i, existing := range rec.Events {
			if existing.ID == ev.ID {
				rec.Events[i] = ev
				replaced = true
				break
			}
		}
		if !replaced {
			rec.Events = append(rec.Events, ev)
		}
		saveErr = s.flush()
	})
	if err != nil {
		return err
	}
	return saveErr
}

// List returns up to limit of the user's events, newest first.
func (s *LocalStore) List(ctx context.Context, userID string, limit int) ([]*event.FallEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*event.FallEvent
	err := s.exec(ctx, func() {
		rec, ok := s.data.Users[userID]
		if !ok {
			return
		}
		out = make([]*event.FallEvent, len(rec.Events))
		copy(out, rec.Events)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes the event and mirrors the file.
func (s *LocalStore) Delete(ctx context.Context, userID, eventID string) error {
	var delErr error
	err := s.exec(ctx, func() {
		rec, ok := s.data.Users[userID]
		if !ok {
			delErr = fmt.Errorf("unknown user %s", userID)
			return
		}
		kept := rec.Events[:0]
		found := false
		for _, ev := range rec.Events {
			if ev.ID == eventID {
				found = true
				continue
			}
			kept = append(kept, ev)
		}
		rec.Events = kept
		if !found {
			delErr = fmt.Errorf("event %s not found", eventID)
			return
		}
		delErr = s.flush()
	})
	if err != nil {
		return err
	}
	return delErr
}

// CleanupOlderThan drops events strictly before cutoff and returns the count.
func (s *LocalStore) CleanupOlderThan(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	var removed int
	var flushErr error
	err := s.exec(ctx, func() {
		rec, ok := s.data.Users[userID]
		if !ok {
			return
		}
		kept := rec.Events[:0]
		for _, ev := range rec.Events {
			if ev.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		rec.Events = kept
		if removed > 0 {
			flushErr = s.flush()
		}
	})
	if err != nil {
		return 0, err
	}
	return removed, flushErr
}

func (s *LocalStore) user(userID string) *userRecord {
	rec, ok := s.data.Users[userID]
	if !ok {
		rec = &userRecord{ID: userID}
		s.data.Users[userID] = rec
	}
	return rec
}

// flush rewrites the whole file. A temp file plus rename keeps readers from
// ever observing a partial write.
func (s *LocalStore) flush() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode local store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Error("local store write failed", zap.Error(err))
		return fmt.Errorf("write local store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error("local store rename failed", zap.Error(err))
		return fmt.Errorf("replace local store: %w", err)
	}
	return nil
}

func (s *LocalStore) Mode() string { return "local" }

// Close stops the store goroutine. Safe to call more than once.
func (s *LocalStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
