// Package store persists fall events. It prefers a durable Postgres backend
// and falls back permanently to a local JSON file when the backend is
// unreachable at startup.
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/config"
	"github.com/guardsys/guard/internal/event"
)

// Store is the uniform event persistence contract. Implementations must
// serialize concurrent mutations; Save with an existing event ID overwrites
// rather than duplicates.
type Store interface {
	// Save persists the event. It returns an error only when the event
	// could not be written anywhere.
	Save(ctx context.Context, ev *event.FallEvent) error
	// List returns up to limit events for the user, newest first.
	List(ctx context.Context, userID string, limit int) ([]*event.FallEvent, error)
	// Delete removes the event from all collections it was written to.
	Delete(ctx context.Context, userID, eventID string) error
	// CleanupOlderThan removes events with a timestamp strictly before
	// cutoff and returns the number removed.
	CleanupOlderThan(ctx context.Context, userID string, cutoff time.Time) (int, error)
	// Mode identifies the active backend ("postgres" or "local").
	Mode() string
	Close() error
}

// New probes the durable backend and returns a Postgres store when it is
// reachable, else a local file store. The choice is permanent for the
// process lifetime; there is no promotion back to durable mode mid-run.
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if cfg.PostgresDSN != "" {
		probeTimeout := cfg.ProbeTimeout
		if probeTimeout <= 0 {
			probeTimeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		pg, err := NewPostgres(ctx, cfg.PostgresDSN, logger)
		cancel()
		if err == nil {
			logger.Info("event store using durable backend")
			return pg, nil
		}
		logger.Warn("durable backend unreachable, using local file store",
			zap.Error(err))
	} else {
		logger.Warn("no durable backend configured, using local file store")
	}

	return NewLocal(cfg.LocalPath, logger)
}
