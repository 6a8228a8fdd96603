package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/guardsys/guard/internal/event"
)

// The same logical event is written to both tables: "events" is read by the
// current consumers, "fall_events" by legacy ones. Both writes are attempted
// on every save; a failure in one does not roll back the other.
var eventTables = []string{"events", "fall_events"}

// PostgresStore is the durable event store.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type eventRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	Timestamp  time.Time `db:"timestamp"`
	Confidence float64   `db:"confidence"`
	// Detections is JSON text, not raw bytes: lib/pq sends []byte as a
	// bytea hex literal, which the server cannot cast to jsonb.
	Detections    string `db:"detections"`
	ScreenshotRef string `db:"screenshot_ref"`
	Location      string `db:"location"`
	Status        string `db:"status"`
	Processed     bool   `db:"processed"`
}

func newEventRow(ev *event.FallEvent) (eventRow, error) {
	detections, err := json.Marshal(ev.Detections)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode detections: %w", err)
	}
	return eventRow{
		ID:            ev.ID,
		UserID:        ev.UserID,
		Timestamp:     ev.Timestamp,
		Confidence:    ev.Confidence,
		Detections:    string(detections),
		ScreenshotRef: ev.ScreenshotRef,
		Location:      ev.Location,
		Status:        ev.Status,
		Processed:     ev.Processed,
	}, nil
}

// NewPostgres connects, pings and ensures the schema for both tables.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{db: db, logger: logger.Named("store.postgres")}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, table := range eventTables {
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			timestamp      TIMESTAMPTZ NOT NULL,
			confidence     DOUBLE PRECISION NOT NULL,
			detections     JSONB NOT NULL DEFAULT '[]',
			screenshot_ref TEXT NOT NULL DEFAULT '',
			location       TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'detected',
			processed      BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_%s_user_ts ON %s (user_id, timestamp DESC);
		`, table, table, table)
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts the event into both the current and the legacy table.
// Both writes are attempted; it fails only when neither table accepted the
// event.
func (s *PostgresStore) Save(ctx context.Context, ev *event.FallEvent) error {
	row, err := newEventRow(ev)
	if err != nil {
		return err
	}

	var errs []error
	for _, table := range eventTables {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, user_id, timestamp, confidence, detections,
			                screenshot_ref, location, status, processed)
			VALUES (:id, :user_id, :timestamp, :confidence, :detections,
			        :screenshot_ref, :location, :status, :processed)
			ON CONFLICT (id) DO UPDATE SET
				confidence = EXCLUDED.confidence,
				detections = EXCLUDED.detections,
				screenshot_ref = EXCLUDED.screenshot_ref,
				status = EXCLUDED.status,
				processed = EXCLUDED.processed`, table)
		if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
			s.logger.Error("event write failed",
				zap.String("table", table),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) == len(eventTables) {
		return fmt.Errorf("save event %s: %w", ev.ID, errors.Join(errs...))
	}
	return nil
}

// List returns the user's events newest first. When the current table has
// none, the legacy table is consulted.
func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]*event.FallEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	for _, table := range eventTables {
		query := fmt.Sprintf(`
			SELECT id, user_id, timestamp, confidence, detections,
			       screenshot_ref, location, status, processed
			FROM %s WHERE user_id = $1
			ORDER BY timestamp DESC LIMIT $2`, table)

		var rows []eventRow
		if err := s.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
			return nil, fmt.Errorf("list events from %s: %w", table, err)
		}
		if len(rows) == 0 {
			continue
		}

		events := make([]*event.FallEvent, 0, len(rows))
		for _, r := range rows {
			ev := &event.FallEvent{
				ID:            r.ID,
				UserID:        r.UserID,
				Timestamp:     r.Timestamp,
				Confidence:    r.Confidence,
				ScreenshotRef: r.ScreenshotRef,
				Location:      r.Location,
				Status:        r.Status,
				Processed:     r.Processed,
			}
			if err := json.Unmarshal([]byte(r.Detections), &ev.Detections); err != nil {
				s.logger.Warn("malformed detections payload",
					zap.String("event_id", r.ID), zap.Error(err))
			}
			events = append(events, ev)
		}
		return events, nil
	}
	return nil, nil
}

// Delete removes the event from both tables.
func (s *PostgresStore) Delete(ctx context.Context, userID, eventID string) error {
	var errs []error
	for _, table := range eventTables {
		query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND id = $2`, table)
		if _, err := s.db.ExecContext(ctx, query, userID, eventID); err != nil {
			s.logger.Error("event delete failed",
				zap.String("table", table),
				zap.String("event_id", eventID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(eventTables) {
		return fmt.Errorf("delete event %s: %w", eventID, errors.Join(errs...))
	}
	return nil
}

// CleanupOlderThan deletes events before cutoff from both tables and returns
// the count removed from the current table.
func (s *PostgresStore) CleanupOlderThan(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	var removed int64
	for i, table := range eventTables {
		query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1 AND timestamp < $2`, table)
		res, err := s.db.ExecContext(ctx, query, userID, cutoff)
		if err != nil {
			return int(removed), fmt.Errorf("cleanup %s: %w", table, err)
		}
		if i == 0 {
			removed, _ = res.RowsAffected()
		}
	}
	return int(removed), nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error { return s.db.Close() }
