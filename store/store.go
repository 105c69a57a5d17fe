// Package store persists all durable fleet state in SQLite: worker
// registrations, progress counters, full annotation rows, heartbeats,
// the event log, rate-limiter buckets and a small system key/value
// strip. Every mutation is transactional; the database is the single
// source of truth shared by supervisor, workers and watchdog.
package store

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/errors"
)

// Worker status values.
const (
	StatusNotStarted = "not_started"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusStopped    = "stopped"
	StatusCompleted  = "completed"
	StatusCrashed    = "crashed"
)

// DefaultStaleAfter is how long a heartbeat may age before a running
// worker is considered crashed.
const DefaultStaleAfter = 2 * time.Minute

// Store wraps the SQLite database with fleet-state operations.
type Store struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	staleAfter time.Duration
}

// New creates a store over an opened, migrated database. A nil logger
// disables store logging.
func New(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{
		db:         db,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
	}
}

// SetStaleAfter overrides the heartbeat staleness threshold, normally
// derived from crash_detection_minutes.
func (s *Store) SetStaleAfter(d time.Duration) {
	if d > 0 {
		s.staleAfter = d
	}
}

// DB exposes the underlying handle for ancillary consumers that share
// the connection, such as the rate limiter.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) staleMinutes() float64 {
	return s.staleAfter.Minutes()
}

// InitializeWorkers upserts one row per (annotator, domain) pair from
// settings. Configured pairs have enabled/target_count refreshed;
// progress counters are never touched. Pairs absent from settings are
// created disabled with a zero target.
func (s *Store) InitializeWorkers(settings *config.Settings) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin worker initialization")
	}
	defer tx.Rollback()

	for _, annotatorID := range config.AnnotatorIDs() {
		for _, domain := range config.Domains() {
			spec := settings.Pair(annotatorID, domain)
			_, err := tx.Exec(`
				INSERT INTO workers (annotator_id, domain, enabled, target_count)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(annotator_id, domain)
				DO UPDATE SET
					enabled = excluded.enabled,
					target_count = excluded.target_count`,
				annotatorID, domain, spec.Enabled, spec.TargetCount)
			if err != nil {
				return errors.Wrapf(err, "failed to initialize worker %d/%s", annotatorID, domain)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit worker initialization")
	}
	if s.logger != nil {
		s.logger.Infow("Initialized worker registry",
			"annotators", config.NumAnnotators,
			"domains", len(config.Domains()))
	}
	return nil
}

// WorkerID looks up the row ID for a pair. Returns ErrNotFound when
// the pair has never been registered.
func (s *Store) WorkerID(annotatorID int, domain string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		"SELECT id FROM workers WHERE annotator_id = ? AND domain = ?",
		annotatorID, domain).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrapf(errors.ErrNotFound, "worker %d/%s not registered", annotatorID, domain)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to look up worker %d/%s", annotatorID, domain)
	}
	return id, nil
}

// GetOrCreateWorker looks up a pair's row ID, registering the pair
// (disabled, zero target) if needed.
func (s *Store) GetOrCreateWorker(annotatorID int, domain string) (int64, error) {
	id, err := s.WorkerID(annotatorID, domain)
	if err == nil {
		return id, nil
	}
	if !errors.IsNotFoundError(err) {
		return 0, err
	}

	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO workers (annotator_id, domain) VALUES (?, ?)",
		annotatorID, domain)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to register worker %d/%s", annotatorID, domain)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return res.LastInsertId()
	}
	// Lost a race with a concurrent insert; the row exists now.
	return s.WorkerID(annotatorID, domain)
}

// Optimize reclaims space and refreshes planner statistics.
func (s *Store) Optimize() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return errors.Wrap(err, "vacuum failed")
	}
	if _, err := s.db.Exec("ANALYZE"); err != nil {
		return errors.Wrap(err, "analyze failed")
	}
	return nil
}
