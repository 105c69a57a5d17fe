package store

import (
	"github.com/mindhive/annotad/errors"
)

// FactoryReset wipes all progress and runtime state while preserving
// worker configuration (enabled, target_count). Callers must ensure no
// workers are running first.
func (s *Store) FactoryReset() error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin factory reset")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM annotations",
		"DELETE FROM completed_samples",
		"DELETE FROM heartbeats",
		"DELETE FROM worker_events",
		"DELETE FROM rate_limiter_state",
		`UPDATE workers
		 SET status = 'not_started',
		     pid = NULL,
		     started_at = NULL,
		     stopped_at = NULL,
		     total_completed = 0,
		     total_malformed = 0,
		     samples_per_min = 0.0,
		     last_speed_check = NULL,
		     last_updated = CURRENT_TIMESTAMP`,
		`INSERT OR REPLACE INTO system_state (key, value, updated_at)
		 VALUES ('last_factory_reset', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrap(err, "factory reset statement failed")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit factory reset")
	}

	// VACUUM cannot run inside a transaction.
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return errors.Wrap(err, "post-reset vacuum failed")
	}
	if s.logger != nil {
		s.logger.Warnw("Factory reset completed")
	}
	return nil
}

// ResetWorker wipes progress for a single pair, preserving its
// configuration, and records a reset event.
func (s *Store) ResetWorker(annotatorID int, domain string) error {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin worker reset")
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM annotations WHERE worker_id = ?",
		"DELETE FROM completed_samples WHERE worker_id = ?",
		"DELETE FROM heartbeats WHERE worker_id = ?",
	} {
		if _, err := tx.Exec(stmt, workerID); err != nil {
			return errors.Wrap(err, "worker reset statement failed")
		}
	}

	if _, err := tx.Exec(`
		UPDATE workers
		SET status = 'not_started',
		    pid = NULL,
		    started_at = NULL,
		    stopped_at = NULL,
		    total_completed = 0,
		    total_malformed = 0,
		    samples_per_min = 0.0,
		    last_speed_check = NULL,
		    last_updated = CURRENT_TIMESTAMP
		WHERE id = ?`, workerID); err != nil {
		return errors.Wrap(err, "failed to reset worker row")
	}

	if _, err := tx.Exec(
		"INSERT INTO worker_events (worker_id, event_type) VALUES (?, 'reset')",
		workerID); err != nil {
		return errors.Wrap(err, "failed to log reset event")
	}
	return errors.Wrap(tx.Commit(), "failed to commit worker reset")
}
