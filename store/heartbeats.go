package store

import (
	"database/sql"
	"os"
	"time"

	"github.com/mindhive/annotad/errors"
)

// SendHeartbeat upserts this process's heartbeat for a pair. Called
// from the worker loop; the watchdog treats a stale row as a crash.
func (s *Store) SendHeartbeat(annotatorID int, domain string, iteration int, heartbeatStatus string) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO heartbeats (worker_id, pid, iteration, heartbeat_status, heartbeat_time)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(worker_id)
		DO UPDATE SET
			pid = excluded.pid,
			iteration = excluded.iteration,
			heartbeat_status = excluded.heartbeat_status,
			heartbeat_time = CURRENT_TIMESTAMP`,
		workerID, os.Getpid(), iteration, heartbeatStatus)
	return errors.Wrapf(err, "failed to send heartbeat for %d/%s", annotatorID, domain)
}

// IsHeartbeatAlive reports whether the pair has a heartbeat younger
// than the staleness threshold.
func (s *Store) IsHeartbeatAlive(annotatorID int, domain string) (bool, error) {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var minutesAgo float64
	err = s.db.QueryRow(`
		SELECT (JULIANDAY('now') - JULIANDAY(heartbeat_time)) * 1440
		FROM heartbeats WHERE worker_id = ?`, workerID).Scan(&minutesAgo)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read heartbeat for %d/%s", annotatorID, domain)
	}
	return minutesAgo < s.staleMinutes(), nil
}

// CleanupHeartbeat removes the heartbeat row for a pair.
func (s *Store) CleanupHeartbeat(annotatorID int, domain string) error {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.db.Exec("DELETE FROM heartbeats WHERE worker_id = ?", workerID)
	return errors.Wrapf(err, "failed to clean up heartbeat for %d/%s", annotatorID, domain)
}

// StuckWorker is a running worker whose heartbeat has gone stale.
type StuckWorker struct {
	ID            int64
	AnnotatorID   int
	Domain        string
	PID           *int
	HeartbeatTime time.Time
	MinutesAgo    float64
}

// GetStuckWorkers finds running workers with stale heartbeats. These
// are restart candidates for the watchdog.
func (s *Store) GetStuckWorkers() ([]StuckWorker, error) {
	rows, err := s.db.Query(`
		SELECT
			w.id, w.annotator_id, w.domain, w.pid,
			h.heartbeat_time,
			(JULIANDAY('now') - JULIANDAY(h.heartbeat_time)) * 1440 AS minutes_ago
		FROM workers w
		JOIN heartbeats h ON w.id = h.worker_id
		WHERE w.status = ?
		  AND (JULIANDAY('now') - JULIANDAY(h.heartbeat_time)) * 1440 > ?`,
		StatusRunning, s.staleMinutes())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stuck workers")
	}
	defer rows.Close()

	var stuck []StuckWorker
	for rows.Next() {
		var (
			sw  StuckWorker
			pid sql.NullInt64
		)
		if err := rows.Scan(&sw.ID, &sw.AnnotatorID, &sw.Domain, &pid, &sw.HeartbeatTime, &sw.MinutesAgo); err != nil {
			return nil, errors.Wrap(err, "failed to scan stuck worker")
		}
		if pid.Valid {
			p := int(pid.Int64)
			sw.PID = &p
		}
		stuck = append(stuck, sw)
	}
	return stuck, errors.Wrap(rows.Err(), "failed to iterate stuck workers")
}
