package store

import (
	"database/sql"
	"time"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/internal/procutil"
)

// Progress summarizes a worker's completion state.
type Progress struct {
	Completed  int     `json:"completed"`
	Target     int     `json:"target"`
	Malformed  int     `json:"malformed"`
	Speed      float64 `json:"speed"`
	Percentage float64 `json:"percentage"`
}

// WorkerStatus is the composite view a caller sees for one pair: the
// workers row joined with its heartbeat, plus derived fields.
type WorkerStatus struct {
	ID             int64      `json:"id"`
	AnnotatorID    int        `json:"annotator_id"`
	Domain         string     `json:"domain"`
	Status         string     `json:"status"`
	Enabled        bool       `json:"enabled"`
	PID            *int       `json:"pid"`
	StartedAt      *time.Time `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at"`
	LastUpdated    *time.Time `json:"last_updated"`
	HeartbeatTime  *time.Time `json:"heartbeat_time"`
	Iteration      int        `json:"iteration"`
	HeartbeatAlive bool       `json:"heartbeat_alive"`
	Stale          bool       `json:"stale"`
	Running        bool       `json:"running"`
	Progress       Progress   `json:"progress"`
}

// UpdateWorkerStatus transitions a worker and records the transition in
// the event log. Running requires a PID and stamps started_at; terminal
// states clear the PID and stamp stopped_at.
func (s *Store) UpdateWorkerStatus(annotatorID int, domain, status string, pid int) error {
	return s.updateWorkerStatus(annotatorID, domain, status, pid, true)
}

// UpdateWorkerStatusQuiet is UpdateWorkerStatus without the event-log
// entry, for high-frequency transitions like pause/resume polling.
func (s *Store) UpdateWorkerStatusQuiet(annotatorID int, domain, status string, pid int) error {
	return s.updateWorkerStatus(annotatorID, domain, status, pid, false)
}

func (s *Store) updateWorkerStatus(annotatorID int, domain, status string, pid int, logEvent bool) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin status update")
	}
	defer tx.Rollback()

	switch {
	case status == StatusRunning && pid > 0:
		_, err = tx.Exec(`
			UPDATE workers
			SET status = ?, pid = ?, started_at = CURRENT_TIMESTAMP, last_updated = CURRENT_TIMESTAMP
			WHERE id = ?`, status, pid, workerID)
	case status == StatusStopped || status == StatusCompleted || status == StatusCrashed:
		_, err = tx.Exec(`
			UPDATE workers
			SET status = ?, pid = NULL, stopped_at = CURRENT_TIMESTAMP, last_updated = CURRENT_TIMESTAMP
			WHERE id = ?`, status, workerID)
	default:
		_, err = tx.Exec(`
			UPDATE workers
			SET status = ?, last_updated = CURRENT_TIMESTAMP
			WHERE id = ?`, status, workerID)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to set worker %d/%s status %s", annotatorID, domain, status)
	}

	if logEvent {
		if _, err := tx.Exec(
			"INSERT INTO worker_events (worker_id, event_type) VALUES (?, ?)",
			workerID, status); err != nil {
			return errors.Wrap(err, "failed to log status event")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit status update")
}

// UpdateWorkerPID records a new PID without changing status.
func (s *Store) UpdateWorkerPID(annotatorID int, domain string, pid int) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"UPDATE workers SET pid = ?, last_updated = CURRENT_TIMESTAMP WHERE id = ?",
		pid, workerID)
	return errors.Wrapf(err, "failed to update pid for worker %d/%s", annotatorID, domain)
}

// GetWorkerPID returns the recorded PID, or nil when none is set.
func (s *Store) GetWorkerPID(annotatorID int, domain string) (*int, error) {
	var pid sql.NullInt64
	err := s.db.QueryRow(
		"SELECT pid FROM workers WHERE annotator_id = ? AND domain = ?",
		annotatorID, domain).Scan(&pid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pid for worker %d/%s", annotatorID, domain)
	}
	if !pid.Valid {
		return nil, nil
	}
	p := int(pid.Int64)
	return &p, nil
}

// UnregisterWorkerProcess clears the PID and removes the heartbeat row,
// leaving status untouched.
func (s *Store) UnregisterWorkerProcess(annotatorID int, domain string) error {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin unregister")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE workers SET pid = NULL, last_updated = CURRENT_TIMESTAMP WHERE id = ?",
		workerID); err != nil {
		return errors.Wrap(err, "failed to clear worker pid")
	}
	if _, err := tx.Exec("DELETE FROM heartbeats WHERE worker_id = ?", workerID); err != nil {
		return errors.Wrap(err, "failed to clear worker heartbeat")
	}
	return errors.Wrap(tx.Commit(), "failed to commit unregister")
}

const workerStatusQuery = `
	SELECT
		w.id, w.annotator_id, w.domain, w.status, w.enabled, w.pid,
		w.target_count, w.total_completed, w.total_malformed, w.samples_per_min,
		w.started_at, w.stopped_at, w.last_updated,
		h.heartbeat_time, h.iteration,
		CASE
			WHEN h.heartbeat_time IS NULL THEN 0
			WHEN (JULIANDAY('now') - JULIANDAY(h.heartbeat_time)) * 1440 > ? THEN 0
			ELSE 1
		END AS heartbeat_alive
	FROM workers w
	LEFT JOIN heartbeats h ON w.id = h.worker_id
	WHERE w.annotator_id = ? AND w.domain = ?`

// GetWorkerStatus returns the composite status for one pair. A running
// worker whose heartbeat has gone stale is reported as crashed without
// mutating the row; the watchdog owns the durable transition.
func (s *Store) GetWorkerStatus(annotatorID int, domain string) (*WorkerStatus, error) {
	row := s.db.QueryRow(workerStatusQuery, s.staleMinutes(), annotatorID, domain)

	var (
		ws            WorkerStatus
		pid           sql.NullInt64
		startedAt     sql.NullTime
		stoppedAt     sql.NullTime
		lastUpdated   sql.NullTime
		heartbeatTime sql.NullTime
		iteration     sql.NullInt64
		alive         int
	)
	err := row.Scan(
		&ws.ID, &ws.AnnotatorID, &ws.Domain, &ws.Status, &ws.Enabled, &pid,
		&ws.Progress.Target, &ws.Progress.Completed, &ws.Progress.Malformed, &ws.Progress.Speed,
		&startedAt, &stoppedAt, &lastUpdated,
		&heartbeatTime, &iteration, &alive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "worker %d/%s not registered", annotatorID, domain)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read status for worker %d/%s", annotatorID, domain)
	}

	if pid.Valid {
		p := int(pid.Int64)
		ws.PID = &p
	}
	if startedAt.Valid {
		ws.StartedAt = &startedAt.Time
	}
	if stoppedAt.Valid {
		ws.StoppedAt = &stoppedAt.Time
	}
	if lastUpdated.Valid {
		ws.LastUpdated = &lastUpdated.Time
	}
	if heartbeatTime.Valid {
		ws.HeartbeatTime = &heartbeatTime.Time
	}
	if iteration.Valid {
		ws.Iteration = int(iteration.Int64)
	}
	ws.HeartbeatAlive = alive == 1

	if ws.Status == StatusRunning && !ws.HeartbeatAlive {
		ws.Status = StatusCrashed
		ws.Stale = true
	}
	if ws.Progress.Target > 0 {
		ws.Progress.Percentage = float64(ws.Progress.Completed) / float64(ws.Progress.Target) * 100
	}
	ws.Running = ws.Status == StatusRunning && ws.HeartbeatAlive
	return &ws, nil
}

// GetAllWorkerStatuses returns the status of every pair in the fixed
// fleet grid, in canonical order.
func (s *Store) GetAllWorkerStatuses() ([]*WorkerStatus, error) {
	var statuses []*WorkerStatus
	for _, annotatorID := range config.AnnotatorIDs() {
		for _, domain := range config.Domains() {
			ws, err := s.GetWorkerStatus(annotatorID, domain)
			if errors.IsNotFoundError(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, ws)
		}
	}
	return statuses, nil
}

// RunningWorker is a row claiming to be running, with its recorded PID.
type RunningWorker struct {
	ID          int64
	AnnotatorID int
	Domain      string
	PID         int
	StartedAt   *time.Time
}

// GetAllRunningWorkers lists workers whose rows claim running with a
// PID, verifying each against the live process table. Rows whose
// process is gone (or is no longer the right worker) are flipped to
// crashed and excluded.
func (s *Store) GetAllRunningWorkers() ([]RunningWorker, error) {
	rows, err := s.db.Query(`
		SELECT id, annotator_id, domain, pid, started_at
		FROM workers
		WHERE status = ? AND pid IS NOT NULL`, StatusRunning)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query running workers")
	}
	defer rows.Close()

	var candidates []RunningWorker
	for rows.Next() {
		var (
			rw        RunningWorker
			startedAt sql.NullTime
		)
		if err := rows.Scan(&rw.ID, &rw.AnnotatorID, &rw.Domain, &rw.PID, &startedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan running worker")
		}
		if startedAt.Valid {
			rw.StartedAt = &startedAt.Time
		}
		candidates = append(candidates, rw)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate running workers")
	}

	running := candidates[:0]
	for _, rw := range candidates {
		if procutil.IsWorkerRunning(rw.PID, rw.AnnotatorID, rw.Domain) {
			running = append(running, rw)
			continue
		}
		if s.logger != nil {
			s.logger.Warnw("Registered worker process is gone",
				"annotator", rw.AnnotatorID,
				"domain", rw.Domain,
				"pid", rw.PID)
		}
		if err := s.UpdateWorkerStatus(rw.AnnotatorID, rw.Domain, StatusCrashed, 0); err != nil {
			return nil, err
		}
	}
	return running, nil
}
