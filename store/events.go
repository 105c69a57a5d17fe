package store

import (
	"time"

	"github.com/mindhive/annotad/errors"
)

// Event is one entry in the append-only worker event log.
type Event struct {
	ID          int64     `json:"id"`
	AnnotatorID int       `json:"annotator_id"`
	Domain      string    `json:"domain"`
	EventType   string    `json:"event_type"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LogEvent appends an event with optional free-form detail. Status
// transitions are logged automatically by UpdateWorkerStatus; this is
// for everything else (restarts, blacklisting, resets).
func (s *Store) LogEvent(annotatorID int, domain, eventType, detail string) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT INTO worker_events (worker_id, event_type, detail) VALUES (?, ?, ?)",
		workerID, eventType, nullIfEmpty(detail))
	return errors.Wrapf(err, "failed to log event %s for %d/%s", eventType, annotatorID, domain)
}

// RecentEvents returns the newest events first, up to limit.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT e.id, w.annotator_id, w.domain, e.event_type,
		       COALESCE(e.detail, ''), e.created_at
		FROM worker_events e
		JOIN workers w ON w.id = e.worker_id
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query recent events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AnnotatorID, &e.Domain, &e.EventType, &e.Detail, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "failed to iterate events")
}
