package store

import (
	"database/sql"

	"github.com/mindhive/annotad/errors"
)

// Annotation is one full model interaction, recorded for audit whether
// or not parsing succeeded.
type Annotation struct {
	RunID         string `json:"run_id,omitempty"`
	SampleID      string `json:"sample_id"`
	SampleText    string `json:"sample_text"`
	Label         string `json:"label"`
	Response      string `json:"response,omitempty"`
	Malformed     bool   `json:"malformed"`
	ParsingError  string `json:"parsing_error,omitempty"`
	ValidityError string `json:"validity_error,omitempty"`
}

// AddCompletedSample records a sample as done for a pair and bumps the
// matching counter. The insert is idempotent per (worker, sample);
// counters move only when a new row lands, so replays after a crash
// cannot double-count.
func (s *Store) AddCompletedSample(annotatorID int, domain, sampleID, label string, malformed bool) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin progress update")
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO completed_samples (worker_id, sample_id, label, is_malformed)
		VALUES (?, ?, ?, ?)`,
		workerID, sampleID, label, malformed)
	if err != nil {
		return errors.Wrapf(err, "failed to record completed sample %s", sampleID)
	}

	if inserted, _ := res.RowsAffected(); inserted == 1 {
		column := "total_completed"
		if malformed {
			column = "total_malformed"
		}
		if _, err := tx.Exec(
			"UPDATE workers SET "+column+" = "+column+" + 1, last_updated = CURRENT_TIMESTAMP WHERE id = ?",
			workerID); err != nil {
			return errors.Wrap(err, "failed to bump progress counter")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit progress update")
}

// SaveAnnotation appends a full annotation row. Append-only: replays of
// the same sample produce additional rows, reconciled via
// completed_samples.
func (s *Store) SaveAnnotation(annotatorID int, domain string, a *Annotation) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO annotations
		(worker_id, run_id, sample_id, sample_text, label, response,
		 is_malformed, parsing_error, validity_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workerID,
		nullIfEmpty(a.RunID),
		a.SampleID,
		a.SampleText,
		a.Label,
		nullIfEmpty(a.Response),
		a.Malformed,
		nullIfEmpty(a.ParsingError),
		nullIfEmpty(a.ValidityError))
	return errors.Wrapf(err, "failed to save annotation for sample %s", a.SampleID)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CompletedCount returns the well-formed completion counter.
func (s *Store) CompletedCount(annotatorID int, domain string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT total_completed FROM workers WHERE annotator_id = ? AND domain = ?",
		annotatorID, domain).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, errors.Wrapf(err, "failed to read completed count for %d/%s", annotatorID, domain)
}

// ProcessedCount returns how many distinct samples a pair has consumed,
// malformed included. This is the cursor into the corpus: the next
// sample to attempt is the one at this index.
func (s *Store) ProcessedCount(annotatorID int, domain string) (int, error) {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM completed_samples WHERE worker_id = ?",
		workerID).Scan(&count)
	return count, errors.Wrapf(err, "failed to count processed samples for %d/%s", annotatorID, domain)
}

// CompletedIDs lists well-formed completed sample IDs in completion order.
func (s *Store) CompletedIDs(annotatorID int, domain string) ([]string, error) {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT sample_id FROM completed_samples
		WHERE worker_id = ? AND is_malformed = 0
		ORDER BY completed_at`, workerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query completed ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan completed id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to iterate completed ids")
}

// IsSampleCompleted reports whether a sample was already consumed,
// whether well-formed or malformed.
func (s *Store) IsSampleCompleted(annotatorID int, domain, sampleID string) (bool, error) {
	workerID, err := s.WorkerID(annotatorID, domain)
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var one int
	err = s.db.QueryRow(
		"SELECT 1 FROM completed_samples WHERE worker_id = ? AND sample_id = ?",
		workerID, sampleID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "failed to check sample %s", sampleID)
}

// UpdateSpeed records the current throughput estimate.
func (s *Store) UpdateSpeed(annotatorID int, domain string, samplesPerMin float64) error {
	workerID, err := s.GetOrCreateWorker(annotatorID, domain)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE workers
		SET samples_per_min = ?, last_speed_check = CURRENT_TIMESTAMP, last_updated = CURRENT_TIMESTAMP
		WHERE id = ?`, samplesPerMin, workerID)
	return errors.Wrapf(err, "failed to update speed for %d/%s", annotatorID, domain)
}
