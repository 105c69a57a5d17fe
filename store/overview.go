package store

import (
	"database/sql"
	"fmt"

	"github.com/mindhive/annotad/errors"
)

// SystemOverview aggregates fleet-wide statistics for dashboards.
type SystemOverview struct {
	TotalWorkers           int     `json:"total_workers"`
	EnabledWorkers         int     `json:"enabled_workers"`
	RunningWorkers         int     `json:"running_workers"`
	CompletedWorkers       int     `json:"completed_workers"`
	CrashedWorkers         int     `json:"crashed_workers"`
	TotalCompletedSamples  int     `json:"total_completed_samples"`
	TotalMalformedSamples  int     `json:"total_malformed_samples"`
	TotalTargetSamples     int     `json:"total_target_samples"`
	AvgSpeed               float64 `json:"avg_speed"`
	EstimatedTimeRemaining string  `json:"estimated_time_remaining"`
}

// GetSystemOverview computes fleet-wide totals plus a rough time
// estimate from the average speed of running workers.
func (s *Store) GetSystemOverview() (*SystemOverview, error) {
	var o SystemOverview
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(enabled), 0),
			COALESCE(SUM(status = 'running'), 0),
			COALESCE(SUM(status = 'completed'), 0),
			COALESCE(SUM(status = 'crashed'), 0),
			COALESCE(SUM(total_completed), 0),
			COALESCE(SUM(total_malformed), 0),
			COALESCE(SUM(CASE WHEN enabled THEN target_count ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'running' THEN samples_per_min END), 0)
		FROM workers`).Scan(
		&o.TotalWorkers, &o.EnabledWorkers, &o.RunningWorkers,
		&o.CompletedWorkers, &o.CrashedWorkers,
		&o.TotalCompletedSamples, &o.TotalMalformedSamples,
		&o.TotalTargetSamples, &o.AvgSpeed)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute system overview")
	}

	remaining := o.TotalTargetSamples - o.TotalCompletedSamples
	if o.AvgSpeed > 0 && remaining > 0 {
		minutes := float64(remaining) / o.AvgSpeed
		o.EstimatedTimeRemaining = fmt.Sprintf("%dh %dm", int(minutes)/60, int(minutes)%60)
	} else {
		o.EstimatedTimeRemaining = "Unknown"
	}
	return &o, nil
}

// SetSystemState upserts a key in the system key/value strip.
func (s *Store) SetSystemState(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO system_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`, key, value)
	return errors.Wrapf(err, "failed to set system state %s", key)
}

// GetSystemState reads a key from the system strip. Missing keys
// return an empty string.
func (s *Store) GetSystemState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, errors.Wrapf(err, "failed to read system state %s", key)
}
