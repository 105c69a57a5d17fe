// Package ratelimit implements a shared, crash-safe token bucket per
// API credential, persisted in the fleet database so every worker
// process draws from the same budget. Buckets refill continuously at
// the per-minute rate up to a burst ceiling, and a separate daily
// counter enforces the provider's per-day quota, rolling over at UTC
// midnight.
package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mindhive/annotad/errors"
)

// Limits parameterizes one credential bucket.
type Limits struct {
	RequestsPerMinute int
	RequestsPerDay    int
	BurstSize         int
}

// DefaultLimits match the free-tier quotas of the target model API.
var DefaultLimits = Limits{
	RequestsPerMinute: 15,
	RequestsPerDay:    1500,
	BurstSize:         5,
}

// Limiter coordinates request budgets across processes through the
// rate_limiter_state table.
type Limiter struct {
	db     *sql.DB
	limits Limits
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a limiter over the shared database.
func New(db *sql.DB, limits Limits, logger *zap.SugaredLogger) *Limiter {
	if limits.RequestsPerMinute <= 0 {
		limits = DefaultLimits
	}
	return &Limiter{
		db:     db,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// DayString is the UTC calendar date used for daily-quota bookkeeping.
func DayString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type bucket struct {
	tokens        float64
	lastRefill    time.Time
	requestsToday int
	dayStart      string
	totalRequests int
}

func (l *Limiter) loadBucket(tx *sql.Tx, credentialID string) (*bucket, error) {
	var b bucket
	err := tx.QueryRow(`
		SELECT tokens, last_refill, requests_today, day_start, total_requests
		FROM rate_limiter_state WHERE credential_id = ?`, credentialID).
		Scan(&b.tokens, &b.lastRefill, &b.requestsToday, &b.dayStart, &b.totalRequests)
	if errors.Is(err, sql.ErrNoRows) {
		now := l.now()
		b = bucket{
			tokens:     float64(l.limits.BurstSize),
			lastRefill: now,
			dayStart:   DayString(now),
		}
		if _, err := tx.Exec(`
			INSERT INTO rate_limiter_state
			(credential_id, tokens, last_refill, requests_today, day_start, total_requests)
			VALUES (?, ?, ?, 0, ?, 0)`,
			credentialID, b.tokens, b.lastRefill, b.dayStart); err != nil {
			return nil, errors.Wrapf(err, "failed to create bucket for %s", credentialID)
		}
		return &b, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load bucket for %s", credentialID)
	}
	return &b, nil
}

// refill advances the bucket to now: continuous refill at RPM/60
// tokens per second clamped to the burst size, plus the UTC-midnight
// daily reset.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * float64(l.limits.RequestsPerMinute) / 60
		if max := float64(l.limits.BurstSize); b.tokens > max {
			b.tokens = max
		}
		b.lastRefill = now
	}
	if today := DayString(now); b.dayStart != today {
		b.requestsToday = 0
		b.dayStart = today
	}
}

// TryAcquire attempts to consume one token without blocking.
// Returns (true, 0, nil) on success; (false, wait, nil) when the
// bucket is empty, with wait the time until a token accrues; and
// (false, 0, ErrDailyQuota) when the daily budget is spent.
func (l *Limiter) TryAcquire(credentialID string) (bool, time.Duration, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return false, 0, errors.Wrap(err, "failed to begin acquire")
	}
	defer tx.Rollback()

	b, err := l.loadBucket(tx, credentialID)
	if err != nil {
		return false, 0, err
	}

	now := l.now()
	l.refill(b, now)

	if b.requestsToday >= l.limits.RequestsPerDay {
		// Persist the rollover bookkeeping so observers see the
		// current day even while the quota is exhausted.
		if _, err := tx.Exec(`
			UPDATE rate_limiter_state
			SET tokens = ?, last_refill = ?, requests_today = ?, day_start = ?
			WHERE credential_id = ?`,
			b.tokens, b.lastRefill, b.requestsToday, b.dayStart, credentialID); err != nil {
			return false, 0, errors.Wrap(err, "failed to persist bucket")
		}
		if err := tx.Commit(); err != nil {
			return false, 0, errors.Wrap(err, "failed to commit acquire")
		}
		return false, 0, errors.Wrapf(errors.ErrDailyQuota,
			"credential %s spent %d/%d requests today",
			credentialID, b.requestsToday, l.limits.RequestsPerDay)
	}

	if b.tokens >= 1 {
		b.tokens -= 1
		b.requestsToday++
		b.totalRequests++
		if _, err := tx.Exec(`
			UPDATE rate_limiter_state
			SET tokens = ?, last_refill = ?, requests_today = ?, day_start = ?,
			    total_requests = ?, last_request = ?
			WHERE credential_id = ?`,
			b.tokens, b.lastRefill, b.requestsToday, b.dayStart,
			b.totalRequests, now, credentialID); err != nil {
			return false, 0, errors.Wrap(err, "failed to consume token")
		}
		if err := tx.Commit(); err != nil {
			return false, 0, errors.Wrap(err, "failed to commit acquire")
		}
		return true, 0, nil
	}

	// Not enough tokens: report how long until one accrues.
	wait := time.Duration((1 - b.tokens) / (float64(l.limits.RequestsPerMinute) / 60) * float64(time.Second))
	if _, err := tx.Exec(`
		UPDATE rate_limiter_state
		SET tokens = ?, last_refill = ?, requests_today = ?, day_start = ?
		WHERE credential_id = ?`,
		b.tokens, b.lastRefill, b.requestsToday, b.dayStart, credentialID); err != nil {
		return false, 0, errors.Wrap(err, "failed to persist bucket")
	}
	if err := tx.Commit(); err != nil {
		return false, 0, errors.Wrap(err, "failed to commit acquire")
	}
	return false, wait, nil
}

// busyRetryDelay paces re-attempts when the database itself, not the
// bucket, is the contended resource.
const busyRetryDelay = 50 * time.Millisecond

// isBusy reports lock contention the busy handler gave up on. Up to
// six workers share one credential row, so a loaded fleet can still
// exhaust the busy timeout; the acquire loop retries it like an empty
// bucket instead of surfacing it.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// Acquire blocks until a token is consumed or the timeout elapses.
// Daily exhaustion surfaces immediately as ErrDailyQuota; starvation
// past the timeout surfaces as ErrRateLimited. Context cancellation
// wins over both. Transient lock contention on the shared bucket row
// is retried, never surfaced.
func (l *Limiter) Acquire(ctx context.Context, credentialID string, timeout time.Duration) error {
	deadline := l.now().Add(timeout)
	for {
		ok, wait, err := l.TryAcquire(credentialID)
		if err != nil {
			if !isBusy(err) {
				return err
			}
			wait = busyRetryDelay
		}
		if ok {
			return nil
		}
		if !l.now().Before(deadline) {
			return errors.Wrapf(errors.ErrRateLimited,
				"credential %s starved for %s", credentialID, timeout)
		}

		// Sleep slightly past the projected accrual, capped so the
		// deadline and daily rollover are re-checked regularly.
		sleep := wait + 100*time.Millisecond
		if sleep > 5*time.Second {
			sleep = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "acquire cancelled")
		case <-time.After(sleep):
		}
	}
}

// BucketStatus is the observable state of one credential bucket.
type BucketStatus struct {
	CredentialID   string     `json:"credential_id"`
	Tokens         float64    `json:"tokens"`
	RequestsToday  int        `json:"requests_today"`
	RemainingToday int        `json:"remaining_today"`
	DayStart       string     `json:"day_start"`
	TotalRequests  int        `json:"total_requests"`
	LastRequest    *time.Time `json:"last_request"`
}

// Status reads one bucket without mutating it. Unknown credentials get
// a full, untouched bucket view.
func (l *Limiter) Status(credentialID string) (*BucketStatus, error) {
	var (
		s           BucketStatus
		lastRequest sql.NullTime
	)
	s.CredentialID = credentialID
	err := l.db.QueryRow(`
		SELECT tokens, requests_today, day_start, total_requests, last_request
		FROM rate_limiter_state WHERE credential_id = ?`, credentialID).
		Scan(&s.Tokens, &s.RequestsToday, &s.DayStart, &s.TotalRequests, &lastRequest)
	if errors.Is(err, sql.ErrNoRows) {
		s.Tokens = float64(l.limits.BurstSize)
		s.DayStart = DayString(l.now())
		s.RemainingToday = l.limits.RequestsPerDay
		return &s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read bucket %s", credentialID)
	}
	if lastRequest.Valid {
		s.LastRequest = &lastRequest.Time
	}
	s.RemainingToday = l.limits.RequestsPerDay - s.RequestsToday
	if s.RemainingToday < 0 {
		s.RemainingToday = 0
	}
	return &s, nil
}

// AllStatuses lists every bucket that has ever been used.
func (l *Limiter) AllStatuses() ([]*BucketStatus, error) {
	rows, err := l.db.Query(
		"SELECT credential_id FROM rate_limiter_state ORDER BY credential_id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list buckets")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan bucket id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate buckets")
	}

	statuses := make([]*BucketStatus, 0, len(ids))
	for _, id := range ids {
		s, err := l.Status(id)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// HasDayRolledOver reports whether a bucket's recorded day is behind
// the current UTC date, meaning its daily budget is due a reset. Used
// by the watchdog to wake workers parked on daily exhaustion.
func (l *Limiter) HasDayRolledOver(credentialID string) (bool, error) {
	var dayStart string
	err := l.db.QueryRow(
		"SELECT day_start FROM rate_limiter_state WHERE credential_id = ?",
		credentialID).Scan(&dayStart)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read bucket day for %s", credentialID)
	}
	return dayStart != DayString(l.now()), nil
}

// ResetDaily zeroes the daily counter for one credential.
func (l *Limiter) ResetDaily(credentialID string) error {
	_, err := l.db.Exec(`
		UPDATE rate_limiter_state
		SET requests_today = 0, day_start = ?
		WHERE credential_id = ?`, DayString(l.now()), credentialID)
	return errors.Wrapf(err, "failed to reset daily counter for %s", credentialID)
}

// ResetAll drops every bucket, returning all credentials to a full
// burst on next use.
func (l *Limiter) ResetAll() error {
	_, err := l.db.Exec("DELETE FROM rate_limiter_state")
	if err != nil {
		return errors.Wrap(err, "failed to reset rate limiter state")
	}
	if l.logger != nil {
		l.logger.Warnw("Rate limiter state reset")
	}
	return nil
}
