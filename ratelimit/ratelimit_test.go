package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhive/annotad/db"
	"github.com/mindhive/annotad/errors"
)

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	database, err := db.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(database, limits, nil)
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestBurstThenStarve(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 5})

	// A fresh bucket allows exactly the burst size back to back.
	for i := 0; i < 5; i++ {
		ok, wait, err := l.TryAcquire("annotator_1")
		require.NoError(t, err)
		assert.True(t, ok, "burst acquire %d", i)
		assert.Zero(t, wait)
	}

	ok, wait, err := l.TryAcquire("annotator_1")
	require.NoError(t, err)
	assert.False(t, ok)
	// One token accrues every 4s at 15 rpm.
	assert.InDelta(t, 4.0, wait.Seconds(), 0.1)
}

func TestRefillAccrues(t *testing.T) {
	l, now := newTestLimiter(t, Limits{RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 5})

	for i := 0; i < 5; i++ {
		ok, _, err := l.TryAcquire("annotator_1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	*now = now.Add(8 * time.Second) // two tokens accrue
	for i := 0; i < 2; i++ {
		ok, _, err := l.TryAcquire("annotator_1")
		require.NoError(t, err)
		assert.True(t, ok, "accrued acquire %d", i)
	}
	ok, _, err := l.TryAcquire("annotator_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefillClampedToBurst(t *testing.T) {
	l, now := newTestLimiter(t, Limits{RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 5})

	ok, _, err := l.TryAcquire("annotator_1")
	require.NoError(t, err)
	require.True(t, ok)

	// An hour idle refills to the ceiling, not beyond.
	*now = now.Add(time.Hour)
	granted := 0
	for i := 0; i < 10; i++ {
		ok, _, err := l.TryAcquire("annotator_1")
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	assert.Equal(t, 5, granted)
}

func TestDailyQuota(t *testing.T) {
	l, now := newTestLimiter(t, Limits{RequestsPerMinute: 600, RequestsPerDay: 3, BurstSize: 10})

	for i := 0; i < 3; i++ {
		ok, _, err := l.TryAcquire("annotator_1")
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, _, err := l.TryAcquire("annotator_1")
	assert.True(t, errors.Is(err, errors.ErrDailyQuota))

	rolled, err := l.HasDayRolledOver("annotator_1")
	require.NoError(t, err)
	assert.False(t, rolled)

	// Past UTC midnight the budget resets.
	*now = now.Add(24 * time.Hour)
	rolled, err = l.HasDayRolledOver("annotator_1")
	require.NoError(t, err)
	assert.True(t, rolled)

	ok, _, err := l.TryAcquire("annotator_1")
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := l.Status("annotator_1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.RequestsToday)
	assert.Equal(t, 4, status.TotalRequests, "lifetime counter survives rollover")
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 1})

	ok, _, err := l.TryAcquire("annotator_1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = l.TryAcquire("annotator_2")
	require.NoError(t, err)
	assert.True(t, ok, "draining one credential leaves others untouched")

	statuses, err := l.AllStatuses()
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}

func TestAcquireTimesOut(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RequestsPerMinute: 1, RequestsPerDay: 1500, BurstSize: 1})

	require.NoError(t, l.Acquire(context.Background(), "annotator_1", time.Second))

	// Bucket empty and the clock frozen: the deadline check runs on
	// real sleeps, so keep the timeout tiny.
	err := l.Acquire(context.Background(), "annotator_1", 0)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
}

func TestAcquireHonorsContext(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RequestsPerMinute: 1, RequestsPerDay: 1500, BurstSize: 1})
	require.NoError(t, l.Acquire(context.Background(), "annotator_1", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "annotator_1", time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestConcurrentAcquiresNeverLoseUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	database, err := db.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	// Real clock: several workers hammer one credential row and every
	// consume must land, despite SQLite lock contention.
	l := New(database, Limits{RequestsPerMinute: 60000, RequestsPerDay: 100000, BurstSize: 300}, nil)

	const workers, perWorker = 8, 25
	errCh := make(chan error, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := l.Acquire(context.Background(), "shared", 30*time.Second); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("acquire failed under contention: %v", err)
	}

	status, err := l.Status("shared")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, status.RequestsToday)
	assert.Equal(t, workers*perWorker, status.TotalRequests)
}

func TestStatusUnknownCredential(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 5})

	status, err := l.Status("annotator_9")
	require.NoError(t, err)
	assert.Equal(t, 5.0, status.Tokens)
	assert.Equal(t, 1500, status.RemainingToday)
}

func TestResetAll(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 1})

	ok, _, err := l.TryAcquire("annotator_1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.ResetAll())

	ok, _, err = l.TryAcquire("annotator_1")
	require.NoError(t, err)
	assert.True(t, ok, "reset returns the bucket to a full burst")
}
