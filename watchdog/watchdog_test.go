package watchdog

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/db"
	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
	"github.com/mindhive/annotad/supervisor"
)

type fakeHandle struct {
	pid int

	mu    sync.Mutex
	alive bool
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) WaitTimeout(time.Duration) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
	return 0, true
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
	return nil
}

// fakeSpawner optionally simulates a healthy worker boot by registering
// the new process in the store, the way a real worker does on startup.
type fakeSpawner struct {
	mu      sync.Mutex
	spawns  int
	nextPID int
	onSpawn func(annotatorID int, domain string, pid int)
}

func (s *fakeSpawner) Spawn(annotatorID int, domain string) (supervisor.Handle, error) {
	s.mu.Lock()
	s.spawns++
	s.nextPID++
	pid := 2000 + s.nextPID
	onSpawn := s.onSpawn
	s.mu.Unlock()

	if onSpawn != nil {
		onSpawn(annotatorID, domain, pid)
	}
	return &fakeHandle{pid: pid, alive: true}, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

type fixture struct {
	watchdog *Watchdog
	store    *store.Store
	limiter  *ratelimit.Limiter
	spawner  *fakeSpawner
	settings *config.Settings
}

func newFixture(t *testing.T, healthy bool) *fixture {
	t.Helper()

	settings := &config.Settings{
		Global: config.GlobalSettings{MaxConcurrentWorkers: 30},
		Annotators: map[string]map[string]config.PairSpec{
			"1": {
				"urgency":   {Enabled: true, TargetCount: 10},
				"intensity": {Enabled: false, TargetCount: 10},
			},
		},
	}

	paths := config.ResolvePaths(t.TempDir())
	database, err := db.Open(paths.Database(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	st := store.New(database, nil)
	require.NoError(t, st.InitializeWorkers(settings))

	spawner := &fakeSpawner{}
	if healthy {
		spawner.onSpawn = func(annotatorID int, domain string, pid int) {
			require.NoError(t, st.UpdateWorkerStatus(annotatorID, domain, store.StatusRunning, pid))
			require.NoError(t, st.SendHeartbeat(annotatorID, domain, 1, store.StatusRunning))
		}
	}

	manager, err := supervisor.New(supervisor.Options{
		Store:       st,
		Paths:       paths,
		Settings:    func() *config.Settings { return settings },
		Spawner:     spawner,
		StopTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	limiter := ratelimit.New(database, ratelimit.Limits{
		RequestsPerMinute: 15, RequestsPerDay: 1500, BurstSize: 5,
	}, nil)

	wd := New(Options{
		Store:       st,
		Manager:     manager,
		Limiter:     limiter,
		Settings:    func() *config.Settings { return settings },
		SettleDelay: time.Millisecond,
		VerifyDelay: time.Millisecond,
	})
	return &fixture{watchdog: wd, store: st, limiter: limiter, spawner: spawner, settings: settings}
}

func TestSweepRestartsCrashedWorker(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusCrashed, 0))

	f.watchdog.Sweep()

	assert.Equal(t, 1, f.spawner.count())
	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.True(t, ws.Running, "restart should be verified against a live heartbeat")

	events, err := f.store.RecentEvents(20)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, "watchdog_restart")
}

func TestSweepNeverRestartsStoppedWorker(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusStopped, 0))

	f.watchdog.Sweep()
	assert.Zero(t, f.spawner.count())
}

func TestSweepSkipsDisabledWorker(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.UpdateWorkerStatus(1, "intensity", store.StatusCrashed, 0))

	f.watchdog.Sweep()
	assert.Zero(t, f.spawner.count())
}

func TestSweepReconcilesDeadRunningRow(t *testing.T) {
	f := newFixture(t, true)
	// Row claims running with a PID that no longer exists.
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusRunning, 99999999))

	f.watchdog.Sweep()

	// The dead row is flipped to crashed and the worker restarted in
	// the same pass.
	assert.Equal(t, 1, f.spawner.count())
}

func TestRepeatedRestartFailuresBlacklist(t *testing.T) {
	f := newFixture(t, false) // workers never come up
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusCrashed, 0))

	for i := 0; i < 4; i++ {
		f.watchdog.Sweep()
		// The fake worker never registers, so the row stays crashed.
		require.NoError(t, f.store.UpdateWorkerStatusQuiet(1, "urgency", store.StatusCrashed, 0))
	}

	assert.Equal(t, DefaultMaxAttempts, f.spawner.count(), "no spawns once blacklisted")
	assert.True(t, f.watchdog.Blacklisted(1, "urgency"))
	assert.Equal(t, []string{"1/urgency"}, f.watchdog.Blacklist())

	events, err := f.store.RecentEvents(50)
	require.NoError(t, err)
	var sawBlacklist bool
	for _, e := range events {
		if e.EventType == "blacklisted" {
			sawBlacklist = true
		}
	}
	assert.True(t, sawBlacklist)
}

func TestRemoveFromBlacklistReadmitsWorker(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusCrashed, 0))
	f.watchdog.AddToBlacklist(1, "urgency")

	f.watchdog.Sweep()
	require.Zero(t, f.spawner.count())

	f.watchdog.RemoveFromBlacklist(1, "urgency")
	f.watchdog.Sweep()
	assert.Equal(t, 1, f.spawner.count())
}

func TestResetBlacklist(t *testing.T) {
	f := newFixture(t, false)
	f.watchdog.AddToBlacklist(1, "urgency")
	f.watchdog.AddToBlacklist(2, "modality")

	f.watchdog.ResetBlacklist()
	assert.Empty(t, f.watchdog.Blacklist())
	assert.False(t, f.watchdog.Blacklisted(1, "urgency"))
}

func TestDailyQuotaRolloverRestartsParkedWorker(t *testing.T) {
	f := newFixture(t, true)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f.limiter.SetClock(func() time.Time { return base })

	// Materialize the bucket so it carries today's date.
	ok, _, err := f.limiter.TryAcquire(config.CredentialID(1))
	require.NoError(t, err)
	require.True(t, ok)

	// Worker parked on the daily cap: paused row, no heartbeat.
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusPaused, 0))

	f.watchdog.Sweep()
	assert.Zero(t, f.spawner.count(), "same limiter day, stays parked")

	f.limiter.SetClock(func() time.Time { return base.Add(24 * time.Hour) })
	f.watchdog.Sweep()
	assert.Equal(t, 1, f.spawner.count(), "rolled-over day wakes the worker")
}

func TestPausedWorkerWithLiveHeartbeatLeftAlone(t *testing.T) {
	f := newFixture(t, true)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f.limiter.SetClock(func() time.Time { return base })
	ok, _, err := f.limiter.TryAcquire(config.CredentialID(1))
	require.NoError(t, err)
	require.True(t, ok)
	f.limiter.SetClock(func() time.Time { return base.Add(24 * time.Hour) })

	// A live paused worker (operator pause) keeps heartbeating.
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusPaused, os.Getpid()))
	require.NoError(t, f.store.SendHeartbeat(1, "urgency", 3, store.StatusPaused))

	f.watchdog.Sweep()
	assert.Zero(t, f.spawner.count())
}
