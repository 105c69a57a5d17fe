package supervisor

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/control"
	"github.com/mindhive/annotad/db"
	"github.com/mindhive/annotad/store"
)

type fakeHandle struct {
	pid int

	mu     sync.Mutex
	alive  bool
	killed bool

	// exitOnWait makes WaitTimeout behave like a graceful shutdown;
	// onWait runs first so tests can observe mid-stop state.
	exitOnWait bool
	onWait     func()
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) WaitTimeout(time.Duration) (int, bool) {
	if h.onWait != nil {
		h.onWait()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitOnWait {
		h.alive = false
		return 0, true
	}
	return 0, false
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
	h.killed = true
	return nil
}

type spawnCall struct {
	annotatorID int
	domain      string
}

type fakeSpawner struct {
	mu      sync.Mutex
	calls   []spawnCall
	nextPID int
	handles map[string]*fakeHandle
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, handles: make(map[string]*fakeHandle)}
}

func (s *fakeSpawner) Spawn(annotatorID int, domain string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	s.calls = append(s.calls, spawnCall{annotatorID, domain})
	h := &fakeHandle{pid: s.nextPID, alive: true, exitOnWait: true}
	s.handles[handleKey(annotatorID, domain)] = h
	return h, nil
}

func (s *fakeSpawner) lastHandle(t *testing.T, annotatorID int, domain string) *fakeHandle {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[handleKey(annotatorID, domain)]
	require.True(t, ok, "no spawned handle for %d/%s", annotatorID, domain)
	return h
}

type fixture struct {
	manager *Manager
	store   *store.Store
	paths   config.Paths
	spawner *fakeSpawner
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()

	settings := &config.Settings{
		Global: config.GlobalSettings{MaxConcurrentWorkers: 30},
		Annotators: map[string]map[string]config.PairSpec{
			"1": {
				"urgency":   {Enabled: true, TargetCount: 10},
				"intensity": {Enabled: false, TargetCount: 10},
			},
			"2": {
				"urgency": {Enabled: true, TargetCount: 10},
			},
		},
	}
	if mutate != nil {
		mutate(settings)
	}

	paths := config.ResolvePaths(t.TempDir())
	database, err := db.Open(paths.Database(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	st := store.New(database, nil)
	require.NoError(t, st.InitializeWorkers(settings))

	spawner := newFakeSpawner()
	manager, err := New(Options{
		Store:       st,
		Paths:       paths,
		Settings:    func() *config.Settings { return settings },
		Spawner:     spawner,
		StopTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{manager: manager, store: st, paths: paths, spawner: spawner}
}

func TestStartWorker(t *testing.T) {
	f := newFixture(t, nil)

	res := f.manager.StartWorker(1, "urgency")
	require.Equal(t, OutcomeStarted, res.Outcome)
	assert.NotZero(t, res.PID)
	require.Len(t, f.spawner.calls, 1)
	assert.Equal(t, spawnCall{1, "urgency"}, f.spawner.calls[0])

	pid, err := f.store.GetWorkerPID(1, "urgency")
	require.NoError(t, err)
	require.NotNil(t, pid)
	assert.Equal(t, res.PID, *pid)
}

func TestStartWorkerDisabled(t *testing.T) {
	f := newFixture(t, nil)

	res := f.manager.StartWorker(1, "intensity")
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.Empty(t, f.spawner.calls)
}

func TestStartWorkerAlreadyRunning(t *testing.T) {
	f := newFixture(t, nil)

	first := f.manager.StartWorker(1, "urgency")
	require.Equal(t, OutcomeStarted, first.Outcome)

	second := f.manager.StartWorker(1, "urgency")
	assert.Equal(t, OutcomeAlreadyRunning, second.Outcome)
	assert.Equal(t, first.PID, second.PID)
	assert.Len(t, f.spawner.calls, 1)
}

func TestStartWorkerConcurrencyLimit(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.Global.MaxConcurrentWorkers = 1
	})

	require.Equal(t, OutcomeStarted, f.manager.StartWorker(1, "urgency").Outcome)

	res := f.manager.StartWorker(2, "urgency")
	assert.Equal(t, OutcomeConcurrencyLimit, res.Outcome)
	assert.Contains(t, res.Message, "1 of 1")
	assert.Len(t, f.spawner.calls, 1)
}

func TestStartWorkerClearsStaleControlSignal(t *testing.T) {
	f := newFixture(t, nil)
	controlPath := f.paths.ControlFile(1, "urgency")
	require.NoError(t, control.Write(controlPath, control.CommandStop))

	res := f.manager.StartWorker(1, "urgency")
	require.Equal(t, OutcomeStarted, res.Outcome)

	sig, err := control.Read(controlPath)
	require.NoError(t, err)
	assert.Nil(t, sig, "stale stop signal must not survive a start")
}

func TestStopWorkerGraceful(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, OutcomeStarted, f.manager.StartWorker(1, "urgency").Outcome)

	controlPath := f.paths.ControlFile(1, "urgency")
	h := f.spawner.lastHandle(t, 1, "urgency")
	var sawCommand string
	h.onWait = func() {
		if sig, err := control.Read(controlPath); err == nil && sig != nil {
			sawCommand = sig.Command
		}
	}

	res := f.manager.StopWorker(1, "urgency")
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.False(t, res.Forced)
	assert.Equal(t, control.CommandStop, sawCommand, "stop is delivered before waiting")
	assert.False(t, h.killed)

	// Control file and process registration are cleaned up.
	sig, err := control.Read(controlPath)
	require.NoError(t, err)
	assert.Nil(t, sig)
	pid, err := f.store.GetWorkerPID(1, "urgency")
	require.NoError(t, err)
	assert.Nil(t, pid)
}

func TestStopWorkerForceKillsAfterTimeout(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, OutcomeStarted, f.manager.StartWorker(1, "urgency").Outcome)

	h := f.spawner.lastHandle(t, 1, "urgency")
	h.mu.Lock()
	h.exitOnWait = false
	h.mu.Unlock()

	res := f.manager.StopWorker(1, "urgency")
	assert.Equal(t, OutcomeForceKilled, res.Outcome)
	assert.True(t, res.Forced)
	assert.True(t, h.killed)

	// A killed worker cannot persist its own terminal state.
	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, ws.Status)
}

func TestStopWorkerNotRunning(t *testing.T) {
	f := newFixture(t, nil)

	res := f.manager.StopWorker(1, "urgency")
	assert.Equal(t, OutcomeNotRunning, res.Outcome)
}

func TestPauseWorker(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, OutcomeStarted, f.manager.StartWorker(1, "urgency").Outcome)

	res := f.manager.PauseWorker(1, "urgency")
	require.Equal(t, OutcomeSignalSent, res.Outcome)

	sig, err := control.Read(f.paths.ControlFile(1, "urgency"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, control.CommandPause, sig.Command)
}

func TestPauseWorkerNotRunning(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, OutcomeNotRunning, f.manager.PauseWorker(1, "urgency").Outcome)
}

func TestResumeLiveWorkerSendsSignal(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, OutcomeStarted, f.manager.StartWorker(1, "urgency").Outcome)

	res := f.manager.ResumeWorker(1, "urgency")
	require.Equal(t, OutcomeSignalSent, res.Outcome)

	sig, err := control.Read(f.paths.ControlFile(1, "urgency"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, control.CommandResume, sig.Command)
}

func TestResumeParkedWorkerStartsFresh(t *testing.T) {
	f := newFixture(t, nil)
	// Paused on disk with no live process, as after a daily quota stop.
	require.NoError(t, f.store.UpdateWorkerStatus(1, "urgency", store.StatusPaused, 0))

	res := f.manager.ResumeWorker(1, "urgency")
	assert.Equal(t, OutcomeStarted, res.Outcome)
	assert.Len(t, f.spawner.calls, 1)
}

func TestRestartWorker(t *testing.T) {
	f := newFixture(t, nil)
	first := f.manager.StartWorker(1, "urgency")
	require.Equal(t, OutcomeStarted, first.Outcome)

	res := f.manager.RestartWorker(1, "urgency")
	assert.Equal(t, OutcomeStarted, res.Outcome)
	assert.NotEqual(t, first.PID, res.PID)
	assert.Len(t, f.spawner.calls, 2)
}

func TestStartAllEnabled(t *testing.T) {
	f := newFixture(t, nil)

	fleet := f.manager.StartAllEnabled()
	assert.Equal(t, 2, fleet.Started)
	assert.Zero(t, fleet.Failed)
	assert.Len(t, f.spawner.calls, 2)

	// Idempotent: a second pass skips everything.
	fleet = f.manager.StartAllEnabled()
	assert.Zero(t, fleet.Started)
	assert.Equal(t, 2, fleet.Skipped)
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, 2, f.manager.StartAllEnabled().Started)

	fleet := f.manager.StopAll()
	assert.Equal(t, 2, fleet.Stopped)
	assert.Zero(t, fleet.Forced)
	assert.Zero(t, fleet.Failed)

	assert.Zero(t, f.manager.StopAll().Stopped, "nothing left to stop")
}

func TestStatusPassthrough(t *testing.T) {
	f := newFixture(t, nil)

	ws, err := f.manager.WorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusNotStarted, ws.Status)

	all, err := f.manager.AllStatuses()
	require.NoError(t, err)
	assert.Len(t, all, config.NumAnnotators*len(config.Domains()))
}

func TestControlFileDir(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t,
		filepath.Join(f.paths.Base, "control", "annotator_1_urgency.json"),
		f.paths.ControlFile(1, "urgency"))
}

func TestNewDefaultsStopTimeout(t *testing.T) {
	f := newFixture(t, nil)

	m, err := New(Options{
		Store:    f.store,
		Paths:    f.paths,
		Settings: func() *config.Settings { return nil },
		Spawner:  f.spawner,
	})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, m.stopTimeout,
		"a worker mid-request gets a full grace period by default")
}
