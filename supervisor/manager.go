// Package supervisor owns worker process lifecycle: spawning worker
// children, delivering control signals, and reconciling the durable
// worker rows with the live process table. It never runs annotation
// itself; workers are separate processes so one crash cannot take the
// fleet down.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/control"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/internal/procutil"
	"github.com/mindhive/annotad/store"
)

// Start/stop outcomes. String-valued so they serialize cleanly into
// API responses and the event log.
const (
	OutcomeStarted          = "started"
	OutcomeAlreadyRunning   = "already_running"
	OutcomeDisabled         = "disabled"
	OutcomeConcurrencyLimit = "concurrency_limit_reached"
	OutcomeStopped          = "stopped"
	OutcomeForceKilled      = "force_killed"
	OutcomeNotRunning       = "not_running"
	OutcomeSignalSent       = "signal_sent"
	OutcomeError            = "error"
)

// DefaultStopTimeout is how long a worker gets to exit gracefully
// after a stop signal before it is killed. Generous because a worker
// mid-request finishes the sample and persists it before checking the
// control file.
const DefaultStopTimeout = 30 * time.Second

// stopPollInterval paces liveness polling when stopping a worker the
// supervisor did not spawn (no in-memory handle, only a stored PID).
const stopPollInterval = 200 * time.Millisecond

// Result is the outcome of a single lifecycle operation.
type Result struct {
	AnnotatorID int    `json:"annotator_id"`
	Domain      string `json:"domain"`
	Outcome     string `json:"outcome"`
	PID         int    `json:"pid,omitempty"`
	Forced      bool   `json:"forced,omitempty"`
	Message     string `json:"message,omitempty"`
}

// FleetResult tallies a fleet-wide operation.
type FleetResult struct {
	Results []Result `json:"results"`
	Started int      `json:"started,omitempty"`
	Stopped int      `json:"stopped,omitempty"`
	Forced  int      `json:"forced,omitempty"`
	Skipped int      `json:"skipped,omitempty"`
	Failed  int      `json:"failed,omitempty"`
}

// Options wires a Manager. Settings is a func so config reloads reach
// the manager without re-wiring.
type Options struct {
	Store       *store.Store
	Paths       config.Paths
	Settings    func() *config.Settings
	Spawner     Spawner
	StopTimeout time.Duration
	Logger      *zap.SugaredLogger
}

// Manager supervises the worker fleet.
type Manager struct {
	store       *store.Store
	paths       config.Paths
	settings    func() *config.Settings
	spawner     Spawner
	stopTimeout time.Duration
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	handles map[string]Handle
}

// New builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("supervisor requires a store")
	}
	if opts.Settings == nil {
		return nil, errors.New("supervisor requires a settings source")
	}
	if opts.Spawner == nil {
		opts.Spawner = &ExecSpawner{BaseDir: opts.Paths.Base}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Manager{
		store:       opts.Store,
		paths:       opts.Paths,
		settings:    opts.Settings,
		spawner:     opts.Spawner,
		stopTimeout: opts.StopTimeout,
		logger:      opts.Logger,
		handles:     make(map[string]Handle),
	}, nil
}

func handleKey(annotatorID int, domain string) string {
	return fmt.Sprintf("%d/%s", annotatorID, domain)
}

func (m *Manager) handle(annotatorID int, domain string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[handleKey(annotatorID, domain)]
}

func (m *Manager) setHandle(annotatorID int, domain string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handles, handleKey(annotatorID, domain))
		return
	}
	m.handles[handleKey(annotatorID, domain)] = h
}

// runningCount counts live workers across the whole fleet: the store's
// process-verified view (so the cap holds across supervisor restarts)
// plus in-memory handles for children that have not registered yet.
func (m *Manager) runningCount() (int, error) {
	running, err := m.store.GetAllRunningWorkers()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(running))
	for _, rw := range running {
		seen[handleKey(rw.AnnotatorID, rw.Domain)] = true
	}
	m.mu.Lock()
	for key, h := range m.handles {
		if h.Alive() {
			seen[key] = true
		}
	}
	m.mu.Unlock()
	return len(seen), nil
}

// StartWorker spawns the worker process for a pair. Disabled pairs and
// already-running pairs are reported as such rather than failing, so
// fleet-wide starts stay idempotent.
func (m *Manager) StartWorker(annotatorID int, domain string) Result {
	res := Result{AnnotatorID: annotatorID, Domain: domain}

	spec := m.settings().Pair(annotatorID, domain)
	if !spec.Enabled {
		res.Outcome = OutcomeDisabled
		return res
	}

	if h := m.handle(annotatorID, domain); h != nil && h.Alive() {
		res.Outcome = OutcomeAlreadyRunning
		res.PID = h.PID()
		return res
	}
	if ws, err := m.store.GetWorkerStatus(annotatorID, domain); err == nil && ws.Running {
		res.Outcome = OutcomeAlreadyRunning
		if ws.PID != nil {
			res.PID = *ws.PID
		}
		return res
	}

	count, err := m.runningCount()
	if err != nil {
		res.Outcome = OutcomeError
		res.Message = err.Error()
		return res
	}
	if max := m.settings().Global.MaxConcurrentWorkers; count >= max {
		res.Outcome = OutcomeConcurrencyLimit
		res.Message = errors.Wrapf(errors.ErrConcurrencyLimit,
			"%d of %d workers running", count, max).Error()
		return res
	}

	// A stale signal from a previous run must not stop the new worker
	// on its first control check.
	if err := control.Clear(m.paths.ControlFile(annotatorID, domain)); err != nil {
		m.logger.Warnw("Failed to clear stale control signal",
			"annotator", annotatorID, "domain", domain, "error", err)
	}

	h, err := m.spawner.Spawn(annotatorID, domain)
	if err != nil {
		res.Outcome = OutcomeError
		res.Message = err.Error()
		return res
	}
	m.setHandle(annotatorID, domain, h)

	// The worker registers itself as running once its loop is up;
	// recording the PID now closes the window where neither side has.
	if err := m.store.UpdateWorkerPID(annotatorID, domain, h.PID()); err != nil {
		m.logger.Warnw("Failed to record spawned worker PID",
			"annotator", annotatorID, "domain", domain, "error", err)
	}

	m.logger.Infow("Started worker",
		"annotator", annotatorID, "domain", domain, "pid", h.PID())
	res.Outcome = OutcomeStarted
	res.PID = h.PID()
	return res
}

// StopWorker signals a worker to stop and waits for it to exit,
// killing it after the timeout. Works for workers this supervisor did
// not spawn by falling back to the stored PID.
func (m *Manager) StopWorker(annotatorID int, domain string) Result {
	res := Result{AnnotatorID: annotatorID, Domain: domain}
	controlPath := m.paths.ControlFile(annotatorID, domain)

	h := m.handle(annotatorID, domain)
	pid := 0
	switch {
	case h != nil && h.Alive():
		pid = h.PID()
	default:
		m.setHandle(annotatorID, domain, nil)
		h = nil
		stored, err := m.store.GetWorkerPID(annotatorID, domain)
		if err != nil {
			res.Outcome = OutcomeError
			res.Message = err.Error()
			return res
		}
		if stored != nil && procutil.IsWorkerRunning(*stored, annotatorID, domain) {
			pid = *stored
		}
	}

	if pid == 0 {
		if err := m.cleanupStopped(annotatorID, domain, controlPath); err != nil {
			res.Outcome = OutcomeError
			res.Message = err.Error()
			return res
		}
		res.Outcome = OutcomeNotRunning
		return res
	}

	if err := control.Write(controlPath, control.CommandStop); err != nil {
		res.Outcome = OutcomeError
		res.Message = err.Error()
		return res
	}

	exited := m.awaitExit(h, pid, m.stopTimeout)
	if !exited {
		m.logger.Warnw("Worker did not stop in time, killing",
			"annotator", annotatorID, "domain", domain, "pid", pid)
		if h != nil {
			if err := h.Kill(); err != nil {
				res.Outcome = OutcomeError
				res.Message = err.Error()
				return res
			}
		} else if err := procutil.Kill(pid); err != nil {
			res.Outcome = OutcomeError
			res.Message = err.Error()
			return res
		}
		res.Forced = true
		// A killed worker never persisted its own terminal state.
		if err := m.store.UpdateWorkerStatus(annotatorID, domain, store.StatusStopped, 0); err != nil {
			m.logger.Warnw("Failed to mark killed worker stopped",
				"annotator", annotatorID, "domain", domain, "error", err)
		}
	}

	if err := m.cleanupStopped(annotatorID, domain, controlPath); err != nil {
		res.Outcome = OutcomeError
		res.Message = err.Error()
		return res
	}

	if res.Forced {
		res.Outcome = OutcomeForceKilled
	} else {
		res.Outcome = OutcomeStopped
	}
	res.PID = pid
	m.logger.Infow("Stopped worker",
		"annotator", annotatorID, "domain", domain, "pid", pid, "forced", res.Forced)
	return res
}

// awaitExit waits for a worker to exit, via the handle when the
// supervisor spawned it, otherwise by polling the process table.
func (m *Manager) awaitExit(h Handle, pid int, timeout time.Duration) bool {
	if h != nil {
		_, exited := h.WaitTimeout(timeout)
		return exited
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !procutil.IsAlive(pid) {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	return !procutil.IsAlive(pid)
}

func (m *Manager) cleanupStopped(annotatorID int, domain, controlPath string) error {
	m.setHandle(annotatorID, domain, nil)
	if err := control.Clear(controlPath); err != nil {
		return err
	}
	return m.store.UnregisterWorkerProcess(annotatorID, domain)
}

// PauseWorker delivers a pause signal to a live worker.
func (m *Manager) PauseWorker(annotatorID int, domain string) Result {
	return m.signalWorker(annotatorID, domain, control.CommandPause)
}

// ResumeWorker resumes a worker. A live paused worker gets a resume
// signal; a parked one (paused with no process, e.g. after a daily
// quota stop) is started fresh and continues from its cursor.
func (m *Manager) ResumeWorker(annotatorID int, domain string) Result {
	if m.isLive(annotatorID, domain) {
		return m.signalWorker(annotatorID, domain, control.CommandResume)
	}
	return m.StartWorker(annotatorID, domain)
}

func (m *Manager) isLive(annotatorID int, domain string) bool {
	if h := m.handle(annotatorID, domain); h != nil && h.Alive() {
		return true
	}
	pid, err := m.store.GetWorkerPID(annotatorID, domain)
	return err == nil && pid != nil && procutil.IsWorkerRunning(*pid, annotatorID, domain)
}

func (m *Manager) signalWorker(annotatorID int, domain, command string) Result {
	res := Result{AnnotatorID: annotatorID, Domain: domain}
	if !m.isLive(annotatorID, domain) {
		res.Outcome = OutcomeNotRunning
		return res
	}
	if err := control.Write(m.paths.ControlFile(annotatorID, domain), command); err != nil {
		res.Outcome = OutcomeError
		res.Message = err.Error()
		return res
	}
	res.Outcome = OutcomeSignalSent
	res.Message = command
	return res
}

// RestartWorker stops a worker (if live) and starts it again.
func (m *Manager) RestartWorker(annotatorID int, domain string) Result {
	stop := m.StopWorker(annotatorID, domain)
	if stop.Outcome == OutcomeError {
		return stop
	}
	return m.StartWorker(annotatorID, domain)
}

// StartAllEnabled starts every enabled pair, respecting the
// concurrency cap, and tallies the outcomes.
func (m *Manager) StartAllEnabled() FleetResult {
	var fleet FleetResult
	for _, ref := range m.settings().EnabledWorkers() {
		res := m.StartWorker(ref.AnnotatorID, ref.Domain)
		fleet.Results = append(fleet.Results, res)
		switch res.Outcome {
		case OutcomeStarted:
			fleet.Started++
		case OutcomeError:
			fleet.Failed++
		default:
			fleet.Skipped++
		}
	}
	return fleet
}

// StopAll stops every worker that looks live, spawned here or not.
func (m *Manager) StopAll() FleetResult {
	var fleet FleetResult

	seen := make(map[string]bool)
	var targets []config.WorkerRef

	m.mu.Lock()
	for key, h := range m.handles {
		if !h.Alive() {
			continue
		}
		var ref config.WorkerRef
		if _, err := fmt.Sscanf(key, "%d/%s", &ref.AnnotatorID, &ref.Domain); err == nil {
			targets = append(targets, ref)
			seen[key] = true
		}
	}
	m.mu.Unlock()

	running, err := m.store.GetAllRunningWorkers()
	if err != nil {
		m.logger.Errorw("Failed to enumerate running workers for stop-all", "error", err)
	}
	for _, rw := range running {
		key := handleKey(rw.AnnotatorID, rw.Domain)
		if seen[key] {
			continue
		}
		targets = append(targets, config.WorkerRef{AnnotatorID: rw.AnnotatorID, Domain: rw.Domain})
		seen[key] = true
	}

	for _, ref := range targets {
		res := m.StopWorker(ref.AnnotatorID, ref.Domain)
		fleet.Results = append(fleet.Results, res)
		switch res.Outcome {
		case OutcomeStopped:
			fleet.Stopped++
		case OutcomeForceKilled:
			fleet.Stopped++
			fleet.Forced++
		case OutcomeError:
			fleet.Failed++
		default:
			fleet.Skipped++
		}
	}
	return fleet
}

// WorkerStatus exposes the store's composite view for one pair.
func (m *Manager) WorkerStatus(annotatorID int, domain string) (*store.WorkerStatus, error) {
	return m.store.GetWorkerStatus(annotatorID, domain)
}

// AllStatuses exposes the fleet-wide composite view.
func (m *Manager) AllStatuses() ([]*store.WorkerStatus, error) {
	return m.store.GetAllWorkerStatuses()
}
