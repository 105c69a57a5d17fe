// Package watchdog keeps the fleet honest: it sweeps the durable worker
// rows on a fixed cadence, reconciles them against the live process
// table, and restarts workers that died without saying so. Restarts are
// bounded per pair and give up into a blacklist, so a worker that
// crashes on its first sample cannot flap forever.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
	"github.com/mindhive/annotad/supervisor"
)

const (
	// DefaultInterval is the sweep cadence.
	DefaultInterval = 60 * time.Second
	// DefaultMaxAttempts is how many consecutive failed restarts a pair
	// gets before it is blacklisted.
	DefaultMaxAttempts = 3
	// DefaultSettleDelay sits between stopping a dead worker's remains
	// and spawning its replacement.
	DefaultSettleDelay = 2 * time.Second
	// DefaultVerifyDelay is how long a restarted worker gets to start
	// heartbeating before the restart counts as failed.
	DefaultVerifyDelay = 30 * time.Second
)

// Options wires a Watchdog.
type Options struct {
	Store       *store.Store
	Manager     *supervisor.Manager
	Limiter     *ratelimit.Limiter
	Settings    func() *config.Settings
	Interval    time.Duration
	MaxAttempts int
	SettleDelay time.Duration
	VerifyDelay time.Duration
	Logger      *zap.SugaredLogger
}

// Watchdog monitors worker health and restarts crashed workers.
type Watchdog struct {
	store       *store.Store
	manager     *supervisor.Manager
	limiter     *ratelimit.Limiter
	settings    func() *config.Settings
	interval    time.Duration
	maxAttempts int
	settleDelay time.Duration
	verifyDelay time.Duration
	logger      *zap.SugaredLogger

	mu        sync.Mutex
	attempts  map[string]int
	blacklist map[string]bool
}

// New builds a Watchdog with defaults filled in.
func New(opts Options) *Watchdog {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = DefaultVerifyDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Watchdog{
		store:       opts.Store,
		manager:     opts.Manager,
		limiter:     opts.Limiter,
		settings:    opts.Settings,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		settleDelay: opts.SettleDelay,
		verifyDelay: opts.VerifyDelay,
		logger:      opts.Logger,
	}
}

func pairKey(annotatorID int, domain string) string {
	return fmt.Sprintf("%d/%s", annotatorID, domain)
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Infow("Watchdog started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Infow("Watchdog stopped")
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep runs one reconciliation pass: verify running rows against the
// process table, then restart every eligible dead worker.
func (w *Watchdog) Sweep() {
	// Side effect: rows whose process is gone are flipped to crashed.
	if _, err := w.store.GetAllRunningWorkers(); err != nil {
		w.logger.Errorw("Watchdog failed to verify running workers", "error", err)
		return
	}

	for _, c := range w.collectCandidates() {
		w.restart(c.annotatorID, c.domain, c.reason)
	}
}

type candidate struct {
	annotatorID int
	domain      string
	reason      string
}

// collectCandidates finds workers that should be running but are not:
// persisted crashes, running rows with stale heartbeats, and workers
// parked on the daily quota once the limiter day has rolled over.
// Explicitly stopped workers are never candidates.
func (w *Watchdog) collectCandidates() []candidate {
	statuses, err := w.store.GetAllWorkerStatuses()
	if err != nil {
		w.logger.Errorw("Watchdog failed to read worker statuses", "error", err)
		return nil
	}

	var out []candidate
	for _, ws := range statuses {
		switch {
		case ws.Status == store.StatusCrashed:
			reason := "crashed"
			if ws.Stale {
				reason = "stale_heartbeat"
			}
			out = append(out, candidate{ws.AnnotatorID, ws.Domain, reason})

		case ws.Status == store.StatusPaused && ws.HeartbeatTime == nil:
			// A paused row with no heartbeat is a worker that exited
			// after hitting the daily quota. Once the limiter's day has
			// rolled over it can make progress again.
			rolled, err := w.limiter.HasDayRolledOver(config.CredentialID(ws.AnnotatorID))
			if err != nil {
				w.logger.Errorw("Watchdog failed to check limiter day",
					"annotator", ws.AnnotatorID, "error", err)
				continue
			}
			if rolled {
				out = append(out, candidate{ws.AnnotatorID, ws.Domain, "daily_quota_rollover"})
			}
		}
	}
	return out
}

func (w *Watchdog) restart(annotatorID int, domain, reason string) {
	key := pairKey(annotatorID, domain)

	if w.Blacklisted(annotatorID, domain) {
		return
	}
	if !w.settings().Pair(annotatorID, domain).Enabled {
		return
	}

	w.mu.Lock()
	attempts := w.attemptsLocked()[key]
	w.mu.Unlock()
	if attempts >= w.maxAttempts {
		w.blacklistPair(annotatorID, domain, attempts)
		return
	}

	w.logger.Infow("Watchdog restarting worker",
		"annotator", annotatorID, "domain", domain,
		"reason", reason, "attempt", attempts+1)
	if err := w.store.LogEvent(annotatorID, domain, "watchdog_restart", reason); err != nil {
		w.logger.Warnw("Failed to log restart event", "error", err)
	}

	// Clears leftover registration, heartbeat, and control state; a
	// worker with no live process falls through this quickly.
	if res := w.manager.StopWorker(annotatorID, domain); res.Outcome == supervisor.OutcomeError {
		w.logger.Errorw("Watchdog failed to clean up dead worker",
			"annotator", annotatorID, "domain", domain, "error", res.Message)
		w.recordFailure(key)
		return
	}

	time.Sleep(w.settleDelay)

	if res := w.manager.StartWorker(annotatorID, domain); res.Outcome != supervisor.OutcomeStarted {
		w.logger.Errorw("Watchdog failed to restart worker",
			"annotator", annotatorID, "domain", domain,
			"outcome", res.Outcome, "message", res.Message)
		w.recordFailure(key)
		return
	}

	time.Sleep(w.verifyDelay)

	ws, err := w.store.GetWorkerStatus(annotatorID, domain)
	if err != nil || !ws.Running {
		w.logger.Warnw("Restarted worker did not come up",
			"annotator", annotatorID, "domain", domain)
		w.recordFailure(key)
		return
	}

	w.logger.Infow("Watchdog restart verified",
		"annotator", annotatorID, "domain", domain)
	w.mu.Lock()
	delete(w.attemptsLocked(), key)
	w.mu.Unlock()
}

// attemptsLocked returns the attempts map, allocating lazily. Callers
// hold w.mu.
func (w *Watchdog) attemptsLocked() map[string]int {
	if w.attempts == nil {
		w.attempts = make(map[string]int)
	}
	return w.attempts
}

func (w *Watchdog) recordFailure(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attemptsLocked()[key]++
}

func (w *Watchdog) blacklistPair(annotatorID int, domain string, attempts int) {
	w.mu.Lock()
	if w.blacklist == nil {
		w.blacklist = make(map[string]bool)
	}
	already := w.blacklist[pairKey(annotatorID, domain)]
	w.blacklist[pairKey(annotatorID, domain)] = true
	w.mu.Unlock()

	if already {
		return
	}
	w.logger.Warnw("Worker blacklisted after repeated restart failures",
		"annotator", annotatorID, "domain", domain, "attempts", attempts)
	if err := w.store.LogEvent(annotatorID, domain, "blacklisted",
		fmt.Sprintf("%d failed restarts", attempts)); err != nil {
		w.logger.Warnw("Failed to log blacklist event", "error", err)
	}
}

// Blacklisted reports whether a pair is excluded from restarts.
func (w *Watchdog) Blacklisted(annotatorID int, domain string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blacklist[pairKey(annotatorID, domain)]
}

// Blacklist lists blacklisted pairs.
func (w *Watchdog) Blacklist() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var keys []string
	for key, on := range w.blacklist {
		if on {
			keys = append(keys, key)
		}
	}
	return keys
}

// AddToBlacklist excludes a pair from restarts.
func (w *Watchdog) AddToBlacklist(annotatorID int, domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.blacklist == nil {
		w.blacklist = make(map[string]bool)
	}
	w.blacklist[pairKey(annotatorID, domain)] = true
}

// RemoveFromBlacklist re-admits a pair and resets its attempt counter.
func (w *Watchdog) RemoveFromBlacklist(annotatorID int, domain string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.blacklist, pairKey(annotatorID, domain))
	delete(w.attemptsLocked(), pairKey(annotatorID, domain))
}

// ResetBlacklist clears the blacklist and all attempt counters.
func (w *Watchdog) ResetBlacklist() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blacklist = nil
	w.attempts = nil
}
