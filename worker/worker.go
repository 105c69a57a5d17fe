// Package worker implements the per-pair annotation process: one
// worker owns one (annotator, domain) pair, walks the shared corpus
// sequentially, annotates each sample through the model client and
// records every outcome durably before advancing. Workers are designed
// to be killed at any instant; all progress lives in the store and the
// loop resumes from the processed-sample cursor.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/control"
	"github.com/mindhive/annotad/corpus"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/internal/fsutil"
	"github.com/mindhive/annotad/parser"
	"github.com/mindhive/annotad/prompt"
	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
)

const (
	// HeartbeatInterval is the cadence of liveness updates.
	HeartbeatInterval = 30 * time.Second

	// AcquireTimeout bounds how long a worker waits on the shared rate
	// limiter before parking itself.
	AcquireTimeout = 5 * time.Minute

	// speedUpdateEvery is the iteration cadence of throughput updates.
	speedUpdateEvery = 10

	// MalformedLabel marks samples whose response could not be parsed.
	MalformedLabel = "MALFORMED"
)

// PausePollInterval is the control-file poll cadence while paused.
// A variable so tests can tighten it.
var PausePollInterval = 5 * time.Second

// Generator produces a model response for a prompt. Satisfied by
// genai.Client; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options wires a worker's collaborators.
type Options struct {
	AnnotatorID  int
	Domain       string
	Settings     *config.Settings
	Store        *store.Store
	Limiter      *ratelimit.Limiter
	Corpus       *corpus.Corpus
	Template     *prompt.Template
	Generator    Generator
	CredentialID string
	ControlPath  string
	MirrorPath   string // JSONL mirror of annotation rows; empty disables
	Logger       *zap.SugaredLogger
}

// Worker runs the annotation loop for one pair.
type Worker struct {
	opts  Options
	runID string
	pacer *rate.Limiter

	mu            sync.Mutex
	iteration     int
	hbStatus      string
	stopRequested bool

	lastControlCheck time.Time
}

// New validates options and builds a worker.
func New(opts Options) (*Worker, error) {
	if opts.AnnotatorID < 1 || opts.AnnotatorID > config.NumAnnotators {
		return nil, errors.Newf("invalid annotator id: %d", opts.AnnotatorID)
	}
	if !parser.KnownDomain(opts.Domain) {
		return nil, errors.Newf("invalid domain: %s", opts.Domain)
	}
	if opts.Store == nil || opts.Limiter == nil || opts.Corpus == nil ||
		opts.Template == nil || opts.Generator == nil || opts.Settings == nil {
		return nil, errors.New("worker options incomplete")
	}

	delay := opts.Settings.Global.RequestDelaySeconds
	if delay <= 0 {
		delay = 0.1
	}
	return &Worker{
		opts:     opts,
		runID:    uuid.NewString(),
		pacer:    rate.NewLimiter(rate.Every(time.Duration(delay*float64(time.Second))), 1),
		hbStatus: store.StatusRunning,
	}, nil
}

// RunID identifies this process lifetime in annotation rows.
func (w *Worker) RunID() string {
	return w.runID
}

func (w *Worker) log() *zap.SugaredLogger {
	if w.opts.Logger != nil {
		return w.opts.Logger
	}
	return zap.NewNop().Sugar()
}

// Run executes the annotation loop until the target is reached, a stop
// signal arrives, or a fatal condition parks the worker. The returned
// error is non-nil only for conditions the supervisor should treat as
// abnormal exits.
func (w *Worker) Run(ctx context.Context) error {
	a, d := w.opts.AnnotatorID, w.opts.Domain
	st := w.opts.Store

	if err := st.UpdateWorkerStatus(a, d, store.StatusRunning, os.Getpid()); err != nil {
		return err
	}
	if err := st.SendHeartbeat(a, d, 0, store.StatusRunning); err != nil {
		return err
	}
	defer func() {
		if err := st.CleanupHeartbeat(a, d); err != nil {
			w.log().Warnw("Failed to clean up heartbeat", "error", err)
		}
	}()

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go w.heartbeatLoop(hbCtx)

	w.lastControlCheck = time.Now()
	startTime := time.Now()

	w.log().Infow("Worker starting",
		"annotator", a,
		"domain", d,
		"run_id", w.runID,
		"target", w.opts.Settings.Pair(a, d).TargetCount)

	for !w.shouldStop() {
		select {
		case <-ctx.Done():
			return w.finish(store.StatusStopped, errors.Wrap(ctx.Err(), "worker cancelled"))
		default:
		}

		w.bumpIteration()

		if w.shouldCheckControl() {
			w.lastControlCheck = time.Now()
			sig, err := control.Read(w.opts.ControlPath)
			if err != nil {
				w.log().Warnw("Failed to read control signal", "error", err)
			}
			if sig != nil {
				switch sig.Command {
				case control.CommandPause:
					if err := w.handlePause(ctx); err != nil {
						return err
					}
					continue
				case control.CommandStop:
					return w.finish(store.StatusStopped, nil)
				}
			}
		}

		sample, ok, err := w.nextSample()
		if err != nil {
			return w.finish(store.StatusStopped, err)
		}
		if !ok {
			w.log().Infow("Target reached", "annotator", a, "domain", d)
			return w.finish(store.StatusCompleted, nil)
		}

		if err := w.opts.Limiter.Acquire(ctx, w.opts.CredentialID, AcquireTimeout); err != nil {
			switch {
			case errors.Is(err, errors.ErrDailyQuota):
				w.log().Warnw("Daily quota spent, parking worker",
					"annotator", a, "domain", d)
				_ = st.LogEvent(a, d, "daily_quota", err.Error())
				return w.finish(store.StatusPaused, nil)
			case errors.Is(err, errors.ErrRateLimited):
				w.log().Warnw("Rate limiter starvation, parking worker",
					"annotator", a, "domain", d)
				return w.finish(store.StatusPaused, nil)
			default:
				return w.finish(store.StatusStopped, err)
			}
		}

		annotation, fatal, err := w.annotate(ctx, sample)
		if fatal != "" {
			return w.finish(fatal, err)
		}

		// Durability order: the full annotation row first, then the
		// progress row that advances the cursor. A crash between the
		// two replays the sample and leaves a duplicate annotation,
		// never a lost one.
		if err := st.SaveAnnotation(a, d, annotation); err != nil {
			return w.finish(store.StatusStopped, err)
		}
		w.mirror(annotation)
		if err := st.AddCompletedSample(a, d, sample.ID, annotation.Label, annotation.Malformed); err != nil {
			return w.finish(store.StatusStopped, err)
		}

		if annotation.Malformed {
			w.log().Warnw("Sample malformed",
				"sample", sample.ID,
				"parsing_error", annotation.ParsingError,
				"validity_error", annotation.ValidityError)
		} else {
			w.log().Debugw("Sample annotated", "sample", sample.ID, "label", annotation.Label)
		}

		if w.currentIteration()%speedUpdateEvery == 0 {
			w.updateSpeed(startTime)
		}

		if err := w.pacer.Wait(ctx); err != nil {
			return w.finish(store.StatusStopped, errors.Wrap(err, "pacing interrupted"))
		}
	}

	return w.finish(store.StatusStopped, nil)
}

// nextSample returns the sample at the processed-row cursor, or false
// when the target (or the corpus) is exhausted. Malformed samples have
// progress rows too, so the cursor never revisits them.
func (w *Worker) nextSample() (corpus.Sample, bool, error) {
	a, d := w.opts.AnnotatorID, w.opts.Domain

	processed, err := w.opts.Store.ProcessedCount(a, d)
	if err != nil {
		return corpus.Sample{}, false, err
	}
	target := w.opts.Settings.Pair(a, d).TargetCount
	if processed >= target {
		return corpus.Sample{}, false, nil
	}
	sample, ok := w.opts.Corpus.Get(processed)
	if !ok {
		w.log().Warnw("Corpus exhausted before target",
			"processed", processed, "target", target, "corpus", w.opts.Corpus.Len())
		return corpus.Sample{}, false, nil
	}
	return sample, true, nil
}

// annotate performs one model round trip and classifies the outcome.
// A non-empty fatal status means the loop must park with that status;
// otherwise the returned annotation (possibly malformed) is recorded
// and the loop continues.
func (w *Worker) annotate(ctx context.Context, sample corpus.Sample) (*store.Annotation, string, error) {
	response, err := w.opts.Generator.Generate(ctx, w.opts.Template.Render(sample.Text))
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrRateLimited):
			w.log().Warnw("Provider rate limit hit", "sample", sample.ID)
			return nil, store.StatusPaused, nil
		case errors.Is(err, errors.ErrInvalidCredential):
			w.log().Errorw("Invalid API credential", "error", err)
			return nil, store.StatusStopped, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, store.StatusStopped, errors.Wrap(err, "generation cancelled")
		default:
			// Other API failures consume the sample as malformed.
			return &store.Annotation{
				RunID:         w.runID,
				SampleID:      sample.ID,
				SampleText:    sample.Text,
				Label:         MalformedLabel,
				Response:      "API_ERROR: " + err.Error(),
				Malformed:     true,
				ValidityError: err.Error(),
			}, "", nil
		}
	}

	result := parser.Parse(response, w.opts.Domain)
	label := result.Label
	if !result.OK() {
		label = MalformedLabel
	}
	return &store.Annotation{
		RunID:         w.runID,
		SampleID:      sample.ID,
		SampleText:    sample.Text,
		Label:         label,
		Response:      response,
		Malformed:     !result.OK(),
		ParsingError:  result.ParsingError,
		ValidityError: result.ValidityError,
	}, "", nil
}

// handlePause parks the loop until a resume or stop signal arrives,
// heartbeating as paused so the watchdog leaves the worker alone.
func (w *Worker) handlePause(ctx context.Context) error {
	a, d := w.opts.AnnotatorID, w.opts.Domain
	w.log().Infow("Worker paused", "annotator", a, "domain", d)
	if err := w.opts.Store.UpdateWorkerStatus(a, d, store.StatusPaused, 0); err != nil {
		return err
	}
	w.setHeartbeatStatus(store.StatusPaused)

	for {
		select {
		case <-ctx.Done():
			w.requestStop()
			return nil
		case <-time.After(PausePollInterval):
		}

		if err := w.opts.Store.SendHeartbeat(a, d, w.currentIteration(), store.StatusPaused); err != nil {
			w.log().Warnw("Failed to heartbeat while paused", "error", err)
		}

		sig, err := control.Read(w.opts.ControlPath)
		if err != nil || sig == nil {
			continue
		}
		switch sig.Command {
		case control.CommandResume:
			w.log().Infow("Worker resumed", "annotator", a, "domain", d)
			if err := w.opts.Store.UpdateWorkerStatus(a, d, store.StatusRunning, 0); err != nil {
				return err
			}
			w.setHeartbeatStatus(store.StatusRunning)
			w.lastControlCheck = time.Now()
			return nil
		case control.CommandStop:
			w.requestStop()
			return nil
		}
	}
}

// finish persists the terminal (or parked) status and returns err.
func (w *Worker) finish(status string, err error) error {
	a, d := w.opts.AnnotatorID, w.opts.Domain
	if uerr := w.opts.Store.UpdateWorkerStatus(a, d, status, 0); uerr != nil {
		w.log().Errorw("Failed to persist final status", "status", status, "error", uerr)
		if err == nil {
			err = uerr
		}
	}
	w.log().Infow("Worker finished", "annotator", a, "domain", d, "status", status)
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			iteration, status := w.iteration, w.hbStatus
			w.mu.Unlock()
			if err := w.opts.Store.SendHeartbeat(
				w.opts.AnnotatorID, w.opts.Domain, iteration, status); err != nil {
				w.log().Warnw("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (w *Worker) updateSpeed(startTime time.Time) {
	a, d := w.opts.AnnotatorID, w.opts.Domain
	processed, err := w.opts.Store.ProcessedCount(a, d)
	if err != nil {
		w.log().Warnw("Failed to read progress for speed update", "error", err)
		return
	}
	minutes := time.Since(startTime).Minutes()
	if minutes <= 0 {
		return
	}
	if err := w.opts.Store.UpdateSpeed(a, d, float64(processed)/minutes); err != nil {
		w.log().Warnw("Failed to update speed", "error", err)
	}
}

func (w *Worker) shouldCheckControl() bool {
	g := w.opts.Settings.Global
	if iters := g.ControlCheckIterations; iters > 0 && w.currentIteration()%iters == 0 {
		return true
	}
	if secs := g.ControlCheckSeconds; secs > 0 &&
		time.Since(w.lastControlCheck) >= time.Duration(secs)*time.Second {
		return true
	}
	return false
}

func (w *Worker) mirror(a *store.Annotation) {
	if w.opts.MirrorPath == "" {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		w.log().Warnw("Failed to encode annotation mirror line", "error", err)
		return
	}
	if err := fsutil.AppendLine(w.opts.MirrorPath, data); err != nil {
		w.log().Warnw("Failed to mirror annotation", "error", err)
	}
}

func (w *Worker) bumpIteration() {
	w.mu.Lock()
	w.iteration++
	w.mu.Unlock()
}

func (w *Worker) currentIteration() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.iteration
}

func (w *Worker) setHeartbeatStatus(status string) {
	w.mu.Lock()
	w.hbStatus = status
	w.mu.Unlock()
}

func (w *Worker) requestStop() {
	w.mu.Lock()
	w.stopRequested = true
	w.mu.Unlock()
}

func (w *Worker) shouldStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopRequested
}
