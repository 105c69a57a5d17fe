package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindhive/annotad/config"
	"github.com/mindhive/annotad/control"
	"github.com/mindhive/annotad/corpus"
	"github.com/mindhive/annotad/db"
	"github.com/mindhive/annotad/errors"
	"github.com/mindhive/annotad/prompt"
	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
)

// fakeGenerator serves scripted responses in order; the last script
// entry repeats once the script runs out.
type fakeGenerator struct {
	mu      sync.Mutex
	script  []func(prompt string) (string, error)
	calls   int
	prompts []string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	i := g.calls
	g.calls++
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	return g.script[i](prompt)
}

func respond(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func fail(err error) func(string) (string, error) {
	return func(string) (string, error) { return "", err }
}

type fixture struct {
	store       *store.Store
	limiter     *ratelimit.Limiter
	settings    *config.Settings
	corpus      *corpus.Corpus
	template    *prompt.Template
	controlPath string
	mirrorPath  string
}

func newFixture(t *testing.T, target int) *fixture {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Open(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, nil))

	settings := &config.Settings{
		Global: config.GlobalSettings{
			ModelName:              "test-model",
			RequestDelaySeconds:    0.01,
			MaxRetries:             0,
			CrashDetectionMinutes:  2,
			ControlCheckIterations: 1,
			ControlCheckSeconds:    1,
			MaxConcurrentWorkers:   30,
			RateLimit:              config.RateLimit{RequestsPerMinute: 6000, RequestsPerDay: 100000, BurstSize: 100},
		},
		Annotators: map[string]map[string]config.PairSpec{
			"1": {"urgency": {Enabled: true, TargetCount: target}},
		},
	}

	csvPath := filepath.Join(dir, "samples.csv")
	require.NoError(t, os.WriteFile(csvPath,
		[]byte("id,text\ns1,first\ns2,second\ns3,third\ns4,fourth\ns5,fifth\n"), 0o644))
	c, err := corpus.Load(csvPath)
	require.NoError(t, err)

	s := store.New(database, nil)
	require.NoError(t, s.InitializeWorkers(settings))

	return &fixture{
		store: s,
		limiter: ratelimit.New(database, ratelimit.Limits{
			RequestsPerMinute: settings.Global.RateLimit.RequestsPerMinute,
			RequestsPerDay:    settings.Global.RateLimit.RequestsPerDay,
			BurstSize:         settings.Global.RateLimit.BurstSize,
		}, nil),
		settings:    settings,
		corpus:      c,
		template:    &prompt.Template{Body: "classify: {text}"},
		controlPath: filepath.Join(dir, "control", "annotator_1_urgency.json"),
		mirrorPath:  filepath.Join(dir, "annotations.jsonl"),
	}
}

func (f *fixture) newWorker(t *testing.T, gen Generator) *Worker {
	t.Helper()
	w, err := New(Options{
		AnnotatorID:  1,
		Domain:       "urgency",
		Settings:     f.settings,
		Store:        f.store,
		Limiter:      f.limiter,
		Corpus:       f.corpus,
		Template:     f.template,
		Generator:    gen,
		CredentialID: "annotator_1",
		ControlPath:  f.controlPath,
		MirrorPath:   f.mirrorPath,
	})
	require.NoError(t, err)
	return w
}

func TestHappyPathReachesTarget(t *testing.T) {
	f := newFixture(t, 3)
	gen := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_2>>")}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ws.Status)
	assert.Equal(t, 3, ws.Progress.Completed)
	assert.Zero(t, ws.Progress.Malformed)
	assert.Nil(t, ws.HeartbeatTime, "heartbeat cleaned up on exit")

	// Prompts carried the rendered sample text.
	assert.Equal(t, "classify: first", gen.prompts[0])
	assert.Equal(t, "classify: third", gen.prompts[2])

	// The JSONL mirror got one line per sample.
	data, err := os.ReadFile(f.mirrorPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sample_id":"s1"`)
}

func TestMalformedResponsesConsumeSamples(t *testing.T) {
	f := newFixture(t, 3)
	gen := &fakeGenerator{script: []func(string) (string, error){
		respond("<<LEVEL_1>>"),
		respond("no tags anywhere"),
		respond("<<LEVEL_4>>"),
	}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ws.Status)
	assert.Equal(t, 2, ws.Progress.Completed)
	assert.Equal(t, 1, ws.Progress.Malformed)

	// The malformed sample is consumed, not retried forever.
	done, err := f.store.IsSampleCompleted(1, "urgency", "s2")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAPIErrorRecordedAsMalformed(t *testing.T) {
	f := newFixture(t, 2)
	gen := &fakeGenerator{script: []func(string) (string, error){
		fail(errors.New("API request failed with status 409: overloaded")),
		respond("<<LEVEL_0>>"),
	}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ws.Status)
	assert.Equal(t, 1, ws.Progress.Completed)
	assert.Equal(t, 1, ws.Progress.Malformed)
}

func TestProviderRateLimitParksWorker(t *testing.T) {
	f := newFixture(t, 3)
	gen := &fakeGenerator{script: []func(string) (string, error){
		respond("<<LEVEL_1>>"),
		fail(errors.Wrap(errors.ErrRateLimited, "API status 429")),
	}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, ws.Status)
	assert.Equal(t, 1, ws.Progress.Completed, "sample before the limit landed")

	// The rate-limited sample was not consumed; a restart retries it.
	done, err := f.store.IsSampleCompleted(1, "urgency", "s2")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestInvalidCredentialStopsWorker(t *testing.T) {
	f := newFixture(t, 3)
	gen := &fakeGenerator{script: []func(string) (string, error){
		fail(errors.Wrap(errors.ErrInvalidCredential, "API status 403")),
	}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, ws.Status)
	assert.Zero(t, ws.Progress.Completed)
}

func TestDailyQuotaParksWorker(t *testing.T) {
	f := newFixture(t, 3)
	// One request allowed per day.
	f.limiter = ratelimit.New(f.store.DB(),
		ratelimit.Limits{RequestsPerMinute: 6000, RequestsPerDay: 1, BurstSize: 10}, nil)
	gen := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_1>>")}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, ws.Status)
	assert.Equal(t, 1, ws.Progress.Completed)

	events, err := f.store.RecentEvents(20)
	require.NoError(t, err)
	var sawQuota bool
	for _, e := range events {
		if e.EventType == "daily_quota" {
			sawQuota = true
		}
	}
	assert.True(t, sawQuota)
}

func TestStopSignal(t *testing.T) {
	f := newFixture(t, 5)
	require.NoError(t, control.Write(f.controlPath, control.CommandStop))
	gen := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_1>>")}}

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, ws.Status)
	assert.Zero(t, ws.Progress.Completed, "stop checked before annotating")
}

func TestPauseThenResume(t *testing.T) {
	old := PausePollInterval
	PausePollInterval = 20 * time.Millisecond
	defer func() { PausePollInterval = old }()

	f := newFixture(t, 2)
	require.NoError(t, control.Write(f.controlPath, control.CommandPause))
	gen := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_3>>")}}

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = control.Write(f.controlPath, control.CommandResume)
	}()

	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ws.Status)
	assert.Equal(t, 2, ws.Progress.Completed)
}

func TestResumeAfterStopContinuesFromCursor(t *testing.T) {
	f := newFixture(t, 4)

	// First run annotates two samples then hits a provider rate limit.
	gen := &fakeGenerator{script: []func(string) (string, error){
		respond("<<LEVEL_1>>"),
		respond("<<LEVEL_2>>"),
		fail(errors.Wrap(errors.ErrRateLimited, "429")),
	}}
	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	// Second run picks up at sample three.
	gen2 := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_4>>")}}
	require.NoError(t, f.newWorker(t, gen2).Run(context.Background()))

	assert.Equal(t, "classify: third", gen2.prompts[0])

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ws.Status)
	assert.Equal(t, 4, ws.Progress.Completed)
}

func TestCrashBetweenAnnotationAndCursorReplaysSample(t *testing.T) {
	f := newFixture(t, 2)

	// A previous run died after its annotation row landed but before
	// the progress row advanced the cursor.
	require.NoError(t, f.store.SaveAnnotation(1, "urgency", &store.Annotation{
		RunID:      "11111111-dead-dead-dead-111111111111",
		SampleID:   "s1",
		SampleText: "first",
		Label:      "LEVEL_1",
		Response:   "<<LEVEL_1>>",
	}))

	gen := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_2>>")}}
	require.NoError(t, f.newWorker(t, gen).Run(context.Background()))

	// The restart re-selected s1 before moving on.
	require.Len(t, gen.prompts, 2)
	assert.Equal(t, "classify: first", gen.prompts[0])
	assert.Equal(t, "classify: second", gen.prompts[1])

	// Duplicate annotation rows, never a lost one; the completed row
	// stays unique.
	var annotationRows, completedRows int
	require.NoError(t, f.store.DB().QueryRow(`
		SELECT COUNT(*) FROM annotations a
		JOIN workers w ON w.id = a.worker_id
		WHERE w.annotator_id = 1 AND w.domain = 'urgency' AND a.sample_id = 's1'`).
		Scan(&annotationRows))
	require.NoError(t, f.store.DB().QueryRow(`
		SELECT COUNT(*) FROM completed_samples c
		JOIN workers w ON w.id = c.worker_id
		WHERE w.annotator_id = 1 AND w.domain = 'urgency' AND c.sample_id = 's1'`).
		Scan(&completedRows))
	assert.Equal(t, 2, annotationRows)
	assert.Equal(t, 1, completedRows)

	ws, err := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ws.Status)
	assert.Equal(t, 2, ws.Progress.Completed)
}

func TestCancelledContextStops(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeGenerator{script: []func(string) (string, error){respond("<<LEVEL_1>>")}}

	err := f.newWorker(t, gen).Run(ctx)
	assert.Error(t, err)

	ws, serr := f.store.GetWorkerStatus(1, "urgency")
	require.NoError(t, serr)
	assert.Equal(t, store.StatusStopped, ws.Status)
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t, 1)
	gen := &fakeGenerator{script: []func(string) (string, error){respond("x")}}

	_, err := New(Options{AnnotatorID: 0, Domain: "urgency", Settings: f.settings,
		Store: f.store, Limiter: f.limiter, Corpus: f.corpus, Template: f.template, Generator: gen})
	assert.Error(t, err)

	_, err = New(Options{AnnotatorID: 1, Domain: "sentiment", Settings: f.settings,
		Store: f.store, Limiter: f.limiter, Corpus: f.corpus, Template: f.template, Generator: gen})
	assert.Error(t, err)
}
