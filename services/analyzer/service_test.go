package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/extraction"
	"github.com/kaiwen1281/MOSSAI/internal/gate"
	"github.com/kaiwen1281/MOSSAI/internal/postgres"
	"github.com/kaiwen1281/MOSSAI/internal/store"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeExtractor struct {
	mu         sync.Mutex
	resolveErr error
	extractErr []error // consumed one per call; nil entries succeed
	frames     int
	block      chan struct{}
	resolved   int
	extracted  int
	imaged     int

	active atomic.Int64
	peak   atomic.Int64
	hold   time.Duration
}

func (f *fakeExtractor) Resolve(_ context.Context, ref string) (domain.MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved++
	if f.resolveErr != nil {
		return domain.MediaInfo{}, f.resolveErr
	}
	return domain.MediaInfo{Ref: ref, DurationSeconds: 60, Resolution: "1280x720", AssetURL: "oss://b/" + ref}, nil
}

func (f *fakeExtractor) Extract(ctx context.Context, job extraction.Job) (*extraction.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}

	f.mu.Lock()
	f.extracted++
	var err error
	if len(f.extractErr) > 0 {
		err, f.extractErr = f.extractErr[0], f.extractErr[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	count := f.frames
	if count == 0 {
		count = 3
	}
	frames := make([]domain.Frame, count)
	for i := range frames {
		frames[i] = domain.Frame{Index: i, Timestamp: float64(i * 10), URL: fmt.Sprintf("https://f/%d", i)}
	}
	return &extraction.Result{Strategy: extraction.DirectTransform{Interval: 10 * time.Second}, Frames: frames, ManifestURL: "https://manifest"}, nil
}

func (f *fakeExtractor) Image(_ context.Context, job extraction.Job) (*extraction.Result, error) {
	f.mu.Lock()
	f.imaged++
	f.mu.Unlock()
	url := job.Request.MediaURL
	if url == "" {
		url = "https://signed/" + job.Media.Ref
	}
	return &extraction.Result{Frames: []domain.Frame{{URL: url}}}, nil
}

type fakeAnalyzer struct {
	mu     sync.Mutex
	err    error
	panics bool
	calls  int
	images int
	last   analysis.Input
}

func (f *fakeAnalyzer) Analyze(_ context.Context, in analysis.Input) (*domain.AnalysisResult, error) {
	f.mu.Lock()
	f.calls++
	f.last = in
	f.mu.Unlock()
	if f.panics {
		panic("model exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.AnalysisResult{
		Summary:  "a product demo",
		Tags:     []string{"demo"},
		Segments: []domain.Segment{},
		Metadata: domain.ResultMetadata{FrameCount: len(in.Frames), Chunks: 1, Model: "fake"},
	}, nil
}

func (f *fakeAnalyzer) AnalyzeImage(_ context.Context, in analysis.Input) (*domain.AnalysisResult, error) {
	f.mu.Lock()
	f.images++
	f.last = in
	f.mu.Unlock()
	return &domain.AnalysisResult{Summary: "a logo", Tags: []string{}, Segments: []domain.Segment{},
		Metadata: domain.ResultMetadata{FrameCount: len(in.Frames), Chunks: 1, Model: "fake"}}, nil
}

// slowModel answers every call after a pause, so gated calls overlap.
type slowModel struct{ pause time.Duration }

func (m slowModel) Analyze(ctx context.Context, call analysis.Call) (analysis.Output, error) {
	select {
	case <-time.After(m.pause):
	case <-ctx.Done():
		return analysis.Output{}, ctx.Err()
	}
	return analysis.Output{Summary: fmt.Sprintf("%d frames", len(call.Frames)), Tags: []string{"slow"}}, nil
}

func (slowModel) Name() string { return "slow" }

type recorder struct {
	mu    sync.Mutex
	tasks []*domain.Task
	err   error
}

func (r *recorder) TaskFinished(_ context.Context, t *domain.Task) error { return r.add(t) }
func (r *recorder) Record(_ context.Context, t *domain.Task) error       { return r.add(t) }

func (r *recorder) add(t *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// progressStore records every successful write.
type progressStore struct {
	*store.Memory
	mu      sync.Mutex
	history map[string][]*domain.Task
}

func (p *progressStore) Update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error) {
	t, err := p.Memory.Update(ctx, id, fn)
	if err == nil {
		p.mu.Lock()
		p.history[id] = append(p.history[id], t)
		p.mu.Unlock()
	}
	return t, err
}

func (p *progressStore) writes(id string) []*domain.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.Task(nil), p.history[id]...)
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}
func (l *fakeLimiter) Limit() int { return 5 }

type fakeHistory struct{ limit int }

func (h *fakeHistory) GetByID(_ context.Context, id string) (*postgres.AuditRecord, error) {
	if id != "t-1" {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return &postgres.AuditRecord{TaskID: id, Status: domain.StatusCompleted}, nil
}

func (h *fakeHistory) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*postgres.AuditRecord, error) {
	h.limit = limit
	return []*postgres.AuditRecord{{TaskID: "t-1", Status: status}}, nil
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	store     *progressStore
	extractor *fakeExtractor
	analyzer  Analyzer
	gate      *gate.Gate
	events    *recorder
	audit     *recorder
	svc       *Service
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, ex *fakeExtractor, an Analyzer, ropts []RunnerOption, sopts ...Option) *harness {
	t.Helper()
	return newGatedHarness(t, gate.New(2, 2), ex, an, ropts, sopts...)
}

func newGatedHarness(t *testing.T, g *gate.Gate, ex *fakeExtractor, an Analyzer, ropts []RunnerOption, sopts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     &progressStore{Memory: store.NewMemory(), history: map[string][]*domain.Task{}},
		extractor: ex,
		analyzer:  an,
		gate:      g,
		events:    &recorder{},
		audit:     &recorder{},
	}
	opts := append([]RunnerOption{
		WithRetryDelay(time.Millisecond),
		WithEvents(h.events),
		WithAudit(h.audit),
		WithLogger(discardLogger()),
	}, ropts...)
	runner := NewRunner(h.store, ex, an, h.gate, opts...)
	h.svc = NewService(h.store, runner, h.gate, append([]Option{WithServiceLogger(discardLogger())}, sopts...)...)
	return h
}

// wait drains every running task.
func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))
}

func videoRequest(level domain.Level) domain.Request {
	return domain.Request{MediaRef: "m-1", MediaType: domain.MediaVideo, Level: level, BrandName: "acme", OwnerID: "u-1"}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestSubmit_VideoCompletes(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, videoRequest(domain.LevelMedium))
	require.NoError(t, err)
	assert.NotEmpty(t, sub.TaskID)
	assert.Equal(t, domain.StatusPending, sub.Status)
	h.wait(t)

	task, err := h.svc.Get(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.Result)
	assert.Nil(t, task.Error)
	assert.Equal(t, 3, task.Result.Metadata.FrameCount)
	assert.Equal(t, "https://manifest", task.Result.Metadata.ManifestURL)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 1, h.events.count())
	assert.Equal(t, 1, h.audit.count())
}

func TestSubmit_ProgressCheckpointsAreMonotonic(t *testing.T) {
	h := newHarness(t, &fakeExtractor{extractErr: []error{domain.Transient("snapshot", errors.New("503"))}}, &fakeAnalyzer{}, nil)

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
	require.NoError(t, err)
	h.wait(t)

	writes := h.store.writes(sub.TaskID)
	require.NotEmpty(t, writes)
	seen := map[int]bool{}
	prev := 0
	for _, w := range writes {
		assert.GreaterOrEqual(t, w.Progress, prev)
		prev = w.Progress
		seen[w.Progress] = true
	}
	for _, cp := range []int{10, 30, 60, 90, 100} {
		assert.True(t, seen[cp], "checkpoint %d not reported", cp)
	}
}

func TestSubmit_ValidationCreatesNoRecord(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	ctx := context.Background()

	_, err := h.svc.Submit(ctx, domain.Request{MediaType: domain.MediaVideo, Level: "ultra", MediaRef: "m"})
	var invalid *domain.ValidationError
	require.ErrorAs(t, err, &invalid)

	tasks, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	h.wait(t)
}

func TestRun_TransientFailureRetriesThenCompletes(t *testing.T) {
	ex := &fakeExtractor{extractErr: []error{domain.Transient("snapshot", errors.New("timeout"))}}
	h := newHarness(t, ex, &fakeAnalyzer{}, nil)

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelHigh))
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempts)

	var sawRetry bool
	for _, w := range h.store.writes(sub.TaskID) {
		sawRetry = sawRetry || w.Status == domain.StatusRetry
	}
	assert.True(t, sawRetry, "task should pass through retry between attempts")
}

func TestRun_RetriesAreBounded(t *testing.T) {
	transient := domain.Transient("snapshot", errors.New("503"))
	ex := &fakeExtractor{extractErr: []error{transient, transient, transient, transient}}
	h := newHarness(t, ex, &fakeAnalyzer{}, []RunnerOption{WithMaxAttempts(3)})

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, 3, ex.extracted)
}

func TestRun_SmartFailureIsPermanentAndNeverAnalyzed(t *testing.T) {
	failure := &domain.ExtractionFailedError{MediaRef: "m-1", Strategy: "smart", Reason: "snapshot job failed", NoRetry: true}
	ex := &fakeExtractor{extractErr: []error{failure}}
	an := &fakeAnalyzer{}
	h := newHarness(t, ex, an, nil)

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelSmart))
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, domain.KindExtractionFailed, task.Error.Kind)
	assert.Nil(t, task.Result)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, 1, ex.extracted)
	assert.Zero(t, an.calls)
}

func TestRun_MediaNotFound(t *testing.T) {
	ex := &fakeExtractor{resolveErr: &domain.MediaNotFoundError{MediaRef: "m-1"}}
	h := newHarness(t, ex, &fakeAnalyzer{}, nil)

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelMedium))
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindMediaNotFound, task.Error.Kind)
	assert.Zero(t, ex.extracted)
}

func TestRun_AnalyzerPanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{panics: true}, nil)

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelMedium))
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, domain.KindInternal, task.Error.Kind)
	assert.Contains(t, task.Error.Message, "model exploded")
}

func TestRun_DeleteStopsTaskSilently(t *testing.T) {
	ex := &fakeExtractor{block: make(chan struct{})}
	h := newHarness(t, ex, &fakeAnalyzer{}, nil)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, videoRequest(domain.LevelMedium))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ex.active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.svc.Delete(ctx, sub.TaskID))
	close(ex.block)
	h.wait(t)

	_, err = h.svc.Get(ctx, sub.TaskID)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)

	batch, err := h.svc.BatchGet(ctx, []string{sub.TaskID})
	require.NoError(t, err)
	assert.Empty(t, batch.Found)
	assert.Equal(t, []string{sub.TaskID}, batch.NotFound)

	assert.Zero(t, h.events.count(), "deleted task must not publish a terminal event")
	assert.Zero(t, h.audit.count())
}

func TestRun_TimeoutFailsTask(t *testing.T) {
	ex := &fakeExtractor{block: make(chan struct{})}
	h := newHarness(t, ex, &fakeAnalyzer{}, []RunnerOption{WithTaskTimeout(30 * time.Millisecond)})

	sub, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelMedium))
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, domain.KindInternal, task.Error.Kind)
	assert.Contains(t, task.Error.Message, "deadline")
}

func TestRun_ImageWithDirectURLSkipsResolve(t *testing.T) {
	ex := &fakeExtractor{}
	an := &fakeAnalyzer{}
	h := newHarness(t, ex, an, nil)

	sub, err := h.svc.Submit(context.Background(), domain.Request{
		MediaType: domain.MediaImage,
		MediaURL:  "https://cdn.example.com/logo.png",
	})
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Zero(t, ex.resolved)
	assert.Equal(t, 1, ex.imaged)
	assert.Equal(t, 1, an.images)
	assert.Zero(t, an.calls)
}

func TestRun_ExtractionCeilingHoldsUnderLoad(t *testing.T) {
	ex := &fakeExtractor{hold: 20 * time.Millisecond}
	h := newHarness(t, ex, &fakeAnalyzer{}, nil)

	for range 8 {
		_, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
		require.NoError(t, err)
	}
	h.wait(t)

	assert.LessOrEqual(t, ex.peak.Load(), int64(2))
	counts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, counts[domain.StatusCompleted])
}

func TestBatchGet(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	ctx := context.Background()

	a, err := h.svc.Submit(ctx, videoRequest(domain.LevelLow))
	require.NoError(t, err)
	b, err := h.svc.Submit(ctx, videoRequest(domain.LevelLow))
	require.NoError(t, err)
	h.wait(t)

	res, err := h.svc.BatchGet(ctx, []string{a.TaskID, "missing", b.TaskID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Total)
	assert.Len(t, res.Found, 2)
	assert.Equal(t, []string{"missing"}, res.NotFound)

	empty, err := h.svc.BatchGet(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.NotNil(t, empty.Found)
	assert.Empty(t, empty.Found)
	assert.Equal(t, []string{}, empty.NotFound)

	var invalid *domain.ValidationError

	tooMany := make([]string, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("id-%d", i)
	}
	_, err = h.svc.BatchGet(ctx, tooMany)
	require.ErrorAs(t, err, &invalid)
}

func TestDelete_Unknown(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	err := h.svc.Delete(context.Background(), "nope")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	h.wait(t)
}

func TestSubmit_RateLimited(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil, WithRateLimiter(limiter))

	_, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
	var limited *domain.RateLimitExceededError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "acme", limited.Key)
	assert.Equal(t, 5, limited.Limit)

	_, err = h.svc.Submit(context.Background(), domain.Request{MediaType: domain.MediaImage, MediaRef: "img"})
	require.Error(t, err)
	assert.Equal(t, []string{"acme", anonymousKey}, limiter.keys)
	h.wait(t)
}

func TestSubmit_LimiterErrorFailsOpen(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil, WithRateLimiter(limiter))

	_, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
	require.NoError(t, err)
	h.wait(t)
}

func TestSubmit_AfterShutdown(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	h.wait(t)

	_, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestConcurrencyView(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	_, err := h.svc.Submit(context.Background(), videoRequest(domain.LevelLow))
	require.NoError(t, err)
	h.wait(t)

	view, err := h.svc.Concurrency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, view.Extraction.Max)
	assert.Equal(t, 2, view.Analysis.Max)
	assert.Zero(t, view.Extraction.Active)
	assert.Equal(t, 1, view.Tasks[domain.StatusCompleted])
}

func TestConcurrency_StagesStayWithinLimits(t *testing.T) {
	g := gate.New(2, 2)
	orch := analysis.New(slowModel{pause: 15 * time.Millisecond}, g,
		analysis.WithCapacity(10), analysis.WithLogger(discardLogger()))
	ex := &fakeExtractor{frames: 25, hold: 10 * time.Millisecond}
	h := newGatedHarness(t, g, ex, orch, nil)
	ctx := context.Background()

	ids := make([]string, 0, 8)
	for range 8 {
		sub, err := h.svc.Submit(ctx, videoRequest(domain.LevelLow))
		require.NoError(t, err)
		ids = append(ids, sub.TaskID)
	}

	done := make(chan struct{})
	var (
		samples      int
		violations   []string
		sawExtract   bool
		sawAnalysis  bool
		sampleErrors int
	)
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-done:
				return
			default:
			}
			view, err := h.svc.Concurrency(ctx)
			if err != nil {
				sampleErrors++
				continue
			}
			samples++
			if view.Extraction.Active > view.Extraction.Max {
				violations = append(violations, fmt.Sprintf("extraction %d/%d", view.Extraction.Active, view.Extraction.Max))
			}
			if view.Analysis.Active > view.Analysis.Max {
				violations = append(violations, fmt.Sprintf("analysis %d/%d", view.Analysis.Active, view.Analysis.Max))
			}
			sawExtract = sawExtract || view.Extraction.Active > 0
			sawAnalysis = sawAnalysis || view.Analysis.Active > 0
			time.Sleep(time.Millisecond)
		}
	}()

	h.wait(t)
	close(done)
	<-sampled

	assert.Zero(t, sampleErrors)
	assert.Positive(t, samples)
	assert.Empty(t, violations)
	assert.True(t, sawExtract, "no extraction was ever observed running")
	assert.True(t, sawAnalysis, "no model call was ever observed running")
	assert.LessOrEqual(t, ex.peak.Load(), int64(2))

	for _, id := range ids {
		task, err := h.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, task.Status, id)
		assert.Equal(t, 3, task.Result.Metadata.Chunks)
	}
}

func TestRun_ExtractFramesSkipsAnalysis(t *testing.T) {
	ex := &fakeExtractor{frames: 4}
	an := &fakeAnalyzer{}
	h := newHarness(t, ex, an, nil)
	ctx := context.Background()

	req := videoRequest(domain.LevelMedium)
	req.Kind = domain.TaskExtractFrames
	sub, err := h.svc.Submit(ctx, req)
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, "frame extraction completed", task.Message)
	require.NotNil(t, task.Result)
	assert.Len(t, task.Result.Frames, 4)
	assert.Equal(t, 4, task.Result.Metadata.FrameCount)
	assert.Equal(t, "https://manifest", task.Result.Metadata.ManifestURL)
	assert.Equal(t, domain.LevelMedium, task.Result.Metadata.ExtractionLevel)
	assert.Empty(t, task.Result.Summary)
	assert.Zero(t, an.calls)
	assert.Equal(t, 1, ex.extracted)

	seen := map[int]bool{}
	for _, w := range h.store.writes(sub.TaskID) {
		seen[w.Progress] = true
	}
	assert.True(t, seen[10])
	assert.True(t, seen[30])
	assert.False(t, seen[60], "analysis checkpoint reported for an extraction-only task")
}

func TestRun_AnalyzeFramesSkipsResolveAndExtraction(t *testing.T) {
	ex := &fakeExtractor{}
	an := &fakeAnalyzer{}
	h := newHarness(t, ex, an, nil)
	ctx := context.Background()

	sub, err := h.svc.Submit(ctx, domain.Request{
		Kind:            domain.TaskAnalyzeFrames,
		FrameURLs:       []string{"https://cdn/a.jpg", "https://cdn/b.jpg", "https://cdn/c.jpg", "https://cdn/d.jpg"},
		DurationSeconds: 40,
		Resolution:      "1920x1080",
	})
	require.NoError(t, err)
	h.wait(t)

	task, err := h.svc.Get(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Zero(t, ex.resolved)
	assert.Zero(t, ex.extracted)
	assert.Equal(t, 1, an.calls)

	require.Len(t, an.last.Frames, 4)
	for i, f := range an.last.Frames {
		assert.Equal(t, i, f.Index)
		assert.InDelta(t, float64(i)*10, f.Timestamp, 1e-9)
	}
	assert.Equal(t, "https://cdn/c.jpg", an.last.Frames[2].URL)
	assert.Equal(t, domain.MediaVideo, an.last.MediaType)
	assert.Equal(t, "1920x1080", an.last.Media.Resolution)
	assert.Empty(t, task.Result.Metadata.ManifestURL)
}

func TestRun_AnalyzeFramesSingleImage(t *testing.T) {
	an := &fakeAnalyzer{}
	h := newHarness(t, &fakeExtractor{}, an, nil)

	_, err := h.svc.Submit(context.Background(), domain.Request{
		Kind:      domain.TaskAnalyzeFrames,
		MediaType: domain.MediaImage,
		FrameURLs: []string{"https://cdn/logo.png"},
	})
	require.NoError(t, err)
	h.wait(t)

	assert.Equal(t, 1, an.images)
	assert.Zero(t, an.calls)
	require.Len(t, an.last.Frames, 1)
	assert.Equal(t, "https://cdn/logo.png", an.last.Frames[0].URL)
}

func TestHistory(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	_, err := h.svc.History(context.Background(), "", 10)
	require.ErrorIs(t, err, ErrHistoryDisabled)
	h.wait(t)

	hist := &fakeHistory{}
	h = newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil, WithHistory(hist))
	defer h.wait(t)

	recs, err := h.svc.History(context.Background(), domain.StatusFailed, 10_000)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, maxHistoryLimit, hist.limit)

	_, err = h.svc.History(context.Background(), domain.StatusPending, 10)
	var invalid *domain.ValidationError
	require.ErrorAs(t, err, &invalid)
}

func TestHistoryRecord(t *testing.T) {
	h := newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil)
	_, err := h.svc.HistoryRecord(context.Background(), "t-1")
	require.ErrorIs(t, err, ErrHistoryDisabled)
	h.wait(t)

	h = newHarness(t, &fakeExtractor{}, &fakeAnalyzer{}, nil, WithHistory(&fakeHistory{}))
	defer h.wait(t)

	rec, err := h.svc.HistoryRecord(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", rec.TaskID)

	_, err = h.svc.HistoryRecord(context.Background(), "t-2")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}
