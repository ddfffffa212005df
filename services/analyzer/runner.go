// Package analyzer runs media analysis tasks from submission to a terminal
// state.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kaiwen1281/MOSSAI/internal/analysis"
	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/extraction"
	"github.com/kaiwen1281/MOSSAI/internal/gate"
	"github.com/kaiwen1281/MOSSAI/internal/store"
	"github.com/kaiwen1281/MOSSAI/pkg/retry"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

// Progress checkpoints reported while a task runs.
const (
	progressResolving  = 10
	progressExtracting = 30
	progressExtracted  = 60
	progressAnalyzed   = 90
)

// Extractor resolves media and produces frames.
type Extractor interface {
	Resolve(ctx context.Context, ref string) (domain.MediaInfo, error)
	Extract(ctx context.Context, job extraction.Job) (*extraction.Result, error)
	Image(ctx context.Context, job extraction.Job) (*extraction.Result, error)
}

// Analyzer turns frames into a structured result.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*domain.AnalysisResult, error)
	AnalyzeImage(ctx context.Context, in analysis.Input) (*domain.AnalysisResult, error)
}

// StageGate hands out extraction slots.
type StageGate interface {
	Acquire(ctx context.Context, stage gate.Stage) (release func(), err error)
	Stats() map[gate.Stage]gate.StageStats
}

// EventPublisher announces terminal tasks.
type EventPublisher interface {
	TaskFinished(ctx context.Context, task *domain.Task) error
}

// AuditRecorder keeps a durable record of terminal tasks.
type AuditRecorder interface {
	Record(ctx context.Context, task *domain.Task) error
}

// Runner drives one task through resolve, extraction and analysis.
type Runner struct {
	store       store.TaskStore
	extractor   Extractor
	analyzer    Analyzer
	gate        StageGate
	events      EventPublisher
	audit       AuditRecorder
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithMaxAttempts(n int) RunnerOption { return func(r *Runner) { r.maxAttempts = n } }

// WithRetryDelay sets the backoff base between attempts.
func WithRetryDelay(d time.Duration) RunnerOption { return func(r *Runner) { r.retryDelay = d } }

// WithTaskTimeout bounds one full run, retries included.
func WithTaskTimeout(d time.Duration) RunnerOption { return func(r *Runner) { r.timeout = d } }

func WithEvents(p EventPublisher) RunnerOption { return func(r *Runner) { r.events = p } }
func WithAudit(a AuditRecorder) RunnerOption   { return func(r *Runner) { r.audit = a } }
func WithLogger(l *slog.Logger) RunnerOption   { return func(r *Runner) { r.logger = l } }

func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// NewRunner builds a Runner. Defaults: 3 attempts, 2s backoff base, 2h timeout.
func NewRunner(st store.TaskStore, ex Extractor, an Analyzer, g StageGate, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:       st,
		extractor:   ex,
		analyzer:    an,
		gate:        g,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
		timeout:     2 * time.Hour,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// errStopped reports that the task was deleted or finalized elsewhere while
// this run was in progress.
type errStopped struct{ cause error }

func (e *errStopped) Error() string   { return "task stopped: " + e.cause.Error() }
func (e *errStopped) Unwrap() error   { return e.cause }
func (e *errStopped) Permanent() bool { return true }

func stopped(err error) bool {
	var s *errStopped
	return errors.As(err, &s)
}

// Run executes task id until it completes, fails or disappears.
func (r *Runner) Run(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "runner.Run", trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	log := r.logger.With(slog.String("task_id", id))

	task, err := r.store.Get(ctx, id)
	if err != nil {
		log.Warn("task vanished before start", slog.String("error", err.Error()))
		return
	}
	mediaType := string(task.Request.MediaType)
	span.SetAttributes(
		attribute.String("task.media_type", mediaType),
		attribute.String("task.kind", string(task.Request.TaskKind())),
	)

	telemetry.RunnerTasksInFlight.Inc()
	start := time.Now()
	defer func() {
		telemetry.RunnerTasksInFlight.Dec()
		telemetry.RunnerTaskDurationSeconds.WithLabelValues(mediaType).Observe(time.Since(start).Seconds())
	}()

	var result *domain.AnalysisResult
	runErr := retry.Do(ctx, retry.Config{
		MaxAttempts: r.maxAttempts,
		BaseDelay:   r.retryDelay,
		Retryable:   domain.IsTransient,
		OnRetry: func(attempt int, err error) {
			telemetry.RunnerRetriesTotal.Inc()
			log.Warn("attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			_, uerr := r.update(ctx, id, func(t *domain.Task) error {
				t.Advance(domain.StatusRetry, 0, fmt.Sprintf("attempt %d failed, retrying", attempt))
				return nil
			})
			if uerr != nil && !stopped(uerr) {
				log.Warn("failed to record retry", slog.String("error", uerr.Error()))
			}
		},
	}, func() error {
		var err error
		result, err = r.attempt(ctx, id, log)
		return err
	})

	if stopped(runErr) {
		log.Info("task deleted or finalized elsewhere, stopping", slog.String("reason", runErr.Error()))
		return
	}
	if runErr != nil && ctx.Err() != nil {
		reason := "task deadline exceeded"
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "task cancelled"
		}
		runErr = &domain.InternalError{Reason: reason, Err: runErr}
	}

	// The run context may already be done; finalization must still land.
	finalCtx := context.WithoutCancel(ctx)
	now := r.now()
	final, err := r.update(finalCtx, id, func(t *domain.Task) error {
		if runErr != nil {
			t.Fail(runErr, now)
			return nil
		}
		t.Complete(result, now)
		return nil
	})
	if err != nil {
		if !stopped(err) {
			log.Error("failed to finalize task", slog.String("error", err.Error()))
		}
		return
	}

	if runErr != nil {
		kind := domain.KindOf(runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(kind))
		telemetry.RunnerTasksFinished.WithLabelValues(string(domain.StatusFailed), string(kind)).Inc()
		log.Error("task failed",
			slog.String("error_kind", string(kind)),
			slog.Int("attempts", final.Attempts),
			slog.String("error", runErr.Error()),
		)
	} else {
		telemetry.RunnerTasksFinished.WithLabelValues(string(domain.StatusCompleted), "").Inc()
		log.Info("task completed",
			slog.Int("attempts", final.Attempts),
			slog.Int("frames", final.Result.Metadata.FrameCount),
			slog.Int("chunks", final.Result.Metadata.Chunks),
		)
	}
	r.announce(finalCtx, final, log)
}

// attempt runs the stages of the task's kind once. Panics become
// InternalError.
func (r *Runner) attempt(ctx context.Context, id string, log *slog.Logger) (res *domain.AnalysisResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("panic during task run", slog.Any("panic", p))
			res, err = nil, &domain.InternalError{Reason: fmt.Sprintf("panic: %v", p)}
		}
	}()

	task, err := r.update(ctx, id, func(t *domain.Task) error {
		t.Attempts++
		t.Advance(domain.StatusProcessing, progressResolving, "resolving media")
		return nil
	})
	if err != nil {
		return nil, err
	}
	req := task.Request

	if req.TaskKind() == domain.TaskAnalyzeFrames {
		media := domain.MediaInfo{DurationSeconds: req.DurationSeconds, Resolution: req.Resolution}
		return r.analyze(ctx, id, req, media, req.Frames(), "")
	}

	job := extraction.Job{TaskID: id, Request: req, Media: domain.MediaInfo{Ref: req.MediaRef}}
	if req.MediaType == domain.MediaVideo || req.MediaURL == "" {
		job.Media, err = r.extractor.Resolve(ctx, req.MediaRef)
		if err != nil {
			return nil, err
		}
	}

	if err := r.checkpoint(ctx, id, progressExtracting, "extracting frames"); err != nil {
		return nil, err
	}
	extracted, err := r.extract(ctx, job)
	if err != nil {
		return nil, err
	}

	if req.TaskKind() == domain.TaskExtractFrames {
		return &domain.AnalysisResult{
			Tags:     []string{},
			Segments: []domain.Segment{},
			Frames:   extracted.Frames,
			Metadata: domain.ResultMetadata{
				FrameCount:      len(extracted.Frames),
				DurationSeconds: job.Media.DurationSeconds,
				Resolution:      job.Media.Resolution,
				ExtractionLevel: req.Level,
				ManifestURL:     extracted.ManifestURL,
			},
		}, nil
	}

	msg := fmt.Sprintf("extracted %d frames, analyzing", len(extracted.Frames))
	if err := r.checkpoint(ctx, id, progressExtracted, msg); err != nil {
		return nil, err
	}
	return r.analyze(ctx, id, req, job.Media, extracted.Frames, extracted.ManifestURL)
}

// analyze runs the model stage over frames and records the final checkpoint.
func (r *Runner) analyze(ctx context.Context, id string, req domain.Request, media domain.MediaInfo, frames []domain.Frame, manifestURL string) (*domain.AnalysisResult, error) {
	in := analysis.Input{
		TaskID:       id,
		Frames:       frames,
		Media:        media,
		MediaType:    req.MediaType,
		Level:        req.Level,
		CustomPrompt: req.CustomPrompt,
	}
	var (
		result *domain.AnalysisResult
		err    error
	)
	if req.MediaType == domain.MediaImage {
		result, err = r.analyzer.AnalyzeImage(ctx, in)
	} else {
		result, err = r.analyzer.Analyze(ctx, in)
	}
	if err != nil {
		return nil, err
	}
	result.Metadata.ManifestURL = manifestURL

	if err := r.checkpoint(ctx, id, progressAnalyzed, "analysis complete"); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Runner) checkpoint(ctx context.Context, id string, progress int, message string) error {
	_, err := r.update(ctx, id, func(t *domain.Task) error {
		t.Advance(domain.StatusProcessing, progress, message)
		return nil
	})
	return err
}

// extract holds one extraction slot for the duration of the extraction only.
func (r *Runner) extract(ctx context.Context, job extraction.Job) (*extraction.Result, error) {
	release, err := r.gate.Acquire(ctx, gate.StageExtraction)
	if err != nil {
		return nil, err
	}
	defer release()

	if job.Request.MediaType == domain.MediaImage {
		return r.extractor.Image(ctx, job)
	}
	return r.extractor.Extract(ctx, job)
}

// update writes through the store. A missing task or a task that is already
// terminal stops the run.
func (r *Runner) update(ctx context.Context, id string, fn func(*domain.Task) error) (*domain.Task, error) {
	task, err := r.store.Update(ctx, id, fn)
	if err == nil {
		return task, nil
	}
	var notFound *domain.TaskNotFoundError
	var transition *domain.InvalidTransitionError
	if errors.As(err, &notFound) || (errors.As(err, &transition) && transition.From.IsTerminal()) {
		return nil, &errStopped{cause: err}
	}
	return nil, &domain.InternalError{Reason: "task store update failed", Err: err}
}

// announce publishes the terminal event and audit record. Both are best
// effort.
func (r *Runner) announce(ctx context.Context, task *domain.Task, log *slog.Logger) {
	if r.events != nil {
		if err := r.events.TaskFinished(ctx, task); err != nil {
			log.Warn("failed to publish task event", slog.String("error", err.Error()))
		}
	}
	if r.audit != nil {
		if err := r.audit.Record(ctx, task); err != nil {
			log.Warn("failed to record task audit", slog.String("error", err.Error()))
		}
	}
}
