// Package extraction turns a media reference into an ordered set of frame URLs.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

// Registry resolves media references. Implementations return
// *domain.MediaNotFoundError when a reference does not exist.
type Registry interface {
	Resolve(ctx context.Context, ref string) (domain.MediaInfo, error)
}

// Transformer renders frames on demand from the stored asset.
type Transformer interface {
	// Snapshots returns one signed URL per interval step in [0, duration).
	Snapshots(ctx context.Context, media domain.MediaInfo, interval time.Duration) ([]string, error)
	ImageURL(ctx context.Context, media domain.MediaInfo) (string, error)
}

// JobStatus is the coarse state of an asynchronous snapshot job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailure JobStatus = "failure"
)

// SnapshotJobs is the asynchronous content-aware frame selection service.
type SnapshotJobs interface {
	Submit(ctx context.Context, media domain.MediaInfo, templateID string, count int) (string, error)
	Poll(ctx context.Context, jobID string) (JobStatus, error)
	// ListResults returns one page of result URLs. page starts at 1.
	ListResults(ctx context.Context, jobID string, page, pageSize int) ([]string, error)
}

// ManifestSink persists the frame manifest and returns where it was stored.
type ManifestSink interface {
	Save(ctx context.Context, m Manifest) (string, error)
}

// Manifest describes one extraction.
type Manifest struct {
	TaskID    string           `json:"task_id"`
	MediaRef  string           `json:"media_ref"`
	BrandName string           `json:"brand_name,omitempty"`
	OwnerID   string           `json:"owner_id,omitempty"`
	Level     domain.Level     `json:"extraction_level,omitempty"`
	Strategy  string           `json:"strategy"`
	Media     domain.MediaInfo `json:"media"`
	Frames    []domain.Frame   `json:"frames"`
	CreatedAt time.Time        `json:"created_at"`
}

// Job is the input of one extraction.
type Job struct {
	TaskID  string
	Request domain.Request
	Media   domain.MediaInfo
}

// Result is the output of one extraction.
type Result struct {
	Strategy    Strategy
	Frames      []domain.Frame
	ManifestURL string
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Orchestrator picks and runs an extraction strategy.
type Orchestrator struct {
	registry    Registry
	transformer Transformer
	jobs        SnapshotJobs
	sink        ManifestSink
	cfg         Config
	logger      *slog.Logger
	sleep       Sleeper
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithManifestSink enables manifest persistence.
func WithManifestSink(s ManifestSink) Option { return func(o *Orchestrator) { o.sink = s } }

// WithSleeper replaces the wait used by the poll and collect loops.
func WithSleeper(s Sleeper) Option { return func(o *Orchestrator) { o.sleep = s } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New creates an Orchestrator. Zero fields of cfg take their defaults.
func New(registry Registry, transformer Transformer, jobs SnapshotJobs, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		transformer: transformer,
		jobs:        jobs,
		cfg:         cfg.withDefaults(),
		logger:      slog.Default(),
		sleep:       sleepCtx,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve looks up a media reference.
func (o *Orchestrator) Resolve(ctx context.Context, ref string) (domain.MediaInfo, error) {
	info, err := o.registry.Resolve(ctx, ref)
	if err == nil {
		return info, nil
	}
	var nf *domain.MediaNotFoundError
	if errors.As(err, &nf) || domain.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.MediaInfo{}, err
	}
	return domain.MediaInfo{}, &domain.MediaNotFoundError{MediaRef: ref, Err: err}
}

// Extract runs the strategy selected by the request's level exactly once.
// A failed content-aware job is never retried with the fixed-interval path.
func (o *Orchestrator) Extract(ctx context.Context, job Job) (*Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "extraction.Extract")
	defer span.End()

	strategy := o.cfg.StrategyFor(job.Request.Level, job.Request.SmartFrameCount)
	log := o.logger.With(
		slog.String("task_id", job.TaskID),
		slog.String("media_ref", job.Request.MediaRef),
		slog.String("strategy", strategy.Name()),
	)

	var (
		frames []domain.Frame
		err    error
	)
	switch s := strategy.(type) {
	case DirectTransform:
		frames, err = o.direct(ctx, job, s)
	case SmartJob:
		frames, err = o.smart(ctx, job, s, log)
	default:
		err = &domain.InternalError{Reason: fmt.Sprintf("unknown extraction strategy %T", strategy)}
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	telemetry.ExtractionFrames.WithLabelValues(strategy.Name()).Observe(float64(len(frames)))
	log.Info("frames extracted", slog.Int("frames", len(frames)))

	res := &Result{Strategy: strategy, Frames: frames}
	res.ManifestURL = o.saveManifest(ctx, job, strategy.Name(), frames, log)
	return res, nil
}

// Image produces the single frame of an image task.
func (o *Orchestrator) Image(ctx context.Context, job Job) (*Result, error) {
	url := job.Request.MediaURL
	if url == "" {
		var err error
		url, err = o.transformer.ImageURL(ctx, job.Media)
		if err != nil {
			return nil, &domain.ExtractionFailedError{
				MediaRef: job.Request.MediaRef,
				Strategy: "image",
				Reason:   "could not sign image URL",
				Err:      err,
			}
		}
	}
	frames := []domain.Frame{{Index: 0, Timestamp: 0, URL: url}}
	log := o.logger.With(slog.String("task_id", job.TaskID), slog.String("strategy", "image"))
	res := &Result{Frames: frames}
	res.ManifestURL = o.saveManifest(ctx, job, "image", frames, log)
	return res, nil
}

func (o *Orchestrator) direct(ctx context.Context, job Job, s DirectTransform) ([]domain.Frame, error) {
	fail := func(reason string, err error, permanent bool) error {
		return &domain.ExtractionFailedError{
			MediaRef: job.Request.MediaRef,
			Strategy: s.Name(),
			Reason:   reason,
			Err:      err,
			NoRetry:  permanent,
		}
	}
	if job.Media.DurationSeconds <= 0 {
		return nil, fail("media duration is unknown", nil, true)
	}
	urls, err := o.transformer.Snapshots(ctx, job.Media, s.Interval)
	if err != nil {
		return nil, fail("snapshot transform failed", err, false)
	}
	if len(urls) == 0 {
		return nil, fail("transform produced no frames", nil, true)
	}
	frames := make([]domain.Frame, len(urls))
	for i, u := range urls {
		frames[i] = domain.Frame{Index: i, Timestamp: float64(i) * s.Interval.Seconds(), URL: u}
	}
	return frames, nil
}

func (o *Orchestrator) saveManifest(ctx context.Context, job Job, strategy string, frames []domain.Frame, log *slog.Logger) string {
	if o.sink == nil {
		return ""
	}
	m := Manifest{
		TaskID:    job.TaskID,
		MediaRef:  job.Request.MediaRef,
		BrandName: job.Request.BrandName,
		OwnerID:   job.Request.OwnerID,
		Level:     job.Request.Level,
		Strategy:  strategy,
		Media:     job.Media,
		Frames:    frames,
		CreatedAt: o.now().UTC(),
	}
	loc, err := o.sink.Save(ctx, m)
	if err != nil {
		log.Warn("manifest not saved", slog.String("error", err.Error()))
		return ""
	}
	return loc
}
