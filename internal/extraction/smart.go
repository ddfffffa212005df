package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/pkg/retry"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

func (o *Orchestrator) smart(ctx context.Context, job Job, s SmartJob, log *slog.Logger) ([]domain.Frame, error) {
	fail := func(reason string, err error, permanent bool) error {
		return &domain.ExtractionFailedError{
			MediaRef: job.Request.MediaRef,
			Strategy: s.Name(),
			Reason:   reason,
			Err:      err,
			NoRetry:  permanent,
		}
	}

	jobID, err := o.jobs.Submit(ctx, job.Media, o.cfg.TemplateID, s.Count)
	if err != nil {
		return nil, fail("submit snapshot job", err, false)
	}
	log = log.With(slog.String("job_id", jobID), slog.Int("target", s.Count))
	log.Info("snapshot job submitted")

	if err := o.awaitJob(ctx, jobID, log); err != nil {
		var ef *domain.ExtractionFailedError
		if errors.As(err, &ef) {
			ef.MediaRef = job.Request.MediaRef
			ef.Strategy = s.Name()
			return nil, ef
		}
		return nil, fail("poll snapshot job", err, false)
	}

	urls, err := o.collect(ctx, jobID, s.Count, log)
	if err != nil {
		return nil, fail("list snapshot results", err, false)
	}
	if len(urls) == 0 {
		return nil, fail(fmt.Sprintf("job %s produced no frames", jobID), nil, true)
	}
	if len(urls) < s.Count {
		log.Warn("snapshot job returned fewer frames than requested", slog.Int("frames", len(urls)))
	}

	n := len(urls)
	frames := make([]domain.Frame, n)
	for i, u := range urls {
		frames[i] = domain.Frame{
			Index:     i,
			Timestamp: float64(i) * job.Media.DurationSeconds / float64(n),
			URL:       u,
		}
	}
	return frames, nil
}

// awaitJob polls until the job settles or the poll budget runs out. Only
// a poll call error is left for the caller to classify; terminal job states
// and budget exhaustion are permanent.
func (o *Orchestrator) awaitJob(ctx context.Context, jobID string, log *slog.Logger) error {
	schedule := o.cfg.PollSchedule
	for attempt := 1; attempt <= o.cfg.PollMaxAttempts; attempt++ {
		status, err := o.jobs.Poll(ctx, jobID)
		if err != nil {
			return err
		}
		log.Debug("snapshot job polled", slog.Int("attempt", attempt), slog.String("status", string(status)))

		switch status {
		case JobSuccess:
			telemetry.ExtractionPollAttempts.Observe(float64(attempt))
			return nil
		case JobFailure:
			return &domain.ExtractionFailedError{Reason: fmt.Sprintf("snapshot job %s failed", jobID), NoRetry: true}
		}

		if attempt == o.cfg.PollMaxAttempts {
			break
		}
		wait := schedule[min(attempt, len(schedule))-1]
		if err := o.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return &domain.ExtractionFailedError{
		Reason:  fmt.Sprintf("snapshot job %s still running after %d polls", jobID, o.cfg.PollMaxAttempts),
		NoRetry: true,
	}
}

// collect pages through job results, repeating the whole pass after each
// wait in CollectWaits until target URLs are available or the plan ends.
func (o *Orchestrator) collect(ctx context.Context, jobID string, target int, log *slog.Logger) ([]string, error) {
	pageSize := min(o.cfg.PageSize, target)
	maxPages := max(1, min(o.cfg.MaxPages, (target+pageSize-1)/pageSize+1))

	var collected []string
	for round, wait := range o.cfg.CollectWaits {
		if wait > 0 {
			if err := o.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		var pass []string
		for page := 1; page <= maxPages; page++ {
			urls, err := o.listPage(ctx, jobID, page, pageSize)
			if err != nil {
				return nil, err
			}
			pass = append(pass, urls...)
			if len(urls) < pageSize {
				break
			}
		}
		collected = pass
		log.Debug("snapshot results collected", slog.Int("round", round+1), slog.Int("frames", len(collected)))
		if len(collected) >= target {
			break
		}
	}

	if len(collected) > target {
		collected = collected[:target]
	}
	return collected, nil
}

func (o *Orchestrator) listPage(ctx context.Context, jobID string, page, pageSize int) ([]string, error) {
	var urls []string
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: o.cfg.PageAttempts,
		Delays:      o.cfg.PageRetryDelays,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnRetry: func(attempt int, err error) {
			o.logger.Warn("snapshot result page failed, retrying",
				slog.String("job_id", jobID),
				slog.Int("page", page),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var err error
		urls, err = o.jobs.ListResults(ctx, jobID, page, pageSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("page %d of job %s: %w", page, jobID, err)
	}
	return urls, nil
}
