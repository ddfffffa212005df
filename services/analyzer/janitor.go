package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/store"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

// JanitorConfig controls periodic task cleanup.
type JanitorConfig struct {
	// Schedule is a cron spec; descriptors such as "@every 30m" work.
	Schedule          string
	Retention         time.Duration
	PendingTimeout    time.Duration
	ProcessingTimeout time.Duration
	MaxTasks          int
}

// DefaultJanitorConfig returns the production cleanup policy.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule:          "@every 30m",
		Retention:         48 * time.Hour,
		PendingTimeout:    time.Hour,
		ProcessingTimeout: 2 * time.Hour,
		MaxTasks:          1000,
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Expired  int `json:"expired"`
	TimedOut int `json:"timed_out"`
	Evicted  int `json:"evicted"`
	Kept     int `json:"kept"`
}

// Janitor deletes old terminal tasks and fails tasks that stopped making
// progress.
type Janitor struct {
	store  store.TaskStore
	cfg    JanitorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor builds a Janitor. Zero fields of cfg take their defaults.
func NewJanitor(st store.TaskStore, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	def := DefaultJanitorConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = def.ProcessingTimeout
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = def.MaxTasks
	}
	return &Janitor{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs Sweep on the configured schedule until ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("task sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.logger.Info("janitor started", slog.String("schedule", j.cfg.Schedule))

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Sweep makes one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (SweepReport, error) {
	tasks, err := j.store.List(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list tasks: %w", err)
	}
	now := j.now()

	var report SweepReport
	var terminal []*domain.Task
	for _, t := range tasks {
		switch {
		case t.Status.IsTerminal():
			if now.Sub(finishedAt(t)) > j.cfg.Retention {
				if j.remove(ctx, t.ID, "expired") {
					report.Expired++
				}
				continue
			}
			terminal = append(terminal, t)

		case t.Status == domain.StatusPending && now.Sub(t.CreatedAt) > j.cfg.PendingTimeout:
			if j.timeOut(ctx, t.ID, "task was not started in time", now) {
				report.TimedOut++
			}

		case (t.Status == domain.StatusProcessing || t.Status == domain.StatusRetry) &&
			now.Sub(t.UpdatedAt) > j.cfg.ProcessingTimeout:
			if j.timeOut(ctx, t.ID, "task stopped making progress", now) {
				report.TimedOut++
			}
		}
	}

	remaining := len(tasks) - report.Expired
	if excess := remaining - j.cfg.MaxTasks; excess > 0 {
		sort.SliceStable(terminal, func(a, b int) bool {
			return finishedAt(terminal[a]).Before(finishedAt(terminal[b]))
		})
		for _, t := range terminal[:min(excess, len(terminal))] {
			if j.remove(ctx, t.ID, "evicted") {
				report.Evicted++
			}
		}
	}
	report.Kept = remaining - report.Evicted

	if report.Expired+report.TimedOut+report.Evicted > 0 {
		j.logger.Info("task sweep finished",
			slog.Int("expired", report.Expired),
			slog.Int("timed_out", report.TimedOut),
			slog.Int("evicted", report.Evicted),
			slog.Int("kept", report.Kept),
		)
	}
	return report, nil
}

func (j *Janitor) remove(ctx context.Context, id, action string) bool {
	ok, err := j.store.Delete(ctx, id)
	if err != nil {
		j.logger.Warn("janitor delete failed", slog.String("task_id", id), slog.String("error", err.Error()))
		return false
	}
	if ok {
		telemetry.JanitorTasksSwept.WithLabelValues(action).Inc()
	}
	return ok
}

// timeOut fails a stuck task. A task that moved on since it was listed is
// left alone.
func (j *Janitor) timeOut(ctx context.Context, id, reason string, now time.Time) bool {
	_, err := j.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s already %s", id, t.Status)
		}
		t.Fail(&domain.InternalError{Reason: reason}, now)
		return nil
	})
	if err != nil {
		j.logger.Debug("janitor skipped task", slog.String("task_id", id), slog.String("error", err.Error()))
		return false
	}
	telemetry.JanitorTasksSwept.WithLabelValues("timed_out").Inc()
	j.logger.Warn("task timed out", slog.String("task_id", id), slog.String("reason", reason))
	return true
}

func finishedAt(t *domain.Task) time.Time {
	if t.CompletedAt != nil {
		return *t.CompletedAt
	}
	return t.UpdatedAt
}
