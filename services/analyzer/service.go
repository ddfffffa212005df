package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/gate"
	"github.com/kaiwen1281/MOSSAI/internal/postgres"
	"github.com/kaiwen1281/MOSSAI/internal/store"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

// MaxBatchSize is the most ids one batch status call may ask for.
const MaxBatchSize = 50

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	anonymousKey        = "_anonymous"
)

var (
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrHistoryDisabled is returned by History when no audit store is wired.
	ErrHistoryDisabled = errors.New("task history is not enabled")
)

// RateLimiter throttles submissions per brand.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// AuditHistory reads recorded terminal tasks.
type AuditHistory interface {
	GetByID(ctx context.Context, id string) (*postgres.AuditRecord, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*postgres.AuditRecord, error)
}

// Submission acknowledges an accepted request.
type Submission struct {
	TaskID    string        `json:"task_id"`
	Status    domain.Status `json:"status"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

// BatchStatus answers a batch lookup. Total is the number of ids asked for.
type BatchStatus struct {
	Found    map[string]*domain.Task `json:"tasks"`
	NotFound []string                `json:"not_found"`
	Total    int                     `json:"total"`
}

// ConcurrencyView is a snapshot of gate usage and task counts.
type ConcurrencyView struct {
	Extraction gate.StageStats       `json:"extraction"`
	Analysis   gate.StageStats       `json:"analysis"`
	Tasks      map[domain.Status]int `json:"tasks"`
}

// Service is the exposed surface of the analyzer: it validates and records
// submissions and starts one Runner goroutine per task.
type Service struct {
	store   store.TaskStore
	runner  *Runner
	gate    StageGate
	limiter RateLimiter
	history AuditHistory
	logger  *slog.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimiter throttles submissions per brand name.
func WithRateLimiter(l RateLimiter) Option { return func(s *Service) { s.limiter = l } }

// WithHistory enables History.
func WithHistory(h AuditHistory) Option { return func(s *Service) { s.history = h } }

func WithServiceLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService wires a Service.
func NewService(st store.TaskStore, runner *Runner, g StageGate, opts ...Option) *Service {
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     st,
		runner:    runner,
		gate:      g,
		logger:    slog.Default(),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req, records a pending task and starts processing it in
// the background. Validation failures create no record.
func (s *Service) Submit(ctx context.Context, req domain.Request) (Submission, error) {
	return s.submit(ctx, req, "api")
}

func (s *Service) submit(ctx context.Context, req domain.Request, source string) (Submission, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		telemetry.APISubmissionsRejected.WithLabelValues("validation").Inc()
		return Submission{}, err
	}

	if s.limiter != nil {
		key := req.BrandName
		if key == "" {
			key = anonymousKey
		}
		allowed, err := s.limiter.Allow(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("rate limiter unavailable, allowing submission", slog.String("error", err.Error()))
		case !allowed:
			telemetry.APISubmissionsRejected.WithLabelValues("rate_limited").Inc()
			return Submission{}, &domain.RateLimitExceededError{Key: key, Limit: s.limiter.Limit()}
		}
	}

	if !s.track() {
		return Submission{}, ErrShuttingDown
	}
	task, err := s.store.Create(ctx, req)
	if err != nil {
		s.wg.Done()
		return Submission{}, fmt.Errorf("create task: %w", err)
	}

	// The runner outlives the request but keeps its trace.
	runCtx := trace.ContextWithSpan(s.runCtx, trace.SpanFromContext(ctx))
	go func() {
		defer s.wg.Done()
		s.runner.Run(runCtx, task.ID)
	}()

	telemetry.APITasksSubmitted.WithLabelValues(string(req.MediaType), source).Inc()
	s.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("media_type", string(req.MediaType)),
		slog.String("media_ref", req.MediaRef),
		slog.String("level", string(req.Level)),
		slog.String("source", source),
	)

	return Submission{
		TaskID:    task.ID,
		Status:    task.Status,
		Message:   task.Message,
		CreatedAt: task.CreatedAt,
	}, nil
}

// track registers one more background run unless shutdown has begun.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

// Get returns the current task record.
func (s *Service) Get(ctx context.Context, id string) (*domain.Task, error) {
	return s.store.Get(ctx, id)
}

// BatchGet looks up to MaxBatchSize ids at once. Each missing id is listed
// once in NotFound, in request order. No ids is an empty answer, not an error.
func (s *Service) BatchGet(ctx context.Context, ids []string) (BatchStatus, error) {
	if len(ids) == 0 {
		return BatchStatus{Found: map[string]*domain.Task{}, NotFound: []string{}}, nil
	}
	if len(ids) > MaxBatchSize {
		return BatchStatus{}, &domain.ValidationError{
			Field:  "task_ids",
			Reason: fmt.Sprintf("at most %d ids per request", MaxBatchSize),
		}
	}

	found, err := s.store.BatchGet(ctx, ids)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("batch get: %w", err)
	}

	notFound := make([]string, 0)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		notFound = append(notFound, id)
	}
	return BatchStatus{Found: found, NotFound: notFound, Total: len(ids)}, nil
}

// Delete removes a task. A running task stops at its next checkpoint.
func (s *Service) Delete(ctx context.Context, id string) error {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	s.logger.Info("task deleted", slog.String("task_id", id))
	return nil
}

// Concurrency reports gate usage and how many tasks are in each status.
func (s *Service) Concurrency(ctx context.Context) (ConcurrencyView, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return ConcurrencyView{}, fmt.Errorf("count tasks: %w", err)
	}
	stats := s.gate.Stats()
	return ConcurrencyView{
		Extraction: stats[gate.StageExtraction],
		Analysis:   stats[gate.StageAnalysis],
		Tasks:      counts,
	}, nil
}

// History lists audited terminal tasks, newest first. An empty status lists
// every terminal task.
func (s *Service) History(ctx context.Context, status domain.Status, limit int) ([]*postgres.AuditRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	if status != "" && !status.IsTerminal() {
		return nil, &domain.ValidationError{Field: "status", Reason: "must be completed or failed"}
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return s.history.ListByStatus(ctx, status, limit)
}

// HistoryRecord returns the audit record of one task. It outlives the live
// record, so it answers for tasks the janitor already removed.
func (s *Service) HistoryRecord(ctx context.Context, id string) (*postgres.AuditRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.GetByID(ctx, id)
}

// Shutdown stops accepting submissions and waits for running tasks. When ctx
// ends first, the remaining runs are cancelled and fail.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		s.cancelRun()
		<-done
		return ctx.Err()
	}
}
