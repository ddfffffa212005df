package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/postgres"
	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
	"github.com/kaiwen1281/MOSSAI/services/analyzer"
)

// TaskService is the part of analyzer.Service the REST layer uses.
type TaskService interface {
	Submit(ctx context.Context, req domain.Request) (analyzer.Submission, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	BatchGet(ctx context.Context, ids []string) (analyzer.BatchStatus, error)
	Delete(ctx context.Context, id string) error
	Concurrency(ctx context.Context) (analyzer.ConcurrencyView, error)
	History(ctx context.Context, status domain.Status, limit int) ([]*postgres.AuditRecord, error)
	HistoryRecord(ctx context.Context, id string) (*postgres.AuditRecord, error)
}

// REST handles HTTP requests for the analyzer.
type REST struct {
	svc    TaskService
	ready  telemetry.ReadyFunc
	logger *slog.Logger
}

// NewREST creates a new REST handler. ready may be nil.
func NewREST(svc TaskService, ready telemetry.ReadyFunc, logger *slog.Logger) *REST {
	return &REST{svc: svc, ready: ready, logger: logger}
}

// BatchRequest is the JSON body for POST /api/v1/tasks/batch.
type BatchRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// SubmitTask handles POST /api/v1/tasks. The body's kind selects the stages.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, "")
}

// ExtractFrames handles POST /api/v1/tasks/extract-frames.
func (h *REST) ExtractFrames(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.TaskExtractFrames)
}

// AnalyzeFrames handles POST /api/v1/tasks/analyze-frames.
func (h *REST) AnalyzeFrames(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, domain.TaskAnalyzeFrames)
}

// submit decodes a request and hands it to the service. A non-empty kind
// overrides the body's.
func (h *REST) submit(w http.ResponseWriter, r *http.Request, kind domain.TaskKind) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "analyzer.submit_task")
	defer span.End()

	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if kind != "" {
		req.Kind = kind
	}
	span.SetAttributes(attribute.String("task.kind", string(req.TaskKind())))

	sub, err := h.svc.Submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		h.fail(w, "submit task", err)
		return
	}
	span.SetAttributes(attribute.String("task.id", sub.TaskID))

	writeJSON(w, http.StatusAccepted, sub)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// BatchGetTasks handles POST /api/v1/tasks/batch.
func (h *REST) BatchGetTasks(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	batch, err := h.svc.BatchGet(r.Context(), req.TaskIDs)
	if err != nil {
		h.fail(w, "batch get", err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}.
func (h *REST) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Concurrency handles GET /api/v1/concurrency.
func (h *REST) Concurrency(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Concurrency(r.Context())
	if err != nil {
		h.fail(w, "concurrency", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// History handles GET /api/v1/history?status=&limit=.
func (h *REST) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := h.svc.History(r.Context(), domain.Status(q.Get("status")), limit)
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	if records == nil {
		records = []*postgres.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// HistoryRecord handles GET /api/v1/history/{id}.
func (h *REST) HistoryRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.HistoryRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "history record", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and checks the wired collaborators.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps a service error onto a status code. Only unexpected errors are
// logged.
func (h *REST) fail(w http.ResponseWriter, op string, err error) {
	var (
		validation *domain.ValidationError
		limited    *domain.RateLimitExceededError
		notFound   *domain.TaskNotFoundError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, analyzer.ErrHistoryDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, analyzer.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
