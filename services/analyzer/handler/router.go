package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kaiwen1281/MOSSAI/services/analyzer/middleware"
)

// MaxBodyBytes caps request bodies; a custom prompt is at most 4000 runes.
const MaxBodyBytes = 1 << 20

// NewRouter mounts the REST routes.
func NewRouter(h *REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(MaxBodyBytes))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", h.SubmitTask)
		r.Post("/tasks/batch", h.BatchGetTasks)
		r.Post("/tasks/extract-frames", h.ExtractFrames)
		r.Post("/tasks/analyze-frames", h.AnalyzeFrames)
		r.Get("/tasks/{id}", h.GetTask)
		r.Delete("/tasks/{id}", h.DeleteTask)
		r.Get("/concurrency", h.Concurrency)
		r.Get("/history", h.History)
		r.Get("/history/{id}", h.HistoryRecord)
	})
	return r
}
