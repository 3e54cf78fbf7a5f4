package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
	"github.com/ramiqadoumi/go-task-cqrs/services/query"
)

// Queries is the read-side surface the REST handler drives.
type Queries interface {
	ListTasks(ctx context.Context) (query.Result, error)
	GetTask(ctx context.Context, id string) (query.Result, error)
	SearchTasks(ctx context.Context, term string) (query.Result, error)
	ClearCache(ctx context.Context) (int64, error)
	Stats() query.Stats
}

// REST handles HTTP requests for the query service.
type REST struct {
	queries Queries
	service string
	logger  *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(queries Queries, service string, logger *slog.Logger) *REST {
	return &REST{queries: queries, service: service, logger: logger}
}

// CacheStatsResponse is the GET /tasks/cache/stats response body.
type CacheStatsResponse struct {
	query.Stats
	Message   string            `json:"message"`
	Endpoints map[string]string `json:"endpoints"`
}

// Routes mounts the task routes on r under both /tasks and /api/tasks.
func (h *REST) Routes(r chi.Router) {
	tasks := func(r chi.Router) {
		r.Get("/", h.ListTasks)
		r.Get("/search/{term}", h.SearchTasks)
		r.Get("/cache/stats", h.CacheStats)
		r.Delete("/cache", h.ClearCache)
		r.Get("/{id}", h.GetTask)
	}
	r.Route("/tasks", tasks)
	r.Route("/api/tasks", tasks)
	r.Get("/health", h.Health)
}

// ListTasks handles GET /tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.ListTasks(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to fetch tasks")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTask handles GET /tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to fetch task")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SearchTasks handles GET /tasks/search/{term}.
func (h *REST) SearchTasks(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.SearchTasks(r.Context(), chi.URLParam(r, "term"))
	if err != nil {
		h.fail(w, err, "Failed to search tasks")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CacheStats handles GET /tasks/cache/stats.
func (h *REST) CacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CacheStatsResponse{
		Stats:   h.queries.Stats(),
		Message: "Cache statistics available at /metrics endpoint",
		Endpoints: map[string]string{
			"metrics": "/metrics",
			"health":  "/health",
		},
	})
}

// ClearCache handles DELETE /tasks/cache.
func (h *REST) ClearCache(w http.ResponseWriter, r *http.Request) {
	if _, err := h.queries.ClearCache(r.Context()); err != nil {
		h.fail(w, err, "Failed to clear cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Cache cleared successfully"})
}

// Health handles GET /health.
func (h *REST) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

func (h *REST) fail(w http.ResponseWriter, err error, generic string) {
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	h.logger.Error(generic, slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, generic)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
