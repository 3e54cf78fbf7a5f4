package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ramiqadoumi/go-task-cqrs/internal/domain"
)

// Commands is the write-side surface the REST handler drives.
type Commands interface {
	CreateTask(ctx context.Context, name string, description *string) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) (*domain.Task, error)
	GetEventHistory(ctx context.Context, id string) ([]domain.Event, error)
}

// REST handles HTTP requests for the command service.
type REST struct {
	commands Commands
	service  string
	logger   *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(commands Commands, service string, logger *slog.Logger) *REST {
	return &REST{commands: commands, service: service, logger: logger}
}

// CreateTaskRequest is the JSON body for POST /tasks.
type CreateTaskRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// UpdateTaskRequest is the JSON body for PUT /tasks/{id}.
type UpdateTaskRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// DeleteTaskResponse is the DELETE /tasks/{id} response body.
type DeleteTaskResponse struct {
	Message string       `json:"message"`
	Task    *domain.Task `json:"task"`
}

// Routes mounts the task routes on r under both /tasks and /api/tasks.
func (h *REST) Routes(r chi.Router) {
	tasks := func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Put("/{id}", h.UpdateTask)
		r.Delete("/{id}", h.DeleteTask)
		r.Get("/{id}/events", h.GetEventHistory)
	}
	r.Route("/tasks", tasks)
	r.Route("/api/tasks", tasks)
	r.Get("/health", h.Health)
}

// CreateTask handles POST /tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	task, err := h.commands.CreateTask(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, err, "Failed to create task")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// UpdateTask handles PUT /tasks/{id}.
func (h *REST) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	patch := domain.NewTaskPatch(req.Name, req.Description, req.Status)
	task, err := h.commands.UpdateTask(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.fail(w, err, "Failed to update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /tasks/{id}.
func (h *REST) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.commands.DeleteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to delete task")
		return
	}
	writeJSON(w, http.StatusOK, DeleteTaskResponse{Message: "Task deleted successfully", Task: task})
}

// GetEventHistory handles GET /tasks/{id}/events.
func (h *REST) GetEventHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.commands.GetEventHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "Failed to fetch events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Health handles GET /health.
func (h *REST) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

// fail maps a command error to its HTTP status. Unexpected errors are
// logged and reported with the generic message.
func (h *REST) fail(w http.ResponseWriter, err error, generic string) {
	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		conflict   *domain.VersionConflictError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason)
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "Task was modified concurrently, retry the request")
	default:
		h.logger.Error(generic, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, generic)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
