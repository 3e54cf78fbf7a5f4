package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatsSource reports processed notification counts.
type StatsSource interface {
	Stats() map[string]int64
}

// REST handles HTTP requests for the notification service.
type REST struct {
	stats   StatsSource
	service string
}

// NewREST creates a new REST handler.
func NewREST(stats StatsSource, service string) *REST {
	return &REST{stats: stats, service: service}
}

// StatsResponse is the GET /api/notifications/stats response body.
type StatsResponse struct {
	Message   string           `json:"message"`
	Processed map[string]int64 `json:"processed"`
}

// Routes mounts the notification routes on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/api/notifications/stats", h.Stats)
	r.Get("/health", h.Health)
}

// Stats handles GET /api/notifications/stats.
func (h *REST) Stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Message:   "Notification statistics available at /metrics endpoint",
		Processed: h.stats.Stats(),
	})
}

// Health handles GET /health.
func (h *REST) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": h.service})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
