package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ramiqadoumi/go-task-cqrs/pkg/telemetry"
)

// Metrics records request count and latency labelled by the matched chi
// route pattern, so /tasks/{id} is one series rather than one per task.
func Metrics(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := strconv.Itoa(rw.status)
			telemetry.HTTPRequestsTotal.WithLabelValues(service, r.Method, route, status).Inc()
			telemetry.HTTPRequestDuration.WithLabelValues(service, r.Method, route, status).
				Observe(time.Since(start).Seconds())
		})
	}
}
