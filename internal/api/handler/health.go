package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/docworker/internal/api/response"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerStatus reports on the in-process worker pool.
type WorkerStatus interface {
	Running() bool
	Workers() []string
}

// NewHealthHandler returns the handler for GET /api/v1/health. Database and
// cache failures make the service degraded; a stopped worker pool is only
// reported, since API-only processes run without one.
func NewHealthHandler(db, cache Pinger, workers WorkerStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, response.CodeUnavailable,
				"One or more services degraded", checks)
			return
		}

		body := map[string]any{
			"status":   "ok",
			"services": checks,
		}
		if workers != nil {
			body["workers"] = map[string]any{
				"running": workers.Running(),
				"ids":     workers.Workers(),
			}
		}
		response.JSON(w, body)
	}
}
