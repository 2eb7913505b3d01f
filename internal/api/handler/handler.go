// Package handler provides HTTP handlers for all API endpoints. Handlers
// parse the request, call one component and shape the JSON; no business
// rules live here.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/albapepper/matchwatch/internal/api/respond"
	"github.com/albapepper/matchwatch/internal/audit"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/webhook"
)

// AuditReader serves audit queries.
type AuditReader interface {
	Query(ctx context.Context, f model.AuditFilter) (audit.Page, error)
	Stats(ctx context.Context, since time.Time) (map[model.AuditEventType]int64, error)
}

// QueueAdmin serves operator actions on the dispatch queue.
type QueueAdmin interface {
	DeadLetters(ctx context.Context, limit int) ([]model.QueueItem, error)
	Requeue(ctx context.Context, id string) (model.QueueItem, error)
}

// SuppressionAdmin serves operator actions on the suppression list.
type SuppressionAdmin interface {
	Get(ctx context.Context, address string) (model.SuppressionEntry, error)
	Remove(ctx context.Context, address string) error
}

// EventHandler applies a parsed webhook event.
type EventHandler interface {
	Handle(ctx context.Context, ev webhook.Event) error
}

// Deps are the components behind the handlers. Verifier may be nil, which
// accepts unsigned webhooks (development only). HealthCheck may be nil when
// there is no database.
type Deps struct {
	Audit       AuditReader
	Queue       QueueAdmin
	Suppression SuppressionAdmin
	Webhooks    EventHandler
	Verifier    *webhook.Verifier
	HealthCheck func(ctx context.Context) error
	StoreDriver string
	Logger      *slog.Logger
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Handler with shared dependencies.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{deps: deps, logger: deps.Logger}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "Matchwatch",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
		"store":   h.deps.StoreDriver,
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity. Always healthy with the memory store.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if h.deps.HealthCheck != nil {
		if err := h.deps.HealthCheck(r.Context()); err != nil {
			h.logger.Warn("Database health check failed", "error", err)
			respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "unhealthy",
				"database":  "disconnected",
				"error":     "Database connection check failed",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"store":     h.deps.StoreDriver,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
