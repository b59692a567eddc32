// Package api provides the HTTP handlers of the orchestration engine.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quantflow/orchestrator/config"
	"github.com/quantflow/orchestrator/internal/limiter"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/registry"
	"github.com/quantflow/orchestrator/internal/worker"
	applog "github.com/quantflow/orchestrator/log"
	"github.com/quantflow/orchestrator/policy"
)

// WorkFactory builds the work unit executed for one admitted run. Tests
// inject stubs; production wires the built-in analysis unit.
type WorkFactory func(runID, ticker string) worker.WorkUnit

// Handler handles HTTP requests.
type Handler struct {
	cfg        *config.Config
	logger     applog.Logger
	registry   *registry.Registry
	logs       *logstream.Stream
	limiter    *limiter.Limiter
	policy     *policy.Engine
	supervisor *worker.Supervisor
	newWork    WorkFactory
}

// NewHandler creates a new handler.
func NewHandler(cfg *config.Config, logger applog.Logger, reg *registry.Registry, logs *logstream.Stream, lim *limiter.Limiter, pol *policy.Engine, sup *worker.Supervisor, newWork WorkFactory) *Handler {
	return &Handler{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		logs:       logs,
		limiter:    lim,
		policy:     pol,
		supervisor: sup,
		newWork:    newWork,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/runs", h.CreateRuns)
	e.GET("/runs", h.ListRuns)
	e.GET("/runs/:run_id/status", h.GetRunStatus)
	e.GET("/runs/:run_id/tree", h.GetRunTree)
	e.GET("/runs/:run_id/decision", h.GetRunDecision)
	e.GET("/runs/:run_id/logs", h.GetRunLogs)
	e.GET("/runs/:run_id/logs/download", h.DownloadRunLogs)
	e.POST("/runs/:run_id/cancel", h.CancelRun)

	e.GET("/limiter", h.GetLimiter)
	e.GET("/healthz", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"active_runs": h.registry.ActiveCount(),
	})
}

// GetLimiter reports configured capacities and in-use counts.
func (h *Handler) GetLimiter(c echo.Context) error {
	return c.JSON(http.StatusOK, h.limiter.Snapshot())
}
