package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/results"
	"github.com/quantflow/orchestrator/policy"
)

// tickerPattern accepts exchange symbols including dotted share classes.
var tickerPattern = regexp.MustCompile(`^[A-Za-z0-9.]{1,15}$`)

// CreateRunsRequest is the run submission body.
type CreateRunsRequest struct {
	Tickers string `json:"tickers" form:"tickers" query:"tickers"`
}

// CreateRuns admits a batch of runs, one per ticker.
// POST /runs
func (h *Handler) CreateRuns(c echo.Context) error {
	var req CreateRunsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	tickers := splitTickers(req.Tickers)
	if len(tickers) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tickers is required"})
	}
	if len(tickers) > h.cfg.MaxBatchTickers {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":       "too many tickers in one batch",
			"max_tickers": h.cfg.MaxBatchTickers,
		})
	}

	var invalid []string
	for _, t := range tickers {
		if !tickerPattern.MatchString(t) {
			invalid = append(invalid, t)
			continue
		}
		if h.policy != nil && !h.policy.Allow(c.Request().Context(), policy.Input{
			Ticker:     t,
			ActiveRuns: h.registry.ActiveCount(),
			BatchSize:  len(tickers),
		}) {
			invalid = append(invalid, t)
		}
	}
	if len(invalid) > 0 {
		verr := &domain.ValidationError{Invalid: invalid}
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error":   verr.Error(),
			"invalid": invalid,
		})
	}

	// Admission is all or nothing: the batch is reserved under one registry
	// lock so a concurrent batch can never make it partially land.
	runIDs, err := h.registry.CreateBatch(tickers)
	if err != nil {
		resp := map[string]interface{}{"error": err.Error()}
		var adm *domain.AdmissionError
		if errors.As(err, &adm) {
			resp["max_parallel"] = adm.Max
			resp["active"] = adm.Active
		}
		return c.JSON(http.StatusTooManyRequests, resp)
	}

	created := make([]domain.RunSummary, 0, len(tickers))
	for i, runID := range runIDs {
		ticker := tickers[i]
		if path, derr := results.CreateRunDirs(h.cfg.ResultsDir, ticker, time.Now(), runID); derr != nil {
			h.logger.Warn("results dir creation failed", "run_id", runID, "error", derr)
		} else {
			h.registry.UpdateRun(runID, domain.RunUpdate{ResultsPath: &path})
		}

		h.supervisor.Start(context.Background(), runID, ticker, h.newWork(runID, ticker))
		h.logger.Info("run admitted", "run_id", runID, "ticker", ticker)

		if run, ok := h.registry.Get(runID); ok {
			created = append(created, run.Summary())
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(created),
		"runs":  created,
	})
}

// ListRuns lists run summaries, optionally filtered by status.
// GET /runs
func (h *Handler) ListRuns(c echo.Context) error {
	summaries := h.registry.List()
	if statusFilter := c.QueryParam("status"); statusFilter != "" {
		want := domain.Status(strings.ToLower(statusFilter))
		filtered := summaries[:0]
		for _, s := range summaries {
			if s.Status == want {
				filtered = append(filtered, s)
			}
		}
		summaries = filtered
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(summaries),
		"runs":  summaries,
	})
}

// GetRunStatus returns the polling view of one run.
// GET /runs/:run_id/status
func (h *Handler) GetRunStatus(c echo.Context) error {
	run, ok := h.registry.Get(c.Param("run_id"))
	if !ok {
		return runNotFound(c)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":           run.RunID,
		"ticker":           run.Ticker,
		"status":           run.Status,
		"status_icon":      run.Status.Icon(),
		"overall_progress": run.OverallProgress,
		"error":            run.Error,
		"updated_at":       run.UpdatedAt,
	})
}

// GetRunTree returns the full execution tree.
// GET /runs/:run_id/tree
func (h *Handler) GetRunTree(c echo.Context) error {
	run, ok := h.registry.Get(c.Param("run_id"))
	if !ok {
		return runNotFound(c)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":         run.RunID,
		"status":         run.Status,
		"execution_tree": run.ExecutionTree,
	})
}

// GetRunDecision returns the final decision. 404 until the run has one; a
// completed run answers even when the decision text is empty.
// GET /runs/:run_id/decision
func (h *Handler) GetRunDecision(c echo.Context) error {
	run, ok := h.registry.Get(c.Param("run_id"))
	if !ok {
		return runNotFound(c)
	}
	if run.FinalDecision == "" && run.Status != domain.StatusCompleted {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error":  "decision not available",
			"run_id": run.RunID,
			"status": run.Status,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":         run.RunID,
		"status":         run.Status,
		"final_decision": run.FinalDecision,
	})
}

// CancelRun requests cooperative cancellation. The status flips immediately;
// the worker reconciles at its next checkpoint.
// POST /runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")
	if _, ok := h.registry.Get(runID); !ok {
		return runNotFound(c)
	}
	canceled := h.registry.Cancel(runID)
	if canceled {
		h.logs.Append(runID, "cancellation requested", domain.SeverityWarn, "api", "")
		h.logger.Info("run cancel requested", "run_id", runID)
	}
	run, _ := h.registry.Get(runID)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":   runID,
		"status":   run.Status,
		"canceled": canceled,
	})
}

func runNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
}

func splitTickers(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		t := strings.ToUpper(strings.TrimSpace(part))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
