package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/logstream"
)

// GetRunLogs returns the filtered log window of one run.
// GET /runs/:run_id/logs
func (h *Handler) GetRunLogs(c echo.Context) error {
	runID := c.Param("run_id")
	if _, ok := h.registry.Get(runID); !ok {
		return runNotFound(c)
	}

	q := logstream.Query{Limit: h.cfg.LogsMaxLimit}

	if raw := c.QueryParam("min_severity"); raw != "" {
		sev, ok := domain.ParseSeverity(raw)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown severity: " + raw})
		}
		q.MinSeverity = sev
	}
	if raw := c.QueryParam("severities"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			sev, ok := domain.ParseSeverity(part)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown severity: " + part})
			}
			q.Severities = append(q.Severities, sev)
		}
	}
	if raw := c.QueryParam("sources"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if s := strings.TrimSpace(part); s != "" {
				q.Sources = append(q.Sources, s)
			}
		}
	}
	q.Text = c.QueryParam("q")
	if raw := c.QueryParam("after_seq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
		}
		q.AfterSeq = seq
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		if limit > h.cfg.LogsMaxLimit {
			limit = h.cfg.LogsMaxLimit
		}
		q.Limit = limit
	}

	res := h.logs.Filter(runID, q)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":   runID,
		"entries":  res.Entries,
		"last_seq": res.LastSeq,
		"max_seq":  res.MaxSeq,
	})
}

// DownloadRunLogs serves the retained log window as a plain-text attachment.
// GET /runs/:run_id/logs/download
func (h *Handler) DownloadRunLogs(c echo.Context) error {
	runID := c.Param("run_id")
	if _, ok := h.registry.Get(runID); !ok {
		return runNotFound(c)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+runID+`.log"`)
	return c.String(http.StatusOK, h.logs.Download(runID))
}
