package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/quantflow/orchestrator/config"
	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/api"
	"github.com/quantflow/orchestrator/internal/hub"
	"github.com/quantflow/orchestrator/internal/limiter"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/metrics"
	"github.com/quantflow/orchestrator/internal/patch"
	"github.com/quantflow/orchestrator/internal/protocol"
	"github.com/quantflow/orchestrator/internal/pruner"
	"github.com/quantflow/orchestrator/internal/registry"
	"github.com/quantflow/orchestrator/internal/worker"
	"github.com/quantflow/orchestrator/internal/ws"
	applog "github.com/quantflow/orchestrator/log"
	"github.com/quantflow/orchestrator/policy"
)

func main() {
	cfg := config.Load()
	logger := applog.New(applog.LevelFromString(cfg.LogLevel))

	logger.Info("starting orchestration engine",
		"http_port", cfg.HTTPPort,
		"max_parallel_runs", cfg.MaxParallelRuns,
		"results_dir", cfg.ResultsDir,
	)

	reg := registry.New(cfg.MaxParallelRuns)
	statusEngine := patch.NewEngine()
	contentEngine := patch.NewContentEngine()
	logs := logstream.New(cfg.LogBufferCapacity, nil)

	lim := limiter.New(limiter.Config{
		Global: cfg.WorkMaxConcurrency,
		Limits: limiter.ParseLimits(cfg.WorkResourceLimits),
	})

	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}

	h := hub.New(logger)
	go h.Run()

	m := metrics.New(
		func() float64 { return float64(reg.ActiveCount()) },
		func() float64 { return float64(h.ConnectionCount()) },
	)

	// Every appended log entry is fanned out to the run's observers.
	logs.SetFanout(func(runID string, entry domain.LogEntry) {
		m.LogEntries.Inc()
		h.BroadcastRunJSON(runID, protocol.LogAppendMessage{
			BaseMessage: protocol.BaseMessage{
				Type:  protocol.TypeLogAppend,
				Ts:    time.Now().UnixMilli(),
				RunID: runID,
			},
			Entry: entry,
		})
	})

	supervisor := worker.NewSupervisor(logger, reg, logs, h, statusEngine, contentEngine, m)

	newWork := func(runID, ticker string) worker.WorkUnit {
		return &worker.AnalysisUnit{
			Ticker:    ticker,
			Limiter:   lim,
			Resource:  "llm",
			StepDelay: 200 * time.Millisecond,
			Log: func(severity domain.Severity, source, nodeID, message string) {
				logs.Append(runID, message, severity, source, nodeID)
			},
		}
	}

	handler := api.NewHandler(cfg, logger, reg, logs, lim, policyEngine, supervisor, newWork)
	wsServer := ws.NewServer(cfg, logger, h, reg, logs, statusEngine, contentEngine)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler.RegisterRoutes(e)
	e.GET("/ws", wsServer.HandleWebSocket)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	pruneCtx, stopPruner := context.WithCancel(ctx)
	p := pruner.New(cfg, logger, reg, logs, statusEngine, contentEngine)
	go p.Run(pruneCtx)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("engine started", "port", cfg.HTTPPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopPruner()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("engine stopped")
}
