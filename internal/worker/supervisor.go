// Package worker drives run execution. A Supervisor owns the lifecycle of
// every started run: it feeds work-unit reports through tree recomputation,
// the registry and both patch engines, broadcasts the results, and finalizes
// the run exactly once.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/hub"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/metrics"
	"github.com/quantflow/orchestrator/internal/patch"
	"github.com/quantflow/orchestrator/internal/protocol"
	"github.com/quantflow/orchestrator/internal/registry"
	"github.com/quantflow/orchestrator/internal/tree"
	applog "github.com/quantflow/orchestrator/log"
)

// ReportFunc delivers a work unit's current execution tree to the engine. The
// returned error is the cooperative cancellation signal: a unit must stop and
// propagate it when it receives ErrRunCanceled.
type ReportFunc func(nodes []*domain.TreeNode) error

// WorkUnit is one run's executable body. Run returns the final decision text
// on success. The unit owns its tree; the engine deep-copies on every report.
type WorkUnit interface {
	Run(ctx context.Context, report ReportFunc) (string, error)
}

// Supervisor starts and finalizes runs.
type Supervisor struct {
	logger   applog.Logger
	registry *registry.Registry
	logs     *logstream.Stream
	hub      *hub.Hub
	status   *patch.Engine
	content  *patch.ContentEngine
	metrics  *metrics.Metrics

	wg sync.WaitGroup
}

// NewSupervisor wires a supervisor. metrics may be nil in tests.
func NewSupervisor(logger applog.Logger, reg *registry.Registry, logs *logstream.Stream, h *hub.Hub, status *patch.Engine, content *patch.ContentEngine, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		logger:   logger,
		registry: reg,
		logs:     logs,
		hub:      h,
		status:   status,
		content:  content,
		metrics:  m,
	}
}

// Start launches the run's work unit on its own goroutine. The run must
// already exist in the registry.
func (s *Supervisor) Start(ctx context.Context, runID, ticker string, unit WorkUnit) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, runID, ticker, unit)
	}()
}

// Wait blocks until every started run has finalized.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) execute(ctx context.Context, runID, ticker string, unit WorkUnit) {
	started := domain.StatusInProgress
	s.registry.UpdateRun(runID, domain.RunUpdate{Status: &started})
	s.logs.Append(runID, "run started", domain.SeverityInfo, "engine", "")
	if s.metrics != nil {
		s.metrics.RunsStarted.Inc()
	}
	s.broadcastAggregate(runID)

	decision, err := unit.Run(ctx, func(nodes []*domain.TreeNode) error {
		return s.report(runID, nodes)
	})

	switch {
	case errors.Is(err, domain.ErrRunCanceled) || s.registry.IsCanceled(runID):
		s.finalizeCanceled(runID)
	case err != nil:
		s.finalizeError(runID, err)
	default:
		s.finalizeCompleted(runID, decision)
	}
}

// report is the checkpointed ingestion path. Cancellation is probed before
// and after the heavy work so a cancel lands within one report interval.
// Patches are computed before the record write so the run record always
// carries the sequence cursors its stored tree corresponds to.
func (s *Supervisor) report(runID string, nodes []*domain.TreeNode) error {
	if s.registry.IsCanceled(runID) {
		return domain.ErrRunCanceled
	}

	snapshot := domain.CloneTree(nodes)
	tree.Recalc(snapshot)
	progress := tree.Progress(snapshot)
	patches := s.computePatches(runID, snapshot)
	if !s.registry.UpdateRun(runID, domain.RunUpdate{
		OverallProgress: &progress,
		ExecutionTree:   snapshot,
		StatusSeq:       &patches.statusSeq,
		ContentSeq:      &patches.contentSeq,
	}) {
		return domain.ErrRunNotFound
	}

	s.emitPatches(runID, patches)
	s.broadcastAggregate(runID)

	if s.registry.IsCanceled(runID) {
		return domain.ErrRunCanceled
	}
	return nil
}

// patchSet is one report's output on both patch channels.
type patchSet struct {
	statusSeq  int64
	changed    []domain.ChangedNode
	contentSeq int64
	patches    []domain.ContentPatch
}

func (s *Supervisor) computePatches(runID string, snapshot []*domain.TreeNode) patchSet {
	var p patchSet
	p.statusSeq, p.changed = s.status.Compute(runID, snapshot)
	p.contentSeq, p.patches = s.content.Compute(runID, snapshot)
	return p
}

func (s *Supervisor) emitPatches(runID string, p patchSet) {
	run, ok := s.registry.Get(runID)
	if !ok {
		return
	}
	if len(p.changed) > 0 {
		s.hub.BroadcastRunJSON(runID, protocol.StatusPatchMessage{
			BaseMessage: protocol.BaseMessage{
				Type:  protocol.TypeStatusPatch,
				Ts:    time.Now().UnixMilli(),
				RunID: runID,
			},
			Seq:             p.statusSeq,
			Changed:         p.changed,
			Status:          run.Status,
			OverallProgress: run.OverallProgress,
		})
		if s.metrics != nil {
			s.metrics.PatchesEmitted.WithLabelValues("status").Inc()
		}
	}
	if len(p.patches) > 0 {
		s.hub.BroadcastRunJSON(runID, protocol.ContentPatchMessage{
			BaseMessage: protocol.BaseMessage{
				Type:  protocol.TypeContentPatch,
				Ts:    time.Now().UnixMilli(),
				RunID: runID,
			},
			Seq:     p.contentSeq,
			Patches: p.patches,
		})
		if s.metrics != nil {
			s.metrics.PatchesEmitted.WithLabelValues("content").Inc()
		}
	}
}

func (s *Supervisor) broadcastAggregate(runID string) {
	run, ok := s.registry.Get(runID)
	if !ok {
		return
	}
	s.hub.BroadcastAllJSON(protocol.StatusAggregateMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeStatusAggregate,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		Run: run.Summary(),
	})
}

// finalizeCanceled attaches the final tree with every non-terminal node
// marked canceled. The status itself was already flipped by the cancel call.
func (s *Supervisor) finalizeCanceled(runID string) {
	run, ok := s.registry.Get(runID)
	if !ok {
		return
	}
	finalTree := run.ExecutionTree
	tree.CancelPending(finalTree)
	patches := s.computePatches(runID, finalTree)
	canceled := domain.StatusCanceled
	s.registry.UpdateRun(runID, domain.RunUpdate{
		Status:        &canceled,
		ExecutionTree: finalTree,
		StatusSeq:     &patches.statusSeq,
		ContentSeq:    &patches.contentSeq,
	})
	s.logs.Append(runID, "run canceled", domain.SeverityWarn, "engine", "")
	s.logger.Info("run canceled", "run_id", runID)
	s.finishBroadcast(runID, patches, domain.StatusCanceled)
}

func (s *Supervisor) finalizeError(runID string, cause error) {
	run, ok := s.registry.Get(runID)
	if !ok {
		return
	}
	errStatus := domain.StatusError
	msg := cause.Error()
	upd := domain.RunUpdate{
		Status: &errStatus,
		Error:  &msg,
	}
	var patches patchSet
	if run.ExecutionTree != nil {
		patches = s.computePatches(runID, run.ExecutionTree)
		upd.StatusSeq = &patches.statusSeq
		upd.ContentSeq = &patches.contentSeq
	}
	s.registry.UpdateRun(runID, upd)
	s.logs.Append(runID, "run failed: "+msg, domain.SeverityError, "engine", "")
	s.logger.Error("run failed", "run_id", runID, "error", cause)
	s.finishBroadcast(runID, patches, domain.StatusError)
}

func (s *Supervisor) finalizeCompleted(runID, decision string) {
	run, ok := s.registry.Get(runID)
	if !ok {
		return
	}
	completed := domain.StatusCompleted
	progress := 100
	upd := domain.RunUpdate{
		Status:          &completed,
		OverallProgress: &progress,
		FinalDecision:   &decision,
	}
	var patches patchSet
	if run.ExecutionTree != nil {
		patches = s.computePatches(runID, run.ExecutionTree)
		upd.StatusSeq = &patches.statusSeq
		upd.ContentSeq = &patches.contentSeq
	}
	s.registry.UpdateRun(runID, upd)
	s.logs.Append(runID, "run completed", domain.SeverityInfo, "engine", "")
	s.logger.Info("run completed", "run_id", runID, "decision", decision)
	s.finishBroadcast(runID, patches, domain.StatusCompleted)
}

func (s *Supervisor) finishBroadcast(runID string, patches patchSet, status domain.Status) {
	s.emitPatches(runID, patches)
	s.broadcastAggregate(runID)
	if s.metrics != nil {
		s.metrics.RunsFinished.WithLabelValues(string(status)).Inc()
	}
}
