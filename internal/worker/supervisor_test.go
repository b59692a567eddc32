package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/hub"
	"github.com/quantflow/orchestrator/internal/limiter"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/patch"
	"github.com/quantflow/orchestrator/internal/registry"
	applog "github.com/quantflow/orchestrator/log"
)

type unitFunc func(ctx context.Context, report ReportFunc) (string, error)

func (f unitFunc) Run(ctx context.Context, report ReportFunc) (string, error) {
	return f(ctx, report)
}

type testEnv struct {
	reg     *registry.Registry
	logs    *logstream.Stream
	status  *patch.Engine
	content *patch.ContentEngine
	sup     *Supervisor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := registry.New(10)
	logs := logstream.New(100, nil)
	status := patch.NewEngine()
	content := patch.NewContentEngine()
	h := hub.New(applog.NullLogger{})
	go h.Run()
	sup := NewSupervisor(applog.NullLogger{}, reg, logs, h, status, content, nil)
	return &testEnv{reg: reg, logs: logs, status: status, content: content, sup: sup}
}

func (env *testEnv) startRun(t *testing.T, ticker string, unit WorkUnit) string {
	t.Helper()
	runID, err := env.reg.CreateRun(ticker, "")
	require.NoError(t, err)
	env.sup.Start(context.Background(), runID, ticker, unit)
	return runID
}

func logMessages(entries []domain.LogEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestSupervisorCompletesRun(t *testing.T) {
	env := newTestEnv(t)

	unit := unitFunc(func(ctx context.Context, report ReportFunc) (string, error) {
		nodes := []*domain.TreeNode{{
			ID: "phase", NodeType: domain.NodeTypePhase, Status: domain.StatusPending,
			Children: []*domain.TreeNode{
				{ID: "agent", NodeType: domain.NodeTypeAgent, Status: domain.StatusPending},
			},
		}}
		if err := report(nodes); err != nil {
			return "", err
		}
		nodes[0].Children[0].Status = domain.StatusCompleted
		if err := report(nodes); err != nil {
			return "", err
		}
		return "HOLD", nil
	})

	runID := env.startRun(t, "aapl", unit)
	env.sup.Wait()

	run, ok := env.reg.Get(runID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, 100, run.OverallProgress)
	assert.Equal(t, "HOLD", run.FinalDecision)
	// Parent status was recomputed from its children.
	assert.Equal(t, domain.StatusCompleted, run.ExecutionTree[0].Status)

	msgs := logMessages(env.logs.Filter(runID, logstream.Query{}).Entries)
	assert.Contains(t, msgs, "run started")
	assert.Contains(t, msgs, "run completed")
}

func TestSupervisorErrorRun(t *testing.T) {
	env := newTestEnv(t)

	unit := unitFunc(func(ctx context.Context, report ReportFunc) (string, error) {
		report([]*domain.TreeNode{{ID: "a", Status: domain.StatusInProgress}})
		return "", errors.New("provider exploded")
	})

	runID := env.startRun(t, "aapl", unit)
	env.sup.Wait()

	run, _ := env.reg.Get(runID)
	assert.Equal(t, domain.StatusError, run.Status)
	assert.Equal(t, "provider exploded", run.Error)

	res := env.logs.Filter(runID, logstream.Query{MinSeverity: domain.SeverityError})
	require.NotEmpty(t, res.Entries)
	assert.Contains(t, res.Entries[0].Message, "provider exploded")
}

func TestSupervisorCancelAtCheckpoint(t *testing.T) {
	env := newTestEnv(t)

	reported := make(chan struct{})
	proceed := make(chan struct{})
	unit := unitFunc(func(ctx context.Context, report ReportFunc) (string, error) {
		nodes := []*domain.TreeNode{
			{ID: "a", NodeType: domain.NodeTypeAgent, Status: domain.StatusInProgress},
			{ID: "b", NodeType: domain.NodeTypeAgent, Status: domain.StatusPending},
		}
		if err := report(nodes); err != nil {
			return "", err
		}
		close(reported)
		<-proceed
		// The cancel flag is already set; this checkpoint observes it.
		if err := report(nodes); err != nil {
			return "", err
		}
		return "HOLD", nil
	})

	runID := env.startRun(t, "aapl", unit)
	<-reported
	require.True(t, env.reg.Cancel(runID))
	close(proceed)
	env.sup.Wait()

	run, _ := env.reg.Get(runID)
	assert.Equal(t, domain.StatusCanceled, run.Status)
	assert.Empty(t, run.FinalDecision)
	// Every non-terminal node ends up canceled in the final tree.
	for _, n := range run.ExecutionTree {
		assert.Equal(t, domain.StatusCanceled, n.Status, n.ID)
	}
}

func TestSupervisorEmitsPatches(t *testing.T) {
	env := newTestEnv(t)

	unit := unitFunc(func(ctx context.Context, report ReportFunc) (string, error) {
		nodes := []*domain.TreeNode{{ID: "a_messages", NodeType: domain.NodeTypeLeaf, Status: domain.StatusInProgress, Content: "one"}}
		if err := report(nodes); err != nil {
			return "", err
		}
		nodes[0].Content = "one two"
		nodes[0].Status = domain.StatusCompleted
		if err := report(nodes); err != nil {
			return "", err
		}
		return "HOLD", nil
	})

	runID := env.startRun(t, "aapl", unit)
	env.sup.Wait()

	// Both channels advanced past their baselines.
	run, _ := env.reg.Get(runID)
	seq, changed := env.status.Compute(runID, run.ExecutionTree)
	assert.GreaterOrEqual(t, seq, int64(1))
	assert.Empty(t, changed)
}

func TestReportStoresSequenceCursors(t *testing.T) {
	env := newTestEnv(t)

	unit := unitFunc(func(ctx context.Context, report ReportFunc) (string, error) {
		nodes := []*domain.TreeNode{{ID: "a_report", NodeType: domain.NodeTypeLeaf, Status: domain.StatusInProgress, Content: "draft"}}
		if err := report(nodes); err != nil {
			return "", err
		}
		nodes[0].Content = "draft final"
		nodes[0].Status = domain.StatusCompleted
		if err := report(nodes); err != nil {
			return "", err
		}
		return "HOLD", nil
	})

	runID := env.startRun(t, "aapl", unit)
	env.sup.Wait()

	// The record's cursors agree with the engines: recomputing against the
	// stored tree changes nothing and returns the stored sequences.
	run, ok := env.reg.Get(runID)
	require.True(t, ok)
	seq, changed := env.status.Compute(runID, run.ExecutionTree)
	assert.Empty(t, changed)
	assert.Equal(t, run.StatusSeq, seq)
	contentSeq, patches := env.content.Compute(runID, run.ExecutionTree)
	assert.Empty(t, patches)
	assert.Equal(t, run.ContentSeq, contentSeq)
	assert.GreaterOrEqual(t, run.StatusSeq, int64(1))
	assert.GreaterOrEqual(t, run.ContentSeq, int64(1))
}

func TestAnalysisUnitEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	lim := limiter.New(limiter.Config{Global: 2})

	var logged []string
	unit := &AnalysisUnit{
		Ticker:   "NVDA",
		Limiter:  lim,
		Resource: "llm",
		Log: func(severity domain.Severity, source, nodeID, message string) {
			logged = append(logged, message)
		},
	}

	runID := env.startRun(t, "nvda", unit)
	env.sup.Wait()

	run, _ := env.reg.Get(runID)
	require.Equal(t, domain.StatusCompleted, run.Status)
	assert.Equal(t, 100, run.OverallProgress)
	assert.True(t, strings.HasPrefix(run.FinalDecision, "HOLD NVDA"))
	require.Len(t, run.ExecutionTree, len(phasePlan))
	for _, phase := range run.ExecutionTree {
		assert.Equal(t, domain.StatusCompleted, phase.Status, phase.ID)
	}
	assert.NotEmpty(t, logged)

	// All limiter capacity was returned.
	assert.Equal(t, 0, lim.Snapshot().GlobalInUse)
}

func TestAnalysisUnitCancel(t *testing.T) {
	env := newTestEnv(t)

	unit := &AnalysisUnit{Ticker: "AAPL", StepDelay: 20 * time.Millisecond}
	runID := env.startRun(t, "aapl", unit)

	// Give the unit time to pass its first checkpoint, then cancel.
	time.Sleep(30 * time.Millisecond)
	env.reg.Cancel(runID)
	env.sup.Wait()

	run, _ := env.reg.Get(runID)
	assert.Equal(t, domain.StatusCanceled, run.Status)
	assert.Empty(t, run.FinalDecision)
}

func TestDefaultTreeShape(t *testing.T) {
	nodes := DefaultTree("AAPL")
	require.Len(t, nodes, 6)
	for _, phase := range nodes {
		assert.Equal(t, domain.NodeTypePhase, phase.NodeType)
		require.NotEmpty(t, phase.Children)
		for _, agent := range phase.Children {
			assert.Equal(t, domain.NodeTypeAgent, agent.NodeType)
			require.Len(t, agent.Children, 2)
			assert.Equal(t, agent.ID+"_messages", agent.Children[0].ID)
			assert.Equal(t, agent.ID+"_report", agent.Children[1].ID)
		}
	}
}
