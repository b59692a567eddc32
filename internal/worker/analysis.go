package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/limiter"
)

// phasePlan declares the built-in pipeline: phase id to its agent ids.
var phasePlan = []struct {
	id     string
	name   string
	agents []string
}{
	{"data_collection", "Data Collection", []string{"market_analyst", "news_analyst", "fundamentals_analyst"}},
	{"research", "Research", []string{"bull_researcher", "bear_researcher"}},
	{"planning", "Planning", []string{"research_manager"}},
	{"execution", "Execution", []string{"trader"}},
	{"risk_analysis", "Risk Analysis", []string{"risk_manager"}},
	{"final_decision", "Final Decision", []string{"portfolio_manager"}},
}

// DefaultTree builds the six-phase execution tree reported by the built-in
// analysis unit. Each agent carries a _messages and a _report leaf.
func DefaultTree(ticker string) []*domain.TreeNode {
	var phases []*domain.TreeNode
	for _, p := range phasePlan {
		phase := &domain.TreeNode{
			ID:       p.id,
			Name:     p.name,
			NodeType: domain.NodeTypePhase,
			Status:   domain.StatusPending,
		}
		for _, agent := range p.agents {
			phase.Children = append(phase.Children, &domain.TreeNode{
				ID:       agent,
				Name:     agentName(agent),
				NodeType: domain.NodeTypeAgent,
				Status:   domain.StatusPending,
				Children: []*domain.TreeNode{
					{ID: agent + "_messages", NodeType: domain.NodeTypeLeaf, Status: domain.StatusPending},
					{ID: agent + "_report", NodeType: domain.NodeTypeLeaf, Status: domain.StatusPending},
				},
			})
		}
		phases = append(phases, phase)
	}
	return phases
}

func agentName(id string) string {
	words := strings.Split(id, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// AnalysisUnit is the built-in work unit: it walks the default tree phase by
// phase, streaming message content and writing one report per agent. Real
// deployments inject their own WorkUnit; this one exists for demonstrations
// and end-to-end tests.
type AnalysisUnit struct {
	Ticker  string
	Limiter *limiter.Limiter
	// Resource and Sub name the limiter levels each agent call holds.
	Resource string
	Sub      string
	// StepDelay paces agent steps; zero runs the pipeline flat out.
	StepDelay time.Duration
	// Log receives per-agent progress entries. May be nil.
	Log func(severity domain.Severity, source, nodeID, message string)
}

// Run implements WorkUnit.
func (u *AnalysisUnit) Run(ctx context.Context, report ReportFunc) (string, error) {
	nodes := DefaultTree(u.Ticker)
	if err := report(nodes); err != nil {
		return "", err
	}

	for _, phase := range nodes {
		for _, agent := range phase.Children {
			if err := u.runAgent(ctx, agent, report, nodes); err != nil {
				return "", err
			}
		}
	}
	decision := fmt.Sprintf("HOLD %s: no conviction above threshold", strings.ToUpper(u.Ticker))
	return decision, nil
}

func (u *AnalysisUnit) runAgent(ctx context.Context, agent *domain.TreeNode, report ReportFunc, nodes []*domain.TreeNode) error {
	tok, err := u.acquire(ctx)
	if err != nil {
		return err
	}
	defer tok.Release()

	messages := agent.Children[0]
	reportLeaf := agent.Children[1]

	agent.Status = domain.StatusInProgress
	messages.Status = domain.StatusInProgress
	u.log(domain.SeverityInfo, agent.ID, agent.Name+" started")
	if err := report(nodes); err != nil {
		return err
	}

	for step := 1; step <= 3; step++ {
		if err := u.pace(ctx); err != nil {
			return err
		}
		messages.Content += fmt.Sprintf("[%s] %s step %d for %s\n", time.Now().Format(time.RFC3339), agent.Name, step, u.Ticker)
		if err := report(nodes); err != nil {
			return err
		}
	}

	reportLeaf.Status = domain.StatusInProgress
	reportLeaf.Content = fmt.Sprintf("%s report for %s: no anomalies detected.\n", agent.Name, strings.ToUpper(u.Ticker))
	messages.Status = domain.StatusCompleted
	reportLeaf.Status = domain.StatusCompleted
	agent.Status = domain.StatusCompleted
	u.log(domain.SeverityInfo, agent.ID, agent.Name+" completed")
	return report(nodes)
}

// acquire takes the limiter levels, or returns a released no-op token when no
// limiter is wired.
func (u *AnalysisUnit) acquire(ctx context.Context) (*limiter.Token, error) {
	if u.Limiter == nil {
		return &limiter.Token{}, nil
	}
	return u.Limiter.Acquire(ctx, u.Resource, u.Sub)
}

func (u *AnalysisUnit) pace(ctx context.Context) error {
	if u.StepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(u.StepDelay):
		return nil
	}
}

func (u *AnalysisUnit) log(severity domain.Severity, nodeID, message string) {
	if u.Log != nil {
		u.Log(severity, "analysis", nodeID, message)
	}
}
