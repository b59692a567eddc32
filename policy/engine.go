package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine evaluates run admission policy. The policy decides per ticker
// whether a run may be submitted at all, ahead of capacity checks.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from rego source.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_policy.decision"),
		rego.Module("run_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input is the document the policy evaluates against.
type Input struct {
	Ticker     string `json:"ticker"`
	ActiveRuns int    `json:"active_runs"`
	BatchSize  int    `json:"batch_size"`
}

// Evaluate returns the decision ("allow" or "block") for one ticker. An
// empty result set defaults to allow.
func (e *Engine) Evaluate(ctx context.Context, in Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"ticker":      in.Ticker,
		"active_runs": in.ActiveRuns,
		"batch_size":  in.BatchSize,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "allow", nil
}

// Allow is a convenience wrapper for the common boolean check.
func (e *Engine) Allow(ctx context.Context, in Input) bool {
	decision, err := e.Evaluate(ctx, in)
	if err != nil {
		return true
	}
	return decision != "block"
}

// DefaultPolicy is the default admission policy: everything allowed.
const DefaultPolicy = `
package run_policy

default decision = "allow"

# Example: block tickers on an explicit blocklist
decision = "block" {
	input.ticker == "BLOCKED"
}
`
