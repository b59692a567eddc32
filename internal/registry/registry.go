// Package registry is the thread-safe in-memory store of run records and
// their lifecycle state machine. Persistence is intentionally not implemented;
// restarts clear history.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/quantflow/orchestrator/domain"
)

// Registry holds all run records behind a single mutex. Operations are O(1)
// map access plus tree copying, so lock hold times stay short even though the
// runs themselves are long-lived.
type Registry struct {
	mu          sync.Mutex
	runs        map[string]*domain.Run
	maxParallel int
}

// New creates a registry admitting at most maxParallel simultaneously active
// runs. Values below 1 are clamped to 1.
func New(maxParallel int) *Registry {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Registry{
		runs:        make(map[string]*domain.Run),
		maxParallel: maxParallel,
	}
}

// CreateRun admits a new run for the ticker or fails with *AdmissionError
// when the count of runs in {pending, in_progress} is already at the maximum.
func (r *Registry) CreateRun(ticker, resultsPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.activeLocked()
	if active >= r.maxParallel {
		return "", &domain.AdmissionError{Max: r.maxParallel, Active: active}
	}
	return r.createLocked(ticker, resultsPath), nil
}

// CreateBatch admits one run per ticker under a single lock, all or nothing:
// when the whole batch does not fit under the parallel limit, no run is
// created and *AdmissionError is returned. Run ids come back in ticker order.
func (r *Registry) CreateBatch(tickers []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.activeLocked()
	if active+len(tickers) > r.maxParallel {
		return nil, &domain.AdmissionError{Max: r.maxParallel, Active: active}
	}
	ids := make([]string, 0, len(tickers))
	for _, ticker := range tickers {
		ids = append(ids, r.createLocked(ticker, ""))
	}
	return ids, nil
}

func (r *Registry) createLocked(ticker, resultsPath string) string {
	runID := domain.GenerateRunID(ticker)
	now := time.Now()
	r.runs[runID] = &domain.Run{
		RunID:       runID,
		Ticker:      strings.ToUpper(ticker),
		Status:      domain.StatusPending,
		ResultsPath: resultsPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return runID
}

// UpdateRun merges the non-nil fields of upd into the run record and
// refreshes updated_at unless timestamp preservation was requested. Returns
// false if the run does not exist. A terminal run never changes status again;
// other fields still apply so the cancel path can attach its final tree.
func (r *Registry) UpdateRun(runID string, upd domain.RunUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return false
	}
	if upd.Status != nil && !run.Status.Terminal() {
		run.Status = *upd.Status
	}
	if upd.OverallProgress != nil {
		run.OverallProgress = *upd.OverallProgress
	}
	if upd.ExecutionTree != nil {
		run.ExecutionTree = domain.CloneTree(upd.ExecutionTree)
	}
	if upd.FinalDecision != nil {
		run.FinalDecision = *upd.FinalDecision
	}
	if upd.Error != nil {
		run.Error = *upd.Error
	}
	if upd.StatusSeq != nil {
		run.StatusSeq = *upd.StatusSeq
	}
	if upd.ContentSeq != nil {
		run.ContentSeq = *upd.ContentSeq
	}
	if upd.ResultsPath != nil {
		run.ResultsPath = *upd.ResultsPath
	}
	if upd.PreserveTimestamp {
		if upd.UpdatedAt != nil {
			run.UpdatedAt = *upd.UpdatedAt
		}
	} else {
		run.UpdatedAt = time.Now()
	}
	return true
}

// Get returns a defensive copy of the run, or false when absent. Callers can
// never mutate registry-owned state through the result.
func (r *Registry) Get(runID string) (*domain.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return copyRun(run), true
}

// List returns all runs. Summaries are cheap; the full form deep-copies every
// tree and should be reserved for administrative use.
func (r *Registry) List() []domain.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RunSummary, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.Summary())
	}
	return out
}

// ListFull returns deep copies of every run record.
func (r *Registry) ListFull() []*domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, copyRun(run))
	}
	return out
}

// Cancel flips the cancellation flag and optimistically marks the run
// canceled so API callers see an instant effect; the worker reconciles at its
// next checkpoint. Returns false when the run is absent or already terminal,
// which makes a second cancel a no-op.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok || run.Status.Terminal() {
		return false
	}
	run.CancellationFlag = true
	run.Status = domain.StatusCanceled
	run.UpdatedAt = time.Now()
	return true
}

// IsCanceled is the cheap cooperative cancellation probe used by workers.
func (r *Registry) IsCanceled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	return ok && run.CancellationFlag
}

// Prune removes runs whose updated_at is older than maxAge and returns the
// removed run ids so callers can drop dependent per-run state.
func (r *Registry) Prune(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, run := range r.runs {
		if run.UpdatedAt.Before(cutoff) {
			delete(r.runs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ActiveCount returns the number of runs in {pending, in_progress}.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

// MaxParallel returns the configured admission limit.
func (r *Registry) MaxParallel() int {
	return r.maxParallel
}

// ProtectedPaths returns the results paths of all active runs. The artifact
// pruner never deletes these directories regardless of age or count.
func (r *Registry) ProtectedPaths() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{})
	for _, run := range r.runs {
		if !run.Status.Terminal() && run.ResultsPath != "" {
			out[run.ResultsPath] = struct{}{}
		}
	}
	return out
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, run := range r.runs {
		if run.Status == domain.StatusPending || run.Status == domain.StatusInProgress {
			n++
		}
	}
	return n
}

func copyRun(run *domain.Run) *domain.Run {
	cp := *run
	cp.ExecutionTree = domain.CloneTree(run.ExecutionTree)
	return &cp
}
