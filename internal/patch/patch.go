// Package patch keeps remote observers synchronized with a mutating
// execution tree. For every run it retains a flattened snapshot and a
// monotonically increasing sequence number per channel (status and content),
// and computes minimal patches between successive snapshots.
//
// Sequence numbers are a logical clock: they advance exactly once per
// non-empty patch batch, never per node, so observers can use a gap in
// consecutive sequences as the sole resync trigger.
package patch

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/tree"
)

// sigPrefix bounds how much content feeds the signature. Enough to catch any
// realistic streaming mutation; the total length is mixed in to catch
// truncation beyond the prefix.
const sigPrefix = 4096

type nodeSig struct {
	status domain.Status
	sig    uint64
}

type runState struct {
	seq   int64
	nodes map[string]nodeSig
}

// Engine computes status patches. Safe for concurrent use.
type Engine struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// NewEngine returns an empty status-patch engine.
func NewEngine() *Engine {
	return &Engine{runs: make(map[string]*runState)}
}

// Register stores the flattened snapshot at sequence 0 without emitting a
// patch; the caller has already sent a full snapshot through the connection
// handshake. Registering an already-known run is a no-op returning the
// current sequence.
func (e *Engine) Register(runID string, nodes []*domain.TreeNode) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		st = &runState{nodes: flattenSigs(nodes)}
		e.runs[runID] = st
	}
	return st.seq
}

// Compute flattens the new tree and compares every node's (status, content
// signature) against the stored snapshot. A node counts as changed if it is
// new, its status differs, or its signature differs. A non-empty changed set
// advances the sequence by exactly one and replaces the snapshot; an empty
// one leaves the sequence untouched. The first call for a run registers the
// baseline and reports no changes.
func (e *Engine) Compute(runID string, nodes []*domain.TreeNode) (int64, []domain.ChangedNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		e.runs[runID] = &runState{nodes: flattenSigs(nodes)}
		return 0, nil
	}
	next := flattenSigs(nodes)
	var changed []domain.ChangedNode
	for _, n := range tree.Flatten(nodes) {
		prev, seen := st.nodes[n.ID]
		cur := next[n.ID]
		if !seen || prev != cur {
			changed = append(changed, domain.ChangedNode{
				ID:         n.ID,
				Status:     n.Status,
				StatusIcon: n.Status.Icon(),
			})
		}
	}
	if len(changed) == 0 {
		return st.seq, nil
	}
	st.seq++
	st.nodes = next
	return st.seq, changed
}

// Refresh overwrites the stored snapshot without advancing the sequence.
// Serves an observer's explicit resync after it detected a gap: advancing the
// sequence here would make the resync itself look like a skip to everyone
// else.
func (e *Engine) Refresh(runID string, nodes []*domain.TreeNode) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		st = &runState{}
		e.runs[runID] = st
	}
	st.nodes = flattenSigs(nodes)
	return st.seq
}

// Forget drops all state for a pruned run.
func (e *Engine) Forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

func flattenSigs(nodes []*domain.TreeNode) map[string]nodeSig {
	out := make(map[string]nodeSig)
	for _, n := range tree.Flatten(nodes) {
		out[n.ID] = nodeSig{status: n.Status, sig: contentSignature(n.Content)}
	}
	return out
}

// contentSignature digests a bounded prefix of the content plus its total
// length. Used only to detect "content changed" without retransmitting it.
func contentSignature(content string) uint64 {
	d := xxhash.New()
	if len(content) > sigPrefix {
		_, _ = d.WriteString(content[:sigPrefix])
	} else {
		_, _ = d.WriteString(content)
	}
	var lenBuf [8]byte
	n := len(content)
	for i := 0; i < 8; i++ {
		lenBuf[i] = byte(n >> (8 * i))
	}
	_, _ = d.Write(lenBuf[:])
	return d.Sum64()
}
