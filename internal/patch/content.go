package patch

import (
	"strings"
	"sync"

	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/tree"
)

// Tracked reports whether a node participates in content patching: only leaf
// nodes expected to hold large, frequently appended text (per-agent message
// and report leaves).
func Tracked(n *domain.TreeNode) bool {
	if len(n.Children) > 0 {
		return false
	}
	return strings.HasSuffix(n.ID, "_messages") || strings.HasSuffix(n.ID, "_report")
}

type contentState struct {
	seq     int64
	content map[string]string
}

// ContentEngine computes append/replace content patches. Its sequence space
// is independent from the status-patch engine's.
type ContentEngine struct {
	mu   sync.Mutex
	runs map[string]*contentState
}

// NewContentEngine returns an empty content-patch engine.
func NewContentEngine() *ContentEngine {
	return &ContentEngine{runs: make(map[string]*contentState)}
}

// Register records the current content of every tracked node at sequence 0
// without emitting patches.
func (e *ContentEngine) Register(runID string, nodes []*domain.TreeNode) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		st = &contentState{content: trackedContent(nodes)}
		e.runs[runID] = st
	}
	return st.seq
}

// Compute emits one patch per tracked node whose content changed. A pure
// append (new content extends the old) carries only the suffix delta; any
// other edit carries the full replacement. The deliberately simple
// prefix check is the whole diff algorithm; streaming text makes append the
// common case. The sequence advances once per call producing at least one
// patch. The first call for a run registers the baseline.
func (e *ContentEngine) Compute(runID string, nodes []*domain.TreeNode) (int64, []domain.ContentPatch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		e.runs[runID] = &contentState{content: trackedContent(nodes)}
		return 0, nil
	}
	var patches []domain.ContentPatch
	for _, n := range tree.Flatten(nodes) {
		if !Tracked(n) {
			continue
		}
		old, seen := st.content[n.ID]
		switch {
		case !seen:
			patches = append(patches, domain.ContentPatch{
				ID: n.ID, Mode: domain.ContentModeReplace, Content: n.Content,
			})
		case n.Content == old:
			continue
		case strings.HasPrefix(n.Content, old):
			patches = append(patches, domain.ContentPatch{
				ID: n.ID, Mode: domain.ContentModeAppend, Text: n.Content[len(old):],
			})
		default:
			patches = append(patches, domain.ContentPatch{
				ID: n.ID, Mode: domain.ContentModeReplace, Content: n.Content,
			})
		}
		st.content[n.ID] = n.Content
	}
	if len(patches) == 0 {
		return st.seq, nil
	}
	st.seq++
	return st.seq, patches
}

// Refresh rebaselines the retained content without advancing the sequence.
func (e *ContentEngine) Refresh(runID string, nodes []*domain.TreeNode) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.runs[runID]
	if !ok {
		st = &contentState{}
		e.runs[runID] = st
	}
	st.content = trackedContent(nodes)
	return st.seq
}

// Forget drops all state for a pruned run.
func (e *ContentEngine) Forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

func trackedContent(nodes []*domain.TreeNode) map[string]string {
	out := make(map[string]string)
	for _, n := range tree.Flatten(nodes) {
		if Tracked(n) {
			out[n.ID] = n.Content
		}
	}
	return out
}
