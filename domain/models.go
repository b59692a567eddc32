package domain

import "time"

// TreeNode is one node of a run's execution tree. Trees are reported by the
// work unit; parent statuses are recomputed from children after every report
// and are never authoritative on their own.
type TreeNode struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	NodeType  NodeType    `json:"node_type,omitempty"`
	Status    Status      `json:"status"`
	Content   string      `json:"content,omitempty"`
	Children  []*TreeNode `json:"children"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	// DurationMs is derived from StartedAt/EndedAt when the node reaches a
	// terminal status.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// Clone returns a deep copy of the node and its children.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	cp := *n
	if n.StartedAt != nil {
		t := *n.StartedAt
		cp.StartedAt = &t
	}
	if n.EndedAt != nil {
		t := *n.EndedAt
		cp.EndedAt = &t
	}
	if n.Children != nil {
		cp.Children = make([]*TreeNode, len(n.Children))
		for i, c := range n.Children {
			cp.Children[i] = c.Clone()
		}
	}
	return &cp
}

// CloneTree deep-copies a whole execution tree.
func CloneTree(tree []*TreeNode) []*TreeNode {
	if tree == nil {
		return nil
	}
	out := make([]*TreeNode, len(tree))
	for i, n := range tree {
		out[i] = n.Clone()
	}
	return out
}

// Run is one admitted, independently lifecycled unit of orchestrated work.
// StatusSeq and ContentSeq are the patch-channel cursors the stored tree
// corresponds to; they are written in the same update as the tree so a single
// read yields a consistent handshake snapshot.
type Run struct {
	RunID            string      `json:"run_id"`
	Ticker           string      `json:"ticker"`
	Status           Status      `json:"status"`
	OverallProgress  int         `json:"overall_progress"`
	ExecutionTree    []*TreeNode `json:"execution_tree"`
	FinalDecision    string      `json:"final_decision,omitempty"`
	Error            string      `json:"error,omitempty"`
	CancellationFlag bool        `json:"cancellation_flag"`
	StatusSeq        int64       `json:"status_seq"`
	ContentSeq       int64       `json:"content_seq"`
	ResultsPath      string      `json:"results_path,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Summary returns the cheap listing view of the run, omitting the tree and
// final decision.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		RunID:           r.RunID,
		Ticker:          r.Ticker,
		Status:          r.Status,
		OverallProgress: r.OverallProgress,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// RunSummary is the polling-friendly projection of a run.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	Ticker          string    `json:"ticker"`
	Status          Status    `json:"status"`
	OverallProgress int       `json:"overall_progress"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RunUpdate is a partial update applied to a run record. Nil pointer fields
// are left untouched.
type RunUpdate struct {
	Status          *Status
	OverallProgress *int
	ExecutionTree   []*TreeNode
	FinalDecision   *string
	Error           *string
	StatusSeq       *int64
	ContentSeq      *int64
	ResultsPath     *string
	// UpdatedAt overrides the refreshed timestamp. Only honored together
	// with PreserveTimestamp; used by tests and administrative tooling.
	UpdatedAt         *time.Time
	PreserveTimestamp bool
}

// LogEntry is one immutable entry in a run's log ring buffer.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
}

// ChangedNode is one entry of a status patch.
type ChangedNode struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	StatusIcon string `json:"status_icon"`
}

// Content patch modes. Append carries only the suffix delta; replace carries
// the full new content.
const (
	ContentModeAppend  = "append"
	ContentModeReplace = "replace"
)

// ContentPatch is one entry of a content patch.
type ContentPatch struct {
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}
