// Package tree holds the pure functions applied to execution trees between a
// work unit's report and the registry update: parent status recomputation,
// timing instrumentation, progress, flattening and lookup.
package tree

import (
	"time"

	"github.com/quantflow/orchestrator/domain"
)

// Recalc recomputes every parent's status from its children and stamps timing
// fields on status transitions. A parent's status is never stored
// independently: any child errored means the parent errored, all completed
// means completed, any started means in_progress, otherwise pending.
func Recalc(nodes []*domain.TreeNode) {
	for _, n := range nodes {
		recalcNode(n)
	}
}

func recalcNode(n *domain.TreeNode) {
	for _, c := range n.Children {
		recalcNode(c)
	}
	if len(n.Children) > 0 {
		n.Status = parentStatus(n.Children)
	}
	stampTiming(n)
}

func parentStatus(children []*domain.TreeNode) domain.Status {
	completed := 0
	canceled := 0
	started := false
	for _, c := range children {
		switch c.Status {
		case domain.StatusError:
			return domain.StatusError
		case domain.StatusCompleted:
			completed++
			started = true
		case domain.StatusCanceled:
			canceled++
			started = true
		case domain.StatusInProgress:
			started = true
		}
	}
	switch {
	case completed == len(children):
		return domain.StatusCompleted
	case canceled > 0 && completed+canceled == len(children):
		return domain.StatusCanceled
	case started:
		return domain.StatusInProgress
	default:
		return domain.StatusPending
	}
}

func stampTiming(n *domain.TreeNode) {
	now := time.Now()
	if n.Status != domain.StatusPending && n.StartedAt == nil {
		t := now
		n.StartedAt = &t
	}
	if n.Status.Terminal() && n.EndedAt == nil {
		t := now
		n.EndedAt = &t
		if n.StartedAt != nil {
			n.DurationMs = n.EndedAt.Sub(*n.StartedAt).Milliseconds()
		}
	}
}

// Progress returns completed agent nodes over total agent nodes as a 0-100
// integer. Trees without agent nodes report 0 until the run finalizes.
func Progress(nodes []*domain.TreeNode) int {
	total, completed := 0, 0
	var walk func(ns []*domain.TreeNode)
	walk = func(ns []*domain.TreeNode) {
		for _, n := range ns {
			if n.NodeType == domain.NodeTypeAgent {
				total++
				if n.Status == domain.StatusCompleted {
					completed++
				}
			}
			walk(n.Children)
		}
	}
	walk(nodes)
	if total == 0 {
		return 0
	}
	p := completed * 100 / total
	if p > 100 {
		p = 100
	}
	return p
}

// Flatten returns every node of the tree in depth-first order.
func Flatten(nodes []*domain.TreeNode) []*domain.TreeNode {
	var out []*domain.TreeNode
	var walk func(ns []*domain.TreeNode)
	walk = func(ns []*domain.TreeNode) {
		for _, n := range ns {
			out = append(out, n)
			walk(n.Children)
		}
	}
	walk(nodes)
	return out
}

// Find returns the node with the given id, searching depth-first.
func Find(nodes []*domain.TreeNode, id string) *domain.TreeNode {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		if found := Find(n.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// CancelPending marks every non-terminal node as canceled. Called by the
// worker once cancellation is detected, after which no further reports are
// consumed.
func CancelPending(nodes []*domain.TreeNode) {
	for _, n := range Flatten(nodes) {
		if !n.Status.Terminal() {
			n.Status = domain.StatusCanceled
			stampTiming(n)
		}
	}
}
