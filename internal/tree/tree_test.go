package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantflow/orchestrator/domain"
)

func phase(id string, children ...*domain.TreeNode) *domain.TreeNode {
	return &domain.TreeNode{ID: id, NodeType: domain.NodeTypePhase, Status: domain.StatusPending, Children: children}
}

func agent(id string, status domain.Status) *domain.TreeNode {
	return &domain.TreeNode{ID: id, NodeType: domain.NodeTypeAgent, Status: status}
}

func TestRecalcParentStatus(t *testing.T) {
	t.Run("all pending", func(t *testing.T) {
		p := phase("p", agent("a", domain.StatusPending), agent("b", domain.StatusPending))
		Recalc([]*domain.TreeNode{p})
		assert.Equal(t, domain.StatusPending, p.Status)
	})

	t.Run("one in progress", func(t *testing.T) {
		p := phase("p", agent("a", domain.StatusInProgress), agent("b", domain.StatusPending))
		Recalc([]*domain.TreeNode{p})
		assert.Equal(t, domain.StatusInProgress, p.Status)
	})

	t.Run("all completed", func(t *testing.T) {
		p := phase("p", agent("a", domain.StatusCompleted), agent("b", domain.StatusCompleted))
		Recalc([]*domain.TreeNode{p})
		assert.Equal(t, domain.StatusCompleted, p.Status)
	})

	t.Run("error dominates", func(t *testing.T) {
		p := phase("p", agent("a", domain.StatusCompleted), agent("b", domain.StatusError))
		Recalc([]*domain.TreeNode{p})
		assert.Equal(t, domain.StatusError, p.Status)
	})

	t.Run("canceled mix is canceled", func(t *testing.T) {
		p := phase("p", agent("a", domain.StatusCompleted), agent("b", domain.StatusCanceled))
		Recalc([]*domain.TreeNode{p})
		assert.Equal(t, domain.StatusCanceled, p.Status)
	})
}

func TestRecalcStampsTiming(t *testing.T) {
	a := agent("a", domain.StatusInProgress)
	p := phase("p", a)
	Recalc([]*domain.TreeNode{p})
	if a.StartedAt == nil {
		t.Fatal("expected started_at on in_progress node")
	}
	assert.Nil(t, a.EndedAt)

	a.Status = domain.StatusCompleted
	Recalc([]*domain.TreeNode{p})
	if a.EndedAt == nil {
		t.Fatal("expected ended_at on completed node")
	}
	assert.GreaterOrEqual(t, a.DurationMs, int64(0))
}

func TestProgress(t *testing.T) {
	p := phase("p",
		agent("a", domain.StatusCompleted),
		agent("b", domain.StatusCompleted),
		agent("c", domain.StatusInProgress),
		agent("d", domain.StatusPending),
	)
	assert.Equal(t, 50, Progress([]*domain.TreeNode{p}))
	assert.Equal(t, 0, Progress(nil))
}

func TestFindAndFlatten(t *testing.T) {
	p := phase("p", agent("a", domain.StatusPending), agent("b", domain.StatusPending))
	nodes := []*domain.TreeNode{p}
	assert.Len(t, Flatten(nodes), 3)
	assert.NotNil(t, Find(nodes, "b"))
	assert.Nil(t, Find(nodes, "missing"))
}

func TestCancelPending(t *testing.T) {
	p := phase("p", agent("a", domain.StatusCompleted), agent("b", domain.StatusInProgress), agent("c", domain.StatusPending))
	CancelPending([]*domain.TreeNode{p})
	assert.Equal(t, domain.StatusCompleted, p.Children[0].Status)
	assert.Equal(t, domain.StatusCanceled, p.Children[1].Status)
	assert.Equal(t, domain.StatusCanceled, p.Children[2].Status)
}
