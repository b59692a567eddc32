// Package domain defines the core domain models for the orchestration engine.
package domain

import "strings"

// Status is the lifecycle state of a run or of a single execution tree node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCanceled:
		return true
	}
	return false
}

// Icon returns the display icon broadcast alongside status patches.
func (s Status) Icon() string {
	switch s {
	case StatusCompleted:
		return "✅"
	case StatusInProgress:
		return "⏳"
	case StatusError:
		return "❌"
	case StatusCanceled:
		return "🚫"
	default:
		return "⏸️"
	}
}

// NodeType classifies execution tree nodes.
type NodeType string

const (
	NodeTypePhase NodeType = "phase"
	NodeTypeAgent NodeType = "agent"
	NodeTypeLeaf  NodeType = "leaf"
)

// Severity is the level of a log entry. Ordering: TRACE < DEBUG < INFO < WARN < ERROR.
type Severity string

const (
	SeverityTrace Severity = "TRACE"
	SeverityDebug Severity = "DEBUG"
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

var severityRank = map[Severity]int{
	SeverityTrace: 0,
	SeverityDebug: 1,
	SeverityInfo:  2,
	SeverityWarn:  3,
	SeverityError: 4,
}

// Rank returns the numeric position of the severity, -1 for unknown values.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity normalizes a user-supplied severity string.
func ParseSeverity(value string) (Severity, bool) {
	s := Severity(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := severityRank[s]
	return s, ok
}
