// Package protocol defines the WebSocket message protocol between observers
// and the engine.
package protocol

import (
	"github.com/quantflow/orchestrator/domain"
)

// Message types from observer to engine
const (
	TypePing       = "ping"
	TypeGetContent = "get_content"
	TypeResync     = "resync"
	TypeLogDump    = "log_dump"
)

// Message types from engine to observer
const (
	TypePong            = "pong"
	TypeInitAll         = "init_all"
	TypeInitRun         = "init_run"
	TypeStatusPatch     = "status_patch"
	TypeContentPatch    = "content_patch"
	TypeLogAppend       = "log_append"
	TypeStatusAggregate = "status_update_aggregate"
	TypeContent         = "content"
	TypeLogDumpResult   = "log_dump_result"
	TypeError           = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type  string `json:"type"`
	Ts    int64  `json:"ts,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// ClientMessage is the union of all observer requests; the handler dispatches
// on Type and reads only the fields the action defines.
type ClientMessage struct {
	BaseMessage
	// NodeID names the node for get_content.
	NodeID string `json:"node_id,omitempty"`
	// AfterSeq scopes a log_dump to entries past a known cursor.
	AfterSeq int64 `json:"after_seq,omitempty"`
}

// PongMessage answers a ping.
type PongMessage struct {
	BaseMessage
}

// InitAllMessage is the aggregate handshake: every run's summary.
type InitAllMessage struct {
	BaseMessage
	Runs []domain.RunSummary `json:"runs"`
}

// InitRunMessage is the focused handshake: the full run record plus the
// current sequence cursors of both patch channels.
type InitRunMessage struct {
	BaseMessage
	Run        *domain.Run `json:"run"`
	Seq        int64       `json:"seq"`
	ContentSeq int64       `json:"content_seq"`
}

// StatusPatchMessage carries one status patch batch.
type StatusPatchMessage struct {
	BaseMessage
	Seq     int64                `json:"seq"`
	Changed []domain.ChangedNode `json:"changed_nodes"`
	// OverallProgress and Status let observers update the header without a
	// separate poll.
	Status          domain.Status `json:"status"`
	OverallProgress int           `json:"overall_progress"`
}

// ContentPatchMessage carries one content patch batch.
type ContentPatchMessage struct {
	BaseMessage
	Seq     int64                 `json:"seq"`
	Patches []domain.ContentPatch `json:"patches"`
}

// LogAppendMessage carries one freshly appended log entry.
type LogAppendMessage struct {
	BaseMessage
	Entry domain.LogEntry `json:"entry"`
}

// StatusAggregateMessage carries a run summary to aggregate observers.
type StatusAggregateMessage struct {
	BaseMessage
	Run domain.RunSummary `json:"run"`
}

// ContentMessage answers get_content with one node's full content.
type ContentMessage struct {
	BaseMessage
	NodeID  string `json:"node_id"`
	Content string `json:"content"`
}

// LogDumpMessage answers log_dump with the retained entries past the cursor.
type LogDumpMessage struct {
	BaseMessage
	Entries []domain.LogEntry `json:"entries"`
	LastSeq int64             `json:"last_seq"`
	MaxSeq  int64             `json:"max_seq"`
}

// ErrorMessage is sent when a request cannot be served.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRunNotFound    = "run_not_found"
	ErrorCodeNodeNotFound   = "node_not_found"
	ErrorCodeInternalError  = "internal_error"
)
