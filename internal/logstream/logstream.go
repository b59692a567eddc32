// Package logstream keeps a bounded ring buffer of structured log entries
// per run, with a monotonic sequence counter, filtered retrieval and a
// plain-text download of the retained window.
package logstream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantflow/orchestrator/domain"
)

// DefaultCapacity is the per-run buffer size when none is configured.
const DefaultCapacity = 1000

// Fanout receives every appended entry, outside any buffer lock. Used to
// broadcast log_append events to observers.
type Fanout func(runID string, entry domain.LogEntry)

// Stream manages the per-run buffers.
type Stream struct {
	capacity int
	fanout   Fanout

	mu   sync.Mutex
	runs map[string]*buffer
}

// buffer has its own lock so appends to one run never contend with another.
type buffer struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	nextSeq int64
}

// New creates a stream with the given per-run capacity. fanout may be nil.
func New(capacity int, fanout Fanout) *Stream {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Stream{
		capacity: capacity,
		fanout:   fanout,
		runs:     make(map[string]*buffer),
	}
}

// SetFanout installs the broadcast hook after construction; resolves the
// wiring cycle between the stream and the hub.
func (s *Stream) SetFanout(f Fanout) {
	s.mu.Lock()
	s.fanout = f
	s.mu.Unlock()
}

// Append assigns the next sequence number and pushes the entry, evicting the
// oldest once capacity is exceeded. Eviction never renumbers survivors, so
// sequence gaps tell consumers that entries were dropped.
func (s *Stream) Append(runID, message string, severity domain.Severity, source, nodeID string) domain.LogEntry {
	b := s.bufferFor(runID)
	b.mu.Lock()
	b.nextSeq++
	entry := domain.LogEntry{
		Seq:       b.nextSeq,
		Timestamp: time.Now(),
		Severity:  severity,
		Source:    source,
		NodeID:    nodeID,
		Message:   message,
	}
	b.entries = append(b.entries, entry)
	if len(b.entries) > s.capacity {
		b.entries = b.entries[len(b.entries)-s.capacity:]
	}
	b.mu.Unlock()

	s.mu.Lock()
	fanout := s.fanout
	s.mu.Unlock()
	if fanout != nil {
		fanout(runID, entry)
	}
	return entry
}

// Query is the set of predicates applied by Filter. All supplied predicates
// must hold. Severities, when non-empty, wins over MinSeverity.
type Query struct {
	MinSeverity domain.Severity
	Severities  []domain.Severity
	Sources     []string
	Text        string
	AfterSeq    int64
	Limit       int
}

// Result carries the matched entries in ascending sequence order plus the
// cursors callers need to detect "more available".
type Result struct {
	Entries []domain.LogEntry `json:"entries"`
	LastSeq int64             `json:"last_seq"`
	MaxSeq  int64             `json:"max_seq"`
}

// Filter returns the entries satisfying q. Unknown runs yield an empty
// result rather than an error; the HTTP layer decides whether the run itself
// exists.
func (s *Stream) Filter(runID string, q Query) Result {
	b := s.lookup(runID)
	if b == nil {
		return Result{Entries: []domain.LogEntry{}}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	res := Result{Entries: []domain.LogEntry{}, MaxSeq: b.nextSeq}
	text := strings.ToLower(q.Text)
	for _, e := range b.entries {
		if e.Seq <= q.AfterSeq {
			continue
		}
		if !matchSeverity(e.Severity, q) {
			continue
		}
		if len(q.Sources) > 0 && !contains(q.Sources, e.Source) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(e.Message), text) {
			continue
		}
		res.Entries = append(res.Entries, e)
		res.LastSeq = e.Seq
		if q.Limit > 0 && len(res.Entries) >= q.Limit {
			break
		}
	}
	return res
}

// Snapshot returns a copy of the full retained buffer.
func (s *Stream) Snapshot(runID string) []domain.LogEntry {
	b := s.lookup(runID)
	if b == nil {
		return []domain.LogEntry{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Download renders the retained buffer as one text document, one line per
// entry. Evicted history is gone; this is the window, not the full log.
func (s *Stream) Download(runID string) string {
	var sb strings.Builder
	for _, e := range s.Snapshot(runID) {
		sb.WriteString(fmt.Sprintf("%s [%s] %s", e.Timestamp.Format(time.RFC3339), e.Severity, e.Source))
		if e.NodeID != "" {
			sb.WriteString(" (" + e.NodeID + ")")
		}
		sb.WriteString(": " + e.Message + "\n")
	}
	return sb.String()
}

// Forget drops the buffer of a pruned run.
func (s *Stream) Forget(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func (s *Stream) bufferFor(runID string) *buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.runs[runID]
	if !ok {
		b = &buffer{}
		s.runs[runID] = b
	}
	return b
}

func (s *Stream) lookup(runID string) *buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

func matchSeverity(sev domain.Severity, q Query) bool {
	if len(q.Severities) > 0 {
		for _, want := range q.Severities {
			if sev == want {
				return true
			}
		}
		return false
	}
	if q.MinSeverity != "" {
		return sev.AtLeast(q.MinSeverity)
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
