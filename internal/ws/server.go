// Package ws provides the WebSocket endpoint for realtime run observation.
package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/quantflow/orchestrator/config"
	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/hub"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/patch"
	"github.com/quantflow/orchestrator/internal/protocol"
	"github.com/quantflow/orchestrator/internal/registry"
	"github.com/quantflow/orchestrator/internal/tree"
	applog "github.com/quantflow/orchestrator/log"
)

// Server handles WebSocket connections. A connection carrying ?run_id= is
// focused on that run; without it the connection observes aggregate run
// summaries.
type Server struct {
	cfg      *config.Config
	logger   applog.Logger
	hub      *hub.Hub
	registry *registry.Registry
	logs     *logstream.Stream
	status   *patch.Engine
	content  *patch.ContentEngine
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, logger applog.Logger, h *hub.Hub, reg *registry.Registry, logs *logstream.Stream, status *patch.Engine, content *patch.ContentEngine) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		hub:      h,
		registry: reg,
		logs:     logs,
		status:   status,
		content:  content,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	runID := c.QueryParam("run_id")

	var run *domain.Run
	if runID != "" {
		var ok bool
		run, ok = s.registry.Get(runID)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "run not found: "+runID)
		}
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, runID)
	s.hub.Register(conn)
	ws.SetReadLimit(s.cfg.WSMaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	// Handshake after the pumps are running so the Send channel drains.
	if run != nil {
		s.sendInitRun(conn, run)
	} else {
		s.sendInitAll(conn)
	}
	return nil
}

// baseline pairs a run record with both patch-engine cursors taken from one
// consistent report. The worker writes the engines before the record, so an
// engine briefly running ahead of the record's stored cursors means a report
// is mid-flight; retry against a fresh record until the two agree. Without
// this, a report landing during the handshake would pair an older tree with a
// newer cursor and the observer would be stale with no sequence gap to tell
// it so.
func (s *Server) baseline(run *domain.Run, refresh bool) (*domain.Run, int64, int64) {
	read := func(r *domain.Run) (int64, int64) {
		if refresh {
			return s.status.Refresh(r.RunID, r.ExecutionTree), s.content.Refresh(r.RunID, r.ExecutionTree)
		}
		return s.status.Register(r.RunID, r.ExecutionTree), s.content.Register(r.RunID, r.ExecutionTree)
	}
	seq, contentSeq := read(run)
	for i := 0; i < 50 && (seq != run.StatusSeq || contentSeq != run.ContentSeq); i++ {
		time.Sleep(2 * time.Millisecond)
		fresh, ok := s.registry.Get(run.RunID)
		if !ok {
			break
		}
		run = fresh
		seq, contentSeq = read(run)
	}
	return run, seq, contentSeq
}

// sendInitRun pushes the full run record with both sequence cursors, and
// registers the current tree as the patch baseline for this run.
func (s *Server) sendInitRun(conn *hub.Connection, run *domain.Run) {
	run, seq, contentSeq := s.baseline(run, false)
	msg := protocol.InitRunMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeInitRun,
			Ts:    time.Now().UnixMilli(),
			RunID: run.RunID,
		},
		Run:        run,
		Seq:        seq,
		ContentSeq: contentSeq,
	}
	s.hub.SendJSONToConnection(conn, msg)
}

func (s *Server) sendInitAll(conn *hub.Connection) {
	msg := protocol.InitAllMessage{
		BaseMessage: protocol.BaseMessage{
			Type: protocol.TypeInitAll,
			Ts:   time.Now().UnixMilli(),
		},
		Runs: s.registry.List(),
	}
	s.hub.SendJSONToConnection(conn, msg)
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			break
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		s.hub.SendJSONToConnection(conn, protocol.PongMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypePong, Ts: time.Now().UnixMilli()},
		})
	case protocol.TypeGetContent:
		s.handleGetContent(conn, msg)
	case protocol.TypeResync:
		s.handleResync(conn, msg)
	case protocol.TypeLogDump:
		s.handleLogDump(conn, msg)
	default:
		s.sendError(conn, msg.RunID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+msg.Type)
	}
}

// targetRun resolves which run a request addresses: the connection's focus, or
// an explicit run_id for aggregate connections.
func (s *Server) targetRun(conn *hub.Connection, msg protocol.ClientMessage) string {
	if conn.RunID != "" {
		return conn.RunID
	}
	return msg.RunID
}

// handleGetContent serves a single node's full content on demand. Patches only
// carry deltas; this is the recovery path for an observer that missed one.
func (s *Server) handleGetContent(conn *hub.Connection, msg protocol.ClientMessage) {
	runID := s.targetRun(conn, msg)
	run, ok := s.registry.Get(runID)
	if !ok {
		s.sendError(conn, runID, protocol.ErrorCodeRunNotFound, "run not found: "+runID)
		return
	}
	node := tree.Find(run.ExecutionTree, msg.NodeID)
	if node == nil {
		s.sendError(conn, runID, protocol.ErrorCodeNodeNotFound, "node not found: "+msg.NodeID)
		return
	}
	s.hub.SendJSONToConnection(conn, protocol.ContentMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeContent,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		NodeID:  msg.NodeID,
		Content: node.Content,
	})
}

// handleResync re-sends the full run record and rebaselines both patch
// engines without advancing their sequences.
func (s *Server) handleResync(conn *hub.Connection, msg protocol.ClientMessage) {
	runID := s.targetRun(conn, msg)
	run, ok := s.registry.Get(runID)
	if !ok {
		s.sendError(conn, runID, protocol.ErrorCodeRunNotFound, "run not found: "+runID)
		return
	}
	run, seq, contentSeq := s.baseline(run, true)
	out := protocol.InitRunMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeInitRun,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		Run:        run,
		Seq:        seq,
		ContentSeq: contentSeq,
	}
	s.hub.SendJSONToConnection(conn, out)
}

func (s *Server) handleLogDump(conn *hub.Connection, msg protocol.ClientMessage) {
	runID := s.targetRun(conn, msg)
	if _, ok := s.registry.Get(runID); !ok {
		s.sendError(conn, runID, protocol.ErrorCodeRunNotFound, "run not found: "+runID)
		return
	}
	res := s.logs.Filter(runID, logstream.Query{AfterSeq: msg.AfterSeq})
	out := protocol.LogDumpMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeLogDumpResult,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		Entries: res.Entries,
		LastSeq: res.LastSeq,
		MaxSeq:  res.MaxSeq,
	}
	s.hub.SendJSONToConnection(conn, out)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, runID, code, message string) {
	errMsg := protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type:  protocol.TypeError,
			Ts:    time.Now().UnixMilli(),
			RunID: runID,
		},
		Code:    code,
		Message: message,
	}
	s.hub.SendJSONToConnection(conn, errMsg)
}
