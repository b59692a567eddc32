package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/orchestrator/config"
	"github.com/quantflow/orchestrator/domain"
	"github.com/quantflow/orchestrator/internal/hub"
	"github.com/quantflow/orchestrator/internal/logstream"
	"github.com/quantflow/orchestrator/internal/patch"
	"github.com/quantflow/orchestrator/internal/protocol"
	"github.com/quantflow/orchestrator/internal/registry"
	applog "github.com/quantflow/orchestrator/log"
)

type wsEnv struct {
	server  *httptest.Server
	reg     *registry.Registry
	status  *patch.Engine
	content *patch.ContentEngine
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	cfg := &config.Config{
		WSReadTimeout:    5 * time.Second,
		WSWriteTimeout:   5 * time.Second,
		WSPingInterval:   time.Minute,
		WSMaxMessageSize: 1 << 20,
	}
	reg := registry.New(5)
	logs := logstream.New(100, nil)
	status := patch.NewEngine()
	content := patch.NewContentEngine()
	h := hub.New(applog.NullLogger{})
	go h.Run()
	srv := NewServer(cfg, applog.NullLogger{}, h, reg, logs, status, content)

	e := echo.New()
	e.GET("/ws", srv.HandleWebSocket)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return &wsEnv{server: ts, reg: reg, status: status, content: content}
}

func (env *wsEnv) wsURL(runID string) string {
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	if runID != "" {
		url += "?run_id=" + runID
	}
	return url
}

func (env *wsEnv) dial(t *testing.T, runID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(runID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (env *wsEnv) createRun(t *testing.T, ticker string, nodes []*domain.TreeNode) string {
	t.Helper()
	runID, err := env.reg.CreateRun(ticker, "")
	require.NoError(t, err)
	require.True(t, env.reg.UpdateRun(runID, domain.RunUpdate{ExecutionTree: nodes}))
	return runID
}

func reportTree(content string, leafStatus domain.Status) []*domain.TreeNode {
	return []*domain.TreeNode{{
		ID: "execution", NodeType: domain.NodeTypePhase, Status: domain.StatusInProgress,
		Children: []*domain.TreeNode{
			{ID: "trader_report", NodeType: domain.NodeTypeLeaf, Status: leafStatus, Content: content},
		},
	}}
}

func readInitRun(t *testing.T, conn *websocket.Conn) protocol.InitRunMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.InitRunMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, protocol.TypeInitRun, msg.Type)
	return msg
}

func TestFocusedConnectUnknownRun(t *testing.T) {
	env := newWSEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInitRunHandshake(t *testing.T) {
	env := newWSEnv(t)
	runID := env.createRun(t, "AAPL", reportTree("hello", domain.StatusInProgress))

	conn := env.dial(t, runID)
	msg := readInitRun(t, conn)
	assert.Equal(t, runID, msg.RunID)
	assert.Equal(t, int64(0), msg.Seq)
	assert.Equal(t, int64(0), msg.ContentSeq)
	require.NotNil(t, msg.Run)
	require.Len(t, msg.Run.ExecutionTree, 1)
	assert.Equal(t, "hello", msg.Run.ExecutionTree[0].Children[0].Content)
}

func TestInitRunWaitsForInFlightReport(t *testing.T) {
	env := newWSEnv(t)
	before := reportTree("hello", domain.StatusInProgress)
	runID := env.createRun(t, "AAPL", before)
	env.status.Register(runID, before)
	env.content.Register(runID, before)

	// The engines are advanced but the record write has not landed yet, as
	// happens when a worker report is mid-flight during the handshake.
	after := reportTree("hello world", domain.StatusCompleted)
	seq, changed := env.status.Compute(runID, after)
	require.NotEmpty(t, changed)
	contentSeq, patches := env.content.Compute(runID, after)
	require.NotEmpty(t, patches)

	go func() {
		time.Sleep(20 * time.Millisecond)
		env.reg.UpdateRun(runID, domain.RunUpdate{
			ExecutionTree: after,
			StatusSeq:     &seq,
			ContentSeq:    &contentSeq,
		})
	}()

	// The handshake must pair the newer tree with the newer cursors, never
	// the stale tree with advanced cursors.
	conn := env.dial(t, runID)
	msg := readInitRun(t, conn)
	assert.Equal(t, seq, msg.Seq)
	assert.Equal(t, contentSeq, msg.ContentSeq)
	require.NotNil(t, msg.Run)
	assert.Equal(t, "hello world", msg.Run.ExecutionTree[0].Children[0].Content)
	assert.Equal(t, domain.StatusCompleted, msg.Run.ExecutionTree[0].Children[0].Status)
}

func TestResyncRebaselines(t *testing.T) {
	env := newWSEnv(t)
	runID := env.createRun(t, "MSFT", reportTree("hello", domain.StatusInProgress))

	conn := env.dial(t, runID)
	readInitRun(t, conn)

	next := reportTree("hello world", domain.StatusInProgress)
	seq, _ := env.status.Compute(runID, next)
	contentSeq, _ := env.content.Compute(runID, next)
	env.reg.UpdateRun(runID, domain.RunUpdate{
		ExecutionTree: next,
		StatusSeq:     &seq,
		ContentSeq:    &contentSeq,
	})

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "resync"}))
	msg := readInitRun(t, conn)
	assert.Equal(t, seq, msg.Seq)
	assert.Equal(t, contentSeq, msg.ContentSeq)
	assert.Equal(t, "hello world", msg.Run.ExecutionTree[0].Children[0].Content)
}
