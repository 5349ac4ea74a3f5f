package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baptistecolle/cmdclaw-sub005/internal/domain"
)

type fakeCommands struct {
	mu        sync.Mutex
	decisions []string
	cancelled []string
}

func (f *fakeCommands) DecideApproval(_ context.Context, generationID, toolUseID string, req domain.ApprovalDecisionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if generationID == "gen_missing" {
		return domain.NotFoundf("generation %s", generationID)
	}
	f.decisions = append(f.decisions, generationID+"/"+toolUseID+"="+req.Decision)
	return nil
}

func (f *fakeCommands) CancelGeneration(_ context.Context, generationID string) (*domain.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, generationID)
	return &domain.Generation{GenerationID: generationID}, nil
}

func newTestServer(t *testing.T) (*Hub, *fakeCommands, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil)
	go hub.Run(ctx)
	commands := &fakeCommands{}
	srv := NewServer(hub, commands, nil, Options{
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Second,
		PingInterval: time.Minute,
	}, nil)

	e := echo.New()
	e.GET("/v1/conversations/:id/ws", srv.HandleConversation)
	e.GET("/v1/daemon/connect", srv.HandleDaemon)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return hub, commands, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestBroadcastReachesOnlyConversationViewers(t *testing.T) {
	hub, _, base := newTestServer(t)
	a := dial(t, base+"/v1/conversations/conv_a/ws")
	b := dial(t, base+"/v1/conversations/conv_b/ws")

	require.Eventually(t, func() bool {
		return hub.HasViewers("conv_a") && hub.HasViewers("conv_b")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.BroadcastJSON("conv_a", map[string]string{"type": "event", "generation_id": "gen_1"}))
	require.NoError(t, hub.BroadcastJSON("conv_b", map[string]string{"type": "event", "generation_id": "gen_2"}))

	var got map[string]string
	readJSON(t, a, &got)
	assert.Equal(t, "gen_1", got["generation_id"])
	readJSON(t, b, &got)
	assert.Equal(t, "gen_2", got["generation_id"])
}

func TestClientCommands(t *testing.T) {
	hub, commands, base := newTestServer(t)
	conn := dial(t, base+"/v1/conversations/conv_a/ws")
	require.Eventually(t, func() bool { return hub.HasViewers("conv_a") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeApprovalDecision, GenerationID: "gen_1", ToolUseID: "tool_1", Decision: "allow"}))
	var reply ReplyMessage
	readJSON(t, conn, &reply)
	assert.Equal(t, TypeAck, reply.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeCancel, GenerationID: "gen_1"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, TypeAck, reply.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeApprovalDecision, GenerationID: "gen_missing", ToolUseID: "tool_1", Decision: "deny"}))
	readJSON(t, conn, &reply)
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, "not found")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	readJSON(t, conn, &reply)
	assert.Equal(t, "invalid JSON message", reply.Error)

	commands.mu.Lock()
	defer commands.mu.Unlock()
	assert.Equal(t, []string{"gen_1/tool_1=allow"}, commands.decisions)
	assert.Equal(t, []string{"gen_1"}, commands.cancelled)
}

func TestUnregisterOnClose(t *testing.T) {
	hub, _, base := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(base+"/v1/conversations/conv_a/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hub.HasViewers("conv_a"))
}

func TestDaemonConnectDisabled(t *testing.T) {
	_, _, base := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/v1/daemon/connect?daemon_id=d1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)

	var body domain.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Code)
}

func TestHubStopsAcceptingAfterRunExits(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*sendBuffer; i++ {
			assert.ErrorIs(t, hub.BroadcastJSON("conv_a", map[string]int{"seq": i}), ErrHubClosed)
		}
		conn := hub.NewConnection(nil, "conv_a")
		hub.Register(conn)
		_, open := <-conn.Send
		assert.False(t, open)
		hub.Unregister(conn)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub calls blocked after Run returned")
	}
	assert.Equal(t, 0, hub.ConnectionCount())
}
