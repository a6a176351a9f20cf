package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbus-ops/agent-mon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubBackend serves canned answers for hub commands.
type stubBackend struct {
	metrics   types.MetricsSnapshot
	agents    []types.Agent
	actionErr error
}

func (s *stubBackend) Metrics() types.MetricsSnapshot { return s.metrics }
func (s *stubBackend) Agents() []types.Agent          { return s.agents }
func (s *stubBackend) Errors(limit int, typeFilter string) []types.ErrorEvent {
	return nil
}
func (s *stubBackend) ExecuteAction(ctx context.Context, actionID string) (types.RecoveryAction, error) {
	if s.actionErr != nil {
		return types.RecoveryAction{}, s.actionErr
	}
	return types.RecoveryAction{ID: actionID, Status: types.ActionCompleted}, nil
}

// dial connects a test client and consumes the connection greeting.
func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var greeting struct {
		Type     string `json:"type"`
		ClientID string `json:"clientId"`
	}
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if greeting.Type != types.EventConnection || greeting.ClientID == "" {
		t.Fatalf("greeting = %+v, want connection with clientId", greeting)
	}
	return conn, greeting.ClientID
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(testLogger())
	h.SetBackend(&stubBackend{metrics: types.MetricsSnapshot{CPU: 42}})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, srv
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
}

func TestBroadcast_AllClientsReceiveIdenticalPayload(t *testing.T) {
	h, srv := newTestHub(t)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i], _ = dial(t, srv.URL)
	}
	waitForClients(t, h, 3)

	h.Broadcast("test_event", map[string]string{"k": "v"})

	var payloads []string
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		payloads = append(payloads, string(raw))
	}

	for i := 1; i < len(payloads); i++ {
		if payloads[i] != payloads[0] {
			t.Errorf("payload %d differs:\n%s\n%s", i, payloads[i], payloads[0])
		}
	}

	var env struct {
		Type      string            `json:"type"`
		Data      map[string]string `json:"data"`
		Timestamp time.Time         `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(payloads[0]), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "test_event" || env.Data["k"] != "v" || env.Timestamp.IsZero() {
		t.Errorf("envelope = %+v", env)
	}
}

func TestBroadcast_DeadClientPruned(t *testing.T) {
	h, srv := newTestHub(t)

	conn, _ := dial(t, srv.URL)
	dial(t, srv.URL)
	waitForClients(t, h, 2)

	conn.Close()

	// The read loop notices the close; the write path also prunes on
	// failure. Either way the dead client must disappear.
	h.Broadcast("tick", nil)
	waitForClients(t, h, 1)
}

func TestBroadcast_StalledClientPrunedNotBlocking(t *testing.T) {
	h := New(testLogger())
	h.writeTimeout = 100 * time.Millisecond
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	// This client never reads after the greeting, so the socket buffers
	// fill and writes stall at the TCP level without erroring.
	dial(t, srv.URL)
	waitForClients(t, h, 1)

	payload := strings.Repeat("x", 512*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200 && h.ClientCount() > 0; i++ {
			h.Broadcast("flood", payload)
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broadcast blocked on a client that stopped reading")
	}

	waitForClients(t, h, 0)
}

func TestSubscriptionsDoNotFilterBroadcasts(t *testing.T) {
	h, srv := newTestHub(t)

	conn, _ := dial(t, srv.URL)
	waitForClients(t, h, 1)

	if err := conn.WriteJSON(map[string]any{
		"type":          "subscribe",
		"subscriptions": []string{"only_this_event"},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	h.Broadcast("some_other_event", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("subscribed client did not receive unrelated event: %v", err)
	}
	if env.Type != "some_other_event" {
		t.Errorf("event type = %q", env.Type)
	}
}

func TestCommand_GetMetrics(t *testing.T) {
	_, srv := newTestHub(t)
	conn, _ := dial(t, srv.URL)

	if err := conn.WriteJSON(map[string]any{
		"type":    "command",
		"command": "getMetrics",
	}); err != nil {
		t.Fatalf("send command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp struct {
		Type    string                `json:"type"`
		Command string                `json:"command"`
		Result  types.MetricsSnapshot `json:"result"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != "response" || resp.Command != "getMetrics" {
		t.Errorf("response header = %+v", resp)
	}
	if resp.Result.CPU != 42 {
		t.Errorf("metrics cpu = %v, want 42", resp.Result.CPU)
	}
}

func TestCommand_ExecuteAction(t *testing.T) {
	_, srv := newTestHub(t)
	conn, _ := dial(t, srv.URL)

	if err := conn.WriteJSON(map[string]any{
		"type":    "command",
		"command": "executeAction",
		"params":  map[string]string{"actionId": "a1"},
	}); err != nil {
		t.Fatalf("send command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp struct {
		Type   string               `json:"type"`
		Result types.RecoveryAction `json:"result"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != "response" || resp.Result.ID != "a1" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCommand_Unknown(t *testing.T) {
	_, srv := newTestHub(t)
	conn, _ := dial(t, srv.URL)

	if err := conn.WriteJSON(map[string]any{
		"type":    "command",
		"command": "selfDestruct",
	}); err != nil {
		t.Fatalf("send command: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != "error" || resp.Error == "" {
		t.Errorf("response = %+v, want error", resp)
	}
}

// tapRecorder captures mirrored payloads.
type tapRecorder struct {
	events []string
}

func (r *tapRecorder) Publish(event string, payload []byte) {
	r.events = append(r.events, event)
}

func TestTapReceivesBroadcasts(t *testing.T) {
	h := New(testLogger())
	tap := &tapRecorder{}
	h.SetTap(tap)

	h.Broadcast("mirrored", nil)

	if len(tap.events) != 1 || tap.events[0] != "mirrored" {
		t.Errorf("tap events = %v", tap.events)
	}
}
