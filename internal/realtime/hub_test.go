package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/txguard/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func decision(sender string, flagged bool, amount float64) *Event {
	return &Event{
		Type:      EventDecision,
		Timestamp: time.Now(),
		Data:      map[string]any{"sender_user_id": sender},
		SenderID:  sender,
		Flagged:   flagged,
		Amount:    amount,
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true, FlaggedOnly: true}}

	if !h.shouldSend(client, decision("u1", false, 1)) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{EventTypes: []EventType{"other"}}}

	if h.shouldSend(client, decision("u1", false, 1)) {
		t.Error("Should NOT receive decision events")
	}
	if !h.shouldSend(client, &Event{Type: "other"}) {
		t.Error("Should receive subscribed event type")
	}
}

func TestShouldSend_SenderFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{SenderIDs: []string{"u1"}}}

	if !h.shouldSend(client, decision("u1", false, 1)) {
		t.Error("Should match on sender")
	}
	if h.shouldSend(client, decision("u2", false, 1)) {
		t.Error("Should NOT match unrelated sender")
	}
}

func TestShouldSend_FlaggedOnly(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{FlaggedOnly: true}}

	if !h.shouldSend(client, decision("u1", true, 1)) {
		t.Error("Should receive flagged decision")
	}
	if h.shouldSend(client, decision("u1", false, 1)) {
		t.Error("Should NOT receive accepted decision")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{MinAmount: 10}}

	if !h.shouldSend(client, decision("u1", false, 15)) {
		t.Error("Should receive large transaction")
	}
	if h.shouldSend(client, decision("u1", false, 5)) {
		t.Error("Should NOT receive small transaction")
	}
	if !h.shouldSend(client, &Event{Type: "other"}) {
		t.Error("MinAmount filter should only apply to decisions")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, decision("u1", false, 0)) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func registerClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 256), sub: sub}
	h.register <- client
	return client
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := startHub(t)
	client := registerClient(t, h, Subscription{AllEvents: true})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := startHub(t)
	client := registerClient(t, h, Subscription{AllEvents: true})

	if !h.Broadcast(decision("u1", true, 500)) {
		t.Fatal("Broadcast should accept event")
	}

	select {
	case msg := <-client.send:
		var got struct {
			Type EventType      `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if got.Type != EventDecision || got.Data["sender_user_id"] != "u1" {
			t.Errorf("unexpected payload %s", msg)
		}
		if strings.Contains(string(msg), "Flagged") {
			t.Error("routing fields must not be serialized")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := startHub(t)
	client := registerClient(t, h, Subscription{FlaggedOnly: true})

	h.Broadcast(decision("u1", false, 10))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive accepted decision")
	default:
	}

	h.Broadcast(decision("u1", true, 10))
	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive flagged decision")
	}
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	h := testHub() // not running, so nothing drains the queue
	for i := 0; i < cap(h.broadcast); i++ {
		if !h.Broadcast(decision("u1", false, 1)) {
			t.Fatalf("event %d dropped before queue was full", i)
		}
	}
	if h.Broadcast(decision("u1", false, 1)) {
		t.Error("Broadcast should report a drop when the queue is full")
	}
	if h.Stats()["droppedEvents"].(int64) != 1 {
		t.Errorf("Expected 1 dropped event, got %v", h.Stats()["droppedEvents"])
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Narrow to one sender, then wait for the hub to apply it.
	if err := conn.WriteJSON(Subscription{SenderIDs: []string{"u2"}}); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Broadcast(decision("u1", false, 1))
	h.Broadcast(decision("u2", false, 1))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"u2"`) {
		t.Errorf("expected only u2's decision, got %s", msg)
	}
}
