package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lvonguyen/threatlens/internal/alert"
	"github.com/lvonguyen/threatlens/internal/profile"
	"github.com/lvonguyen/threatlens/internal/signature"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHub_BroadcastsAlerts(t *testing.T) {
	hub, srv, _ := startHub(t)
	a := dial(t, srv)
	b := dial(t, srv)

	if msg := readMessage(t, a); msg["type"] != "connected" {
		t.Fatalf("expected welcome, got %v", msg)
	}
	readMessage(t, b)
	waitForClients(t, hub, 2)

	sink := hub.Sink()
	sink.OnBlocked(profile.BehaviorProfile{Key: "203.0.113.9", State: profile.StateBlocked, IsBlocked: true})
	sink.OnZeroDayDetected(signature.ThreatSignature{ID: "zeroday-1", Type: signature.TypeZeroDay})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg["type"] != "source_blocked" {
			t.Fatalf("expected source_blocked, got %v", msg["type"])
		}
		data := msg["data"].(map[string]interface{})
		if data["profile"].(map[string]interface{})["key"] != "203.0.113.9" {
			t.Errorf("unexpected payload %v", data)
		}

		msg = readMessage(t, conn)
		if msg["type"] != "zero_day_detected" {
			t.Errorf("expected zero_day_detected, got %v", msg["type"])
		}
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dial(t, srv)
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	hub, srv, cancel := startHub(t)
	conn := dial(t, srv)
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
		t.Errorf("expected close frame, got %v", err)
	}

	<-hub.done
	hub.Sink().OnBlocked(profile.BehaviorProfile{Key: "late"})

	rec := httptest.NewRecorder()
	hub.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}

func TestHub_StopDeliversQueuedAlerts(t *testing.T) {
	hub, srv, cancel := startHub(t)
	conn := dial(t, srv)
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	for i := 0; i < 5; i++ {
		hub.Publish(alert.Event{Type: alert.EventSuspicious, Timestamp: time.Now()})
	}
	cancel()

	for i := 0; i < 5; i++ {
		if msg := readMessage(t, conn); msg["type"] != "suspicious_behavior" {
			t.Fatalf("alert %d: expected suspicious_behavior, got %v", i, msg["type"])
		}
	}
}

func TestHub_PublishWithoutClients(t *testing.T) {
	hub := NewHub(0, nil)
	for i := 0; i < broadcastBuffer+10; i++ {
		hub.Publish(alert.Event{Type: alert.EventSuspicious, Timestamp: time.Now()})
	}
	if hub.ClientCount() != 0 {
		t.Error("no clients expected")
	}
}
