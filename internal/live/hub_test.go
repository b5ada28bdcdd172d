package live

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

func newTestHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(origins, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ObserveAlert(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	sentAt := time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)
	hub.ObserveAlert(context.Background(),
		models.DetectionEvent{ID: 9, Disease: "Late_Blight", Latitude: 12.9, Longitude: 77.6},
		models.SentAlert{ID: 3, UserID: 42, Disease: "Late_Blight", SentAt: sentAt},
	)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "user_id") {
		t.Fatalf("user id leaked to live clients: %s", data)
	}

	var msg struct {
		Type    string      `json:"type"`
		Payload AlertNotice `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "alert" || msg.Payload.EventID != 9 || msg.Payload.AlertID != 3 || !msg.Payload.SentAt.Equal(sentAt) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHub_PublishDetectionFanOut(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	waitForClients(t, hub, 2)

	hub.PublishDetection(models.DetectionEvent{ID: 1, Disease: "Leaf_Rust"})

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "detection" {
			t.Fatalf("unexpected type %q", msg.Type)
		}
	}
}

func TestHub_Unregister(t *testing.T) {
	hub, srv := newTestHub(t, nil)
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_Shutdown(t *testing.T) {
	hub := NewHub(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	served := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeHTTP(w, r)
		served <- struct{}{}
	}))
	defer srv.Close()

	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)
	<-served

	cancel()
	<-stopped

	// The open client is closed by the hub.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after shutdown")
	}

	// A late upgrade is refused instead of blocking the handler.
	late := dial(t, srv, nil)
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeHTTP blocked after the hub stopped")
	}
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Fatal("expected the late connection to be closed")
	}

	// Detaching after shutdown returns immediately.
	left := make(chan struct{})
	go func() {
		hub.leave(&client{id: "late"})
		close(left)
	}()
	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("leave blocked after the hub stopped")
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	_, srv := newTestHub(t, []string{"https://dashboard.example"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	dial(t, srv, http.Header{"Origin": {"https://dashboard.example"}})
}
