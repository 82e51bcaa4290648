package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoWSServer upgrades each request and echoes text frames back.
func echoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	srv := echoWSServer(t)
	defer srv.Close()

	// An http:// URL must be mapped to ws:// automatically.
	tr := NewWebSocketTransport(WebSocketConfig{URL: srv.URL})
	msgs := collectMessages(t, tr)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	if !tr.Connected() {
		t.Fatal("Connected() = false after Connect")
	}

	sent := `{"jsonrpc":"2.0","id":3,"method":"ping"}`
	if err := tr.Send(context.Background(), json.RawMessage(sent)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case got := <-msgs:
		if string(got) != sent {
			t.Errorf("received %s, want %s", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestWebSocketTransportHandshakeHeaders(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	select {
	case auth := <-gotAuth:
		if auth != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", auth)
		}
	case <-time.After(time.Second):
		t.Fatal("handshake never reached the server")
	}
}

func TestWebSocketTransportDropsNonJSONFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("garbage frame"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"ok"}`))
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: srv.URL})
	msgs := collectMessages(t, tr)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	select {
	case got := <-msgs:
		var decoded struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(got, &decoded); err != nil {
			t.Fatalf("dispatched frame is not JSON: %s", got)
		}
		if decoded.Method != "ok" {
			t.Errorf("method = %q, the garbage frame should have been dropped", decoded.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never dispatched")
	}
}

func TestWebSocketTransportPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	deadline := time.After(2 * time.Second)
	for tr.Connected() {
		select {
		case <-deadline:
			t.Fatal("transport still connected after peer close")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := tr.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("Send() should fail after the peer closed")
	}
}

func TestWebSocketTransportConnectFailure(t *testing.T) {
	tr := NewWebSocketTransport(WebSocketConfig{URL: "ws://127.0.0.1:1/nope"})
	if err := tr.Connect(context.Background()); err == nil {
		t.Error("Connect() should fail when nothing is listening")
	}
	if tr.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestWebSocketTransportClose(t *testing.T) {
	srv := echoWSServer(t)
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if tr.Connected() {
		t.Error("Connected() = true after Close")
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
