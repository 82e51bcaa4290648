package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a socket MCP transport over WebSocket.
type WebSocketConfig struct {
	// URL is the MCP server endpoint. http/https schemes are mapped
	// to ws/wss automatically.
	URL string

	// Headers are additional HTTP headers sent with the handshake
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport communicates with an MCP server over a persistent
// bidirectional socket. Each text frame carries one JSON message.
type WebSocketTransport struct {
	url      string
	headers  map[string]string
	logger   *slog.Logger
	handlers handlerSet

	connected atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// writeMu serializes frame writes; gorilla connections allow only
	// one concurrent writer.
	writeMu sync.Mutex
}

// NewWebSocketTransport creates a socket transport for the given config.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Connect dials the socket and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("websocket transport is closed")
	}
	if t.conn != nil {
		return nil
	}

	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	t.logger.Info("connecting to MCP WebSocket", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024, // 1MB for large tool results
		WriteBufferSize: 64 * 1024,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial websocket %s: %w", u.String(), err)
	}

	conn.SetReadLimit(10 << 20) // 10 MiB max message size

	t.conn = conn
	t.connected.Store(true)

	go t.readLoop(conn)
	return nil
}

// readLoop reads frames and dispatches each as one inbound message.
// Malformed frames are dropped; a read error ends the connection.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connected.Store(false)

			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()

			switch {
			case closed:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				t.logger.Info("MCP WebSocket closed normally")
			default:
				t.logger.Warn("MCP WebSocket read error, connection lost", "error", err)
			}
			return
		}

		if !json.Valid(data) {
			t.logger.Debug("skipping non-JSON frame from MCP WebSocket", "size", len(data))
			continue
		}

		msg := make(json.RawMessage, len(data))
		copy(msg, data)
		t.handlers.dispatch(msg)
	}
}

// Send writes one JSON value as a text frame. Write errors surface to
// the caller and mark the transport disconnected.
func (t *WebSocketTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || !t.connected.Load() {
		return fmt.Errorf("send to %s: %w", t.url, ErrNotConnected)
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, msg)
	t.writeMu.Unlock()

	if err != nil {
		t.connected.Store(false)
		return fmt.Errorf("write to websocket: %w", err)
	}
	return nil
}

// OnMessage registers a listener for inbound JSON values.
func (t *WebSocketTransport) OnMessage(h MessageHandler) func() {
	return t.handlers.add(h)
}

// Connected reports live socket status.
func (t *WebSocketTransport) Connected() bool {
	return t.connected.Load()
}

// Close tears the socket down. Safe to call repeatedly.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected.Store(false)
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	// Best effort close frame so well-behaved peers see a clean exit.
	t.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	return conn.Close()
}
