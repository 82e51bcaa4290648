package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomos/loomos/internal/httpkit"
)

// sessionHeader carries server-assigned session affinity tokens.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTP MCP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint. Outbound messages are POSTed
	// here; in streaming mode the same URL is opened as a server-push
	// event stream for inbound messages.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Timeout bounds each outbound POST. Zero means the httpkit
	// default.
	Timeout time.Duration

	// Streaming selects the server-push variant. When false the
	// transport is plain request/response: each POST's response body
	// is the inbound message.
	Streaming bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over HTTP. Outbound
// messages are individual POSTs. Inbound messages arrive either on a
// long-lived text/event-stream channel (streaming mode) or as the POST
// response bodies (plain mode).
type HTTPTransport struct {
	url        string
	headers    map[string]string
	streaming  bool
	httpClient *http.Client
	logger     *slog.Logger
	handlers   handlerSet

	connected atomic.Bool

	mu           sync.Mutex
	sessionID    string
	streamCancel context.CancelFunc
	streamDone   chan struct{}
	closed       bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{}
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		streaming:  cfg.Streaming,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

// Connect opens the inbound event stream in streaming mode. In plain
// mode there is no independent channel to open, so Connect only marks
// the transport live.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("http transport is closed")
	}

	if !t.streaming {
		t.connected.Store(true)
		return nil
	}
	if t.streamDone != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	// The stream outlives individual calls; use a client without an
	// overall timeout and detach from the connect context once open.
	streamCtx, cancel := context.WithCancel(context.Background())
	streamClient := httpkit.NewClient(httpkit.WithTimeout(0))

	resp, err := streamClient.Do(req.WithContext(streamCtx))
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream %s: %w", t.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		cancel()
		return fmt.Errorf("event stream %s returned %d: %s", t.url, resp.StatusCode, errBody)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		httpkit.DrainAndClose(resp.Body, 1<<20)
		cancel()
		return fmt.Errorf("event stream %s returned content-type %q", t.url, ct)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.sessionID = sid
	}

	t.streamCancel = cancel
	t.streamDone = make(chan struct{})
	t.connected.Store(true)

	go t.readStream(resp.Body, t.streamDone)

	t.logger.Info("MCP event stream opened", "url", t.url)
	return nil
}

// readStream parses server-sent events and dispatches each data
// payload as one inbound JSON message. Malformed payloads are dropped.
func (t *HTTPTransport) readStream(body io.ReadCloser, done chan struct{}) {
	defer close(done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			// Blank line terminates one event.
			if len(data) > 0 {
				t.dispatchEvent(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields and comments are not used.
		}
	}

	t.connected.Store(false)

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		t.logger.Warn("MCP event stream ended", "url", t.url, "error", scanner.Err())
	}
}

// dispatchEvent delivers one SSE data payload as an inbound message.
func (t *HTTPTransport) dispatchEvent(payload string) {
	if !json.Valid([]byte(payload)) {
		t.logger.Debug("skipping non-JSON event from MCP stream", "payload", payload)
		return
	}
	t.handlers.dispatch(json.RawMessage(payload))
}

// Send POSTs one JSON value to the endpoint. A non-2xx response is a
// hard error for this one call. In plain mode a non-empty response
// body is dispatched as the inbound message.
func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) error {
	if !t.connected.Load() {
		return fmt.Errorf("send to %s: %w", t.url, ErrNotConnected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	// Capture session ID from response.
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)
	}

	// Plain mode: the response body is the reply. Streaming servers
	// answer 202 with an empty body and push replies on the stream.
	if !t.streaming && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return fmt.Errorf("read response body: %w", err)
		}
		body = bytes.TrimSpace(body)
		if len(body) > 0 {
			if !json.Valid(body) {
				t.logger.Debug("skipping non-JSON response body from MCP server",
					"url", t.url,
				)
				return nil
			}
			t.handlers.dispatch(json.RawMessage(body))
		}
	}

	return nil
}

// OnMessage registers a listener for inbound JSON values.
func (t *HTTPTransport) OnMessage(h MessageHandler) func() {
	return t.handlers.add(h)
}

// Connected reports live channel status.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// Close shuts down the event stream, if any. Safe to call repeatedly.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected.Store(false)
	cancel := t.streamCancel
	done := t.streamDone
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
