package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomos/loomos/internal/config"
)

// MessageHandler receives one inbound JSON value from a transport.
// Handlers run on the transport's read goroutine and must not block.
type MessageHandler func(msg json.RawMessage)

// Transport is a duplex message channel to one MCP server. The three
// implementations (stdio subprocess, HTTP, WebSocket) share this
// contract; the Session layer above it handles framing and request
// correlation.
type Transport interface {
	// Connect establishes the channel. It fails with a descriptive
	// error when the endpoint cannot be reached or the process cannot
	// be started.
	Connect(ctx context.Context) error

	// Send transmits one serialized JSON value. It fails if the
	// channel is not open.
	Send(ctx context.Context, msg json.RawMessage) error

	// OnMessage registers a listener for inbound JSON values and
	// returns a function that removes it again.
	OnMessage(h MessageHandler) (unsubscribe func())

	// Connected reports live channel status. A transport whose peer
	// has exited or whose stream has dropped reports false.
	Connected() bool

	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// NewTransport constructs the Transport for a server config, keyed on
// its transport kind. The config should already have environment
// placeholders expanded.
func NewTransport(cfg config.ServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		}), nil
	case config.TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout(),
			Logger:  logger,
		}), nil
	case config.TransportSSE:
		return NewHTTPTransport(HTTPConfig{
			URL:       cfg.URL,
			Headers:   cfg.Headers,
			Timeout:   cfg.Timeout(),
			Streaming: true,
			Logger:    logger,
		}), nil
	case config.TransportWebSocket:
		return NewWebSocketTransport(WebSocketConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q for server %s", cfg.Transport, cfg.ID)
	}
}

// handlerSet is the shared OnMessage listener registry used by all
// transport implementations.
type handlerSet struct {
	mu       sync.Mutex
	nextKey  int
	handlers map[int]MessageHandler
}

// add registers a handler and returns its removal function.
func (h *handlerSet) add(fn MessageHandler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.handlers == nil {
		h.handlers = make(map[int]MessageHandler)
	}
	key := h.nextKey
	h.nextKey++
	h.handlers[key] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.handlers, key)
	}
}

// dispatch delivers one message to every registered handler.
func (h *handlerSet) dispatch(msg json.RawMessage) {
	h.mu.Lock()
	fns := make([]MessageHandler, 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}
