package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRequestTimeout bounds each request when the session config
// does not override it.
const DefaultRequestTimeout = 30 * time.Second

// NotificationHandler receives server-initiated notifications. It runs
// on the transport's read goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// SessionConfig configures a Session.
type SessionConfig struct {
	// Timeout is the per-request timeout. Zero means
	// DefaultRequestTimeout.
	Timeout time.Duration

	// OnNotification, if set, receives server-initiated notifications
	// (messages with a method and no id).
	OnNotification NotificationHandler

	// Logger is the structured logger for session diagnostics.
	Logger *slog.Logger
}

// Session frames requests as JSON-RPC envelopes over one Transport and
// correlates responses by id. It supports many concurrent outstanding
// requests; responses may arrive in any order. Request ids are unique
// for the lifetime of the session.
type Session struct {
	transport Transport
	timeout   time.Duration
	notify    NotificationHandler
	logger    *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *Response
	closed  bool

	unsubscribe func()
}

// NewSession wraps a connected Transport. The session registers itself
// as the transport's message handler.
func NewSession(transport Transport, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	s := &Session{
		transport: transport,
		timeout:   timeout,
		notify:    cfg.OnNotification,
		logger:    logger,
		pending:   make(map[int64]chan *Response),
	}
	s.unsubscribe = transport.OnMessage(s.handleMessage)
	return s
}

// handleMessage classifies one inbound JSON value. Responses resolve
// their pending request; server-side requests are tolerated but not
// served in this client role; notifications go to the optional
// handler. Anything else is dropped.
func (s *Session) handleMessage(raw json.RawMessage) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("dropping malformed message", "error", err)
		return
	}

	switch msg.kind() {
	case kindResponse:
		resp := &Response{
			JSONRPC: msg.JSONRPC,
			ID:      *msg.ID,
			Result:  msg.Result,
			Error:   msg.Error,
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mu.Unlock()

		if !ok {
			// Late or unsolicited response; the request already timed
			// out or was never ours.
			s.logger.Debug("ignoring response with no pending request", "id", resp.ID)
			return
		}
		ch <- resp

	case kindRequest:
		s.logger.Debug("ignoring server-initiated request", "method", msg.Method, "id", *msg.ID)

	case kindNotification:
		if s.notify != nil {
			s.notify(msg.Method, msg.Params)
		} else {
			s.logger.Debug("ignoring notification", "method", msg.Method)
		}

	default:
		s.logger.Debug("dropping unclassifiable message")
	}
}

// Request sends a JSON-RPC request and waits for the matching
// response, the configured timeout, or context cancellation. A timeout
// fails only this call: the pending entry is removed so a late
// response is silently ignored, and no other request is affected.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *Response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := s.transport.Send(ctx, data); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, &TimeoutError{Method: method, After: s.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a one-way message with no reply expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", method, ErrSessionClosed)
	}

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := s.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Close rejects every pending request, detaches from the transport,
// and closes it. Callers blocked in Request fail with
// ErrSessionClosed; none hang. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.unsubscribe()
	return s.transport.Close()
}
