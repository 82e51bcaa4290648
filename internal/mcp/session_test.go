package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockTransport is an in-memory Transport for session and client
// tests. onSend, when set, sees every outbound message; deliver
// injects inbound ones.
type mockTransport struct {
	handlers handlerSet

	mu         sync.Mutex
	connected  bool
	connectErr error
	closed     bool
	sent       []json.RawMessage
	onSend     func(msg json.RawMessage)
}

func (m *mockTransport) Connect(ctx context.Context) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errors.New("transport not connected")
	}
	m.sent = append(m.sent, msg)
	fn := m.onSend
	m.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
	return nil
}

func (m *mockTransport) OnMessage(h MessageHandler) func() {
	return m.handlers.add(h)
}

func (m *mockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) deliver(msg string) {
	m.handlers.dispatch(json.RawMessage(msg))
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// decodeSent extracts id and params from an outbound request.
func decodeSent(t *testing.T, msg json.RawMessage) (int64, string, map[string]any) {
	t.Helper()
	var req struct {
		ID     int64          `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(msg, &req); err != nil {
		t.Fatalf("decode outbound request: %v", err)
	}
	return req.ID, req.Method, req.Params
}

func newTestSession(t *testing.T, transport *mockTransport, timeout time.Duration) *Session {
	t.Helper()
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock transport: %v", err)
	}
	return NewSession(transport, SessionConfig{Timeout: timeout})
}

func TestSessionRequestResponse(t *testing.T) {
	transport := &mockTransport{}
	transport.onSend = func(msg json.RawMessage) {
		id, _, _ := decodeSent(t, msg)
		transport.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id))
	}
	s := newTestSession(t, transport, time.Second)
	defer s.Close()

	result, err := s.Request(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	var decoded map[string]bool
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !decoded["ok"] {
		t.Errorf("result = %s, want ok:true", result)
	}
}

func TestSessionConcurrentOutOfOrder(t *testing.T) {
	transport := &mockTransport{}

	// Hold replies until all requests are in flight, then answer in
	// reverse order.
	const n = 8
	var pendingMu sync.Mutex
	var ids []int64
	var seqs []float64
	ready := make(chan struct{})

	transport.onSend = func(msg json.RawMessage) {
		id, _, params := decodeSent(t, msg)
		pendingMu.Lock()
		ids = append(ids, id)
		seqs = append(seqs, params["seq"].(float64))
		count := len(ids)
		pendingMu.Unlock()
		if count == n {
			close(ready)
		}
	}

	s := newTestSession(t, transport, 5*time.Second)
	defer s.Close()

	go func() {
		<-ready
		pendingMu.Lock()
		defer pendingMu.Unlock()
		for i := len(ids) - 1; i >= 0; i-- {
			transport.deliver(fmt.Sprintf(
				`{"jsonrpc":"2.0","id":%d,"result":{"seq":%v}}`, ids[i], seqs[i]))
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			result, err := s.Request(context.Background(), "echo", map[string]any{"seq": seq})
			if err != nil {
				errs[seq] = err
				return
			}
			var decoded struct {
				Seq int `json:"seq"`
			}
			if err := json.Unmarshal(result, &decoded); err != nil {
				errs[seq] = err
				return
			}
			if decoded.Seq != seq {
				errs[seq] = fmt.Errorf("got seq %d, want %d", decoded.Seq, seq)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
}

func TestSessionTimeout(t *testing.T) {
	transport := &mockTransport{}
	s := newTestSession(t, transport, 50*time.Millisecond)
	defer s.Close()

	start := time.Now()
	_, err := s.Request(context.Background(), "slow/op", nil)
	if err == nil {
		t.Fatal("Request() should time out")
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if timeoutErr.Method != "slow/op" {
		t.Errorf("timeout method = %q, want slow/op", timeoutErr.Method)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed out after %s, expected ~50ms", elapsed)
	}

	// The pending entry is gone; a late response is silently ignored.
	s.mu.Lock()
	pendingLen := len(s.pending)
	s.mu.Unlock()
	if pendingLen != 0 {
		t.Errorf("pending = %d entries after timeout, want 0", pendingLen)
	}
	transport.deliver(`{"jsonrpc":"2.0","id":1,"result":{}}`)
}

func TestSessionTimeoutDoesNotAffectOthers(t *testing.T) {
	transport := &mockTransport{}
	transport.onSend = func(msg json.RawMessage) {
		id, method, _ := decodeSent(t, msg)
		if method == "fast" {
			go func() {
				time.Sleep(10 * time.Millisecond)
				transport.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id))
			}()
		}
		// "slow" never answered.
	}
	s := newTestSession(t, transport, 100*time.Millisecond)
	defer s.Close()

	var wg sync.WaitGroup
	var slowErr, fastErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, slowErr = s.Request(context.Background(), "slow", nil)
	}()
	go func() {
		defer wg.Done()
		_, fastErr = s.Request(context.Background(), "fast", nil)
	}()
	wg.Wait()

	var timeoutErr *TimeoutError
	if !errors.As(slowErr, &timeoutErr) {
		t.Errorf("slow error = %v, want *TimeoutError", slowErr)
	}
	if fastErr != nil {
		t.Errorf("fast request failed alongside the timeout: %v", fastErr)
	}
}

func TestSessionErrorResponse(t *testing.T) {
	transport := &mockTransport{}
	transport.onSend = func(msg json.RawMessage) {
		id, _, _ := decodeSent(t, msg)
		transport.deliver(fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, id))
	}
	s := newTestSession(t, transport, time.Second)
	defer s.Close()

	_, err := s.Request(context.Background(), "no/such", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestSessionCloseRejectsPending(t *testing.T) {
	transport := &mockTransport{}
	sent := make(chan struct{})
	transport.onSend = func(json.RawMessage) { close(sent) }
	s := newTestSession(t, transport, 10*time.Second)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "hang", nil)
		errc <- err
	}()

	<-sent
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("error = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request still blocked after Close")
	}

	// Requests after close fail immediately.
	if _, err := s.Request(context.Background(), "late", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("post-close error = %v, want ErrSessionClosed", err)
	}

	// Repeated close is a no-op.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSessionContextCancellation(t *testing.T) {
	transport := &mockTransport{}
	s := newTestSession(t, transport, 10*time.Second)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Request(ctx, "hang", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSessionNotifications(t *testing.T) {
	transport := &mockTransport{}
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	got := make(chan string, 1)
	s := NewSession(transport, SessionConfig{
		OnNotification: func(method string, _ json.RawMessage) {
			got <- method
		},
	})
	defer s.Close()

	transport.deliver(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	select {
	case method := <-got:
		if method != "notifications/tools/list_changed" {
			t.Errorf("method = %q, want notifications/tools/list_changed", method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler never fired")
	}
}

func TestSessionIgnoresStrayMessages(t *testing.T) {
	transport := &mockTransport{}
	transport.onSend = func(msg json.RawMessage) {
		id, _, _ := decodeSent(t, msg)
		// Noise before the real answer.
		transport.deliver(`{"jsonrpc":"2.0","id":9999,"result":{}}`)
		transport.deliver(`{"jsonrpc":"2.0","id":42,"method":"roots/list"}`)
		transport.deliver(`not even json`)
		transport.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id))
	}
	s := newTestSession(t, transport, time.Second)
	defer s.Close()

	if _, err := s.Request(context.Background(), "ping", nil); err != nil {
		t.Errorf("Request() error = %v, stray messages should be ignored", err)
	}
}

func TestSessionNotify(t *testing.T) {
	transport := &mockTransport{}
	s := newTestSession(t, transport, time.Second)
	defer s.Close()

	if err := s.Notify(context.Background(), "notifications/initialized", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if transport.sentCount() != 1 {
		t.Errorf("sent %d messages, want 1", transport.sentCount())
	}
}
