package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomos/loomos/internal/buildinfo"
	"github.com/loomos/loomos/internal/config"
)

// protocolVersion is the MCP protocol version we advertise during
// initialization.
const protocolVersion = "2024-11-05"

// ConnectionState is the lifecycle state of one server connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalJSON renders the state name in observable snapshots.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the raw result envelope of a tools/call response.
// The Client returns it unmodified; flattening to the agent's result
// shape is the bridge's job.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities describes what an MCP server supports.
type ServerCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
	Prompts   *struct{} `json:"prompts,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ServerState is an observable snapshot of one connection, recomputed
// on demand from the client's live fields.
type ServerState struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	State         ConnectionState    `json:"state"`
	Capabilities  ServerCapabilities `json:"capabilities"`
	ToolCount     int                `json:"tool_count"`
	ServerVersion string             `json:"server_version,omitempty"`
	ConnectedAt   time.Time          `json:"connected_at,omitzero"`
	LastError     string             `json:"last_error,omitempty"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-request timeout for this client's
// session.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithTransportFactory overrides how the client builds its transport.
// Tests use this to substitute in-memory transports.
func WithTransportFactory(fn func(config.ServerConfig, *slog.Logger) (Transport, error)) ClientOption {
	return func(c *Client) { c.newTransport = fn }
}

// Client owns the connection to a single MCP server: it drives the
// state machine, performs the protocol handshake, caches the server's
// advertised tools, and exposes the call operations. There is no
// automatic reconnection — after an error the retry policy belongs to
// the caller.
type Client struct {
	cfg          config.ServerConfig
	logger       *slog.Logger
	timeout      time.Duration
	newTransport func(config.ServerConfig, *slog.Logger) (Transport, error)

	mu            sync.RWMutex
	state         ConnectionState
	transport     Transport
	session       *Session
	serverName    string
	serverVer     string
	caps          ServerCapabilities
	tools         map[string]ToolDefinition
	toolOrder     []string
	connectedAt   time.Time
	lastErr       error
	onToolsChange func()
}

// NewClient creates a client for the given server config. The
// connection is not established until Connect.
func NewClient(cfg config.ServerConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:          cfg,
		logger:       logger.With("mcp_server", cfg.ID),
		timeout:      DefaultRequestTimeout,
		newTransport: NewTransport,
		state:        StateDisconnected,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ID returns the server id from the config.
func (c *Client) ID() string {
	return c.cfg.ID
}

// Key returns the registry key. For a shared client this is the
// server id; isolated clients use a per-user keyspace.
func (c *Client) Key() string {
	return c.cfg.ID
}

// Config returns the server config the client was built from.
func (c *Client) Config() config.ServerConfig {
	return c.cfg
}

// OnToolsChanged registers a callback fired when the server announces
// a changed tool list. The callback runs on its own goroutine.
func (c *Client) OnToolsChanged(fn func()) {
	c.mu.Lock()
	c.onToolsChange = fn
	c.mu.Unlock()
}

// State returns an observable snapshot of the connection.
func (c *Client) State() ServerState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := ServerState{
		ID:            c.cfg.ID,
		Name:          c.cfg.Name,
		State:         c.state,
		Capabilities:  c.caps,
		ToolCount:     len(c.tools),
		ServerVersion: c.serverVer,
		ConnectedAt:   c.connectedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Connect builds the transport, establishes the channel, performs the
// initialize handshake, and fetches the initial tool list. Any failure
// at any step leaves the client in StateError and is returned; a
// partially connected client is not usable.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return fmt.Errorf("server %s: connect already in progress", c.cfg.ID)
	case StateConnected:
		c.mu.Unlock()
		return fmt.Errorf("server %s: already connected", c.cfg.ID)
	}
	c.state = StateConnecting
	c.lastErr = nil
	c.mu.Unlock()

	transport, session, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.transport = transport
	c.session = session
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("MCP server connected",
		"server_name", c.serverName,
		"server_version", c.serverVer,
		"tools", len(c.tools),
	)
	return nil
}

// establish runs the connect sequence without holding the state lock,
// so inbound notifications handled on the read goroutine cannot
// deadlock against it.
func (c *Client) establish(ctx context.Context) (Transport, *Session, error) {
	transport, err := c.newTransport(c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}

	if err := transport.Connect(ctx); err != nil {
		transport.Close()
		return nil, nil, fmt.Errorf("connect to %s: %w", c.cfg.ID, err)
	}

	session := NewSession(transport, SessionConfig{
		Timeout:        c.timeout,
		OnNotification: c.handleNotification,
		Logger:         c.logger,
	})

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "loomos",
			"version": buildinfo.Version,
		},
	}

	resp, err := session.Request(ctx, "initialize", params)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("initialize %s: %w", c.cfg.ID, err)
	}

	var init initializeResult
	if err := json.Unmarshal(resp, &init); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	if err := session.Notify(ctx, "notifications/initialized", nil); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("send initialized notification: %w", err)
	}

	listResp, err := session.Request(ctx, "tools/list", nil)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("tools/list %s: %w", c.cfg.ID, err)
	}

	var list toolsListResult
	if err := json.Unmarshal(listResp, &list); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.serverName = init.ServerInfo.Name
	c.serverVer = init.ServerInfo.Version
	c.caps = init.Capabilities
	c.setToolsLocked(list.Tools)
	c.mu.Unlock()

	return transport, session, nil
}

// setToolsLocked replaces the tool cache. Caller holds c.mu.
func (c *Client) setToolsLocked(defs []ToolDefinition) {
	c.tools = make(map[string]ToolDefinition, len(defs))
	c.toolOrder = make([]string, 0, len(defs))
	for _, td := range defs {
		if _, dup := c.tools[td.Name]; dup {
			c.logger.Warn("server advertised duplicate tool name", "tool", td.Name)
			continue
		}
		c.tools[td.Name] = td
		c.toolOrder = append(c.toolOrder, td.Name)
	}
}

// handleNotification reacts to server-initiated notifications. Runs on
// the transport read goroutine; anything slow is handed off.
func (c *Client) handleNotification(method string, _ json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		c.mu.RLock()
		fn := c.onToolsChange
		c.mu.RUnlock()
		if fn != nil {
			go fn()
		}
	default:
		c.logger.Debug("ignoring notification", "method", method)
	}
}

// Tools returns the cached tool definitions in advertised order. The
// cache is only trusted while the client is connected.
func (c *Client) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		out = append(out, c.tools[name])
	}
	return out
}

// RefreshTools re-fetches the tool list and replaces the cache
// wholesale.
func (c *Client) RefreshTools(ctx context.Context) ([]ToolDefinition, error) {
	session, err := c.connectedSession()
	if err != nil {
		return nil, err
	}

	resp, err := session.Request(ctx, "tools/list", nil)
	if err != nil {
		c.noteRequestFailure(err)
		return nil, fmt.Errorf("tools/list %s: %w", c.cfg.ID, err)
	}

	var list toolsListResult
	if err := json.Unmarshal(resp, &list); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.mu.Lock()
	c.setToolsLocked(list.Tools)
	c.mu.Unlock()

	c.logger.Info("refreshed MCP tools", "count", len(list.Tools))
	return c.Tools(), nil
}

// CallTool invokes a tool by name and returns the raw result envelope.
// It fails fast with ErrNotConnected when the client is not connected
// — no network attempt is made.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	session, err := c.connectedSession()
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := session.Request(ctx, "tools/call", params)
	if err != nil {
		c.noteRequestFailure(err)
		return nil, fmt.Errorf("tools/call %s on %s: %w", name, c.cfg.ID, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks whether the server is responsive. Used for health
// monitoring.
func (c *Client) Ping(ctx context.Context) error {
	session, err := c.connectedSession()
	if err != nil {
		return err
	}
	if _, err := session.Request(ctx, "ping", nil); err != nil {
		c.noteRequestFailure(err)
		return err
	}
	return nil
}

// connectedSession returns the live session or fails fast when the
// client is not connected.
func (c *Client) connectedSession() (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != StateConnected || c.session == nil {
		return nil, fmt.Errorf("server %s (state %s): %w", c.cfg.ID, c.state, ErrNotConnected)
	}
	return c.session, nil
}

// noteRequestFailure records a transport-level failure as the client's
// error state. Timeouts and per-call protocol errors are scoped to
// their one call and do not change state.
func (c *Client) noteRequestFailure(err error) {
	var rpcErr *RPCError
	var timeoutErr *TimeoutError
	if errors.As(err, &rpcErr) || errors.As(err, &timeoutErr) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected && c.transport != nil && !c.transport.Connected() {
		c.state = StateError
		c.lastErr = err
		c.logger.Warn("MCP connection lost", "error", err)
	}
}

// Disconnect closes the session (rejecting all pending requests) and
// the transport, and returns the client to StateDisconnected. Safe to
// call in any state.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	session := c.session
	transport := c.transport
	c.session = nil
	c.transport = nil
	c.state = StateDisconnected
	c.tools = nil
	c.toolOrder = nil
	c.mu.Unlock()

	if session != nil {
		c.logger.Info("closing MCP client")
		return session.Close()
	}
	if transport != nil {
		return transport.Close()
	}
	return nil
}
