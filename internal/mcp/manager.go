package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomos/loomos/internal/config"
	"github.com/loomos/loomos/internal/tools"
)

// route maps a namespaced agent tool name back to its owning client
// and the protocol-side tool name.
type route struct {
	key      string
	toolName string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithToolRegistry shares an existing agent tool registry instead of
// the manager's own.
func WithToolRegistry(r *tools.Registry) ManagerOption {
	return func(m *Manager) { m.toolReg = r }
}

// WithStateStore enables persisted session state for isolated clients.
func WithStateStore(s StateStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithSessionDir sets the root directory under which isolated clients
// get their per-user working directories.
func WithSessionDir(dir string) ManagerOption {
	return func(m *Manager) { m.sessionDir = dir }
}

// WithClientOptions forwards options to every client the manager
// builds. Tests use this to substitute transports.
func WithClientOptions(opts ...ClientOption) ManagerOption {
	return func(m *Manager) { m.clientOpts = opts }
}

// WithServerAddedHook registers a callback fired after a client
// connects, whether it came from the startup config, an explicit
// AddServer, or a discovery announcement. The composition root uses it
// to attach health watchers to every server the same way.
func WithServerAddedHook(fn func(Handle)) ManagerOption {
	return func(m *Manager) { m.onServerAdded = fn }
}

// Manager owns the registry of server connections and the agent-facing
// tool surface. The agent resolves namespaced tool calls through it;
// discovery feeds it new servers at runtime.
type Manager struct {
	cfg        config.MCPConfig
	logger     *slog.Logger
	registry   *Registry
	toolReg    *tools.Registry
	store      StateStore
	sessionDir string
	clientOpts []ClientOption

	onServerAdded func(Handle)

	mu     sync.RWMutex
	routes map[string]route
}

// NewManager creates a manager for the given subsystem config.
func NewManager(cfg config.MCPConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		registry:   NewRegistry(),
		routes:     make(map[string]route),
		sessionDir: "sessions",
	}
	for _, o := range opts {
		o(m)
	}
	if m.toolReg == nil {
		m.toolReg = tools.NewRegistry()
	}
	return m
}

// callTimeout returns the configured per-request timeout.
func (m *Manager) callTimeout() time.Duration {
	if m.cfg.CallTimeoutSec > 0 {
		return time.Duration(m.cfg.CallTimeoutSec) * time.Second
	}
	return DefaultRequestTimeout
}

// syncInterval returns the configured isolated-client sync interval.
func (m *Manager) syncInterval() time.Duration {
	return time.Duration(m.cfg.SyncIntervalSec) * time.Second
}

// ConnectAll connects every enabled configured server. Failures are
// logged per server and do not stop the rest; a failed server stays
// registered in error state so it shows up in ServerStates.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, sc := range m.cfg.Servers {
		if !sc.IsEnabled() {
			m.logger.Debug("skipping disabled MCP server", "server", sc.ID)
			continue
		}
		if err := m.AddServer(ctx, sc); err != nil {
			m.logger.Error("MCP server connection failed",
				"server", sc.ID,
				"error", err,
			)
		}
	}
}

// AddServer registers and connects a shared client for one server
// config. The client is registered before connecting so its state is
// observable even when the connection attempt fails; the error is
// still returned.
func (m *Manager) AddServer(ctx context.Context, sc config.ServerConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	sc = sc.Expanded()

	client := NewClient(sc, m.logger, m.buildClientOpts()...)
	if err := m.registry.Register(client); err != nil {
		return err
	}

	client.OnToolsChanged(func() { m.rebridge(client) })

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("server %s: %w", sc.ID, err)
	}

	m.bridgeClient(client)
	if m.onServerAdded != nil {
		m.onServerAdded(client)
	}
	return nil
}

// AddIsolatedServer registers and connects a per-user isolated client
// for one server config. Its working directory lives under the session
// root and its tools are not bridged into the shared registry; callers
// route to it explicitly through its per-user key.
func (m *Manager) AddIsolatedServer(ctx context.Context, sc config.ServerConfig, userID string) (*IsolatedClient, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("server %s: isolated client requires a user id", sc.ID)
	}
	sc = sc.Expanded()

	workDir := filepath.Join(m.sessionDir, sc.ID, userID)
	client := NewIsolatedClient(sc, userID, workDir, m.store, m.logger, m.buildClientOpts()...)

	if err := m.registry.Register(client); err != nil {
		return nil, err
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("server %s user %s: %w", sc.ID, userID, err)
	}

	client.StartPeriodicSync(m.syncInterval())
	if m.onServerAdded != nil {
		m.onServerAdded(client)
	}
	return client, nil
}

// buildClientOpts prepends the manager's call timeout to any
// caller-supplied client options.
func (m *Manager) buildClientOpts() []ClientOption {
	opts := []ClientOption{WithCallTimeout(m.callTimeout())}
	return append(opts, m.clientOpts...)
}

// RemoveServer disconnects and forgets the client under key, removing
// its tools and routes. Unknown keys are a no-op.
func (m *Manager) RemoveServer(key string) {
	h := m.registry.Unregister(key)
	if h == nil {
		return
	}

	m.dropRoutes(key)
	// Only shared clients bridge tools; stripping by server id for an
	// isolated client would take down the shared sibling's catalog.
	if key == h.ID() {
		m.toolReg.UnregisterPrefix(sanitize(h.ID()) + "_")
	}

	if err := h.Disconnect(); err != nil {
		m.logger.Warn("error disconnecting MCP server", "server", key, "error", err)
	}
	m.logger.Info("MCP server removed", "server", key)
}

// bridgeClient registers a client's tools on the agent registry and
// records their routes.
func (m *Manager) bridgeClient(h Handle) {
	filters := m.filtersFor(h)
	count := BridgeTools(h, m.toolReg, filters, m.logger)

	m.mu.Lock()
	for _, td := range h.Tools() {
		if !filters.Allow(td.Name) {
			continue
		}
		m.routes[ToolName(h.ID(), td.Name)] = route{key: h.Key(), toolName: td.Name}
	}
	m.mu.Unlock()

	m.logger.Info("MCP server tools bridged", "server", h.Key(), "tools", count)
}

// filtersFor builds the name filters from a client's config when it is
// a shared or isolated client; other handles get no filtering.
func (m *Manager) filtersFor(h Handle) Filters {
	type configured interface{ Config() config.ServerConfig }
	if c, ok := h.(configured); ok {
		cfg := c.Config()
		return Filters{Include: cfg.IncludeTools, Exclude: cfg.ExcludeTools}
	}
	return Filters{}
}

// dropRoutes removes every route owned by the client under key.
func (m *Manager) dropRoutes(key string) {
	m.mu.Lock()
	for name, r := range m.routes {
		if r.key == key {
			delete(m.routes, name)
		}
	}
	m.mu.Unlock()
}

// rebridge rebuilds one client's tools and routes wholesale after a
// tool-list change notification.
func (m *Manager) rebridge(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout())
	defer cancel()

	if _, err := h.RefreshTools(ctx); err != nil {
		m.logger.Warn("failed to refresh MCP tools", "server", h.Key(), "error", err)
		return
	}

	m.dropRoutes(h.Key())
	m.toolReg.UnregisterPrefix(sanitize(h.ID()) + "_")
	m.bridgeClient(h)
}

// HandleAnnouncement reacts to a discovery announcement by adding and
// connecting the announced server. Intended as a discovery callback;
// results are logged rather than returned.
func (m *Manager) HandleAnnouncement(sc config.ServerConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), m.callTimeout())
	defer cancel()

	if err := m.AddServer(ctx, sc); err != nil {
		m.logger.Warn("announced MCP server failed to connect",
			"server", sc.ID,
			"error", err,
		)
		return
	}
	m.logger.Info("announced MCP server connected", "server", sc.ID)
}

// GetTools returns the agent-facing tool catalog.
func (m *Manager) GetTools() []*tools.Tool {
	return m.toolReg.List()
}

// GetTool returns one tool by namespaced name, or nil.
func (m *Manager) GetTool(name string) *tools.Tool {
	return m.toolReg.Get(name)
}

// CallTool routes a namespaced tool call to the owning client and
// normalizes the result. Routing failures and disconnected servers
// fail immediately with a descriptive error; an application-level tool
// error comes back as a failed Result, not a Go error.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	m.mu.RLock()
	r, ok := m.routes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	h := m.registry.Get(r.key)
	if h == nil {
		return nil, fmt.Errorf("%w: %s (server %s is gone)", ErrToolNotFound, name, r.key)
	}

	result, err := h.CallTool(ctx, r.toolName, args)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	return &tools.Result{
		Content: FlattenContent(result.Content),
		IsError: result.IsError,
	}, nil
}

// ServerStates returns observable snapshots for every registered
// client.
func (m *Manager) ServerStates() []ServerState {
	return m.registry.States()
}

// Registry exposes the client registry for collaborators that route to
// isolated clients directly.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Shutdown disconnects every client and clears the tool surface.
func (m *Manager) Shutdown() {
	for _, h := range m.registry.All() {
		key := h.Key()
		m.registry.Unregister(key)
		if key == h.ID() {
			m.toolReg.UnregisterPrefix(sanitize(h.ID()) + "_")
		}
		if err := h.Disconnect(); err != nil {
			m.logger.Warn("error disconnecting MCP server", "server", key, "error", err)
		}
	}

	m.mu.Lock()
	m.routes = make(map[string]route)
	m.mu.Unlock()

	m.logger.Info("MCP manager shut down")
}
