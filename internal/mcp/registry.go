package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handle is the registry's view of a connection. Both shared Clients
// and IsolatedClients satisfy it; they differ only in keyspace.
type Handle interface {
	// Key is the registry key: the server id for shared clients,
	// serverID/userID for isolated ones.
	Key() string

	// ID is the owning server id regardless of keyspace.
	ID() string

	State() ServerState
	Tools() []ToolDefinition
	CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error)
	RefreshTools(ctx context.Context) ([]ToolDefinition, error)
	Ping(ctx context.Context) error
	Disconnect() error
}

// Registry is the in-memory directory of active clients. It is a plain
// keyed collection with no I/O; each key maps to at most one client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Handle
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Handle),
	}
}

// Register stores a client by its key. Registering a key that is
// already taken is an error; unregister the old client first.
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := h.Key()
	if _, exists := r.clients[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	r.clients[key] = h
	return nil
}

// Unregister removes and returns the client under key, or nil if none.
func (r *Registry) Unregister(key string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.clients[key]
	delete(r.clients, key)
	return h
}

// Get returns the client under key, or nil.
func (r *Registry) Get(key string) Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[key]
}

// All returns every registered client, ordered by key.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.clients))
	for key := range r.clients {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Handle, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.clients[key])
	}
	return out
}

// States returns observable snapshots for every registered client,
// ordered by key.
func (r *Registry) States() []ServerState {
	all := r.All()
	out := make([]ServerState, 0, len(all))
	for _, h := range all {
		out = append(out, h.State())
	}
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
