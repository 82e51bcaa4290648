// Package discovery lets MCP tool servers announce themselves at
// runtime instead of being listed in the config file. Announcements
// arrive on a small HTTP listener and, optionally, over MQTT; accepted
// ones are handed to the MCP manager, which connects and bridges the
// new server like any configured one.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomos/loomos/internal/buildinfo"
	"github.com/loomos/loomos/internal/config"
	"github.com/loomos/loomos/internal/mcp"
)

// AnnounceFunc receives one validated announcement, already converted
// to a server config. It is called on its own goroutine so slow
// connection attempts never stall the listener.
type AnnounceFunc func(config.ServerConfig)

// StatesFunc supplies the current connection snapshots for GET /servers.
type StatesFunc func() []mcp.ServerState

// Announcement is the wire format a tool server POSTs to /announce or
// publishes on the MQTT announce topic.
type Announcement struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Transport    string            `json:"transport"`
	URL          string            `json:"url,omitempty"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// ServerConfig converts the announcement into the config shape the MCP
// manager consumes, validating it in the process.
func (a Announcement) ServerConfig() (config.ServerConfig, error) {
	sc := config.ServerConfig{
		ID:           a.ID,
		Name:         a.Name,
		Transport:    a.Transport,
		URL:          a.URL,
		Command:      a.Command,
		Args:         a.Args,
		Headers:      a.Headers,
		Capabilities: a.Capabilities,
	}
	if sc.Name == "" {
		sc.Name = sc.ID
	}
	if err := sc.Validate(); err != nil {
		return config.ServerConfig{}, err
	}
	return sc, nil
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Listener is the discovery HTTP endpoint. It accepts server
// announcements and exposes health and connection-state views.
type Listener struct {
	cfg        config.DiscoveryConfig
	logger     *slog.Logger
	onAnnounce AnnounceFunc
	states     StatesFunc

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// NewListener creates a discovery listener. onAnnounce receives each
// accepted announcement; states backs the /servers view and may be nil.
func NewListener(cfg config.DiscoveryConfig, onAnnounce AnnounceFunc, states StatesFunc, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:        cfg,
		logger:     logger,
		onAnnounce: onAnnounce,
		states:     states,
	}
}

// Start binds the listen address and begins serving in the background.
// A second Start without an intervening Stop is a no-op.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /announce", l.handleAnnounce)
	mux.HandleFunc("GET /health", l.handleHealth)
	mux.HandleFunc("GET /servers", l.handleServers)

	addr := fmt.Sprintf("%s:%d", l.cfg.Address, l.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      l.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	l.ln = ln
	l.server = server

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Error("discovery listener failed", "error", err)
		}
	}()

	l.logger.Info("discovery listener started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Stop shuts the listener down. Safe to call repeatedly and without a
// prior Start.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	server := l.server
	l.server = nil
	l.ln = nil
	l.mu.Unlock()

	if server == nil {
		return nil
	}
	l.logger.Info("stopping discovery listener")
	return server.Shutdown(ctx)
}

func (l *Listener) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		l.logger.Debug("discovery request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// handleAnnounce validates one announcement and hands it off. An
// invalid announcement is rejected with 400 and has no side effects.
func (l *Listener) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var ann Announcement
	if err := json.NewDecoder(r.Body).Decode(&ann); err != nil {
		http.Error(w, fmt.Sprintf("invalid announcement: %v", err), http.StatusBadRequest)
		return
	}

	sc, err := ann.ServerConfig()
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid announcement: %v", err), http.StatusBadRequest)
		return
	}

	l.logger.Info("MCP server announced",
		"server", sc.ID,
		"transport", sc.Transport,
		"remote", r.RemoteAddr,
	)

	go l.onAnnounce(sc)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":          "accepted",
		"announcement_id": uuid.New().String(),
	}, l.logger)
}

func (l *Listener) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":  "healthy",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
	}, l.logger)
}

func (l *Listener) handleServers(w http.ResponseWriter, r *http.Request) {
	var states []mcp.ServerState
	if l.states != nil {
		states = l.states()
	}
	if states == nil {
		states = []mcp.ServerState{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": states}, l.logger)
}
