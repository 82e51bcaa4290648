// Package config handles Loomos configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in ServerConfig.Transport.
const (
	TransportStdio     = "stdio"     // spawned subprocess, newline-delimited JSON
	TransportHTTP      = "http"      // plain request/response HTTP
	TransportSSE       = "sse"       // streaming HTTP (server-push channel + POST)
	TransportWebSocket = "websocket" // persistent bidirectional socket
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loomos/config.yaml, /etc/loomos/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loomos", "config.yaml"))
	}

	paths = append(paths, "/etc/loomos/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loomos configuration.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	MCP       MCPConfig       `yaml:"mcp"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// DiscoveryConfig defines the optional server-announcement HTTP listener.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8321
}

// MQTTConfig defines the optional MQTT announcement channel.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://broker.local:1883 or mqtts://...
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`     // Announce topic (default: loomos/mcp/announce)
	ClientID string `yaml:"client_id"` // MQTT client identifier (default: loomos)
}

// MCPConfig defines the tool-provider client subsystem settings.
type MCPConfig struct {
	// CallTimeoutSec is the per-request timeout for JSON-RPC calls
	// (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// SyncIntervalSec is how often isolated clients persist their
	// session state (default 300, 0 disables the periodic sync).
	SyncIntervalSec int `yaml:"sync_interval_sec"`

	// Servers are the configured tool-provider servers.
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig is the static identity and connection recipe for one
// external tool-provider server. It is immutable once loaded; the same
// shape is accepted as the body of a discovery announcement.
type ServerConfig struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Transport string `yaml:"transport" json:"transport"`

	// Stdio transport parameters. Dir is the subprocess working
	// directory; isolated clients specialize it per user.
	Command string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env     []string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string   `yaml:"dir,omitempty" json:"dir,omitempty"`

	// HTTP/SSE/WebSocket transport parameters.
	URL        string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSec int               `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Capabilities is an optional hint about what the server supports.
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`

	// IncludeTools/ExcludeTools are glob patterns controlling which of
	// the server's tools are exposed to the agent.
	IncludeTools []string `yaml:"include_tools,omitempty" json:"include_tools,omitempty"`
	ExcludeTools []string `yaml:"exclude_tools,omitempty" json:"exclude_tools,omitempty"`
}

// Timeout returns the configured per-server HTTP timeout, or zero when
// unset (callers apply their own default).
func (s *ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// IsEnabled reports whether the server should be connected.
// An omitted enabled field means enabled.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Validate checks that the config names a server and carries the
// parameters its transport kind requires.
func (s *ServerConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("server config missing id")
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", s.ID)
		}
	case TransportHTTP, TransportSSE, TransportWebSocket:
		if s.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a url", s.ID, s.Transport)
		}
	case "":
		return fmt.Errorf("server %s: missing transport kind", s.ID)
	default:
		return fmt.Errorf("server %s: unknown transport kind %q", s.ID, s.Transport)
	}

	return nil
}

// Expanded returns a copy of the config with environment-variable
// placeholders in transport parameters replaced. Config files loaded
// through Load are already expanded; this covers configs arriving over
// the discovery channel.
func (s ServerConfig) Expanded() ServerConfig {
	s.Command = os.ExpandEnv(s.Command)
	s.URL = os.ExpandEnv(s.URL)

	if len(s.Args) > 0 {
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = os.ExpandEnv(a)
		}
		s.Args = args
	}

	if len(s.Env) > 0 {
		env := make([]string, len(s.Env))
		for i, e := range s.Env {
			env[i] = os.ExpandEnv(e)
		}
		s.Env = env
	}

	if len(s.Headers) > 0 {
		headers := make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			headers[k] = os.ExpandEnv(v)
		}
		s.Headers = headers
	}

	return s
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	for i := range cfg.MCP.Servers {
		if err := cfg.MCP.Servers[i].Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{Port: 8321},
		MQTT: MQTTConfig{
			Topic:    "loomos/mcp/announce",
			ClientID: "loomos",
		},
		MCP: MCPConfig{
			CallTimeoutSec:  30,
			SyncIntervalSec: 300,
		},
		DataDir: "data",
	}
}
