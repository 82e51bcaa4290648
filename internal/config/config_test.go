package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/loomos
log_level: debug
mcp:
  call_timeout_sec: 10
  servers:
    - id: fs
      name: Filesystem
      transport: stdio
      command: mcp-fs
      args: ["--root", "/tmp"]
    - id: search
      name: Search
      transport: http
      url: https://search.example.com/rpc
      enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/var/lib/loomos" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/var/lib/loomos")
	}
	if cfg.MCP.CallTimeoutSec != 10 {
		t.Errorf("CallTimeoutSec = %d, want 10", cfg.MCP.CallTimeoutSec)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(cfg.MCP.Servers))
	}

	fs := cfg.MCP.Servers[0]
	if !fs.IsEnabled() {
		t.Error("server fs should default to enabled")
	}
	if fs.Transport != TransportStdio {
		t.Errorf("Transport = %q, want %q", fs.Transport, TransportStdio)
	}

	search := cfg.MCP.Servers[1]
	if search.IsEnabled() {
		t.Error("server search should be disabled")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("LOOMOS_TEST_TOKEN", "sekrit")

	path := writeConfig(t, `
mcp:
  servers:
    - id: remote
      transport: http
      url: https://example.com/rpc
      headers:
        Authorization: Bearer ${LOOMOS_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := cfg.MCP.Servers[0].Headers["Authorization"]
	if got != "Bearer sekrit" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer sekrit")
	}
}

func TestLoadRejectsInvalidServer(t *testing.T) {
	path := writeConfig(t, `
mcp:
  servers:
    - id: broken
      transport: stdio
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Load succeeded, want error for stdio server without command")
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid stdio", ServerConfig{ID: "a", Transport: "stdio", Command: "srv"}, false},
		{"valid http", ServerConfig{ID: "a", Transport: "http", URL: "http://x"}, false},
		{"valid sse", ServerConfig{ID: "a", Transport: "sse", URL: "http://x"}, false},
		{"valid websocket", ServerConfig{ID: "a", Transport: "websocket", URL: "ws://x"}, false},
		{"missing id", ServerConfig{Transport: "stdio", Command: "srv"}, true},
		{"missing transport", ServerConfig{ID: "a"}, true},
		{"unknown transport", ServerConfig{ID: "a", Transport: "carrier-pigeon"}, true},
		{"stdio without command", ServerConfig{ID: "a", Transport: "stdio"}, true},
		{"http without url", ServerConfig{ID: "a", Transport: "http"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigExpanded(t *testing.T) {
	t.Setenv("LOOMOS_TEST_DIR", "/srv/tools")

	cfg := ServerConfig{
		ID:        "fs",
		Transport: "stdio",
		Command:   "${LOOMOS_TEST_DIR}/mcp-fs",
		Args:      []string{"--root", "${LOOMOS_TEST_DIR}"},
		Env:       []string{"TOOL_HOME=${LOOMOS_TEST_DIR}"},
	}

	got := cfg.Expanded()
	if got.Command != "/srv/tools/mcp-fs" {
		t.Errorf("Command = %q, want %q", got.Command, "/srv/tools/mcp-fs")
	}
	if got.Args[1] != "/srv/tools" {
		t.Errorf("Args[1] = %q, want %q", got.Args[1], "/srv/tools")
	}
	if got.Env[0] != "TOOL_HOME=/srv/tools" {
		t.Errorf("Env[0] = %q, want %q", got.Env[0], "TOOL_HOME=/srv/tools")
	}

	// Original must be untouched.
	if cfg.Command != "${LOOMOS_TEST_DIR}/mcp-fs" {
		t.Errorf("original Command mutated: %q", cfg.Command)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"trace", false},
		{"debug", false},
		{"", false},
		{"INFO", false},
		{"warning", false},
		{"error", false},
		{"loud", true},
	}

	for _, tt := range tests {
		_, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
