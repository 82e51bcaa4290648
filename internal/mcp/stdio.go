package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the subprocess working directory. Empty means inherit.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON messages are newline-delimited on stdin/stdout;
// stderr is drained to the log and is not part of the protocol.
type StdioTransport struct {
	config   StdioConfig
	logger   *slog.Logger
	handlers handlerSet

	connected atomic.Bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
	closed bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is started by Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// Connect launches the subprocess and starts the stdout read loop.
func (t *StdioTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("stdio transport is closed")
	}
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.connected.Store(true)

	go t.readLoop(stdout)
	go t.drainStderr(stderrPipe)
	go t.waitExit()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop parses stdout lines as JSON values and dispatches them.
// A line that fails to parse is dropped, not fatal.
func (t *StdioTransport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20) // 10 MiB for large tool results

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			t.logger.Debug("skipping non-JSON line from MCP subprocess",
				"line", string(line),
			)
			continue
		}

		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		t.handlers.dispatch(msg)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("MCP subprocess stdout closed", "error", err)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// waitExit reaps the subprocess and marks the transport disconnected.
// An exit while the transport is still open is reported in the log but
// never thrown into a caller's stack; active senders see ErrNotConnected.
func (t *StdioTransport) waitExit() {
	err := t.cmd.Wait()
	t.connected.Store(false)

	t.mu.Lock()
	closed := t.closed
	exited := t.exited
	t.mu.Unlock()

	if !closed {
		t.logger.Warn("MCP subprocess exited unexpectedly", "error", err)
	}
	close(exited)
}

// Send writes one JSON value followed by a newline to the subprocess.
func (t *StdioTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil || !t.connected.Load() {
		return fmt.Errorf("send to %s: %w", t.config.Command, ErrNotConnected)
	}

	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		t.connected.Store(false)
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// OnMessage registers a listener for inbound JSON values.
func (t *StdioTransport) OnMessage(h MessageHandler) func() {
	return t.handlers.add(h)
}

// Connected reports whether the subprocess is running.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Close terminates the subprocess. It closes stdin to signal a
// graceful exit, waits briefly, then kills. Safe to call repeatedly.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected.Store(false)

	cmd := t.cmd
	stdin := t.stdin
	exited := t.exited
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}
