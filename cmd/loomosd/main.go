// Loomosd is the Loomos agent daemon's tool-provider subsystem.
//
// It connects to the configured MCP tool servers, bridges their tools
// into the agent's namespaced catalog, and keeps the connections
// observable. Optional discovery listeners (HTTP and MQTT) let new
// servers announce themselves at runtime. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	loomosd serve            Start the daemon
//	loomosd version          Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loomos/loomos/internal/buildinfo"
	"github.com/loomos/loomos/internal/config"
	"github.com/loomos/loomos/internal/connwatch"
	"github.com/loomos/loomos/internal/discovery"
	"github.com/loomos/loomos/internal/mcp"
	"github.com/loomos/loomos/internal/statestore"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level globals get in the way of parallel tests, and
// the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown argument: %s (try -help)", args[i])
		}
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s (try -help)", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `loomosd - Loomos tool-provider daemon

Usage:
  loomosd [flags] <command>

Commands:
  serve      Start the daemon (default)
  version    Print version and build information

Flags:
  -config <path>   Config file (default: search standard locations)
`)
	return nil
}

// runServe is the primary operating mode: it loads config, opens the
// session-state store, connects the configured MCP servers, starts the
// discovery listeners, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Loomos",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	slog.SetDefault(logger)

	logger.Info("config loaded",
		"path", cfgPath,
		"servers", len(cfg.MCP.Servers),
		"discovery", cfg.Discovery.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Session-state store for isolated clients. Per-user working
	// directories are snapshotted here so sessions survive restarts.
	dbPath := filepath.Join(cfg.DataDir, "loomos.db")
	store, err := statestore.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("state database opened", "path", dbPath)

	// Health monitoring. Watchers only report; a failed server stays in
	// error state until an operator or announcement replaces it.
	monitor := connwatch.NewMonitor(logger)
	defer monitor.Stop()

	// The MCP manager owns all server connections and the tool catalog.
	// Every connected server gets a watcher, whether it came from the
	// config file or a later discovery announcement.
	manager := mcp.NewManager(cfg.MCP, logger,
		mcp.WithStateStore(store),
		mcp.WithSessionDir(filepath.Join(cfg.DataDir, "sessions")),
		mcp.WithServerAddedHook(func(h mcp.Handle) {
			monitor.Watch(ctx, connwatch.WatcherConfig{
				Name: h.Key(),
				Probe: func(pCtx context.Context) error {
					return h.Ping(pCtx)
				},
			})
		}),
	)
	defer manager.Shutdown()

	manager.ConnectAll(ctx)
	logger.Info("MCP servers connected",
		"tools", len(manager.GetTools()),
		"servers", len(manager.ServerStates()),
	)

	// Discovery listeners feed announced servers into the manager.
	if cfg.Discovery.Enabled {
		listener := discovery.NewListener(cfg.Discovery,
			manager.HandleAnnouncement, manager.ServerStates, logger)
		if err := listener.Start(); err != nil {
			return fmt.Errorf("start discovery listener: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := listener.Stop(stopCtx); err != nil {
				logger.Error("discovery listener shutdown failed", "error", err)
			}
		}()
	} else {
		logger.Info("discovery listener disabled")
	}

	if cfg.MQTT.Enabled {
		mqttListener := discovery.NewMQTTListener(cfg.MQTT,
			manager.HandleAnnouncement, logger)
		if err := mqttListener.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt discovery: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := mqttListener.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}()
	}

	// Block until SIGINT/SIGTERM; the deferred stack tears everything
	// down in reverse order.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	logger.Info("Loomos stopped")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
