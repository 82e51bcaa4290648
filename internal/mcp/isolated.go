package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loomos/loomos/internal/config"
)

// StateStore persists an isolated client's working directory between
// runs. internal/statestore provides the SQLite implementation.
type StateStore interface {
	Save(serverID, userID, dir string) error
	Restore(serverID, userID, dir string) error
}

// IsolatedClient is a per-user variant of Client. It specializes the
// server config with a per-user working directory, restores persisted
// session state into it before connecting, and periodically saves the
// directory back while connected. Several isolated clients for the
// same server definition coexist in the registry under per-user keys,
// alongside an optional shared client under the plain server id.
type IsolatedClient struct {
	*Client

	userID  string
	workDir string
	store   StateStore
	logger  *slog.Logger

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// NewIsolatedClient creates an isolated client for one (server, user)
// pair. The server config is copied and specialized: the subprocess
// working directory becomes workDir and LOOMOS_SESSION_DIR is set in
// its environment.
func NewIsolatedClient(cfg config.ServerConfig, userID, workDir string, store StateStore, logger *slog.Logger, opts ...ClientOption) *IsolatedClient {
	if logger == nil {
		logger = slog.Default()
	}

	iso := cfg
	iso.Dir = workDir
	iso.Env = append(append([]string{}, cfg.Env...), "LOOMOS_SESSION_DIR="+workDir)

	return &IsolatedClient{
		Client:  NewClient(iso, logger, opts...),
		userID:  userID,
		workDir: workDir,
		store:   store,
		logger:  logger.With("mcp_server", cfg.ID, "user", userID),
	}
}

// Key returns the per-user registry key: "<serverID>/<userID>".
func (c *IsolatedClient) Key() string {
	return c.ID() + "/" + c.userID
}

// UserID returns the user this client is isolated for.
func (c *IsolatedClient) UserID() string {
	return c.userID
}

// Connect restores persisted session state into the working directory
// and then connects. A restore failure is logged and does not prevent
// connecting; the user starts with a fresh session.
func (c *IsolatedClient) Connect(ctx context.Context) error {
	if err := os.MkdirAll(c.workDir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	if c.store != nil {
		if err := c.store.Restore(c.ID(), c.userID, c.workDir); err != nil {
			c.logger.Warn("failed to restore session state", "error", err)
		}
	}

	return c.Client.Connect(ctx)
}

// StartPeriodicSync begins saving the working directory back to the
// state store every interval. Saves run in the background and are
// best-effort: failures are logged and never propagate to in-flight
// tool calls. A non-positive interval or a second call is a no-op.
func (c *IsolatedClient) StartPeriodicSync(interval time.Duration) {
	if interval <= 0 || c.store == nil {
		return
	}

	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	if c.syncCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.syncCancel = cancel
	c.syncDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.save()
			}
		}
	}()

	c.logger.Debug("session sync started", "interval", interval.String())
}

// StopPeriodicSync stops the background sync loop. Idempotent; safe to
// call when the loop was never started.
func (c *IsolatedClient) StopPeriodicSync() {
	c.syncMu.Lock()
	cancel := c.syncCancel
	done := c.syncDone
	c.syncCancel = nil
	c.syncDone = nil
	c.syncMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// save persists the working directory. Errors are logged, not returned.
func (c *IsolatedClient) save() {
	if err := c.store.Save(c.ID(), c.userID, c.workDir); err != nil {
		c.logger.Warn("failed to persist session state", "error", err)
	}
}

// Disconnect stops the sync loop, performs one final synchronous save,
// and then disconnects the underlying client.
func (c *IsolatedClient) Disconnect() error {
	c.StopPeriodicSync()
	if c.store != nil {
		c.save()
	}
	return c.Client.Disconnect()
}
