// Package connwatch provides health monitoring for connected MCP tool
// servers. Each watcher probes one server (typically via its ping
// operation) in two phases: a startup phase with exponential backoff,
// then steady-state periodic polling with up/down transition callbacks.
//
// Watchers only observe and report. Reconnecting a failed server is a
// deliberate action that belongs to the operator or the supervising
// process, not to the probe loop.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Probe checks whether a server is responsive. Return nil if healthy.
// Implementations must be safe for concurrent use.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth during the startup phase.
	MaxDelay time.Duration

	// Multiplier scales the delay after each startup retry.
	Multiplier float64

	// MaxRetries bounds the startup phase.
	MaxRetries int

	// PollInterval is the steady-state check interval.
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call.
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the standard schedule: 2s, 4s, 8s, ... capped
// at 60s for up to 10 startup attempts, then a 60-second poll.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero-valued schedule fields.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier <= 0 {
		s.Multiplier = d.Multiplier
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// WatcherConfig configures one server watcher.
type WatcherConfig struct {
	// Name identifies the watched server in logs and status views.
	Name string

	// Probe checks server health.
	Probe Probe

	// Schedule controls probe timing. Zero fields get defaults.
	Schedule Schedule

	// OnUp fires when the server transitions to healthy. Runs on its
	// own goroutine. Optional.
	OnUp func()

	// OnDown fires when the server transitions to unhealthy. Runs on
	// its own goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. slog.Default() if nil.
	Logger *slog.Logger
}

// ProbeStatus is the health snapshot of one watched server, suitable
// for JSON in health views.
type ProbeStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single server's health.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Healthy reports whether the server answered its most recent probe.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// Status returns the current health snapshot.
func (w *Watcher) Status() ProbeStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ProbeStatus{
		Name:      w.config.Name,
		Healthy:   w.healthy.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run drives the two probe phases.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.config.Schedule
	logger := w.config.Logger

	// Startup phase: exponential backoff until the first success.
	delay := sched.InitialDelay
	for attempt := 1; attempt <= sched.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)

		if err == nil {
			w.healthy.Store(true)
			logger.Info("MCP server responsive",
				"server", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnUp != nil {
				go w.config.OnUp()
			}
			break
		}

		if attempt == sched.MaxRetries {
			logger.Info("MCP server unresponsive at startup, entering background polling",
				"server", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"server", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay = time.Duration(float64(delay) * sched.Multiplier)
		if delay > sched.MaxDelay {
			delay = sched.MaxDelay
		}
	}

	// Steady state: periodic polling with transition callbacks.
	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.record(err)
			wasHealthy := w.healthy.Load()

			switch {
			case wasHealthy && err != nil:
				w.healthy.Store(false)
				logger.Info("MCP server became unresponsive",
					"server", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			case !wasHealthy && err == nil:
				w.healthy.Store(true)
				logger.Info("MCP server responsive again",
					"server", w.config.Name,
				)
				if w.config.OnUp != nil {
					go w.config.OnUp()
				}
			case !wasHealthy && err != nil:
				logger.Debug("MCP server still unresponsive",
					"server", w.config.Name,
					"error", err,
				)
			}
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Schedule.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Monitor coordinates one watcher per MCP server.
type Monitor struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewMonitor creates an empty health monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled,
// Stop is called, or Unwatch removes it. Panics on a missing name or
// probe; those are programming errors.
func (m *Monitor) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	if old := m.watchers[cfg.Name]; old != nil {
		go old.Stop()
	}
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Unwatch stops and removes the watcher for name, if any.
func (m *Monitor) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Status returns health snapshots for every watched server.
func (m *Monitor) Status() map[string]ProbeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ProbeStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
