// Package watchdog monitors the health of a live call connection and drives
// bounded reconnection when packets stop arriving. One Manager exists per
// call; it runs a single goroutine from Start until Stop, context
// cancellation, or reconnection exhaustion.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrReconnectExhausted is returned by the reconnection drive when every
// attempt within the attempt and time budgets failed.
var ErrReconnectExhausted = errors.New("watchdog: reconnection attempts exhausted")

// Hooks receives watchdog lifecycle notifications. Implementations must be
// quick; each invocation runs on the watchdog goroutine and is isolated from
// panics so a misbehaving hook cannot kill the monitor.
type Hooks interface {
	OnDisconnect(ctx context.Context)
	OnReconnect(ctx context.Context)
	OnMaxAttemptsReached(ctx context.Context)
}

// Config tunes the manager. Zero values take the defaults below.
type Config struct {
	// PacketTimeout is how long without an inbound packet counts as a dead
	// connection. Default 10s.
	PacketTimeout time.Duration

	// CheckInterval is how often the connection is checked. Default 5s.
	CheckInterval time.Duration

	// MaxAttempts bounds reconnection tries per outage. Default 5.
	MaxAttempts int

	// ReconnectTimeout bounds one whole reconnection drive. Default 30s.
	ReconnectTimeout time.Duration

	// RetryInterval is the constant wait between attempts. Default 2s.
	RetryInterval time.Duration

	// Now is the clock; injected for deterministic tests. Default time.Now.
	Now func() time.Time

	// Logger receives watchdog diagnostics. Default slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.PacketTimeout <= 0 {
		c.PacketTimeout = 10 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a snapshot of the watchdog's counters.
type Stats struct {
	Connected         bool
	Disconnects       int
	ReconnectAttempts int
	Reconnects        int
	LastPacket        time.Time
}

// Manager watches packet liveness for one call.
type Manager struct {
	cfg   Config
	hooks Hooks

	mu                sync.Mutex
	connected         bool
	lastPacket        time.Time
	disconnects       int
	reconnectAttempts int
	reconnects        int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewManager creates a manager. hooks may be nil when no lifecycle
// notifications are wanted.
func NewManager(cfg Config, hooks Hooks) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:   cfg,
		hooks: hooks,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// MarkConnected records that the connection is (back) up and resets the
// packet clock.
func (m *Manager) MarkConnected() {
	m.mu.Lock()
	m.connected = true
	m.lastPacket = m.cfg.Now()
	m.mu.Unlock()
}

// MarkPacket records an inbound packet.
func (m *Manager) MarkPacket() {
	m.mu.Lock()
	m.lastPacket = m.cfg.Now()
	m.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Connected:         m.connected,
		Disconnects:       m.disconnects,
		ReconnectAttempts: m.reconnectAttempts,
		Reconnects:        m.reconnects,
		LastPacket:        m.lastPacket,
	}
}

// Start launches the monitor goroutine. reconnect is invoked once per
// attempt when the connection goes quiet; returning nil ends the outage.
// The monitor halts on ctx cancellation, Stop, or attempt exhaustion.
func (m *Manager) Start(ctx context.Context, reconnect func(context.Context) error) {
	go m.run(ctx, reconnect)
}

// Stop halts the monitor and waits for its goroutine to exit. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Manager) run(ctx context.Context, reconnect func(context.Context) error) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		quiet := m.connected && m.cfg.Now().Sub(m.lastPacket) > m.cfg.PacketTimeout
		if quiet {
			m.connected = false
			m.disconnects++
		}
		m.mu.Unlock()
		if !quiet {
			continue
		}

		m.cfg.Logger.Warn("connection quiet past packet timeout, reconnecting",
			"packet_timeout", m.cfg.PacketTimeout)
		m.invokeHook(ctx, m.hooksOnDisconnect)

		if err := m.driveReconnect(ctx, reconnect); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.cfg.Logger.Error("reconnection exhausted, halting watchdog", "error", err)
			m.invokeHook(ctx, m.hooksOnMaxAttempts)
			return
		}

		m.MarkConnected()
		m.mu.Lock()
		m.reconnects++
		m.mu.Unlock()
		m.invokeHook(ctx, m.hooksOnReconnect)
	}
}

// driveReconnect runs up to MaxAttempts tries at a constant interval, the
// whole drive bounded by ReconnectTimeout.
func (m *Manager) driveReconnect(ctx context.Context, reconnect func(context.Context) error) error {
	driveCtx, cancel := context.WithTimeout(ctx, m.cfg.ReconnectTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(uint64(m.cfg.MaxAttempts-1), retry.NewConstant(m.cfg.RetryInterval))
	err := retry.Do(driveCtx, backoff, func(ctx context.Context) error {
		m.mu.Lock()
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		m.mu.Unlock()

		m.cfg.Logger.Info("reconnect attempt", "attempt", attempt, "max", m.cfg.MaxAttempts)
		if err := reconnect(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrReconnectExhausted, err)
	}
	return nil
}

func (m *Manager) hooksOnDisconnect(ctx context.Context) {
	if m.hooks != nil {
		m.hooks.OnDisconnect(ctx)
	}
}

func (m *Manager) hooksOnReconnect(ctx context.Context) {
	if m.hooks != nil {
		m.hooks.OnReconnect(ctx)
	}
}

func (m *Manager) hooksOnMaxAttempts(ctx context.Context) {
	if m.hooks != nil {
		m.hooks.OnMaxAttemptsReached(ctx)
	}
}

// invokeHook runs a hook with panic isolation.
func (m *Manager) invokeHook(ctx context.Context, hook func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Error("watchdog hook panicked", "panic", r)
		}
	}()
	hook(ctx)
}
