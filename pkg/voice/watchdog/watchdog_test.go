package watchdog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// hookRecorder counts hook invocations and signals max-attempts.
type hookRecorder struct {
	mu            sync.Mutex
	disconnects   int
	reconnects    int
	maxReached    int
	maxReachedCh  chan struct{}
	reconnectedCh chan struct{}
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{
		maxReachedCh:  make(chan struct{}, 1),
		reconnectedCh: make(chan struct{}, 1),
	}
}

func (h *hookRecorder) OnDisconnect(ctx context.Context) {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
}

func (h *hookRecorder) OnReconnect(ctx context.Context) {
	h.mu.Lock()
	h.reconnects++
	h.mu.Unlock()
	select {
	case h.reconnectedCh <- struct{}{}:
	default:
	}
}

func (h *hookRecorder) OnMaxAttemptsReached(ctx context.Context) {
	h.mu.Lock()
	h.maxReached++
	h.mu.Unlock()
	select {
	case h.maxReachedCh <- struct{}{}:
	default:
	}
}

func fastConfig() Config {
	return Config{
		PacketTimeout:    30 * time.Millisecond,
		CheckInterval:    10 * time.Millisecond,
		MaxAttempts:      5,
		ReconnectTimeout: time.Second,
		RetryInterval:    5 * time.Millisecond,
	}
}

// A connection that keeps delivering packets never trips the watchdog.
func TestHealthyConnectionNotDisturbed(t *testing.T) {
	hooks := newHookRecorder()
	m := NewManager(fastConfig(), hooks)
	m.MarkConnected()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, func(ctx context.Context) error {
		t.Error("reconnect invoked on a healthy connection")
		return nil
	})

	deadline := time.After(150 * time.Millisecond)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-tick.C:
			m.MarkPacket()
		}
	}
	m.Stop()

	stats := m.Stats()
	if stats.Disconnects != 0 || stats.ReconnectAttempts != 0 {
		t.Errorf("stats = %+v, want no disconnects or attempts", stats)
	}
	if !stats.Connected {
		t.Error("connection no longer marked connected")
	}
}

// Reconnection succeeding on the third attempt: exactly three attempts are
// recorded, OnReconnect fires, and monitoring continues.
func TestReconnectSucceedsMidway(t *testing.T) {
	hooks := newHookRecorder()
	m := NewManager(fastConfig(), hooks)
	m.MarkConnected()

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("still unreachable")
		}
		return nil
	})

	select {
	case <-hooks.reconnectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnection never completed")
	}
	m.MarkPacket()
	m.Stop()

	stats := m.Stats()
	if got := attempts.Load(); got != 3 {
		t.Errorf("reconnect attempts = %d, want 3", got)
	}
	if stats.ReconnectAttempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", stats.ReconnectAttempts)
	}
	if stats.Reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", stats.Reconnects)
	}
	if !stats.Connected {
		t.Error("connection not marked connected after successful reconnect")
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.disconnects != 1 || hooks.reconnects != 1 || hooks.maxReached != 0 {
		t.Errorf("hooks = %d/%d/%d, want 1/1/0",
			hooks.disconnects, hooks.reconnects, hooks.maxReached)
	}
}

// Every attempt failing: exactly MaxAttempts tries, OnMaxAttemptsReached
// fires once, and the monitor halts.
func TestReconnectExhaustion(t *testing.T) {
	hooks := newHookRecorder()
	m := NewManager(fastConfig(), hooks)
	m.MarkConnected()

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("gone for good")
	})

	select {
	case <-hooks.maxReachedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("max-attempts hook never fired")
	}
	m.Stop()

	if got := attempts.Load(); got != 5 {
		t.Errorf("reconnect attempts = %d, want exactly 5", got)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.maxReached != 1 {
		t.Errorf("max-attempts hook fired %d times, want 1", hooks.maxReached)
	}
}

// A panicking hook is contained; the reconnect drive still runs.
func TestHookPanicIsolated(t *testing.T) {
	m := NewManager(fastConfig(), panicHooks{})
	m.MarkConnected()

	var attempts atomic.Int32
	reconnected := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			close(reconnected)
		}
		return nil
	})

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never ran after hook panic")
	}
	m.MarkPacket()
	m.Stop()
}

type panicHooks struct{}

func (panicHooks) OnDisconnect(ctx context.Context)         { panic("bad hook") }
func (panicHooks) OnReconnect(ctx context.Context)          { panic("bad hook") }
func (panicHooks) OnMaxAttemptsReached(ctx context.Context) { panic("bad hook") }

func TestStopBeforeAnyTrouble(t *testing.T) {
	m := NewManager(fastConfig(), nil)
	m.MarkConnected()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, func(ctx context.Context) error { return nil })
	m.Stop()
	m.Stop()
}
