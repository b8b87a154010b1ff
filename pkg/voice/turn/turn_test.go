package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evacare-ai/voicecore/pkg/voice/vad"
)

// fakeClock steps time manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func speech() vad.Decision  { return vad.Decision{Speech: true, RMS: 600} }
func silence() vad.Decision { return vad.Decision{RMS: 50} }

func newTestMachine(clock *fakeClock) *Machine {
	return NewMachine(Config{
		SilenceThreshold: 800 * time.Millisecond,
		MaxTurnDuration:  30 * time.Second,
		SendTimeout:      2 * time.Second,
		Now:              clock.Now,
	})
}

func TestSpeechStartsTurn(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	if m.State() != StateIdle {
		t.Fatalf("initial state = %v, want IDLE", m.State())
	}
	ev := m.Observe(speech())
	if ev.Kind != EventSpeechStart {
		t.Fatalf("first speech frame event = %v, want SpeechStart", ev.Kind)
	}
	ev = m.Observe(speech())
	if ev.Kind != EventSpeechContinue {
		t.Fatalf("second speech frame event = %v, want SpeechContinue", ev.Kind)
	}
	if m.State() != StateSpeaking {
		t.Errorf("state = %v, want SPEAKING", m.State())
	}
}

// A call with no speech at all never leaves Idle.
func TestNoSpeechStaysIdle(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	for i := 0; i < 500; i++ {
		if ev := m.Observe(silence()); ev.Kind != EventNone {
			t.Fatalf("frame %d: event = %v, want None", i, ev.Kind)
		}
		clock.Advance(20 * time.Millisecond)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %v, want IDLE", m.State())
	}
}

// Speech followed by silence past the threshold ends the turn exactly once,
// with the silence reason, within the next frame after the crossing.
func TestSilenceEndsTurn(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	for i := 0; i < 20; i++ {
		m.Observe(speech())
		clock.Advance(20 * time.Millisecond)
	}

	turnEnds := 0
	var reason Reason
	for i := 0; i < 100; i++ {
		ev := m.Observe(silence())
		if ev.Kind == EventTurnEnd {
			turnEnds++
			reason = ev.Reason
		}
		clock.Advance(20 * time.Millisecond)
	}
	if turnEnds != 1 {
		t.Fatalf("turn ended %d times, want exactly 1", turnEnds)
	}
	if reason != ReasonSilence {
		t.Errorf("reason = %q, want silence", reason)
	}
	if m.Turns() != 1 {
		t.Errorf("Turns() = %d, want 1", m.Turns())
	}
}

// Continuous speech past the hard cap ends the turn via the max-duration
// guard, not earlier.
func TestMaxDurationGuard(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	var endAt time.Duration
	turnEnds := 0
	for elapsed := time.Duration(0); elapsed < 40*time.Second; elapsed += 20 * time.Millisecond {
		ev := m.Observe(speech())
		if ev.Kind == EventTurnEnd {
			turnEnds++
			if turnEnds == 1 {
				endAt = elapsed
				if ev.Reason != ReasonMaxDuration {
					t.Errorf("reason = %q, want max_duration", ev.Reason)
				}
			}
		}
		clock.Advance(20 * time.Millisecond)
	}
	if turnEnds < 1 {
		t.Fatal("turn never ended under continuous speech")
	}
	if endAt < 29*time.Second || endAt > 31*time.Second {
		t.Errorf("turn ended at %v, want ~30s", endAt)
	}
}

// When silence and max-duration both hold in the same evaluation, silence is
// checked first and only one end event fires.
func TestTieBreakPrefersSilence(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	m.Observe(speech())
	// Jump past both thresholds at once.
	clock.Advance(31 * time.Second)

	ev := m.Observe(silence())
	if ev.Kind != EventTurnEnd {
		t.Fatalf("event = %v, want TurnEnd", ev.Kind)
	}
	if ev.Reason != ReasonSilence {
		t.Errorf("reason = %q, want silence (checked first)", ev.Reason)
	}
	if ev2 := m.Observe(silence()); ev2.Kind != EventNone {
		t.Errorf("second evaluation produced %v, want None", ev2.Kind)
	}
}

// After a turn ends, new speech starts a fresh turn with a fresh guard.
func TestNewTurnAfterEnd(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	m.Observe(speech())
	clock.Advance(time.Second)
	if ev := m.Observe(silence()); ev.Kind != EventTurnEnd {
		t.Fatalf("event = %v, want TurnEnd", ev.Kind)
	}

	ev := m.Observe(speech())
	if ev.Kind != EventSpeechStart {
		t.Fatalf("post-turn speech event = %v, want SpeechStart", ev.Kind)
	}
	clock.Advance(time.Second)
	if ev := m.Observe(silence()); ev.Kind != EventTurnEnd {
		t.Errorf("second turn end event = %v, want TurnEnd", ev.Kind)
	}
	if m.Turns() != 2 {
		t.Errorf("Turns() = %d, want 2", m.Turns())
	}
}

func TestEmitEndOfTurnExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	m.Observe(speech())
	clock.Advance(time.Second)
	if ev := m.Observe(silence()); ev.Kind != EventTurnEnd {
		t.Fatal("expected turn end")
	}

	sends := 0
	send := func(ctx context.Context) error {
		sends++
		return nil
	}
	if err := m.EmitEndOfTurn(context.Background(), send); err != nil {
		t.Fatalf("EmitEndOfTurn: %v", err)
	}
	// Retries after the first emission are no-ops.
	for i := 0; i < 3; i++ {
		if err := m.EmitEndOfTurn(context.Background(), send); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	if sends != 1 {
		t.Errorf("signal sent %d times, want exactly 1", sends)
	}
}

// A send failure leaves the turn ended locally and does not allow a resend.
func TestEmitFailureStillEndsTurn(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	m.Observe(speech())
	clock.Advance(time.Second)
	m.Observe(silence())

	sends := 0
	err := m.EmitEndOfTurn(context.Background(), func(ctx context.Context) error {
		sends++
		return errors.New("stream broken")
	})
	if err == nil {
		t.Fatal("expected error from failing send")
	}
	if m.State() != StateEnded {
		t.Errorf("state = %v, want ENDED despite send failure", m.State())
	}
	// No infinite retry loop: the emission is spent.
	_ = m.EmitEndOfTurn(context.Background(), func(ctx context.Context) error {
		sends++
		return nil
	})
	if sends != 1 {
		t.Errorf("sends = %d, want 1", sends)
	}
}

func TestEmitHonorsSendTimeout(t *testing.T) {
	clock := newFakeClock()
	m := NewMachine(Config{
		SilenceThreshold: 800 * time.Millisecond,
		SendTimeout:      20 * time.Millisecond,
		Now:              clock.Now,
	})

	m.Observe(speech())
	clock.Advance(time.Second)
	m.Observe(silence())

	err := m.EmitEndOfTurn(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if m.State() != StateEnded {
		t.Errorf("state = %v, want ENDED after timeout", m.State())
	}
}

func TestTranscriptAccumulation(t *testing.T) {
	clock := newFakeClock()
	m := newTestMachine(clock)

	m.AddTranscript("I already took")
	m.AddTranscript("the blue pill ")
	if got := m.DrainTranscript(); got != "I already took the blue pill" {
		t.Errorf("transcript = %q", got)
	}
	if got := m.DrainTranscript(); got != "" {
		t.Errorf("drained transcript not empty: %q", got)
	}
}
