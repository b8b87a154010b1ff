// Package turn tracks whether the remote party holds the speaking turn and
// decides when the turn has ended. End-of-turn fires on sustained silence or
// on a hard cap on turn length, whichever is observed first, and is emitted
// to the model at most once per turn no matter how the two conditions race.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/evacare-ai/voicecore/pkg/voice/vad"
)

// State of the turn machine.
type State int

const (
	// StateIdle: nobody has spoken yet, or the last turn fully ended.
	StateIdle State = iota
	// StateSpeaking: the remote party holds the turn.
	StateSpeaking
	// StateEnded: an end-of-turn was detected and is being (or has been)
	// signaled; the next speech frame starts a fresh turn.
	StateEnded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Reason records which guard ended the turn.
type Reason string

const (
	// ReasonSilence: silence since the last speech frame exceeded the
	// threshold.
	ReasonSilence Reason = "silence"
	// ReasonMaxDuration: the turn ran past the hard cap; guards against a
	// classifier stuck reporting speech.
	ReasonMaxDuration Reason = "max_duration"
)

// EventKind classifies what Observe saw.
type EventKind int

const (
	// EventNone: nothing actionable this frame.
	EventNone EventKind = iota
	// EventSpeechStart: a new turn began; the frame should be forwarded.
	EventSpeechStart
	// EventSpeechContinue: the turn continues; the frame should be forwarded.
	EventSpeechContinue
	// EventTurnEnd: the turn ended; emit end-of-turn downstream.
	EventTurnEnd
)

// Event is the outcome of observing one classified frame.
type Event struct {
	Kind    EventKind
	Reason  Reason
	Silence time.Duration
	TurnLen time.Duration
}

// Config tunes the machine. Zero values take the defaults below.
type Config struct {
	// SilenceThreshold is how long silence must last after the final speech
	// frame before the turn ends. Default 800ms.
	SilenceThreshold time.Duration

	// MaxTurnDuration hard-caps a single turn. Default 30s.
	MaxTurnDuration time.Duration

	// SendTimeout bounds the end-of-turn signal send. Default 2s.
	SendTimeout time.Duration

	// Now is the clock; injected for deterministic tests. Default time.Now.
	Now func() time.Time

	// Logger receives end-of-turn diagnostics. Default slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 800 * time.Millisecond
	}
	if c.MaxTurnDuration <= 0 {
		c.MaxTurnDuration = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Machine is the per-call turn-taking state machine. Exactly one exists per
// active call and only that call's loops touch it; the mutex covers the
// transcript writers on the reverse loop.
type Machine struct {
	cfg Config

	mu            sync.Mutex
	state         State
	turnStart     time.Time
	lastSpeech    time.Time
	endOfTurnSent bool
	emitPending   bool
	turns         int
	transcript    strings.Builder
}

// NewMachine creates a turn machine in StateIdle.
func NewMachine(cfg Config) *Machine {
	cfg.applyDefaults()
	return &Machine{cfg: cfg}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Turns returns how many turns have ended so far.
func (m *Machine) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

// Observe feeds one classified frame through the machine and returns what
// the caller should do with it. A call where nobody ever speaks stays in
// StateIdle forever; that is a valid outcome, not an error.
//
// The silence condition is evaluated before the max-duration guard, so when
// both become true in the same frame the emitted reason is silence. Either
// way at most one EventTurnEnd is produced per turn.
func (m *Machine) Observe(dec vad.Decision) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Now()

	if dec.Speech {
		if m.state != StateSpeaking {
			m.state = StateSpeaking
			m.turnStart = now
			m.lastSpeech = now
			m.endOfTurnSent = false
			return Event{Kind: EventSpeechStart}
		}
		m.lastSpeech = now

		// The hard cap applies even under continuous speech; otherwise a
		// stuck classifier holds the turn open forever.
		if turnLen := now.Sub(m.turnStart); turnLen > m.cfg.MaxTurnDuration {
			return m.endTurn(ReasonMaxDuration, 0, turnLen)
		}
		return Event{Kind: EventSpeechContinue}
	}

	if m.state != StateSpeaking || m.endOfTurnSent {
		return Event{Kind: EventNone}
	}

	silence := now.Sub(m.lastSpeech)
	turnLen := now.Sub(m.turnStart)

	if silence > m.cfg.SilenceThreshold {
		return m.endTurn(ReasonSilence, silence, turnLen)
	}
	if turnLen > m.cfg.MaxTurnDuration {
		return m.endTurn(ReasonMaxDuration, silence, turnLen)
	}
	return Event{Kind: EventNone}
}

// endTurn transitions to StateEnded exactly once per turn. Caller holds mu.
func (m *Machine) endTurn(reason Reason, silence, turnLen time.Duration) Event {
	m.state = StateEnded
	m.endOfTurnSent = true
	m.emitPending = true
	m.turns++
	return Event{Kind: EventTurnEnd, Reason: reason, Silence: silence, TurnLen: turnLen}
}

// EmitEndOfTurn delivers the end-of-turn signal through send, bounded by
// SendTimeout. The turn is already marked ended locally before send runs, so
// a timeout or error cannot reopen it and a retry cannot double-signal: any
// call without a pending emission is a no-op.
//
// A non-nil return means the model-facing signal may not have arrived; the
// caller logs it as a quality-degrading event and moves on.
func (m *Machine) EmitEndOfTurn(ctx context.Context, send func(context.Context) error) error {
	m.mu.Lock()
	if !m.emitPending {
		m.mu.Unlock()
		return nil
	}
	m.emitPending = false
	timeout := m.cfg.SendTimeout
	m.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := send(sendCtx); err != nil {
		m.cfg.Logger.Warn("end-of-turn signal failed, turn marked ended locally", "error", err)
		return fmt.Errorf("send end of turn: %w", err)
	}
	return nil
}

// AddTranscript appends recognized user text for the current turn.
func (m *Machine) AddTranscript(text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transcript.Len() > 0 {
		m.transcript.WriteByte(' ')
	}
	m.transcript.WriteString(strings.TrimSpace(text))
}

// DrainTranscript returns the accumulated user text and clears it; called
// at each end-of-turn to feed the checkpoint.
func (m *Machine) DrainTranscript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.transcript.String()
	m.transcript.Reset()
	return text
}

// Reset returns the machine to StateIdle between calls. Turn and transcript
// state is cleared; the turn counter survives for the final checkpoint.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.endOfTurnSent = false
	m.emitPending = false
	m.transcript.Reset()
}
