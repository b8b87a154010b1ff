// Package call defines the immutable per-call context handed to the session
// pipeline, plus the checkpoint and function-registry types that travel with
// it. Construction fails fast: a call that reaches the media stream without
// the fields needed to run is a scheduling bug, not something to paper over
// mid-call.
package call

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by NewContext for callers that branch on the
// missing field.
var (
	ErrMissingCallID       = errors.New("call: missing call id")
	ErrMissingElderName    = errors.New("call: missing elder name")
	ErrMissingSystemPrompt = errors.New("call: missing system prompt")
)

// Profile carries who is being called and how to reach them.
type Profile struct {
	ElderName   string
	PhoneNumber string
	// NoisyEnvironment raises the classifier aggressiveness for callers in
	// loud households (TV, traffic).
	NoisyEnvironment bool
	// PreferredVoice overrides the default model voice when set.
	PreferredVoice string
}

// RetryPolicy governs what happens when the call cannot be completed.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
	// EscalationPolicy names who gets alerted after the final failure
	// ("family", "caregiver", "none").
	EscalationPolicy string
}

// AudioParams tunes the per-call audio pipeline. Zero values fall back to
// the pipeline defaults.
type AudioParams struct {
	// SilenceThreshold overrides how long silence ends a turn.
	SilenceThreshold time.Duration
	// SpeechRMS overrides the energy gate threshold.
	SpeechRMS int
	// BufferBytes seeds the adaptive outbound buffer size.
	BufferBytes int
}

// FunctionSpec declares one tool the model may invoke during the call.
type FunctionSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema properties map forwarded to the model.
	Parameters map[string]any
	// Once marks functions whose side effect must happen at most once per
	// call (medication confirmation). Duplicate invocations get a
	// structured already-done result instead of re-running the handler.
	Once bool
}

// Checkpoint is the durable conversation state used for session resumption.
type Checkpoint struct {
	TurnCount       int       `json:"turn_count"`
	LastUserInput   string    `json:"last_user_input"`
	LastModelOutput string    `json:"last_model_output"`
	TaskCompleted   bool      `json:"task_completed"`
	FunctionsCalled []string  `json:"functions_called"`
	Timestamp       time.Time `json:"timestamp"`
}

// Resumption carries what a reconnecting session needs to pick up where the
// dropped one left off.
type Resumption struct {
	// PreviousHandle is the provider-issued resumption token, empty on a
	// fresh call.
	PreviousHandle string
	// Checkpoint seeds the turn count and suppresses the greeting when
	// non-nil.
	Checkpoint *Checkpoint
}

// Context is everything the pipeline needs to run one call. Treat it as
// read-only after NewContext; the session controller copies out anything it
// mutates.
type Context struct {
	CallID       string
	Profile      Profile
	SystemPrompt string
	Greeting     string
	Retry        RetryPolicy
	Audio        AudioParams
	Functions    []FunctionSpec
	Resumption   Resumption
}

// NewContext validates the required fields and returns the context. The
// returned errors are wrapped sentinels.
func NewContext(callID string, profile Profile, systemPrompt string) (*Context, error) {
	if callID == "" {
		return nil, fmt.Errorf("new call context: %w", ErrMissingCallID)
	}
	if profile.ElderName == "" {
		return nil, fmt.Errorf("new call context: %w", ErrMissingElderName)
	}
	if systemPrompt == "" {
		return nil, fmt.Errorf("new call context: %w", ErrMissingSystemPrompt)
	}
	return &Context{
		CallID:       callID,
		Profile:      profile,
		SystemPrompt: systemPrompt,
	}, nil
}

// Resuming reports whether this context continues a dropped session.
func (c *Context) Resuming() bool {
	return c.Resumption.PreviousHandle != "" || c.Resumption.Checkpoint != nil
}

// FunctionNames lists the declared tool names in order.
func (c *Context) FunctionNames() []string {
	names := make([]string, len(c.Functions))
	for i, f := range c.Functions {
		names[i] = f.Name
	}
	return names
}

// FunctionSpecFor returns the declaration for name, if any.
func (c *Context) FunctionSpecFor(name string) (FunctionSpec, bool) {
	for _, f := range c.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionSpec{}, false
}
