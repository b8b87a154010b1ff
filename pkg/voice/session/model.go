package session

import (
	"context"

	"github.com/evacare-ai/voicecore/pkg/telephony"
	"github.com/evacare-ai/voicecore/pkg/voice/call"
	"github.com/evacare-ai/voicecore/pkg/voice/telemetry"
)

// ModelEventKind classifies events coming back from the model stream.
type ModelEventKind int

const (
	// EventAudio carries a chunk of model speech (24 kHz PCM).
	EventAudio ModelEventKind = iota
	// EventText carries transcription text; FromUser distinguishes the
	// caller's recognized speech from the model's own output.
	EventText
	// EventToolCall asks for a function execution.
	EventToolCall
	// EventResumption delivers a session resumption handle update.
	EventResumption
	// EventTurnComplete marks the end of the model's response turn.
	EventTurnComplete
	// EventInterrupted means the caller spoke over the model; pending
	// playback should be dropped.
	EventInterrupted
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ModelEvent is one event received from the model stream.
type ModelEvent struct {
	Kind             ModelEventKind
	Audio            []byte
	Text             string
	FromUser         bool
	Tool             *ToolCall
	ResumptionHandle string
	Resumable        bool
}

// ModelStream is the live conversation with the model. Implemented by
// pkg/gemini; tests script it with a fake.
type ModelStream interface {
	// SendAudio forwards caller speech (16 kHz PCM).
	SendAudio(ctx context.Context, pcm []byte) error
	// SendText injects a text turn; endOfTurn marks it complete so the
	// model responds.
	SendText(ctx context.Context, text string, endOfTurn bool) error
	// SendEndOfTurn signals that the caller stopped speaking.
	SendEndOfTurn(ctx context.Context) error
	// SendToolResult returns a function execution outcome to the model.
	SendToolResult(ctx context.Context, id, name string, result call.Result) error
	// Recv blocks for the next model event.
	Recv(ctx context.Context) (*ModelEvent, error)
	Close() error
}

// ModelDialer opens a model stream for a call, honoring any resumption
// handle carried in the context.
type ModelDialer interface {
	Dial(ctx context.Context, callCtx *call.Context) (ModelStream, error)
}

// MediaStream is the telephony side of the call; *telephony.Stream
// satisfies it.
type MediaStream interface {
	ReadEvent() (*telephony.Event, error)
	SendMedia(ctx context.Context, ulaw []byte) error
	SetStreamSID(sid string)
	StreamSID() string
	Close() error
}

// Repository persists call state. Implemented by pkg/store.
type Repository interface {
	UpdateCallStatus(ctx context.Context, callID, status string) error
	PersistCheckpoint(ctx context.Context, callID, handle string, cp call.Checkpoint) error
	AppendTranscriptAction(ctx context.Context, callID, kind, content string) error
}

// TelemetrySink receives the final quality report for a call.
type TelemetrySink interface {
	LogCallTelemetry(ctx context.Context, callID string, snap telemetry.Snapshot) error
}

// Call status values written through the repository.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)
