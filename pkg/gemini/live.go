// Package gemini adapts the Gemini Live API to the session model-stream
// interfaces. All genai types stay inside this package; the rest of the
// pipeline only sees session.ModelEvent.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/evacare-ai/voicecore/pkg/voice/call"
	"github.com/evacare-ai/voicecore/pkg/voice/session"
)

const inputAudioMIME = "audio/pcm;rate=16000"

// Config for the dialer.
type Config struct {
	APIKey string
	// Model is the Live-capable model id, e.g.
	// "gemini-2.0-flash-live-001".
	Model string
	// DefaultVoice is used when the call profile does not name one.
	DefaultVoice string
	Logger       *slog.Logger
}

// Dialer opens Live sessions; implements session.ModelDialer.
type Dialer struct {
	client *genai.Client
	cfg    Config
	log    *slog.Logger
}

// NewDialer validates cfg and builds the shared API client.
func NewDialer(ctx context.Context, cfg Config) (*Dialer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing api key")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini: missing model id")
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "Aoede"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Dialer{client: client, cfg: cfg, log: cfg.Logger}, nil
}

// Dial opens a Live session configured for the call: audio responses in the
// chosen voice, the call's system prompt and tool declarations, transparent
// session resumption with any previous handle, and transcription of both
// directions.
func (d *Dialer) Dial(ctx context.Context, callCtx *call.Context) (session.ModelStream, error) {
	voice := callCtx.Profile.PreferredVoice
	if voice == "" {
		voice = d.cfg.DefaultVoice
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: callCtx.SystemPrompt}},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		SessionResumption: &genai.SessionResumptionConfig{
			Handle:      callCtx.Resumption.PreviousHandle,
			Transparent: true,
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if decls := toolDeclarations(callCtx.Functions); len(decls) > 0 {
		connectCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	live, err := d.client.Live.Connect(ctx, d.cfg.Model, connectCfg)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}
	d.log.Info("live session opened",
		"call_id", callCtx.CallID,
		"model", d.cfg.Model,
		"resuming", callCtx.Resuming())
	return &stream{live: live, log: d.log.With("call_id", callCtx.CallID)}, nil
}

func toolDeclarations(specs []call.FunctionSpec) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decl := &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
		}
		if len(spec.Parameters) > 0 {
			decl.ParametersJsonSchema = map[string]any{
				"type":       "object",
				"properties": spec.Parameters,
			}
		}
		decls = append(decls, decl)
	}
	return decls
}

// stream wraps one Live session. Recv is called from a single goroutine;
// one server message can expand into several events, so leftovers queue in
// pending.
type stream struct {
	live    *genai.Session
	log     *slog.Logger
	pending []*session.ModelEvent
}

func (s *stream) SendAudio(ctx context.Context, pcm []byte) error {
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: pcm, MIMEType: inputAudioMIME},
	})
	if err != nil {
		return fmt.Errorf("send realtime audio: %w", err)
	}
	return nil
}

func (s *stream) SendEndOfTurn(ctx context.Context) error {
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		ActivityEnd: &genai.ActivityEnd{},
	})
	if err != nil {
		return fmt.Errorf("send activity end: %w", err)
	}
	return nil
}

func (s *stream) SendText(ctx context.Context, text string, endOfTurn bool) error {
	err := s.live.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		}},
		TurnComplete: &endOfTurn,
	})
	if err != nil {
		return fmt.Errorf("send client content: %w", err)
	}
	return nil
}

func (s *stream) SendToolResult(ctx context.Context, id, name string, result call.Result) error {
	err := s.live.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:   id,
			Name: name,
			Response: map[string]any{
				"success": result.Success,
				"message": result.Message,
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("send tool response: %w", err)
	}
	return nil
}

func (s *stream) Recv(ctx context.Context) (*session.ModelEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := s.live.Receive()
		if err != nil {
			return nil, fmt.Errorf("receive live message: %w", err)
		}
		s.pending = translate(msg)
	}
}

func (s *stream) Close() error {
	return s.live.Close()
}

// translate expands one server message into pipeline events in arrival
// order: transcriptions, audio, tool calls, then the turn boundary markers.
func translate(msg *genai.LiveServerMessage) []*session.ModelEvent {
	var events []*session.ModelEvent

	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, &session.ModelEvent{
				Kind:     session.EventText,
				Text:     sc.InputTranscription.Text,
				FromUser: true,
			})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, &session.ModelEvent{
				Kind: session.EventText,
				Text: sc.OutputTranscription.Text,
			})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					events = append(events, &session.ModelEvent{
						Kind:  session.EventAudio,
						Audio: part.InlineData.Data,
					})
				}
				if part.Text != "" {
					events = append(events, &session.ModelEvent{
						Kind: session.EventText,
						Text: part.Text,
					})
				}
			}
		}
		if sc.Interrupted {
			events = append(events, &session.ModelEvent{Kind: session.EventInterrupted})
		}
		if sc.TurnComplete {
			events = append(events, &session.ModelEvent{Kind: session.EventTurnComplete})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			events = append(events, &session.ModelEvent{
				Kind: session.EventToolCall,
				Tool: &session.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args},
			})
		}
	}

	if ru := msg.SessionResumptionUpdate; ru != nil {
		events = append(events, &session.ModelEvent{
			Kind:             session.EventResumption,
			ResumptionHandle: ru.NewHandle,
			Resumable:        ru.Resumable,
		})
	}

	return events
}
