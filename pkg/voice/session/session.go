// Package session runs one live call end to end: telephony audio in, model
// audio out, with turn-taking, tool execution, checkpointing, and telemetry
// in between. One Controller exists per call and owns all per-call state;
// nothing here is shared across calls except the repository.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/evacare-ai/voicecore/pkg/telephony"
	"github.com/evacare-ai/voicecore/pkg/voice/audio"
	"github.com/evacare-ai/voicecore/pkg/voice/call"
	"github.com/evacare-ai/voicecore/pkg/voice/telemetry"
	"github.com/evacare-ai/voicecore/pkg/voice/turn"
	"github.com/evacare-ai/voicecore/pkg/voice/vad"
	"github.com/evacare-ai/voicecore/pkg/voice/watchdog"
)

// errCallEnded signals the normal stop event from the telephony side.
var errCallEnded = errors.New("session: call ended")

// FrameClassifier is the speech/silence decision stage; *vad.Classifier
// satisfies it.
type FrameClassifier interface {
	Classify(frame []byte) vad.Decision
}

// Config tunes the controller. Zero values take the defaults below.
type Config struct {
	// FunctionTimeout bounds one tool execution. Default 5s.
	FunctionTimeout time.Duration

	// FrameDurationMs is the classifier frame size. Default 20.
	FrameDurationMs int

	// CleanupTimeout bounds the final persistence work. Default 5s.
	CleanupTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FunctionTimeout <= 0 {
		c.FunctionTimeout = 5 * time.Second
	}
	if c.FrameDurationMs <= 0 {
		c.FrameDurationMs = 20
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
}

// Dependencies carries everything a Controller needs. New validates the
// required fields.
type Dependencies struct {
	Call       *call.Context
	Media      MediaStream
	Dialer     ModelDialer
	Repo       Repository
	Functions  *call.Registry
	Classifier FrameClassifier

	// Optional.
	Sink     TelemetrySink
	Watchdog *watchdog.Manager
	Logger   *slog.Logger
	Now      func() time.Time
	Config   Config
}

func (d *Dependencies) validate() error {
	switch {
	case d.Call == nil:
		return errors.New("session: missing call context")
	case d.Media == nil:
		return errors.New("session: missing media stream")
	case d.Dialer == nil:
		return errors.New("session: missing model dialer")
	case d.Repo == nil:
		return errors.New("session: missing repository")
	case d.Functions == nil:
		return errors.New("session: missing function registry")
	case d.Classifier == nil:
		return errors.New("session: missing classifier")
	}
	return nil
}

// Controller drives one call.
type Controller struct {
	deps Dependencies
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	machine   *turn.Machine
	framer    *audio.FrameBuffer
	monitor   *telemetry.Monitor
	optimizer *telemetry.BufferOptimizer

	// funcMu serializes tool executions for this call.
	funcMu sync.Mutex

	// cpMu guards the checkpoint, resumption handle, and once-tracking.
	// turnBase is the turn count restored from a resumed checkpoint; the
	// machine counts this session's turns from zero, so persisted counts
	// are base plus machine.
	cpMu         sync.Mutex
	checkpoint   call.Checkpoint
	resumeHandle string
	turnBase     int
	calledOnce   map[string]bool

	// modelMu guards the model stream, which the watchdog may replace.
	modelMu sync.Mutex
	model   ModelStream

	// latMu guards response-latency bookkeeping.
	latMu            sync.Mutex
	turnEndedAt      time.Time
	awaitingResponse bool

	wdStarted bool
}

// New validates deps and builds the per-call pipeline state.
func New(deps Dependencies) (*Controller, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	bufBytes := deps.Call.Audio.BufferBytes
	if bufBytes == 0 {
		bufBytes = 1600
	}

	c := &Controller{
		deps: deps,
		cfg:  cfg,
		log:  deps.Logger.With("call_id", deps.Call.CallID),
		now:  deps.Now,
		machine: turn.NewMachine(turn.Config{
			SilenceThreshold: deps.Call.Audio.SilenceThreshold,
			Now:              deps.Now,
			Logger:           deps.Logger,
		}),
		framer:     audio.NewFrameBuffer(audio.ClassifierRate, cfg.FrameDurationMs),
		monitor:    telemetry.NewMonitor(deps.Now),
		optimizer:  telemetry.NewBufferOptimizer(bufBytes),
		calledOnce: make(map[string]bool),
	}
	if cp := deps.Call.Resumption.Checkpoint; cp != nil {
		c.checkpoint = *cp
		c.resumeHandle = deps.Call.Resumption.PreviousHandle
		c.turnBase = cp.TurnCount
	}
	return c, nil
}

// Run executes the call until the caller hangs up, the model stream ends, or
// ctx is cancelled. Cleanup (final checkpoint, telemetry report, terminal
// status) runs regardless of how the call ends.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.deps.Functions.Validate(c.deps.Call); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := c.deps.Repo.UpdateCallStatus(ctx, c.deps.Call.CallID, StatusInProgress); err != nil {
		c.log.Warn("update call status", "status", StatusInProgress, "error", err)
	}

	model, err := c.deps.Dialer.Dial(ctx, c.deps.Call)
	if err != nil {
		c.finish(fmt.Errorf("dial model: %w", err))
		return fmt.Errorf("dial model: %w", err)
	}
	c.setModel(model)

	if cp := c.deps.Call.Resumption.Checkpoint; cp != nil {
		c.log.Info("resuming session", "turn_count", cp.TurnCount, "task_completed", cp.TaskCompleted)
	} else if g := c.deps.Call.Greeting; g != "" {
		if err := model.SendText(ctx, g, true); err != nil {
			c.log.Warn("send greeting", "error", err)
		}
	}

	if c.deps.Watchdog != nil {
		c.deps.Watchdog.MarkConnected()
		c.deps.Watchdog.Start(ctx, c.redial)
		c.wdStarted = true
	}

	errCh := make(chan error, 2)
	go func() { errCh <- c.forwardLoop(ctx) }()
	go func() { errCh <- c.reverseLoop(ctx) }()

	runErr := <-errCh
	cancel()
	// Close both streams so the other loop's blocking read returns.
	_ = c.deps.Media.Close()
	_ = c.currentModel().Close()
	<-errCh

	if errors.Is(runErr, errCallEnded) || errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	c.finish(runErr)
	return runErr
}

// forwardLoop moves caller audio toward the model: decode, resample, frame,
// classify, and forward speech frames; end-of-turn signals are emitted here
// so they can never overtake the speech frames they follow.
func (c *Controller) forwardLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev, err := c.deps.Media.ReadEvent()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("media stream: %w", err)
		}

		switch ev.Event {
		case telephony.EventConnected:

		case telephony.EventStart:
			if ev.Start != nil {
				c.deps.Media.SetStreamSID(ev.Start.StreamSID)
				c.log.Info("media stream started", "stream_sid", ev.Start.StreamSID)
			}
			if c.deps.Watchdog != nil {
				c.deps.Watchdog.MarkConnected()
			}

		case telephony.EventMedia:
			if c.deps.Watchdog != nil {
				c.deps.Watchdog.MarkPacket()
			}
			if ev.Media == nil {
				continue
			}
			payload, err := ev.Media.DecodePayload()
			if err != nil {
				c.log.Warn("bad media payload", "error", err)
				c.monitor.RecordPacketLoss(1)
				continue
			}
			pcm8 := audio.ULawDecode(payload)
			pcm16 := audio.Resample(pcm8, audio.TelephonyRate, audio.ClassifierRate)
			for _, frame := range c.framer.Add(pcm16) {
				c.handleFrame(ctx, frame)
			}

		case telephony.EventStop:
			c.log.Info("caller hung up")
			return errCallEnded
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, frame []byte) {
	dec := c.deps.Classifier.Classify(frame)
	c.monitor.RecordFrame(dec.Speech)
	if dec.FalsePositive {
		c.monitor.RecordFalsePositive()
	}

	tev := c.machine.Observe(dec)
	switch tev.Kind {
	case turn.EventSpeechStart, turn.EventSpeechContinue:
		if err := c.currentModel().SendAudio(ctx, frame); err != nil {
			c.log.Warn("forward audio", "error", err)
		}

	case turn.EventTurnEnd:
		c.log.Info("turn ended", "reason", tev.Reason, "turn", c.machine.Turns())
		c.markTurnEnd()
		if err := c.machine.EmitEndOfTurn(ctx, c.currentModel().SendEndOfTurn); err != nil {
			c.monitor.RecordEndOfTurnTimeout()
		}
		c.cpMu.Lock()
		c.checkpoint.TurnCount = c.turnBase + c.machine.Turns()
		if text := c.machine.DrainTranscript(); text != "" {
			c.checkpoint.LastUserInput = text
		}
		c.cpMu.Unlock()
	}
}

// reverseLoop moves model events toward the caller: audio playback, tool
// execution, transcription handling, and resumption checkpoints.
func (c *Controller) reverseLoop(ctx context.Context) error {
	var playback []byte
	for {
		model := c.currentModel()
		ev, err := model.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The watchdog may have swapped in a fresh stream while this
			// read was blocked on the dead one.
			if c.currentModel() != model {
				playback = playback[:0]
				continue
			}
			return fmt.Errorf("model stream: %w", err)
		}

		switch ev.Kind {
		case EventAudio:
			c.recordResponseLatency()
			playback = append(playback, ev.Audio...)
			for flush := c.optimizer.OptimalSize(); len(playback) >= flush; flush = c.optimizer.OptimalSize() {
				if err := c.playToCaller(ctx, playback[:flush]); err != nil {
					return err
				}
				playback = playback[flush:]
			}

		case EventTurnComplete:
			if len(playback) > 0 {
				if err := c.playToCaller(ctx, playback); err != nil {
					return err
				}
				playback = playback[:0]
			}

		case EventInterrupted:
			playback = playback[:0]
			c.monitor.RecordInterruption()
			c.log.Info("model interrupted by caller")

		case EventText:
			c.handleText(ctx, ev)

		case EventToolCall:
			c.executeTool(ctx, ev.Tool)

		case EventResumption:
			if ev.Resumable && ev.ResumptionHandle != "" {
				c.persistResumption(ctx, ev.ResumptionHandle)
			}
		}
	}
}

// playToCaller converts model output (24 kHz PCM) down to telephony μ-law
// and writes it through the paced media stream.
func (c *Controller) playToCaller(ctx context.Context, pcm24 []byte) error {
	pcm8 := audio.Resample(pcm24, audio.ModelOutputRate, audio.TelephonyRate)
	if err := c.deps.Media.SendMedia(ctx, audio.ULawEncode(pcm8)); err != nil {
		return fmt.Errorf("send playback: %w", err)
	}
	return nil
}

func (c *Controller) handleText(ctx context.Context, ev *ModelEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	if ev.FromUser {
		c.machine.AddTranscript(text)
	} else {
		c.cpMu.Lock()
		c.checkpoint.LastModelOutput = text
		c.cpMu.Unlock()
	}
	if kind := alertKind(text); kind != "" {
		if err := c.deps.Repo.AppendTranscriptAction(ctx, c.deps.Call.CallID, kind, text); err != nil {
			c.log.Warn("append transcript action", "kind", kind, "error", err)
		}
	}
}

// executeTool runs one model-requested function and returns the outcome to
// the model. Executions are serialized per call; each one is bounded by
// FunctionTimeout and isolated from handler panics.
func (c *Controller) executeTool(ctx context.Context, tool *ToolCall) {
	if tool == nil {
		return
	}
	c.funcMu.Lock()
	result := c.runFunction(ctx, tool)
	c.funcMu.Unlock()

	if err := c.currentModel().SendToolResult(ctx, tool.ID, tool.Name, result); err != nil {
		c.log.Warn("send tool result", "function", tool.Name, "error", err)
	}
}

func (c *Controller) runFunction(ctx context.Context, tool *ToolCall) call.Result {
	spec, declared := c.deps.Call.FunctionSpecFor(tool.Name)
	if !declared {
		return call.Result{Message: fmt.Sprintf("function %s is not available on this call", tool.Name)}
	}
	if spec.Once {
		c.cpMu.Lock()
		done := c.calledOnce[tool.Name]
		c.cpMu.Unlock()
		if done {
			return call.Result{Success: true, Message: fmt.Sprintf("%s was already completed for this call", tool.Name)}
		}
	}
	handler, ok := c.deps.Functions.Lookup(tool.Name)
	if !ok {
		return call.Result{Message: fmt.Sprintf("no handler registered for %s", tool.Name)}
	}

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FunctionTimeout)
	defer cancel()

	type outcome struct {
		res call.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("function %s panicked: %v", tool.Name, r)}
			}
		}()
		res, err := handler(fctx, tool.Args, c.deps.Call)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case <-fctx.Done():
		c.log.Error("function timed out", "function", tool.Name, "timeout", c.cfg.FunctionTimeout)
		return call.Result{Message: fmt.Sprintf("%s timed out", tool.Name)}
	case out := <-ch:
		if out.err != nil {
			c.log.Error("function failed", "function", tool.Name, "error", out.err)
			return call.Result{Message: fmt.Sprintf("%s failed", tool.Name)}
		}
		if out.res.Success {
			c.cpMu.Lock()
			c.checkpoint.FunctionsCalled = append(c.checkpoint.FunctionsCalled, tool.Name)
			if spec.Once {
				c.calledOnce[tool.Name] = true
				c.checkpoint.TaskCompleted = true
			}
			c.cpMu.Unlock()
		}
		return out.res
	}
}

// persistResumption stores the fresh handle with a checkpoint snapshot so a
// dropped connection can resume mid-conversation.
func (c *Controller) persistResumption(ctx context.Context, handle string) {
	c.cpMu.Lock()
	c.resumeHandle = handle
	cp := c.snapshotCheckpointLocked()
	c.cpMu.Unlock()

	if err := c.deps.Repo.PersistCheckpoint(ctx, c.deps.Call.CallID, handle, cp); err != nil {
		c.log.Warn("persist checkpoint", "error", err)
	}
}

func (c *Controller) snapshotCheckpointLocked() call.Checkpoint {
	cp := c.checkpoint
	cp.FunctionsCalled = append([]string(nil), c.checkpoint.FunctionsCalled...)
	cp.Timestamp = c.now()
	return cp
}

// redial is the watchdog's reconnect path: open a fresh model stream with
// the latest resumption state and swap it in.
func (c *Controller) redial(ctx context.Context) error {
	callCtx := *c.deps.Call
	c.cpMu.Lock()
	callCtx.Resumption.PreviousHandle = c.resumeHandle
	cp := c.snapshotCheckpointLocked()
	c.cpMu.Unlock()
	callCtx.Resumption.Checkpoint = &cp

	stream, err := c.deps.Dialer.Dial(ctx, &callCtx)
	if err != nil {
		return err
	}

	c.modelMu.Lock()
	old := c.model
	c.model = stream
	c.modelMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.log.Info("model stream reconnected")
	return nil
}

func (c *Controller) setModel(m ModelStream) {
	c.modelMu.Lock()
	c.model = m
	c.modelMu.Unlock()
}

func (c *Controller) currentModel() ModelStream {
	c.modelMu.Lock()
	defer c.modelMu.Unlock()
	return c.model
}

func (c *Controller) markTurnEnd() {
	c.latMu.Lock()
	c.turnEndedAt = c.now()
	c.awaitingResponse = true
	c.latMu.Unlock()
}

// recordResponseLatency measures end-of-turn to first model audio, feeding
// both the quality monitor and the buffer optimizer.
func (c *Controller) recordResponseLatency() {
	c.latMu.Lock()
	if !c.awaitingResponse {
		c.latMu.Unlock()
		return
	}
	c.awaitingResponse = false
	d := c.now().Sub(c.turnEndedAt)
	c.latMu.Unlock()

	c.monitor.RecordLatency(d)
	c.optimizer.RecordLatency(d)
}

// finish persists the final checkpoint, reports telemetry, and writes the
// terminal call status. Runs on its own bounded context so a cancelled call
// still gets its bookkeeping.
func (c *Controller) finish(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
	defer cancel()

	if c.wdStarted {
		c.deps.Watchdog.Stop()
	}

	c.cpMu.Lock()
	cp := c.snapshotCheckpointLocked()
	handle := c.resumeHandle
	c.cpMu.Unlock()
	if err := c.deps.Repo.PersistCheckpoint(ctx, c.deps.Call.CallID, handle, cp); err != nil {
		c.log.Warn("persist final checkpoint", "error", err)
	}

	snap := c.monitor.Snapshot()
	if c.deps.Sink != nil {
		if err := c.deps.Sink.LogCallTelemetry(ctx, c.deps.Call.CallID, snap); err != nil {
			c.log.Warn("log call telemetry", "error", err)
		}
	}

	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
	}
	if err := c.deps.Repo.UpdateCallStatus(ctx, c.deps.Call.CallID, status); err != nil {
		c.log.Warn("update call status", "status", status, "error", err)
	}

	c.log.Info("call finished",
		"status", status,
		"turns", cp.TurnCount,
		"task_completed", cp.TaskCompleted,
		"quality", snap.AudioQuality,
		"false_positives", snap.FalsePositives)
}

// Emergency wording in either direction of the conversation becomes a
// transcript action a human reviews.
var (
	emergencyKeywords = []string{
		"socorro", "emergência", "emergencia", "ambulância", "ambulancia",
		"não consigo respirar", "nao consigo respirar", "dor no peito",
	}
	concernKeywords = []string{
		"caí", "cai no chão", "tontura", "tonto", "muita dor", "sozinho há dias",
	}
)

func alertKind(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range emergencyKeywords {
		if strings.Contains(lower, kw) {
			return "emergency"
		}
	}
	for _, kw := range concernKeywords {
		if strings.Contains(lower, kw) {
			return "health_concern"
		}
	}
	return ""
}
