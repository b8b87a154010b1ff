package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evacare-ai/voicecore/pkg/gemini"
	"github.com/evacare-ai/voicecore/pkg/store"
	"github.com/evacare-ai/voicecore/pkg/telephony"
	"github.com/evacare-ai/voicecore/pkg/voice/call"
	"github.com/evacare-ai/voicecore/pkg/voice/session"
	"github.com/evacare-ai/voicecore/pkg/voice/vad"
	"github.com/evacare-ai/voicecore/pkg/voice/watchdog"
)

const callContextTTL = 5 * time.Minute

type server struct {
	cfg       config
	db        *store.Postgres
	dialer    *gemini.Dialer
	functions *call.Registry
	cache     *store.TTLCache[*call.Context]
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

func newServer(cfg config, db *store.Postgres, dialer *gemini.Dialer, logger *slog.Logger) *server {
	s := &server{
		cfg:       cfg,
		db:        db,
		dialer:    dialer,
		functions: call.NewRegistry(),
		cache:     store.NewTTLCache[*call.Context](callContextTTL, nil),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		log:       logger,
	}
	s.registerFunctions()
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.HandleFunc("/media-stream", s.handleMediaStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleTwiML answers the telephony provider's call webhook with a stream
// directive pointing back at this service.
func (s *server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "missing call_id", http.StatusBadRequest)
		return
	}
	streamURL := fmt.Sprintf("wss://%s/media-stream", s.cfg.ServiceDomain)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(telephony.TwiML(streamURL, callID)))
}

// handleMediaStream owns one call: upgrade, wait for the start event to
// learn the call id, assemble the pipeline, and run it to completion.
func (s *server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	media := telephony.NewStream(conn)
	defer media.Close()

	callID, err := awaitStart(media)
	if err != nil {
		s.log.Error("media stream never started", "error", err)
		return
	}
	log := s.log.With("call_id", callID, "stream_sid", media.StreamSID())

	callCtx, err := s.loadCallContext(r.Context(), callID)
	if err != nil {
		log.Error("failed to load call context", "error", err)
		return
	}

	classifier, err := s.buildClassifier(callCtx, log)
	if err != nil {
		log.Error("failed to build classifier", "error", err)
		return
	}
	defer classifier.Close()

	wd := watchdog.NewManager(watchdog.Config{Logger: log}, &escalationHooks{
		db:     s.db,
		callID: callID,
		policy: callCtx.Retry.EscalationPolicy,
		log:    log,
	})

	controller, err := session.New(session.Dependencies{
		Call:       callCtx,
		Media:      media,
		Dialer:     s.dialer,
		Repo:       s.db,
		Sink:       s.db,
		Functions:  s.functions,
		Classifier: classifier,
		Watchdog:   wd,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to build session", "error", err)
		return
	}

	if err := controller.Run(r.Context()); err != nil {
		log.Error("call ended with error", "error", err)
	}
}

// awaitStart reads events until the provider announces the stream, which
// carries the call id as a custom parameter.
func awaitStart(media *telephony.Stream) (string, error) {
	for {
		ev, err := media.ReadEvent()
		if err != nil {
			return "", err
		}
		switch ev.Event {
		case telephony.EventConnected:
		case telephony.EventStart:
			if ev.Start == nil {
				return "", errors.New("start event without payload")
			}
			media.SetStreamSID(ev.Start.StreamSID)
			callID := ev.Start.CustomParameters["call_id"]
			if callID == "" {
				return "", errors.New("start event without call_id parameter")
			}
			return callID, nil
		case telephony.EventStop:
			return "", errors.New("stream stopped before start")
		}
	}
}

func (s *server) loadCallContext(ctx context.Context, callID string) (*call.Context, error) {
	if cached, ok := s.cache.Get(callID); ok {
		return cached, nil
	}
	callCtx, err := s.db.CallContext(ctx, callID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(callID, callCtx)
	return callCtx, nil
}

// buildClassifier prefers the model-backed engine and falls back to the
// energy engine when the build has no Silero support or no model file.
func (s *server) buildClassifier(callCtx *call.Context, log *slog.Logger) (*vad.Classifier, error) {
	aggressiveness := vad.AggressivenessQuiet
	if callCtx.Profile.NoisyEnvironment {
		aggressiveness = vad.AggressivenessNoisy
	}

	var engine vad.Engine
	if s.cfg.SileroModelPath != "" {
		silero, err := vad.NewSileroEngine(s.cfg.SileroModelPath, aggressiveness, s.cfg.ONNXRuntimePath)
		switch {
		case err == nil:
			engine = silero
		case errors.Is(err, vad.ErrEngineUnavailable):
			log.Warn("silero engine unavailable, using energy engine")
		default:
			return nil, err
		}
	}
	if engine == nil {
		engine = vad.NewEnergyEngine(aggressiveness)
	}

	return vad.NewClassifier(engine, vad.Config{
		EnergyThreshold: callCtx.Audio.SpeechRMS,
		Aggressiveness:  aggressiveness,
		Logger:          log,
	}), nil
}

// registerFunctions wires the tools the model may call during a check-in.
func (s *server) registerFunctions() {
	s.functions.Register("confirm_medication", func(ctx context.Context, args map[string]any, callCtx *call.Context) (call.Result, error) {
		taken, _ := args["taken"].(bool)
		note := fmt.Sprintf("medication confirmation: taken=%v", taken)
		if err := s.db.AppendTranscriptAction(ctx, callCtx.CallID, "medication_confirmed", note); err != nil {
			return call.Result{}, err
		}
		if !taken {
			if err := s.db.InsertAlert(ctx, callCtx.CallID, "warning", "medication reported not taken"); err != nil {
				return call.Result{}, err
			}
		}
		return call.Result{Success: true, Message: "confirmation recorded"}, nil
	})

	s.functions.Register("request_caregiver_callback", func(ctx context.Context, args map[string]any, callCtx *call.Context) (call.Result, error) {
		reason, _ := args["reason"].(string)
		if err := s.db.InsertAlert(ctx, callCtx.CallID, "info", "caregiver callback requested: "+reason); err != nil {
			return call.Result{}, err
		}
		return call.Result{Success: true, Message: "a caregiver will call back"}, nil
	})
}

// escalationHooks turns watchdog exhaustion into a failed status plus an
// alert row for the care team.
type escalationHooks struct {
	db     *store.Postgres
	callID string
	policy string
	log    *slog.Logger
}

func (h *escalationHooks) OnDisconnect(ctx context.Context) {
	h.log.Warn("call connection lost")
}

func (h *escalationHooks) OnReconnect(ctx context.Context) {
	h.log.Info("call connection restored")
}

func (h *escalationHooks) OnMaxAttemptsReached(ctx context.Context) {
	bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.db.UpdateCallStatus(bgCtx, h.callID, session.StatusFailed); err != nil {
		h.log.Error("failed to mark call failed", "error", err)
	}
	msg := fmt.Sprintf("call dropped and could not reconnect, escalation policy: %s", h.policy)
	if err := h.db.InsertAlert(bgCtx, h.callID, "critical", msg); err != nil {
		h.log.Error("failed to insert escalation alert", "error", err)
	}
}
