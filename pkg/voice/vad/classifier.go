package vad

import (
	"log/slog"
	"sync"

	"github.com/evacare-ai/voicecore/pkg/voice/audio"
)

// Decision is the per-frame classification outcome.
type Decision struct {
	// Speech is the final verdict after both stages.
	Speech bool

	// RMS is the measured frame energy on the absolute int16 scale.
	RMS int

	// FalsePositive is set when the frame cleared the energy gate but the
	// confirmatory engine rejected it: loud non-speech, e.g. broadcast audio.
	FalsePositive bool

	// Fallback is set when the confirmatory engine failed and the verdict is
	// the energy gate's alone.
	Fallback bool
}

// Config tunes the two-stage classifier.
type Config struct {
	// EnergyThreshold is the RMS below which a frame is silence without
	// consulting the engine. Default 300.
	EnergyThreshold int

	// Aggressiveness is the initial engine strictness. Default
	// AggressivenessQuiet.
	Aggressiveness int

	// Logger receives engine-failure warnings. Default slog.Default().
	Logger *slog.Logger
}

// Classifier runs the RMS pre-filter and the confirmatory engine in order.
// Classify is called from a single forward loop; SetAggressiveness may be
// called from elsewhere, so threshold state is mutex-guarded.
type Classifier struct {
	engine Engine
	logger *slog.Logger

	mu        sync.Mutex
	threshold int
}

// NewClassifier builds a classifier over the given confirmatory engine.
func NewClassifier(engine Engine, cfg Config) *Classifier {
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = 300
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	engine.SetAggressiveness(clampAggressiveness(orDefaultAggressiveness(cfg.Aggressiveness)))
	return &Classifier{
		engine:    engine,
		logger:    cfg.Logger,
		threshold: cfg.EnergyThreshold,
	}
}

func orDefaultAggressiveness(level int) int {
	if level == 0 {
		return AggressivenessQuiet
	}
	return level
}

// Classify runs the two-stage decision on one frame.
//
// Frames below the energy threshold are silence regardless of what the
// engine would say. Frames at or above it are speech only if the engine
// confirms; an engine rejection is recorded as a false positive. An engine
// error degrades to the energy verdict alone — the call keeps flowing.
func (c *Classifier) Classify(frame []byte) Decision {
	rms := audio.RMS(frame)

	c.mu.Lock()
	threshold := c.threshold
	c.mu.Unlock()

	if rms < threshold {
		return Decision{RMS: rms}
	}

	speech, err := c.engine.Detect(frame)
	if err != nil {
		c.logger.Warn("vad engine failed, falling back to energy gate", "error", err)
		return Decision{Speech: true, RMS: rms, Fallback: true}
	}
	if !speech {
		return Decision{RMS: rms, FalsePositive: true}
	}
	return Decision{Speech: true, RMS: rms}
}

// SetEnergyThreshold adjusts the pre-filter at runtime.
func (c *Classifier) SetEnergyThreshold(threshold int) {
	if threshold <= 0 {
		return
	}
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

// SetAggressiveness adjusts the confirmatory engine at runtime, e.g. when a
// caller profile flags a noisy environment.
func (c *Classifier) SetAggressiveness(level int) {
	c.engine.SetAggressiveness(clampAggressiveness(level))
}

// Reset clears engine state between calls.
func (c *Classifier) Reset() {
	c.engine.Reset()
}

// Close releases the engine.
func (c *Classifier) Close() error {
	return c.engine.Close()
}
