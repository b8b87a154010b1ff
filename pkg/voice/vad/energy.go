package vad

import (
	"sync"

	"github.com/evacare-ai/voicecore/pkg/voice/audio"
)

// energyThresholds maps aggressiveness to the RMS a frame must exceed for
// the energy engine to call it speech. Empirical defaults on the absolute
// int16 scale; per-deployment tuning happens through the caller profile.
var energyThresholds = [AggressivenessMax + 1]int{200, 300, 400, 600}

// EnergyEngine is a pure-energy confirmatory stage. It is the fallback when
// the Silero runtime is not compiled in, and it is what classification
// degrades to when a model-backed engine fails mid-call. Its per-level
// thresholds sit above the classifier's default gate, so frames landing
// between the two are rejected and counted as false positives like any
// other confirmatory rejection.
type EnergyEngine struct {
	mu        sync.Mutex
	threshold int
}

// NewEnergyEngine creates an energy engine at the given aggressiveness.
func NewEnergyEngine(aggressiveness int) *EnergyEngine {
	return &EnergyEngine{threshold: energyThresholds[clampAggressiveness(aggressiveness)]}
}

// Detect implements Engine.
func (e *EnergyEngine) Detect(frame []byte) (bool, error) {
	e.mu.Lock()
	threshold := e.threshold
	e.mu.Unlock()
	return audio.RMS(frame) > threshold, nil
}

// SetAggressiveness implements Engine.
func (e *EnergyEngine) SetAggressiveness(level int) {
	e.mu.Lock()
	e.threshold = energyThresholds[clampAggressiveness(level)]
	e.mu.Unlock()
}

// Reset implements Engine. The energy engine carries no state across frames.
func (e *EnergyEngine) Reset() {}

// Close implements Engine.
func (e *EnergyEngine) Close() error { return nil }
