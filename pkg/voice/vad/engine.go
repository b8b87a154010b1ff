// Package vad decides, frame by frame, whether the remote party is actually
// speaking. A cheap RMS gate rejects quiet frames outright; frames that pass
// it go to a confirmatory engine that tells human speech apart from loud
// non-speech such as a television. Loud-but-rejected frames are the false
// positives the pipeline exists to suppress.
package vad

import "errors"

// Aggressiveness levels for the confirmatory engine. Higher levels demand
// more evidence of speech and suit noisy environments.
const (
	AggressivenessMin = 0
	AggressivenessMax = 3

	// AggressivenessQuiet and AggressivenessNoisy are the two levels the
	// caller profile selects between.
	AggressivenessQuiet = 2
	AggressivenessNoisy = 3
)

// ErrEngineUnavailable is returned by engine constructors whose backing
// runtime is not compiled in or cannot be initialized.
var ErrEngineUnavailable = errors.New("vad: engine unavailable")

// Engine is the confirmatory speech/non-speech stage. Implementations are
// stateful (RNN hidden state, adaptive noise floors) and owned by a single
// call.
type Engine interface {
	// Detect reports whether the frame contains human speech. The frame is
	// 16-bit little-endian mono PCM of one classifier window.
	Detect(frame []byte) (bool, error)

	// SetAggressiveness tunes how strict the engine is, clamped to
	// [AggressivenessMin, AggressivenessMax].
	SetAggressiveness(level int)

	// Reset clears engine state between calls.
	Reset()

	// Close releases engine resources.
	Close() error
}

func clampAggressiveness(level int) int {
	if level < AggressivenessMin {
		return AggressivenessMin
	}
	if level > AggressivenessMax {
		return AggressivenessMax
	}
	return level
}
