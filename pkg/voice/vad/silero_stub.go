//go:build !silero

package vad

// NewSileroEngine is unavailable without the silero build tag; callers fall
// back to NewEnergyEngine. Build with -tags silero and a local ONNX Runtime
// to enable the model-backed stage.
func NewSileroEngine(modelPath string, aggressiveness int, ortLibPath string) (Engine, error) {
	return nil, ErrEngineUnavailable
}
