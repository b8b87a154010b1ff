//go:build silero

package vad

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// sileroWindowSamples is the inference window Silero VAD v5 requires at
	// 16 kHz: exactly 512 float32 samples (32 ms).
	sileroWindowSamples = 512

	// sileroStateSize is the hidden state dimension; the combined state
	// tensor has shape [2, 1, 128].
	sileroStateSize = 128

	sileroSampleRate = 16000
)

// sileroThresholds maps aggressiveness to the speech-probability cutoff.
var sileroThresholds = [AggressivenessMax + 1]float32{0.3, 0.5, 0.65, 0.8}

// ONNX Runtime environment initialization happens once per process; the
// error is kept so later constructors surface it instead of running against
// an uninitialized environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// SileroEngine is the model-backed confirmatory stage: Silero VAD v5 run
// through ONNX Runtime. Frames smaller than the 512-sample window are
// buffered; Detect reports speech if any complete window in the frame
// clears the probability threshold.
type SileroEngine struct {
	session *ort.AdvancedSession

	inputTensor  *ort.Tensor[float32] // [1, 512]
	stateTensor  *ort.Tensor[float32] // [2, 1, 128]
	srTensor     *ort.Tensor[int64]   // scalar sample rate
	outputTensor *ort.Tensor[float32] // [1, 1]
	stateNTensor *ort.Tensor[float32] // [2, 1, 128]

	pcmBuf []float32

	mu        sync.Mutex
	threshold float32
}

// NewSileroEngine loads the Silero VAD v5 model from modelPath and prepares
// reusable inference tensors.
func NewSileroEngine(modelPath string, aggressiveness int, ortLibPath string) (*SileroEngine, error) {
	modelData, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("silero: read model: %w", err)
	}

	ortInitOnce.Do(func() {
		if ortLibPath != "" {
			ort.SetSharedLibraryPath(ortLibPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("silero: init onnxruntime: %w", ortInitErr)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, sileroWindowSamples))
	if err != nil {
		return nil, fmt.Errorf("silero: create input tensor: %w", err)
	}
	stateTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("silero: create state tensor: %w", err)
	}
	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{sileroSampleRate})
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		return nil, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		return nil, fmt.Errorf("silero: create output tensor: %w", err)
	}
	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, sileroStateSize))
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("silero: create stateN tensor: %w", err)
	}

	// onnxruntime_go does not guarantee zeroed tensor memory.
	zeroFloat32(stateTensor.GetData())
	zeroFloat32(stateNTensor.GetData())

	session, err := ort.NewAdvancedSessionWithONNXData(
		modelData,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, stateTensor, srTensor},
		[]ort.Value{outputTensor, stateNTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		stateTensor.Destroy()
		srTensor.Destroy()
		outputTensor.Destroy()
		stateNTensor.Destroy()
		return nil, fmt.Errorf("silero: create session: %w", err)
	}

	return &SileroEngine{
		session:      session,
		inputTensor:  inputTensor,
		stateTensor:  stateTensor,
		srTensor:     srTensor,
		outputTensor: outputTensor,
		stateNTensor: stateNTensor,
		pcmBuf:       make([]float32, 0, sileroWindowSamples*2),
		threshold:    sileroThresholds[clampAggressiveness(aggressiveness)],
	}, nil
}

// Detect implements Engine.
func (e *SileroEngine) Detect(frame []byte) (bool, error) {
	if len(frame)%2 != 0 {
		return false, fmt.Errorf("silero: odd PCM length %d", len(frame))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pcmBuf = append(e.pcmBuf, pcmToFloat32(frame)...)

	speech := false
	for len(e.pcmBuf) >= sileroWindowSamples {
		prob, err := e.infer(e.pcmBuf[:sileroWindowSamples])
		if err != nil {
			return false, err
		}
		e.pcmBuf = e.pcmBuf[sileroWindowSamples:]
		if prob >= e.threshold {
			speech = true
		}
	}
	return speech, nil
}

// SetAggressiveness implements Engine.
func (e *SileroEngine) SetAggressiveness(level int) {
	e.mu.Lock()
	e.threshold = sileroThresholds[clampAggressiveness(level)]
	e.mu.Unlock()
}

// Reset implements Engine: clears the RNN hidden state and sample buffer.
func (e *SileroEngine) Reset() {
	e.mu.Lock()
	zeroFloat32(e.stateTensor.GetData())
	e.pcmBuf = e.pcmBuf[:0]
	e.mu.Unlock()
}

// Close implements Engine. Safe to call more than once.
func (e *SileroEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.stateTensor != nil {
		e.stateTensor.Destroy()
		e.stateTensor = nil
	}
	if e.srTensor != nil {
		e.srTensor.Destroy()
		e.srTensor = nil
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	if e.stateNTensor != nil {
		e.stateNTensor.Destroy()
		e.stateNTensor = nil
	}
	return nil
}

func (e *SileroEngine) infer(window []float32) (float32, error) {
	copy(e.inputTensor.GetData(), window)

	if err := e.session.Run(); err != nil {
		return 0, fmt.Errorf("silero: inference: %w", err)
	}

	prob := e.outputTensor.GetData()[0]

	// Carry the hidden state forward: stateN becomes next state.
	copy(e.stateTensor.GetData(), e.stateNTensor.GetData())

	return prob, nil
}

// pcmToFloat32 converts s16le bytes to float32 in [-1, 1). Dividing by 32768
// keeps the full int16 range strictly inside the unit interval.
func pcmToFloat32(buf []byte) []float32 {
	n := len(buf) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		u := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		out[i] = float32(int16(u)) / 32768.0
	}
	return out
}

func zeroFloat32(s []float32) {
	for i := range s {
		s[i] = 0
	}
}
