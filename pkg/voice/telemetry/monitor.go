// Package telemetry aggregates per-call quality counters and drives the
// adaptive sizing of the outbound audio buffer. Everything here is cheap,
// lock-short, and off the hot path's critical section: the audio loops
// record and move on.
package telemetry

import (
	"sync"
	"time"
)

// Quality labels derived from the speech ratio. A very high ratio means the
// classifier is passing noise through, which is worse audio, not more talk.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityPoor      = "poor"
	QualityUnknown   = "unknown"
)

// latencyWindow bounds the rolling response-latency sample set.
const latencyWindow = 50

// Snapshot is a point-in-time copy of the monitor's counters.
type Snapshot struct {
	Duration          time.Duration `json:"duration_seconds"`
	TotalFrames       int           `json:"total_frames"`
	SpeechFrames      int           `json:"speech_frames"`
	SilenceFrames     int           `json:"silence_frames"`
	FalsePositives    int           `json:"false_positives"`
	Interruptions     int           `json:"interruptions"`
	PacketsLost       int           `json:"packets_lost"`
	EndOfTurnTimeouts int           `json:"end_of_turn_timeouts"`
	AvgLatencyMs      float64       `json:"avg_latency_ms"`
	SpeechRatio       float64       `json:"speech_ratio"`
	AudioQuality      string        `json:"audio_quality"`
}

// Monitor accumulates quality counters for one call.
type Monitor struct {
	now func() time.Time

	mu                sync.Mutex
	start             time.Time
	totalFrames       int
	speechFrames      int
	falsePositives    int
	interruptions     int
	packetsLost       int
	endOfTurnTimeouts int
	latencies         []float64
}

// NewMonitor creates a monitor using the given clock (time.Now if nil).
func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{now: now, start: now(), latencies: make([]float64, 0, latencyWindow)}
}

// RecordFrame counts one classified frame.
func (m *Monitor) RecordFrame(speech bool) {
	m.mu.Lock()
	m.totalFrames++
	if speech {
		m.speechFrames++
	}
	m.mu.Unlock()
}

// RecordFalsePositive counts a loud frame the confirmatory stage rejected.
func (m *Monitor) RecordFalsePositive() {
	m.mu.Lock()
	m.falsePositives++
	m.mu.Unlock()
}

// RecordInterruption counts the model being cut off mid-response.
func (m *Monitor) RecordInterruption() {
	m.mu.Lock()
	m.interruptions++
	m.mu.Unlock()
}

// RecordPacketLoss counts telephony packets the provider reported dropped.
func (m *Monitor) RecordPacketLoss(n int) {
	m.mu.Lock()
	m.packetsLost += n
	m.mu.Unlock()
}

// RecordEndOfTurnTimeout counts an end-of-turn signal that could not be
// confirmed delivered; a quality-degrading, non-fatal event.
func (m *Monitor) RecordEndOfTurnTimeout() {
	m.mu.Lock()
	m.endOfTurnTimeouts++
	m.mu.Unlock()
}

// RecordLatency adds a model response latency sample to the rolling window.
func (m *Monitor) RecordLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	m.mu.Lock()
	if len(m.latencies) >= latencyWindow {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, ms)
	m.mu.Unlock()
}

// AvgLatencyMs returns the mean of the rolling latency window, 0 if empty.
func (m *Monitor) AvgLatencyMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLatencyLocked()
}

func (m *Monitor) avgLatencyLocked() float64 {
	if len(m.latencies) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.latencies {
		sum += v
	}
	return sum / float64(len(m.latencies))
}

// Snapshot returns a copy of all counters at this instant.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Duration:          m.now().Sub(m.start),
		TotalFrames:       m.totalFrames,
		SpeechFrames:      m.speechFrames,
		SilenceFrames:     m.totalFrames - m.speechFrames,
		FalsePositives:    m.falsePositives,
		Interruptions:     m.interruptions,
		PacketsLost:       m.packetsLost,
		EndOfTurnTimeouts: m.endOfTurnTimeouts,
		AvgLatencyMs:      m.avgLatencyLocked(),
	}
	if m.totalFrames > 0 {
		snap.SpeechRatio = float64(m.speechFrames) / float64(m.totalFrames)
	}
	snap.AudioQuality = qualityFor(m.totalFrames, snap.SpeechRatio)
	return snap
}

func qualityFor(totalFrames int, speechRatio float64) string {
	switch {
	case totalFrames == 0:
		return QualityUnknown
	case speechRatio > 0.7:
		return QualityPoor
	case speechRatio > 0.3:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// Buffer sizing bounds: 800 bytes (25 ms at 16 kHz) to 3200 bytes (100 ms),
// adjusted in 200-byte steps against observed latency.
const (
	minBufferBytes  = 800
	maxBufferBytes  = 3200
	bufferStepBytes = 200

	growLatencyMs   = 500
	shrinkLatencyMs = 200
)

// BufferOptimizer resizes the outbound buffer from observed latency: a slow
// model gets a bigger cushion, a fast one gets snappier delivery.
type BufferOptimizer struct {
	mu      sync.Mutex
	current int
	window  []float64
}

// NewBufferOptimizer starts at initialSize, clamped to the sane range.
func NewBufferOptimizer(initialSize int) *BufferOptimizer {
	if initialSize < minBufferBytes {
		initialSize = minBufferBytes
	}
	if initialSize > maxBufferBytes {
		initialSize = maxBufferBytes
	}
	return &BufferOptimizer{current: initialSize, window: make([]float64, 0, latencyWindow)}
}

// RecordLatency adds an observed response latency.
func (o *BufferOptimizer) RecordLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	o.mu.Lock()
	if len(o.window) >= latencyWindow {
		o.window = o.window[1:]
	}
	o.window = append(o.window, ms)
	o.mu.Unlock()
}

// OptimalSize recomputes and returns the buffer size for current conditions.
func (o *BufferOptimizer) OptimalSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.window) == 0 {
		return o.current
	}
	var sum float64
	for _, v := range o.window {
		sum += v
	}
	avg := sum / float64(len(o.window))

	switch {
	case avg > growLatencyMs && o.current+bufferStepBytes <= maxBufferBytes:
		o.current += bufferStepBytes
	case avg > growLatencyMs:
		o.current = maxBufferBytes
	case avg < shrinkLatencyMs && o.current-bufferStepBytes >= minBufferBytes:
		o.current -= bufferStepBytes
	case avg < shrinkLatencyMs:
		o.current = minBufferBytes
	}
	return o.current
}
