package audio

// FrameBuffer accumulates network audio chunks of arbitrary size and yields
// frames of exactly one classifier-window duration. The remainder is held
// until the next Add. It is owned by a single call's forward loop and is not
// safe for concurrent use.
type FrameBuffer struct {
	frameBytes int
	buf        []byte
}

// NewFrameBuffer creates a re-framer producing frames of durationMs of
// 16-bit mono PCM at sampleRate. Classifier engines accept 10, 20 or 30 ms
// windows; the constructor does not enforce that so callers can pair it
// with engines that want other sizes.
func NewFrameBuffer(sampleRate, durationMs int) *FrameBuffer {
	frameBytes := sampleRate * durationMs / 1000 * 2
	return &FrameBuffer{
		frameBytes: frameBytes,
		buf:        make([]byte, 0, frameBytes*4),
	}
}

// FrameBytes returns the size in bytes of each emitted frame.
func (b *FrameBuffer) FrameBytes() int {
	return b.frameBytes
}

// Add appends data and returns every complete frame now available, in
// order. Returned frames are copies; the caller may retain them.
func (b *FrameBuffer) Add(data []byte) [][]byte {
	b.buf = append(b.buf, data...)

	var frames [][]byte
	for len(b.buf) >= b.frameBytes {
		frame := make([]byte, b.frameBytes)
		copy(frame, b.buf[:b.frameBytes])
		frames = append(frames, frame)
		b.buf = b.buf[b.frameBytes:]
	}

	// Reclaim the backing array once the remainder is small, so a long call
	// does not pin every chunk it ever saw.
	if len(b.buf) < b.frameBytes && cap(b.buf) > b.frameBytes*8 {
		remainder := make([]byte, len(b.buf), b.frameBytes*4)
		copy(remainder, b.buf)
		b.buf = remainder
	}
	return frames
}

// Pending returns how many bytes are buffered awaiting a full frame.
func (b *FrameBuffer) Pending() int {
	return len(b.buf)
}

// Reset discards any partial frame. Called between calls so no audio leaks
// from one conversation into the next.
func (b *FrameBuffer) Reset() {
	b.buf = b.buf[:0]
}
