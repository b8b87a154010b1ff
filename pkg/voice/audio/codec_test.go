package audio

import (
	"math"
	"testing"
)

// tone synthesizes a sine wave as 16-bit little-endian PCM.
func tone(freq float64, sampleRate int, seconds float64, amplitude float64) []byte {
	n := int(float64(sampleRate) * seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		s := int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	return pcm
}

func samples(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
	}
	return out
}

// normalizedCrossCorrelation at zero lag over the overlapping region.
func normalizedCrossCorrelation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

func TestULawRoundTrip(t *testing.T) {
	pcm := tone(440, TelephonyRate, 0.1, 8000)
	decoded := ULawDecode(ULawEncode(pcm))

	if len(decoded) != len(pcm) {
		t.Fatalf("round trip length = %d, want %d", len(decoded), len(pcm))
	}
	corr := normalizedCrossCorrelation(samples(pcm), samples(decoded))
	if corr < 0.99 {
		t.Errorf("ulaw round-trip correlation = %f, want >= 0.99", corr)
	}
}

func TestULawEncodeSilence(t *testing.T) {
	pcm := make([]byte, 320)
	ulaw := ULawEncode(pcm)
	if len(ulaw) != 160 {
		t.Fatalf("encoded length = %d, want 160", len(ulaw))
	}
	decoded := ULawDecode(ulaw)
	if rms := RMS(decoded); rms > 4 {
		t.Errorf("decoded silence RMS = %d, want near 0", rms)
	}
}

// Round-trip a 1-second 16 kHz tone through the outbound path (16k -> 8k ->
// ulaw) and back through the inbound path (ulaw -> 8k -> 16k). The chain is
// lossy but the reconstruction must stay strongly correlated.
func TestCodecPipelineRoundTrip(t *testing.T) {
	original := tone(440, ClassifierRate, 1.0, 12000)

	down := Resample(original, ClassifierRate, TelephonyRate)
	wire := ULawEncode(down)

	back := Resample(ULawDecode(wire), TelephonyRate, ClassifierRate)

	if len(back) != len(original) {
		t.Fatalf("reconstructed length = %d, want %d", len(back), len(original))
	}
	corr := normalizedCrossCorrelation(samples(original), samples(back))
	if corr < 0.9 {
		t.Errorf("pipeline round-trip correlation = %f, want > 0.9", corr)
	}
}

func TestResampleLengths(t *testing.T) {
	cases := []struct {
		name     string
		from, to int
		inBytes  int
		outBytes int
	}{
		{"8k to 16k", 8000, 16000, 320, 640},
		{"24k to 8k", 24000, 8000, 960, 320},
		{"16k to 16k", 16000, 16000, 640, 640},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tone(300, tc.from, float64(tc.inBytes)/2/float64(tc.from), 5000)[:tc.inBytes]
			out := Resample(in, tc.from, tc.to)
			if len(out) != tc.outBytes {
				t.Errorf("Resample(%d bytes, %d, %d) = %d bytes, want %d",
					tc.inBytes, tc.from, tc.to, len(out), tc.outBytes)
			}
		})
	}
}

func TestResamplePassthroughOnBadInput(t *testing.T) {
	in := []byte{0x01}
	if out := Resample(in, 8000, 16000); len(out) != 1 || out[0] != 0x01 {
		t.Errorf("short input not passed through: %v", out)
	}
	in2 := tone(440, 8000, 0.01, 5000)
	if out := Resample(in2, 0, 16000); len(out) != len(in2) {
		t.Errorf("zero rate input not passed through")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %d, want 0", got)
	}

	// A constant-amplitude square wave has RMS equal to its amplitude.
	pcm := make([]byte, 640)
	amp := int16(1000)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(amp)
		pcm[i+1] = byte(amp >> 8)
	}
	got := RMS(pcm)
	if got < 999 || got > 1001 {
		t.Errorf("RMS(const 1000) = %d, want 1000", got)
	}
}

func TestSplitChunks(t *testing.T) {
	data := make([]byte, 400)
	chunks := SplitChunks(data, TelephonyChunkBytes)
	if len(chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 160 || len(chunks[1]) != 160 || len(chunks[2]) != 80 {
		t.Errorf("chunk sizes = %d,%d,%d, want 160,160,80",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if SplitChunks(nil, 160) != nil {
		t.Error("SplitChunks(nil) should be nil")
	}
}

func TestFrameBuffer(t *testing.T) {
	fb := NewFrameBuffer(ClassifierRate, 20) // 640-byte frames
	if fb.FrameBytes() != 640 {
		t.Fatalf("FrameBytes = %d, want 640", fb.FrameBytes())
	}

	if frames := fb.Add(make([]byte, 500)); frames != nil {
		t.Errorf("partial chunk yielded %d frames, want 0", len(frames))
	}
	frames := fb.Add(make([]byte, 900))
	if len(frames) != 2 {
		t.Fatalf("yielded %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != 640 {
			t.Errorf("frame %d size = %d, want 640", i, len(f))
		}
	}
	if fb.Pending() != 120 {
		t.Errorf("pending = %d, want 120", fb.Pending())
	}

	fb.Reset()
	if fb.Pending() != 0 {
		t.Errorf("pending after Reset = %d, want 0", fb.Pending())
	}
	if frames := fb.Add(make([]byte, 639)); frames != nil {
		t.Errorf("639 bytes after reset yielded frames")
	}
}
