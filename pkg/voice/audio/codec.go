// Package audio provides the PCM plumbing between the telephony leg and the
// model leg of a call: G.711 u-law transcoding, sample-rate conversion,
// energy measurement, and re-framing of arbitrary network chunks into the
// fixed-duration frames the classifier needs.
package audio

import (
	"math"
)

// Telephony carriers deliver u-law mono at 8 kHz; the classifier and the
// model ingest linear PCM at 16 kHz; the model emits linear PCM at 24 kHz.
const (
	TelephonyRate   = 8000
	ClassifierRate  = 16000
	ModelOutputRate = 24000

	// TelephonyChunkBytes is the outbound payload unit: 20 ms of u-law at 8 kHz.
	TelephonyChunkBytes = 160
)

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ULawEncode converts 16-bit little-endian linear PCM to G.711 u-law,
// one output byte per input sample. A trailing odd byte is dropped.
func ULawEncode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := 0; i < len(out); i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		out[i] = ulawEncodeSample(s)
	}
	return out
}

// ULawDecode converts G.711 u-law to 16-bit little-endian linear PCM,
// two output bytes per input byte.
func ULawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ulawDecodeSample(u)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func ulawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > ulawClip {
		v = ulawClip
	}
	v += ulawBias

	exp := 7
	for mask := int32(0x4000); exp > 0 && v&mask == 0; exp-- {
		mask >>= 1
	}
	mantissa := byte((v >> uint(exp+3)) & 0x0F)
	return ^(sign | byte(exp)<<4 | mantissa)
}

func ulawDecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mantissa := u & 0x0F

	v := ((int32(mantissa) << 3) + ulawBias) << exp
	v -= ulawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// Resample converts 16-bit little-endian mono PCM from fromRate to toRate
// using linear interpolation. On any input it cannot convert (zero rates,
// fewer than one sample) it returns the input unchanged: a glitched chunk
// beats dead air on a live call. A trailing odd byte is carried through.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || len(pcm) < 2 {
		return pcm
	}
	if fromRate == toRate {
		return pcm
	}

	n := len(pcm) / 2
	in := make([]float64, n)
	for i := 0; i < n; i++ {
		in[i] = float64(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
	}

	outN := n * toRate / fromRate
	if outN == 0 {
		return pcm
	}
	ratio := float64(fromRate) / float64(toRate)

	out := make([]byte, outN*2)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		var sample float64
		if idx+1 < n {
			sample = in[idx]*(1-frac) + in[idx+1]*frac
		} else {
			sample = in[n-1]
		}

		s := int16(clampSample(sample))
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

func clampSample(v float64) float64 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return v
}

// RMS computes the root-mean-square amplitude of 16-bit little-endian PCM
// on the absolute int16 scale (0..32767), matching the convention the
// per-caller speech thresholds are expressed in. Returns 0 for inputs
// shorter than one sample.
func RMS(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
		sum += s * s
	}
	return int(math.Sqrt(sum / float64(n)))
}

// SplitChunks slices data into size-byte payload units for paced outbound
// delivery. The final chunk may be shorter. size <= 0 yields the whole
// input as a single chunk.
func SplitChunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
