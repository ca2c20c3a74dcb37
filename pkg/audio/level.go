package audio

import (
	"encoding/binary"
	"math"
)

// Level returns the RMS of 16-bit little-endian PCM normalised to 0..1.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		return 1
	}
	return rms
}

// MonoToStereo duplicates every 16-bit sample onto both channels.
func MonoToStereo(mono []byte) []byte {
	n := len(mono) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		lo, hi := mono[i*2], mono[i*2+1]
		out[i*4] = lo
		out[i*4+1] = hi
		out[i*4+2] = lo
		out[i*4+3] = hi
	}
	return out
}

// Interleave merges two mono buffers of equal length into L/R stereo.
func Interleave(left, right []byte) []byte {
	n := len(left) / 2
	if m := len(right) / 2; m < n {
		n = m
	}
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		copy(out[i*4:i*4+2], left[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], right[i*2:i*2+2])
	}
	return out
}
