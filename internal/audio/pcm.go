package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// DecodePCM16LE converts raw little-endian 16-bit PCM bytes into samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return out
}

// EncodePCM16LE converts samples back into little-endian 16-bit PCM bytes.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// RMS computes the root-mean-square energy of a frame, normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

// PCM16Duration returns the playback duration of a PCM16LE mono byte stream.
func PCM16Duration(byteLen, sampleRate int) time.Duration {
	if byteLen <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := byteLen / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// ApplyGain scales samples in place by level, clipping at int16 bounds.
// Level is clamped to [0, 1].
func ApplyGain(samples []int16, level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	for i, s := range samples {
		v := float64(s) * level
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		samples[i] = int16(v)
	}
}
