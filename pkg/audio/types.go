// ABOUTME: Audio type definitions
// ABOUTME: Defines capture formats and float <-> 16-bit sample conversion
package audio

import (
	"math"
	"time"
)

const (
	// Int16Scale is the multiplier between normalized float samples and 16-bit PCM
	Int16Scale = 32767.0

	// BytesPerSample16 is the width of one linear16 sample on the wire
	BytesPerSample16 = 2

	// CodecPCM is the only codec carried on the wire
	CodecPCM = "pcm"
)

// Format describes a captured audio stream
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat returns the 16kHz mono linear16 format the service expects
func DefaultFormat() Format {
	return Format{
		Codec:      CodecPCM,
		SampleRate: 16000,
		Channels:   1,
		BitDepth:   16,
	}
}

// BlockSize returns the number of samples per channel in one block of chunkMs
func (f Format) BlockSize(chunkMs int) int {
	return f.SampleRate * chunkMs / 1000
}

// BlockDuration returns the wall-clock length of a block of chunkMs
func (f Format) BlockDuration(chunkMs int) time.Duration {
	return time.Duration(chunkMs) * time.Millisecond
}

// FrameBytes returns the encoded size of one mono block of chunkMs
func (f Format) FrameBytes(chunkMs int) int {
	return f.BlockSize(chunkMs) * BytesPerSample16
}

// ClampSample limits a normalized sample to [-1.0, 1.0]. NaN maps to silence.
func ClampSample(x float32) float32 {
	switch {
	case x != x:
		return 0
	case x > 1:
		return 1
	case x < -1:
		return -1
	}
	return x
}

// Float32ToInt16 clamps, scales by 32767 and truncates toward zero
func Float32ToInt16(x float32) int16 {
	return int16(float64(ClampSample(x)) * Int16Scale)
}

// Int16ToFloat32 is the inverse scaling of Float32ToInt16
func Int16ToFloat32(s int16) float32 {
	return float32(float64(s) / Int16Scale)
}

// RMS returns the root mean square level of a block
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
