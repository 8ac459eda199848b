// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, block assembly and sample conversion functions
// Package audio provides the audio primitives used on the capture path.
//
// This package defines:
//   - Format: describes the captured stream (codec, sample rate, channels, bit depth)
//   - Blocker: turns device periods of any size into fixed chunk-length blocks
//
// It also provides float <-> 16-bit sample conversion with clamping, so
// out-of-range input never produces an out-of-range PCM value.
//
// Example:
//
//	format := audio.DefaultFormat() // 16kHz mono linear16
//	blockSize := format.BlockSize(40) // 640 samples
//	b := audio.NewBlocker(blockSize, func(block []float32) { ... })
//	b.Write(devicePeriod)
package audio
