// ABOUTME: Audio encoder package for encoding captured blocks to wire format
// ABOUTME: Provides Encoder interface and the linear16 PCM implementation
// Package encode provides the sample encoder used on the capture path.
//
// Supports: PCM (16-bit, little-endian)
//
// Encoders accept normalized float32 samples. Out-of-range input is clamped,
// never rejected. EncodeInto writes into a caller-owned buffer so the
// realtime path can run without allocating.
//
// Example:
//
//	encoder, err := encode.NewPCM(format)
//	n, err := encoder.EncodeInto(buf, block)
//	text := encode.Base64(buf[:n])
package encode
