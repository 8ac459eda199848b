// ABOUTME: PCM audio encoder
// ABOUTME: Encodes float32 samples to 16-bit little-endian PCM bytes
package encode

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/vybe-haptics/micpulse-go/pkg/audio"
)

// PCMEncoder encodes linear16 PCM audio
type PCMEncoder struct {
	bitDepth int
}

// NewPCM creates a new PCM encoder
func NewPCM(format audio.Format) (*PCMEncoder, error) {
	if format.Codec != audio.CodecPCM {
		return nil, fmt.Errorf("invalid codec for PCM encoder: %s", format.Codec)
	}

	if format.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (supported: 16)", format.BitDepth)
	}

	return &PCMEncoder{
		bitDepth: format.BitDepth,
	}, nil
}

// Encode converts float32 samples to PCM bytes
func (e *PCMEncoder) Encode(samples []float32) ([]byte, error) {
	output := make([]byte, len(samples)*audio.BytesPerSample16)
	n, err := e.EncodeInto(output, samples)
	if err != nil {
		return nil, err
	}
	return output[:n], nil
}

// EncodeInto converts float32 samples into dst, 2 bytes per sample
func (e *PCMEncoder) EncodeInto(dst []byte, samples []float32) (int, error) {
	need := len(samples) * audio.BytesPerSample16
	if len(dst) < need {
		return 0, fmt.Errorf("destination too small: %d bytes, need %d", len(dst), need)
	}

	for i, sample := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(audio.Float32ToInt16(sample)))
	}
	return need, nil
}

// Close releases resources
func (e *PCMEncoder) Close() error {
	return nil
}

// DecodePCM16 converts little-endian 16-bit PCM back to float32 samples
func DecodePCM16(data []byte) []float32 {
	samples := make([]float32, len(data)/audio.BytesPerSample16)
	for i := range samples {
		samples[i] = audio.Int16ToFloat32(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	return samples
}

// Base64 returns the standard base64 text form of a PCM payload
func Base64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// AppendBase64 appends the base64 text form of pcm to dst
func AppendBase64(dst, pcm []byte) []byte {
	return base64.StdEncoding.AppendEncode(dst, pcm)
}
