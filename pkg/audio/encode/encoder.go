// ABOUTME: Encoder interface definition
// ABOUTME: Common interface for capture-side audio encoders
package encode

// Encoder encodes normalized float32 samples to wire bytes
type Encoder interface {
	// Encode converts samples to a newly allocated payload
	Encode(samples []float32) ([]byte, error)

	// EncodeInto converts samples into dst and returns the bytes written
	EncodeInto(dst []byte, samples []float32) (int, error)

	// Close releases encoder resources
	Close() error
}
