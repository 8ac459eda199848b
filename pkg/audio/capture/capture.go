// ABOUTME: Audio capture interface definition
// ABOUTME: Common interface, config and status flags for input backends
package capture

import (
	"errors"
	"fmt"

	"github.com/vybe-haptics/micpulse-go/pkg/audio"
)

// Backend names accepted by New
const (
	BackendMalgo     = "malgo"
	BackendPortAudio = "portaudio"
	BackendTone      = "tone"
)

// ErrDeviceOpen marks a failure to open or start the input device
var ErrDeviceOpen = errors.New("capture device unavailable")

// Status carries per-block device conditions
type Status uint8

const (
	// StatusInputOverflow means the device dropped input before this block
	StatusInputOverflow Status = 1 << iota
	// StatusInputUnderflow means the device delivered a short period
	StatusInputUnderflow
)

// Has reports whether all bits of flag are set
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// Callback receives one block of mono samples. The slice is reused after
// the callback returns.
type Callback func(block []float32, status Status)

// Config describes the stream to open
type Config struct {
	SampleRate int
	Channels   int
	ChunkMs    int

	// DeviceName selects an input device by name (empty = default device)
	DeviceName string
}

// BlockSize returns samples per block
func (c Config) BlockSize() int {
	return c.SampleRate * c.ChunkMs / 1000
}

// Format returns the captured audio format
func (c Config) Format() audio.Format {
	return audio.Format{
		Codec:      audio.CodecPCM,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		BitDepth:   16,
	}
}

// Validate checks the stream parameters
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("invalid channel count: %d", c.Channels)
	}
	if c.ChunkMs <= 0 {
		return fmt.Errorf("invalid chunk duration: %dms", c.ChunkMs)
	}
	if c.BlockSize() == 0 {
		return fmt.Errorf("chunk of %dms at %dHz holds no samples", c.ChunkMs, c.SampleRate)
	}
	return nil
}

// Source represents an audio input stream
type Source interface {
	// Start begins capture, invoking cb once per block
	Start(cb Callback) error

	// Stop halts capture; no callback runs after Stop returns
	Stop() error

	// Close releases device resources
	Close() error

	// Config returns the stream parameters
	Config() Config
}

// New opens a capture source for the named backend
func New(backend string, config Config) (Source, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceOpen, err)
	}

	switch backend {
	case BackendMalgo, "":
		m, err := NewMalgo(config)
		if err != nil {
			return nil, err
		}
		return m, nil
	case BackendPortAudio:
		return NewPortAudio(config)
	case BackendTone:
		return NewTone(config, DefaultToneConfig()), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrDeviceOpen, backend)
	}
}
