//go:build portaudio

// ABOUTME: PortAudio capture implementation
// ABOUTME: Cross-platform microphone input using PortAudio callbacks
package capture

import (
	"fmt"
	"log"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/vybe-haptics/micpulse-go/pkg/audio"
)

// PortAudio capture implementation
type PortAudio struct {
	config  Config
	stream  *portaudio.Stream
	blocker *audio.Blocker
	cb      Callback
	status  Status

	mu      sync.Mutex
	started bool
}

// NewPortAudio initializes PortAudio and opens the input stream
func NewPortAudio(config Config) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize portaudio: %v", ErrDeviceOpen, err)
	}

	p := &PortAudio{config: config}
	p.blocker = audio.NewBlocker(config.BlockSize(), p.emit)

	device, err := inputDevice(config.DeviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = config.Channels
	params.SampleRate = float64(config.SampleRate)
	params.FramesPerBuffer = config.BlockSize()

	stream, err := portaudio.OpenStream(params, p.callback)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open stream: %v", ErrDeviceOpen, err)
	}
	p.stream = stream

	log.Printf("Audio capture initialized: %dHz, %d channels, %d-sample blocks (portaudio, %s)",
		config.SampleRate, config.Channels, config.BlockSize(), device.Name)

	return p, nil
}

// inputDevice resolves a device by name, or the default input
func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrDeviceOpen, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list devices: %v", ErrDeviceOpen, err)
	}
	for _, d := range devices {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device named %q", ErrDeviceOpen, name)
}

// callback runs on the PortAudio realtime thread
func (p *PortAudio) callback(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
	if flags&portaudio.InputOverflow != 0 {
		p.status |= StatusInputOverflow
	}
	if flags&portaudio.InputUnderflow != 0 {
		p.status |= StatusInputUnderflow
	}
	p.blocker.WriteChannel(in, p.config.Channels)
}

// emit forwards a completed block with any pending device status
func (p *PortAudio) emit(block []float32) {
	status := p.status
	p.status = 0
	if p.cb != nil {
		p.cb(block, status)
	}
}

// Start begins capture
func (p *PortAudio) Start(cb Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return fmt.Errorf("%w: stream not opened", ErrDeviceOpen)
	}
	if p.started {
		return nil
	}

	p.cb = cb
	p.blocker.Reset()
	if err := p.stream.Start(); err != nil {
		p.cb = nil
		return fmt.Errorf("%w: failed to start stream: %v", ErrDeviceOpen, err)
	}
	p.started = true
	return nil
}

// Stop halts capture
func (p *PortAudio) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil || !p.started {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	p.started = false
	p.cb = nil
	return nil
}

// Close releases resources
func (p *PortAudio) Close() error {
	if err := p.Stop(); err != nil {
		log.Printf("Warning: capture stop error: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		if err := p.stream.Close(); err != nil {
			log.Printf("Warning: stream close error: %v", err)
		}
		p.stream = nil
		return portaudio.Terminate()
	}
	return nil
}

// Config returns the stream parameters
func (p *PortAudio) Config() Config {
	return p.config
}
