// ABOUTME: Malgo-based audio capture implementation
// ABOUTME: Uses miniaudio via malgo to deliver float32 mono blocks
package capture

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/vybe-haptics/micpulse-go/pkg/audio"
)

const bytesPerFloat32 = 4

// Malgo capture implementation using malgo/miniaudio library
type Malgo struct {
	config   Config
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	// Realtime state, touched only from the device callback while started
	blocker *audio.Blocker
	scratch []float32
	cb      Callback

	mu      sync.Mutex
	started bool
}

// NewMalgo opens the capture device. The stream is not started.
func NewMalgo(config Config) (*Malgo, error) {
	m := &Malgo{
		config:  config,
		scratch: make([]float32, config.BlockSize()*config.Channels),
	}
	m.blocker = audio.NewBlocker(config.BlockSize(), m.emit)

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize malgo context: %v", ErrDeviceOpen, err)
	}
	m.malgoCtx = ctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(config.Channels)
	deviceConfig.SampleRate = uint32(config.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(config.BlockSize())
	deviceConfig.PerformanceProfile = malgo.LowLatency
	deviceConfig.Alsa.NoMMap = 1

	if config.DeviceName != "" {
		info, err := m.findDevice(config.DeviceName)
		if err != nil {
			m.Close()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	onSamples := func(_, pInputSamples []byte, frameCount uint32) {
		m.dataCallback(pInputSamples, frameCount)
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("%w: failed to initialize capture device: %v", ErrDeviceOpen, err)
	}
	m.device = device

	log.Printf("Audio capture initialized: %dHz, %d channels, %d-sample blocks (malgo)",
		config.SampleRate, config.Channels, config.BlockSize())

	return m, nil
}

// findDevice looks up a capture device by name
func (m *Malgo) findDevice(name string) (malgo.DeviceInfo, error) {
	devices, err := m.malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("%w: failed to list capture devices: %v", ErrDeviceOpen, err)
	}
	for _, d := range devices {
		if d.Name() == name {
			return d, nil
		}
	}
	return malgo.DeviceInfo{}, fmt.Errorf("%w: no capture device named %q", ErrDeviceOpen, name)
}

// Start begins capture
func (m *Malgo) Start(cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return fmt.Errorf("%w: device not initialized", ErrDeviceOpen)
	}
	if m.started {
		return nil
	}

	m.cb = cb
	m.blocker.Reset()
	if err := m.device.Start(); err != nil {
		m.cb = nil
		return fmt.Errorf("%w: failed to start capture device: %v", ErrDeviceOpen, err)
	}
	m.started = true
	return nil
}

// dataCallback is called by malgo on the device thread
func (m *Malgo) dataCallback(input []byte, frameCount uint32) {
	channels := m.config.Channels
	total := int(frameCount) * channels
	if len(input) < total*bytesPerFloat32 {
		total = len(input) / bytesPerFloat32
	}

	for off := 0; off < total; {
		n := min(total-off, len(m.scratch))
		n -= n % channels
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(input[(off+i)*bytesPerFloat32:])
			m.scratch[i] = math.Float32frombits(bits)
		}
		m.blocker.WriteChannel(m.scratch[:n], channels)
		off += n
	}
}

// emit forwards a completed block to the callback
func (m *Malgo) emit(block []float32) {
	if m.cb != nil {
		m.cb(block, 0)
	}
}

// Stop halts capture. malgo waits for an in-flight callback to return.
func (m *Malgo) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil || !m.started {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	m.started = false
	m.cb = nil
	return nil
}

// Close releases capture resources
func (m *Malgo) Close() error {
	if err := m.Stop(); err != nil {
		log.Printf("Warning: capture stop error: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Printf("Warning: malgo context uninit error: %v", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}

// Config returns the stream parameters
func (m *Malgo) Config() Config {
	return m.config
}
