// ABOUTME: Audible click output using oto
// ABOUTME: Plays a short decaying tone per pulse, shaped by pulse style
package haptics

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/vybe-haptics/micpulse-go/pkg/audio"
	"github.com/vybe-haptics/micpulse-go/pkg/audio/encode"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// ClickShape describes the tone played for one style
type ClickShape struct {
	Frequency float64
	Duration  time.Duration
	Gain      float64
}

var clickShapes = map[string]ClickShape{
	protocol.StyleHeavy:  {Frequency: 220, Duration: 60 * time.Millisecond, Gain: 1.0},
	protocol.StyleMedium: {Frequency: 440, Duration: 40 * time.Millisecond, Gain: 0.7},
	protocol.StyleLight:  {Frequency: 880, Duration: 25 * time.Millisecond, Gain: 0.45},
}

// ShapeFor returns the click shape for a style; unknown styles play medium
func ShapeFor(style string) ClickShape {
	if shape, ok := clickShapes[style]; ok {
		return shape
	}
	return clickShapes[protocol.StyleMedium]
}

// ClickPCM renders a click as mono 16-bit little-endian PCM
func ClickPCM(sampleRate int, shape ClickShape, volume float64) ([]byte, error) {
	n := sampleRate * int(shape.Duration/time.Millisecond) / 1000
	samples := make([]float32, n)
	decay := 5.0 / float64(n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		env := math.Exp(-decay * float64(i))
		samples[i] = float32(volume * shape.Gain * env * math.Sin(2*math.Pi*shape.Frequency*t))
	}

	format := audio.DefaultFormat()
	format.SampleRate = sampleRate
	enc, err := encode.NewPCM(format)
	if err != nil {
		return nil, err
	}
	return enc.Encode(samples)
}

// ClickConfig holds click output configuration
type ClickConfig struct {
	SampleRate int     // default: 48000
	Volume     float64 // 0..1
}

// Click plays pulses through the default output device
type Click struct {
	otoCtx *oto.Context
	clicks map[string][]byte
	muted  atomic.Bool

	mu     sync.Mutex
	closed bool
}

// NewClick opens the output device and pre-renders one click per style
func NewClick(config ClickConfig) (*Click, error) {
	if config.SampleRate == 0 {
		config.SampleRate = 48000
	}

	clicks := make(map[string][]byte, len(clickShapes))
	for style, shape := range clickShapes {
		pcm, err := ClickPCM(config.SampleRate, shape, config.Volume)
		if err != nil {
			return nil, fmt.Errorf("failed to render %s click: %w", style, err)
		}
		clicks[style] = pcm
	}

	op := &oto.NewContextOptions{
		SampleRate:   config.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	log.Printf("Click output initialized: %dHz, volume %.2f", config.SampleRate, config.Volume)

	return &Click{
		otoCtx: otoCtx,
		clicks: clicks,
	}, nil
}

// Name returns the output name
func (c *Click) Name() string {
	return "click"
}

// SetMuted silences or restores clicks
func (c *Click) SetMuted(muted bool) {
	c.muted.Store(muted)
	log.Printf("Click muted: %v", muted)
}

// Muted reports the mute state
func (c *Click) Muted() bool {
	return c.muted.Load()
}

// Emit plays the click for p.Style and waits for it to finish
func (c *Click) Emit(p protocol.Pulse) error {
	if c.muted.Load() {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("click output closed")
	}
	pcm, ok := c.clicks[p.Style]
	if !ok {
		pcm = c.clicks[protocol.StyleMedium]
	}
	player := c.otoCtx.NewPlayer(bytes.NewReader(pcm))
	c.mu.Unlock()

	player.Play()
	for player.IsPlaying() {
		time.Sleep(5 * time.Millisecond)
	}
	return player.Close()
}

// Close suspends the audio context
func (c *Click) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.otoCtx.Suspend()
}
