// ABOUTME: Synthetic click-track capture source
// ABOUTME: Produces realtime-paced blocks without audio hardware
package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneConfig shapes the generated click track
type ToneConfig struct {
	BPM       float64 // beats per minute
	Frequency float64 // click carrier frequency in Hz
	ClickMs   int     // click length
	Amplitude float32 // peak level of a click
}

// DefaultToneConfig returns a 120 BPM click track
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		BPM:       120,
		Frequency: 880,
		ClickMs:   30,
		Amplitude: 0.8,
	}
}

// Tone generates a click track at the configured block cadence
type Tone struct {
	config Config
	tone   ToneConfig
	block  []float32
	pos    int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTone creates a synthetic capture source
func NewTone(config Config, tone ToneConfig) *Tone {
	return &Tone{
		config: config,
		tone:   tone,
		block:  make([]float32, config.BlockSize()),
	}
}

// Start begins generating blocks every chunk duration
func (t *Tone) Start(cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, cb, t.done)
	return nil
}

// run paces block generation like a device period clock
func (t *Tone) run(ctx context.Context, cb Callback, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(t.config.ChunkMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Fill(t.block)
			cb(t.block, 0)
		}
	}
}

// Fill writes the next len(block) samples of the click track
func (t *Tone) Fill(block []float32) {
	rate := float64(t.config.SampleRate)
	beat := int64(rate * 60 / t.tone.BPM)
	click := int64(rate * float64(t.tone.ClickMs) / 1000)
	if beat <= 0 {
		beat = 1
	}

	for i := range block {
		n := t.pos % beat
		if n < click {
			env := 1 - float64(n)/float64(click)
			phase := 2 * math.Pi * t.tone.Frequency * float64(n) / rate
			block[i] = t.tone.Amplitude * float32(env*math.Sin(phase))
		} else {
			block[i] = 0
		}
		t.pos++
	}
}

// Stop halts generation and waits for the generator to exit
func (t *Tone) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Close releases resources
func (t *Tone) Close() error {
	return t.Stop()
}

// Config returns the stream parameters
func (t *Tone) Config() Config {
	return t.config
}
