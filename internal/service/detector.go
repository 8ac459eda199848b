// ABOUTME: Energy-peak beat detector for incoming audio chunks
// ABOUTME: Adaptive RMS threshold with a minimum gap between pulses
package service

import (
	"math"

	"github.com/vybe-haptics/micpulse-go/pkg/audio"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// DetectorConfig tunes the detector
type DetectorConfig struct {
	Alpha    float64 // smoothing of the RMS baseline (default 0.06)
	MinGapMs int64   // minimum spacing between pulses (default 120)
	K        float64 // threshold in standard deviations above baseline (default 2)
}

// Detector finds energy peaks in a stream of chunks. Not safe for
// concurrent use; each connection owns one.
type Detector struct {
	config DetectorConfig

	ema       float64
	varEma    float64
	lastPulse int64
	pulsed    bool
}

// NewDetector creates a detector with the given configuration
func NewDetector(config DetectorConfig) *Detector {
	if config.Alpha == 0 {
		config.Alpha = 0.06
	}
	if config.MinGapMs == 0 {
		config.MinGapMs = 120
	}
	if config.K == 0 {
		config.K = 2.0
	}
	return &Detector{
		config: config,
		ema:    0.02,
		varEma: 0.0001,
	}
}

// Detect updates the baseline with one chunk and reports a pulse style
// when the chunk's RMS exceeds the adaptive threshold
func (d *Detector) Detect(samples []float32, nowMs int64) (string, bool) {
	rms := audio.RMS(samples)

	diff := rms - d.ema
	d.ema += d.config.Alpha * diff
	d.varEma += d.config.Alpha * (diff*diff - d.varEma)
	std := math.Sqrt(math.Max(d.varEma, 1e-9))

	threshold := d.ema + d.config.K*std
	if d.pulsed && nowMs-d.lastPulse < d.config.MinGapMs {
		return "", false
	}
	if rms <= threshold {
		return "", false
	}

	d.lastPulse = nowMs
	d.pulsed = true

	z := (rms - d.ema) / (std + 1e-6)
	switch {
	case z > 3.5:
		return protocol.StyleHeavy, true
	case z > 2.6:
		return protocol.StyleMedium, true
	default:
		return protocol.StyleLight, true
	}
}
