// ABOUTME: Fixed-size block assembly for capture callbacks
// ABOUTME: Re-chunks arbitrary device periods into exact chunk-length blocks
package audio

// Blocker accumulates samples and emits blocks of exactly Size samples.
// The emitted slice is reused; callers must copy anything they keep.
// Not safe for concurrent use; it belongs to one capture callback.
type Blocker struct {
	buf  []float32
	n    int
	emit func(block []float32)
}

// NewBlocker creates a blocker emitting blocks of size samples
func NewBlocker(size int, emit func(block []float32)) *Blocker {
	return &Blocker{
		buf:  make([]float32, size),
		emit: emit,
	}
}

// Size returns the block length in samples
func (b *Blocker) Size() int {
	return len(b.buf)
}

// Write appends samples, emitting every time a block fills up
func (b *Blocker) Write(samples []float32) {
	for len(samples) > 0 {
		n := copy(b.buf[b.n:], samples)
		b.n += n
		samples = samples[n:]
		if b.n == len(b.buf) {
			b.emit(b.buf)
			b.n = 0
		}
	}
}

// WriteChannel appends the first channel of interleaved samples
func (b *Blocker) WriteChannel(interleaved []float32, channels int) {
	if channels <= 1 {
		b.Write(interleaved)
		return
	}
	for i := 0; i+channels <= len(interleaved); i += channels {
		b.buf[b.n] = interleaved[i]
		b.n++
		if b.n == len(b.buf) {
			b.emit(b.buf)
			b.n = 0
		}
	}
}

// Pending returns the number of buffered samples not yet emitted
func (b *Blocker) Pending() int {
	return b.n
}

// Reset discards a partially filled block
func (b *Blocker) Reset() {
	b.n = 0
}
