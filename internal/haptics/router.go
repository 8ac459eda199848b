// ABOUTME: Pulse router fanning notifications out to haptic outputs
// ABOUTME: Each output runs in its own goroutine behind a bounded channel
package haptics

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// Output is a destination for pulse notifications. Emit may block; the
// router never calls it from the receive loop.
type Output interface {
	Name() string
	Emit(p protocol.Pulse) error
	Close() error
}

// RouterConfig holds router configuration
type RouterConfig struct {
	// Buffer is the per-output queue length (default: 8)
	Buffer int

	// MinGap drops pulses arriving sooner than this after the last one
	// accepted by an output (0 disables)
	MinGap time.Duration

	// OnDrop is called with the output name when a pulse is skipped
	OnDrop func(output string)
}

// RouterStats counts routing outcomes across all outputs
type RouterStats struct {
	Delivered uint64
	Throttled uint64
	Dropped   uint64 // output queue full
	Failed    uint64 // Emit returned an error
}

type lane struct {
	out  Output
	ch   chan protocol.Pulse
	last time.Time
}

// Router delivers pulses to outputs without blocking the caller
type Router struct {
	config RouterConfig
	lanes  []*lane
	now    func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	delivered atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewRouter creates a router over the given outputs; nil outputs are skipped
func NewRouter(config RouterConfig, outputs ...Output) *Router {
	if config.Buffer <= 0 {
		config.Buffer = 8
	}

	r := &Router{
		config: config,
		now:    time.Now,
	}
	for _, out := range outputs {
		if out == nil {
			continue
		}
		r.lanes = append(r.lanes, &lane{
			out: out,
			ch:  make(chan protocol.Pulse, config.Buffer),
		})
	}
	return r
}

// Outputs returns the names of the routed outputs
func (r *Router) Outputs() []string {
	names := make([]string, len(r.lanes))
	for i, l := range r.lanes {
		names[i] = l.out.Name()
	}
	return names
}

// Start launches one goroutine per output. They exit on ctx cancellation
// or Close.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	for _, l := range r.lanes {
		r.wg.Add(1)
		go r.run(ctx, l)
	}
}

func (r *Router) run(ctx context.Context, l *lane) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-l.ch:
			if !ok {
				return
			}
			if err := l.out.Emit(p); err != nil {
				r.failed.Add(1)
				log.Printf("Warning: %s output failed: %v", l.out.Name(), err)
				continue
			}
			r.delivered.Add(1)
		}
	}
}

// Pulse queues p on every output. It never blocks.
func (r *Router) Pulse(p protocol.Pulse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	now := r.now()
	for _, l := range r.lanes {
		if r.config.MinGap > 0 && !l.last.IsZero() && now.Sub(l.last) < r.config.MinGap {
			r.throttled.Add(1)
			r.drop(l)
			continue
		}

		select {
		case l.ch <- p:
			l.last = now
		default:
			r.dropped.Add(1)
			r.drop(l)
		}
	}
}

func (r *Router) drop(l *lane) {
	if r.config.OnDrop != nil {
		r.config.OnDrop(l.out.Name())
	}
}

// Close stops the output goroutines and closes every output
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, l := range r.lanes {
		close(l.ch)
	}
	r.mu.Unlock()

	r.wg.Wait()

	var errs []error
	for _, l := range r.lanes {
		if err := l.out.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns routing counters
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Delivered: r.delivered.Load(),
		Throttled: r.throttled.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}
