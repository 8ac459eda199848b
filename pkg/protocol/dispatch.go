// ABOUTME: Inbound message dispatch to registered handlers
// ABOUTME: Discards malformed input and flags handlers that overrun their budget
package protocol

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// DefaultHandlerBudget is how long one handler call may take before it is
// reported as slow
const DefaultHandlerBudget = 10 * time.Millisecond

// Handlers receive parsed inbound messages. Nil handlers are skipped.
type Handlers struct {
	OnPulse   func(Pulse)
	OnAck     func(Ack)
	OnError   func(message string)
	OnUnknown func(msgType string)
}

// DispatchStats holds dispatcher counters
type DispatchStats struct {
	Received  uint64
	Pulses    uint64
	Acks      uint64
	Errors    uint64
	Unknown   uint64
	Malformed uint64
	Slow      uint64
	Panics    uint64
}

// Dispatcher parses raw messages and routes them by type
type Dispatcher struct {
	handlers Handlers
	budget   time.Duration

	received  atomic.Uint64
	pulses    atomic.Uint64
	acks      atomic.Uint64
	errMsgs   atomic.Uint64
	unknown   atomic.Uint64
	malformed atomic.Uint64
	slow      atomic.Uint64
	panics    atomic.Uint64
}

// NewDispatcher creates a dispatcher for the given handlers
func NewDispatcher(handlers Handlers) *Dispatcher {
	return &Dispatcher{
		handlers: handlers,
		budget:   DefaultHandlerBudget,
	}
}

// SetBudget changes the slow-handler threshold
func (d *Dispatcher) SetBudget(budget time.Duration) {
	d.budget = budget
}

// Run dispatches messages until in is closed or ctx is cancelled. A closed
// channel ends Run with nil.
func (d *Dispatcher) Run(ctx context.Context, in <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-in:
			if !ok {
				return nil
			}
			d.Dispatch(data)
		}
	}
}

// Dispatch handles one raw message. Malformed input is counted and dropped.
func (d *Dispatcher) Dispatch(data []byte) {
	d.received.Add(1)

	msg, err := ParseInbound(data)
	if err != nil {
		d.malformed.Add(1)
		var perr *ParseError
		if errors.As(err, &perr) {
			log.Printf("Discarding %v", perr)
		}
		return
	}

	switch msg.Kind {
	case KindPulse:
		d.pulses.Add(1)
		if h := d.handlers.OnPulse; h != nil {
			d.call("pulse", func() { h(msg.Pulse) })
		}
	case KindAck:
		d.acks.Add(1)
		if h := d.handlers.OnAck; h != nil {
			d.call("ack", func() { h(msg.Ack) })
		}
	case KindError:
		d.errMsgs.Add(1)
		if h := d.handlers.OnError; h != nil {
			d.call("error", func() { h(msg.Error) })
		}
	default:
		d.unknown.Add(1)
		if h := d.handlers.OnUnknown; h != nil {
			d.call("unknown", func() { h(msg.Type) })
		}
	}
}

// call runs a handler, timing it and containing panics
func (d *Dispatcher) call(kind string, fn func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			log.Printf("Handler for %s panicked: %v", kind, r)
		}
		if elapsed := time.Since(start); d.budget > 0 && elapsed > d.budget {
			d.slow.Add(1)
			log.Printf("Warning: %s handler took %v (budget %v)", kind, elapsed, d.budget)
		}
	}()
	fn()
}

// Stats returns a snapshot of the counters
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Received:  d.received.Load(),
		Pulses:    d.pulses.Load(),
		Acks:      d.acks.Load(),
		Errors:    d.errMsgs.Load(),
		Unknown:   d.unknown.Load(),
		Malformed: d.malformed.Load(),
		Slow:      d.slow.Load(),
		Panics:    d.panics.Load(),
	}
}
