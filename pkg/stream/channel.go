// ABOUTME: Bounded frame handoff between the audio callback and the sender
// ABOUTME: Non-blocking enqueue with drop-oldest or drop-newest overflow policy
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Dequeue once the channel is closed and empty
var ErrClosed = errors.New("frame channel closed")

// Policy selects what happens when a frame arrives at a full channel
type Policy int

const (
	// DropOldest evicts the oldest queued frame to make room
	DropOldest Policy = iota
	// DropNewest rejects the incoming frame
	DropNewest
)

// String returns the config name of the policy
func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a config name into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop-oldest", "oldest", "":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Frame is one encoded block of PCM16 audio
type Frame struct {
	Seq      uint64 // assigned on enqueue, starts at 1
	PCM      []byte // little-endian 16-bit samples
	Overflow bool   // device reported an input overflow for this block
}

// Stats is a snapshot of channel counters
type Stats struct {
	Capacity   int
	Len        int
	Enqueued   uint64
	Dequeued   uint64
	Dropped    uint64
	Discarded  uint64
	PoolMisses uint64
}

// FrameChannel is a bounded FIFO of frames with a preallocated buffer pool.
// One goroutine enqueues and one dequeues.
type FrameChannel struct {
	frames     chan Frame
	free       chan []byte
	frameBytes int
	policy     Policy

	done      chan struct{}
	closeOnce sync.Once

	seq        atomic.Uint64
	enqueued   atomic.Uint64
	dequeued   atomic.Uint64
	dropped    atomic.Uint64
	discarded  atomic.Uint64
	poolMisses atomic.Uint64
}

// NewFrameChannel creates a channel holding at most capacity frames of
// frameBytes each
func NewFrameChannel(capacity, frameBytes int, policy Policy) *FrameChannel {
	if capacity < 1 {
		capacity = 1
	}

	c := &FrameChannel{
		frames:     make(chan Frame, capacity),
		free:       make(chan []byte, capacity+2),
		frameBytes: frameBytes,
		policy:     policy,
		done:       make(chan struct{}),
	}

	// queued frames + one being encoded + one being sent
	for i := 0; i < capacity+2; i++ {
		c.free <- make([]byte, frameBytes)
	}

	return c
}

// Acquire returns a frame-sized buffer, from the pool when one is free
func (c *FrameChannel) Acquire() []byte {
	select {
	case buf := <-c.free:
		return buf[:c.frameBytes]
	default:
		c.poolMisses.Add(1)
		return make([]byte, c.frameBytes)
	}
}

// Release returns a buffer to the pool
func (c *FrameChannel) Release(buf []byte) {
	if cap(buf) < c.frameBytes {
		return
	}
	select {
	case c.free <- buf[:c.frameBytes]:
	default:
	}
}

// Enqueue adds a frame without blocking. It reports false when the frame
// itself was dropped. Under DropOldest an older frame is evicted instead and
// the new one is accepted.
func (c *FrameChannel) Enqueue(f Frame) bool {
	select {
	case <-c.done:
		c.dropped.Add(1)
		c.Release(f.PCM)
		return false
	default:
	}

	f.Seq = c.seq.Add(1)

	for {
		select {
		case c.frames <- f:
			c.enqueued.Add(1)
			return true
		default:
		}

		if c.policy == DropNewest {
			c.dropped.Add(1)
			c.Release(f.PCM)
			return false
		}

		select {
		case old := <-c.frames:
			c.dropped.Add(1)
			c.Release(old.PCM)
		default:
			// consumer took one meanwhile, retry the send
		}
	}
}

// Dequeue blocks until a frame is available. After Close it keeps returning
// queued frames and then ErrClosed.
func (c *FrameChannel) Dequeue(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		c.dequeued.Add(1)
		return f, nil
	default:
	}

	select {
	case f := <-c.frames:
		c.dequeued.Add(1)
		return f, nil
	case <-c.done:
		if f, ok := c.TryDequeue(); ok {
			return f, nil
		}
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// TryDequeue returns the next frame if one is queued
func (c *FrameChannel) TryDequeue() (Frame, bool) {
	select {
	case f := <-c.frames:
		c.dequeued.Add(1)
		return f, true
	default:
		return Frame{}, false
	}
}

// Close stops accepting frames. Queued frames remain available to Dequeue.
func (c *FrameChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Closed reports whether Close has been called
func (c *FrameChannel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Discard empties the queue and returns how many frames were thrown away
func (c *FrameChannel) Discard() int {
	n := 0
	for {
		select {
		case f := <-c.frames:
			c.Release(f.PCM)
			n++
		default:
			c.discarded.Add(uint64(n))
			return n
		}
	}
}

// Len returns the number of queued frames
func (c *FrameChannel) Len() int {
	return len(c.frames)
}

// Cap returns the channel capacity
func (c *FrameChannel) Cap() int {
	return cap(c.frames)
}

// Policy returns the overflow policy
func (c *FrameChannel) Policy() Policy {
	return c.policy
}

// Stats returns a snapshot of the counters
func (c *FrameChannel) Stats() Stats {
	return Stats{
		Capacity:   cap(c.frames),
		Len:        len(c.frames),
		Enqueued:   c.enqueued.Load(),
		Dequeued:   c.dequeued.Load(),
		Dropped:    c.dropped.Load(),
		Discarded:  c.discarded.Load(),
		PoolMisses: c.poolMisses.Load(),
	}
}
