// ABOUTME: Sender drains the frame channel onto the network in order
// ABOUTME: Returns buffers to the pool after each write; closing the channel drains it
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
)

// FrameWriter transmits one encoded frame
type FrameWriter interface {
	SendFrame(pcm []byte) error
}

// Sender writes frames from a FrameChannel to a FrameWriter
type Sender struct {
	ch *FrameChannel
	w  FrameWriter

	sent atomic.Uint64
}

// NewSender creates a sender for the given channel and writer
func NewSender(ch *FrameChannel, w FrameWriter) *Sender {
	return &Sender{ch: ch, w: w}
}

// Run sends frames until the channel is closed and drained, the context is
// cancelled, or a write fails. A closed channel ends Run with nil.
func (s *Sender) Run(ctx context.Context) error {
	for {
		f, err := s.ch.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				log.Printf("Sender finished: %d frames sent", s.sent.Load())
				return nil
			}
			return err
		}

		if err := s.send(f); err != nil {
			return err
		}
	}
}

func (s *Sender) send(f Frame) error {
	err := s.w.SendFrame(f.PCM)
	s.ch.Release(f.PCM)
	if err != nil {
		return fmt.Errorf("send frame %d: %w", f.Seq, err)
	}
	s.sent.Add(1)
	return nil
}

// Sent returns how many frames were written
func (s *Sender) Sent() uint64 {
	return s.sent.Load()
}
