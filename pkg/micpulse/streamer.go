// ABOUTME: Streamer orchestrates capture, frame handoff and the service session
// ABOUTME: Owns startup order, reconnect and the graceful shutdown sequence
package micpulse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vybe-haptics/micpulse-go/pkg/audio"
	"github.com/vybe-haptics/micpulse-go/pkg/audio/capture"
	"github.com/vybe-haptics/micpulse-go/pkg/audio/encode"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
	"github.com/vybe-haptics/micpulse-go/pkg/stream"
	"golang.org/x/sync/errgroup"
)

// Config holds streamer configuration
type Config struct {
	// URL is the service websocket endpoint
	URL string

	// ClientID identifies this session (default: random UUID)
	ClientID string

	// Audio stream (defaults: 16000 Hz, 1 channel, 40 ms chunks)
	SampleRate int
	Channels   int
	ChunkMs    int

	// Backend and DeviceName select the capture source
	Backend    string
	DeviceName string

	// NewSource overrides capture.New, for custom or synthetic sources
	NewSource func(capture.Config) (capture.Source, error)

	// QueueCapacity bounds the frame channel (default: 50 frames = 2 s)
	QueueCapacity int
	Policy        stream.Policy

	// DiscardOnShutdown drops queued frames instead of sending them
	DiscardOnShutdown bool
	// DrainTimeout bounds the shutdown drain (default: 2s)
	DrainTimeout time.Duration

	// Connection tuning, zero values use protocol defaults
	KeepAlive        time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// ReconnectAttempts is how many times a lost connection is redialled
	// (default 0: a connection failure ends Run)
	ReconnectAttempts int

	// HandlerBudget is the slow-handler warning threshold
	HandlerBudget time.Duration

	// OnPulse is called from the receive loop for each pulse
	OnPulse func(protocol.Pulse)

	// OnAck is called when the service acknowledges the config
	OnAck func(protocol.Ack)

	// OnServiceError is called for error messages from the service
	OnServiceError func(string)

	// OnStateChange is called when the connection state changes
	OnStateChange func(protocol.State)
}

// Stats contains streaming statistics
type Stats struct {
	SessionID string
	State     protocol.State

	Captured     uint64 // blocks delivered by the source
	Overflows    uint64 // blocks flagged with input overflow
	Underflows   uint64
	EncodeErrors uint64 // blocks dropped by the encoder path
	Queue        stream.Stats
	Sent         uint64

	Pulses        uint64
	Acks          uint64
	ServiceErrors uint64
	LastPulse     protocol.Pulse

	Reconnects int
	Level      float64 // RMS of the latest block
	RTT        time.Duration
}

// Streamer streams captured audio to the service and dispatches its replies
type Streamer struct {
	config  Config
	format  audio.Format
	encoder encode.Encoder
	ch      *stream.FrameChannel

	// frameWriter adapts a session client for the sender
	frameWriter func(*protocol.Client) stream.FrameWriter

	mu         sync.RWMutex
	client     *protocol.Client
	lastState  protocol.State
	lastPulse  protocol.Pulse
	reconnects int

	sender   atomic.Pointer[stream.Sender]
	sentPrev atomic.Uint64

	// Written from the realtime callback
	captured     atomic.Uint64
	overflows    atomic.Uint64
	underflows   atomic.Uint64
	encodeErrors atomic.Uint64
	level        atomic.Uint64

	pulses        atomic.Uint64
	acks          atomic.Uint64
	serviceErrors atomic.Uint64
}

// NewStreamer creates a streamer with the given configuration
func NewStreamer(config Config) (*Streamer, error) {
	// Set defaults
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	if config.ChunkMs == 0 {
		config.ChunkMs = 40
	}
	if config.QueueCapacity == 0 {
		config.QueueCapacity = 50
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 2 * time.Second
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.NewSource == nil {
		backend := config.Backend
		config.NewSource = func(c capture.Config) (capture.Source, error) {
			return capture.New(backend, c)
		}
	}

	if config.URL == "" {
		return nil, errors.New("service URL is required")
	}

	format := audio.Format{
		Codec:      audio.CodecPCM,
		SampleRate: config.SampleRate,
		Channels:   1,
		BitDepth:   16,
	}
	audioConfig := capture.Config{
		SampleRate: config.SampleRate,
		Channels:   config.Channels,
		ChunkMs:    config.ChunkMs,
	}
	if err := audioConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio config: %w", err)
	}
	if config.QueueCapacity < 0 {
		return nil, fmt.Errorf("invalid queue capacity: %d", config.QueueCapacity)
	}

	encoder, err := encode.NewPCM(format)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	return &Streamer{
		config:      config,
		format:      format,
		encoder:     encoder,
		ch:          stream.NewFrameChannel(config.QueueCapacity, format.FrameBytes(config.ChunkMs), config.Policy),
		frameWriter: clientWriter,
		lastState:   protocol.StateDisconnected,
	}, nil
}

func clientWriter(c *protocol.Client) stream.FrameWriter {
	return c
}

// SessionID returns the client id sent with the config message
func (s *Streamer) SessionID() string {
	return s.config.ClientID
}

// Run connects, sends the config, starts capture and streams until ctx is
// cancelled or the connection fails. Cancellation is a clean shutdown and
// returns nil.
func (s *Streamer) Run(ctx context.Context) error {
	defer s.encoder.Close()

	client, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	src, err := s.config.NewSource(capture.Config{
		SampleRate: s.config.SampleRate,
		Channels:   s.config.Channels,
		ChunkMs:    s.config.ChunkMs,
		DeviceName: s.config.DeviceName,
	})
	if err != nil {
		s.closeClient(client)
		return fmt.Errorf("failed to open audio source: %w", err)
	}
	defer src.Close()

	// Run context outlives ctx so queued frames can drain after an interrupt
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- s.stream(runCtx, client)
	}()

	if err := src.Start(s.onBlock); err != nil {
		s.ch.Close()
		s.ch.Discard()
		cancelRun()
		<-sessionErr
		return fmt.Errorf("failed to start audio source: %w", err)
	}
	log.Printf("Streaming %dHz audio in %dms chunks to %s", s.config.SampleRate, s.config.ChunkMs, s.config.URL)

	select {
	case <-ctx.Done():
		log.Printf("Shutting down stream")
		s.stopSource(src)
		err := s.finish(sessionErr, cancelRun)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil

	case err := <-sessionErr:
		// Session ended without an interrupt: the connection failed
		s.stopSource(src)
		s.ch.Close()
		s.ch.Discard()
		if err == nil {
			err = errors.New("stream ended unexpectedly")
		}
		return err
	}
}

// stopSource halts capture so no more frames are produced
func (s *Streamer) stopSource(src capture.Source) {
	if err := src.Stop(); err != nil {
		log.Printf("Warning: failed to stop audio source: %v", err)
	}
}

// finish drains or discards queued frames and waits for the session to
// close the connection. Past DrainTimeout the session is cancelled and the
// rest of the queue is dropped; that is still a clean shutdown.
func (s *Streamer) finish(sessionErr <-chan error, cancelRun context.CancelFunc) error {
	s.ch.Close()
	if s.config.DiscardOnShutdown {
		if n := s.ch.Discard(); n > 0 {
			log.Printf("Discarded %d queued frames", n)
		}
	} else if n := s.ch.Len(); n > 0 {
		log.Printf("Draining %d queued frames", n)
	}

	timer := time.NewTimer(s.config.DrainTimeout)
	defer timer.Stop()

	select {
	case err := <-sessionErr:
		return err
	case <-timer.C:
		n := s.ch.Discard()
		log.Printf("Drain timed out after %v, dropped %d frames", s.config.DrainTimeout, n)
		cancelRun()
		if err := <-sessionErr; err != nil {
			log.Printf("Session ended during shutdown: %v", err)
		}
		return nil
	}
}

// connect opens a session and sends the config message
func (s *Streamer) connect(ctx context.Context) (*protocol.Client, error) {
	client := protocol.NewClient(protocol.Config{
		URL:              s.config.URL,
		ClientID:         s.config.ClientID,
		KeepAlive:        s.config.KeepAlive,
		PongTimeout:      s.config.PongTimeout,
		HandshakeTimeout: s.config.HandshakeTimeout,
		WriteTimeout:     s.config.WriteTimeout,
	})

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	s.notifyState(protocol.StateConnecting)
	if err := client.Connect(ctx); err != nil {
		s.notifyState(client.State())
		return nil, err
	}

	// Capture keeps only the first channel, so frames are always mono
	if err := client.SendConfig(s.config.SampleRate, s.format.Channels); err != nil {
		s.closeClient(client)
		return nil, err
	}
	s.notifyState(client.State())

	return client, nil
}

// stream runs sessions, redialling up to ReconnectAttempts times after a
// connection failure
func (s *Streamer) stream(ctx context.Context, client *protocol.Client) error {
	attempts := 0
	for {
		err := s.runSession(ctx, client)
		if err == nil || ctx.Err() != nil || s.ch.Closed() {
			return err
		}
		if !protocol.IsConnectionError(err) || attempts >= s.config.ReconnectAttempts {
			return err
		}

		attempts++
		log.Printf("Connection lost (%v), reconnecting (attempt %d of %d)", err, attempts, s.config.ReconnectAttempts)

		client, err = s.connect(ctx)
		if err != nil {
			return fmt.Errorf("reconnect failed: %w", err)
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()
	}
}

// runSession streams over one connection. It returns nil once the frame
// channel is closed and drained, or the error that ended the connection.
// The connection is closed on every exit path.
func (s *Streamer) runSession(ctx context.Context, client *protocol.Client) error {
	defer s.closeClient(client)

	sender := stream.NewSender(s.ch, s.frameWriter(client))
	s.sender.Store(sender)
	defer func() {
		s.sender.Store(nil)
		s.sentPrev.Add(sender.Sent())
	}()

	dispatcher := protocol.NewDispatcher(s.handlers())
	if s.config.HandlerBudget > 0 {
		dispatcher.SetBudget(s.config.HandlerBudget)
	}

	g, gctx := errgroup.WithContext(ctx)
	sendDone := make(chan struct{})

	g.Go(func() error {
		defer close(sendDone)
		return sender.Run(gctx)
	})

	g.Go(func() error {
		dispatcher.Run(gctx, client.Messages())
		return nil
	})

	g.Go(func() error {
		select {
		case <-client.Done():
			if err := client.Err(); err != nil {
				return err
			}
			return nil
		case <-sendDone:
			// Drained: close now so the receive loop ends
			s.closeClient(client)
			return nil
		case <-gctx.Done():
			s.closeClient(client)
			return nil
		}
	})

	return g.Wait()
}

// closeClient closes the connection and reports the final state
func (s *Streamer) closeClient(client *protocol.Client) {
	if err := client.Close(); err != nil {
		log.Printf("Warning: connection close error: %v", err)
	}
	if err := client.Err(); err != nil {
		s.notifyState(protocol.StateFailed)
		return
	}
	s.notifyState(client.State())
}

// handlers wraps the configured callbacks with counters
func (s *Streamer) handlers() protocol.Handlers {
	return protocol.Handlers{
		OnPulse: func(p protocol.Pulse) {
			s.pulses.Add(1)
			s.mu.Lock()
			s.lastPulse = p
			s.mu.Unlock()
			if s.config.OnPulse != nil {
				s.config.OnPulse(p)
			}
		},
		OnAck: func(a protocol.Ack) {
			s.acks.Add(1)
			if a.SampleRate != 0 && a.SampleRate != s.config.SampleRate {
				log.Printf("Warning: service acknowledged %dHz, streaming %dHz", a.SampleRate, s.config.SampleRate)
			}
			if s.config.OnAck != nil {
				s.config.OnAck(a)
			}
		},
		OnError: func(msg string) {
			s.serviceErrors.Add(1)
			log.Printf("Service error: %s", msg)
			if s.config.OnServiceError != nil {
				s.config.OnServiceError(msg)
			}
		},
	}
}

// notifyState records a state change and calls OnStateChange
func (s *Streamer) notifyState(state protocol.State) {
	s.mu.Lock()
	changed := s.lastState != state
	s.lastState = state
	s.mu.Unlock()

	if changed && s.config.OnStateChange != nil {
		s.config.OnStateChange(state)
	}
}

// onBlock runs on the capture thread for every block. It encodes into a
// pooled buffer and enqueues without blocking; failures become drops.
func (s *Streamer) onBlock(block []float32, status capture.Status) {
	defer func() {
		if r := recover(); r != nil {
			s.encodeErrors.Add(1)
		}
	}()

	s.captured.Add(1)
	overflow := status.Has(capture.StatusInputOverflow)
	if overflow {
		s.overflows.Add(1)
	}
	if status.Has(capture.StatusInputUnderflow) {
		s.underflows.Add(1)
	}
	s.level.Store(math.Float64bits(audio.RMS(block)))

	buf := s.ch.Acquire()
	n, err := s.encoder.EncodeInto(buf, block)
	if err != nil {
		s.encodeErrors.Add(1)
		s.ch.Release(buf)
		return
	}

	s.ch.Enqueue(stream.Frame{PCM: buf[:n], Overflow: overflow})
}

// Stats returns a snapshot of streaming statistics
func (s *Streamer) Stats() Stats {
	s.mu.RLock()
	client := s.client
	stats := Stats{
		SessionID:  s.config.ClientID,
		State:      s.lastState,
		LastPulse:  s.lastPulse,
		Reconnects: s.reconnects,
	}
	s.mu.RUnlock()

	if client != nil {
		stats.State = client.State()
		if stats.State == protocol.StateClosed && client.Err() != nil {
			stats.State = protocol.StateFailed
		}
		stats.RTT = client.Stats().RTT
	}

	sent := s.sentPrev.Load()
	if sender := s.sender.Load(); sender != nil {
		sent += sender.Sent()
	}

	stats.Captured = s.captured.Load()
	stats.Overflows = s.overflows.Load()
	stats.Underflows = s.underflows.Load()
	stats.EncodeErrors = s.encodeErrors.Load()
	stats.Queue = s.ch.Stats()
	stats.Sent = sent
	stats.Pulses = s.pulses.Load()
	stats.Acks = s.acks.Load()
	stats.ServiceErrors = s.serviceErrors.Load()
	stats.Level = math.Float64frombits(s.level.Load())

	return stats
}
