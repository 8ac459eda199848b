// ABOUTME: Integration tests for the Streamer
// ABOUTME: Drives a fake capture source against an in-process websocket service
package micpulse

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vybe-haptics/micpulse-go/pkg/audio/capture"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
	"github.com/vybe-haptics/micpulse-go/pkg/stream"
)

// fakeSource is a capture source driven by the test
type fakeSource struct {
	config capture.Config

	mu      sync.Mutex
	cb      capture.Callback
	started chan struct{}
	once    sync.Once
	stopped atomic.Bool
	closed  atomic.Bool
}

func newFakeSource(config capture.Config) *fakeSource {
	return &fakeSource{config: config, started: make(chan struct{})}
}

func (f *fakeSource) Start(cb capture.Callback) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	f.once.Do(func() { close(f.started) })
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
	f.stopped.Store(true)
	return nil
}

func (f *fakeSource) Close() error {
	f.Stop()
	f.closed.Store(true)
	return nil
}

func (f *fakeSource) Config() capture.Config {
	return f.config
}

// feed delivers one block as the device thread would
func (f *fakeSource) feed(block []float32, status capture.Status) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(block, status)
	}
}

// fakeService records every text message and the close code per connection
type fakeService struct {
	url      string
	messages chan []byte
	closes   chan error
	conns    atomic.Int32
}

func newFakeService(t *testing.T, handle func(n int, conn *websocket.Conn, svc *fakeService)) *fakeService {
	t.Helper()

	svc := &fakeService{
		messages: make(chan []byte, 100),
		closes:   make(chan error, 4),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(svc.conns.Add(1))
		if handle != nil {
			handle(n, conn, svc)
			return
		}
		svc.record(conn)
	}))
	t.Cleanup(srv.Close)

	svc.url = "ws" + strings.TrimPrefix(srv.URL, "http") + protocol.DefaultPath
	return svc
}

// record reads messages until the connection ends
func (svc *fakeService) record(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			svc.closes <- err
			return
		}
		svc.messages <- data
	}
}

func (svc *fakeService) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-svc.messages:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("service received invalid JSON: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message at service")
		return nil
	}
}

type harness struct {
	streamer *Streamer
	source   *fakeSource
	cancel   context.CancelFunc
	done     chan error
}

// stalledWriter holds every frame until gate is closed or the session ends,
// standing in for a transport write that cannot make progress
type stalledWriter struct {
	client  *protocol.Client
	gate    <-chan struct{}
	entered chan struct{}
}

func (w *stalledWriter) SendFrame(pcm []byte) error {
	select {
	case w.entered <- struct{}{}:
	default:
	}
	select {
	case <-w.gate:
	case <-w.client.Done():
		return errors.New("connection closed during write")
	}
	return w.client.SendFrame(pcm)
}

// stallSends routes the streamer's frames through a stalledWriter
func stallSends(gate <-chan struct{}, entered chan struct{}) func(*Streamer) {
	return func(s *Streamer) {
		s.frameWriter = func(c *protocol.Client) stream.FrameWriter {
			return &stalledWriter{client: c, gate: gate, entered: entered}
		}
	}
}

func startStreamer(t *testing.T, config Config, setup ...func(*Streamer)) *harness {
	t.Helper()

	h := &harness{done: make(chan error, 1)}
	sourceReady := make(chan *fakeSource, 1)
	config.NewSource = func(c capture.Config) (capture.Source, error) {
		src := newFakeSource(c)
		sourceReady <- src
		return src, nil
	}

	streamer, err := NewStreamer(config)
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}
	h.streamer = streamer
	for _, fn := range setup {
		fn(streamer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() { h.done <- streamer.Run(ctx) }()

	select {
	case h.source = <-sourceReady:
	case <-time.After(2 * time.Second):
		t.Fatal("source never opened")
	}

	select {
	case <-h.source.started:
	case <-time.After(2 * time.Second):
		t.Fatal("source never started")
	}
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func TestNewStreamerDefaults(t *testing.T) {
	s, err := NewStreamer(Config{URL: "ws://127.0.0.1:8000/ws/mic"})
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}

	if s.config.SampleRate != 16000 || s.config.ChunkMs != 40 || s.config.Channels != 1 {
		t.Errorf("unexpected audio defaults: %+v", s.config)
	}
	if s.config.QueueCapacity != 50 {
		t.Errorf("expected queue capacity 50, got %d", s.config.QueueCapacity)
	}
	if s.SessionID() == "" {
		t.Error("expected a generated session id")
	}
	if s.Stats().State != protocol.StateDisconnected {
		t.Errorf("expected disconnected, got %s", s.Stats().State)
	}
}

func TestNewStreamerValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"missing URL", Config{}},
		{"empty blocks", Config{URL: "ws://x", SampleRate: 10, ChunkMs: 1}},
		{"negative chunk", Config{URL: "ws://x", ChunkMs: -40}},
		{"negative sample rate", Config{URL: "ws://x", SampleRate: -16000}},
		{"negative channels", Config{URL: "ws://x", Channels: -1}},
		{"negative queue", Config{URL: "ws://x", QueueCapacity: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStreamer(tt.config); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestStreamerSendsConfigBeforeChunks(t *testing.T) {
	svc := newFakeService(t, nil)
	h := startStreamer(t, Config{URL: svc.url})

	silence := make([]float32, 640)
	for i := 0; i < 3; i++ {
		h.source.feed(silence, 0)
	}

	first := svc.next(t)
	if first["type"] != "config" {
		t.Fatalf("expected config first, got %v", first["type"])
	}
	if first["sampleRate"] != float64(16000) {
		t.Errorf("expected sampleRate 16000, got %v", first["sampleRate"])
	}
	if first["clientId"] != h.streamer.SessionID() {
		t.Errorf("expected clientId %s, got %v", h.streamer.SessionID(), first["clientId"])
	}

	for i := 0; i < 3; i++ {
		msg := svc.next(t)
		if msg["type"] != "chunk" {
			t.Fatalf("expected chunk, got %v", msg["type"])
		}
		pcm, err := base64.StdEncoding.DecodeString(msg["pcm16_base64"].(string))
		if err != nil {
			t.Fatalf("invalid base64: %v", err)
		}
		if len(pcm) != 1280 {
			t.Fatalf("expected 1280 bytes, got %d", len(pcm))
		}
		for j, b := range pcm {
			if b != 0 {
				t.Fatalf("byte %d is %d, expected 0", j, b)
			}
		}
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v after interrupt", err)
	}

	select {
	case err := <-svc.closes:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected normal close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not see the close")
	}

	if !h.source.stopped.Load() || !h.source.closed.Load() {
		t.Error("source should be stopped and closed")
	}

	stats := h.streamer.Stats()
	if stats.Captured != 3 || stats.Sent != 3 {
		t.Errorf("expected 3 captured and sent, got %d and %d", stats.Captured, stats.Sent)
	}
	if stats.State != protocol.StateClosed {
		t.Errorf("expected closed, got %s", stats.State)
	}
}

func TestStreamerPreservesFrameOrder(t *testing.T) {
	svc := newFakeService(t, nil)
	h := startStreamer(t, Config{URL: svc.url, QueueCapacity: 64})

	const n = 20
	block := make([]float32, 640)
	for i := 0; i < n; i++ {
		block[0] = float32(i) / 100
		h.source.feed(block, 0)
	}

	if msg := svc.next(t); msg["type"] != "config" {
		t.Fatalf("expected config first, got %v", msg["type"])
	}
	for i := 0; i < n; i++ {
		msg := svc.next(t)
		pcm, _ := base64.StdEncoding.DecodeString(msg["pcm16_base64"].(string))
		got := int16(binary.LittleEndian.Uint16(pcm))
		want := int16(float64(float32(i)/100) * 32767)
		if got != want {
			t.Errorf("chunk %d: first sample %d, want %d", i, got, want)
		}
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v", err)
	}
}

func TestStreamerDeliversPulses(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, svc *fakeService) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ok","sampleRate":16000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pulse","style":"beat","atMs":1234}`))
		svc.record(conn)
	})

	pulses := make(chan protocol.Pulse, 4)
	h := startStreamer(t, Config{
		URL:     svc.url,
		OnPulse: func(p protocol.Pulse) { pulses <- p },
	})

	select {
	case p := <-pulses:
		if p.Style != "beat" || p.AtMs != 1234 {
			t.Errorf("unexpected pulse %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pulse not delivered")
	}

	select {
	case p := <-pulses:
		t.Errorf("pulse delivered twice: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	stats := h.streamer.Stats()
	if stats.Pulses != 1 || stats.Acks != 1 {
		t.Errorf("expected 1 pulse and 1 ack, got %d and %d", stats.Pulses, stats.Acks)
	}
	if stats.LastPulse.Style != "beat" {
		t.Errorf("expected last pulse beat, got %q", stats.LastPulse.Style)
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v", err)
	}
}

func TestStreamerConnectionLossIsFatal(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, svc *fakeService) {
		conn.ReadMessage()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.ReadMessage()
	})

	h := startStreamer(t, Config{URL: svc.url})

	err := h.wait(t)
	if !protocol.IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !h.source.stopped.Load() {
		t.Error("source should be stopped after connection loss")
	}
	if h.streamer.Stats().State != protocol.StateFailed {
		t.Errorf("expected failed, got %s", h.streamer.Stats().State)
	}
}

func TestStreamerReconnectsOnce(t *testing.T) {
	svc := newFakeService(t, func(n int, conn *websocket.Conn, svc *fakeService) {
		if n == 1 {
			conn.ReadMessage()
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.ReadMessage()
			return
		}
		svc.record(conn)
	})

	h := startStreamer(t, Config{URL: svc.url, ReconnectAttempts: 1})

	// The second connection starts with its own config message
	if msg := svc.next(t); msg["type"] != "config" {
		t.Fatalf("expected config on reconnect, got %v", msg["type"])
	}

	h.source.feed(make([]float32, 640), 0)
	if msg := svc.next(t); msg["type"] != "chunk" {
		t.Fatalf("expected chunk after reconnect, got %v", msg["type"])
	}

	if r := h.streamer.Stats().Reconnects; r != 1 {
		t.Errorf("expected 1 reconnect, got %d", r)
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v", err)
	}
}

func TestStreamerDeviceOpenFailure(t *testing.T) {
	svc := newFakeService(t, nil)

	s, err := NewStreamer(Config{
		URL: svc.url,
		NewSource: func(capture.Config) (capture.Source, error) {
			return nil, capture.ErrDeviceOpen
		},
	})
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}

	err = s.Run(context.Background())
	if !errors.Is(err, capture.ErrDeviceOpen) {
		t.Fatalf("expected ErrDeviceOpen, got %v", err)
	}

	select {
	case err := <-svc.closes:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected normal close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open after device failure")
	}
}

func TestStreamerDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	s, err := NewStreamer(Config{URL: url})
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}

	err = s.Run(context.Background())
	if !protocol.IsConnectionError(err) {
		t.Errorf("expected ConnectionError, got %v", err)
	}
}

func TestOnBlockEncodesAndCounts(t *testing.T) {
	s, err := NewStreamer(Config{URL: "ws://127.0.0.1:8000/ws/mic", QueueCapacity: 4})
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}

	block := make([]float32, 640)
	block[0] = 2.0
	block[1] = -5.0
	s.onBlock(block, capture.StatusInputOverflow)

	f, ok := s.ch.TryDequeue()
	if !ok {
		t.Fatal("expected a queued frame")
	}
	if len(f.PCM) != 1280 {
		t.Fatalf("expected 1280 bytes, got %d", len(f.PCM))
	}
	if got := int16(binary.LittleEndian.Uint16(f.PCM[0:])); got != 32767 {
		t.Errorf("expected clamp to 32767, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(f.PCM[2:])); got != -32767 {
		t.Errorf("expected clamp to -32767, got %d", got)
	}
	if !f.Overflow {
		t.Error("expected overflow flag on frame")
	}

	stats := s.Stats()
	if stats.Captured != 1 || stats.Overflows != 1 {
		t.Errorf("expected 1 captured and 1 overflow, got %d and %d", stats.Captured, stats.Overflows)
	}
	if stats.Level == 0 {
		t.Error("expected a non-zero level")
	}
}

func TestOnBlockDropsOversizedBlock(t *testing.T) {
	s, err := NewStreamer(Config{URL: "ws://127.0.0.1:8000/ws/mic"})
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}

	s.onBlock(make([]float32, 4096), 0)

	if s.ch.Len() != 0 {
		t.Error("oversized block should not be enqueued")
	}
	if s.Stats().EncodeErrors != 1 {
		t.Errorf("expected 1 encode error, got %d", s.Stats().EncodeErrors)
	}
}

func TestOnBlockOverflowDropsOldest(t *testing.T) {
	s, err := NewStreamer(Config{URL: "ws://127.0.0.1:8000/ws/mic", QueueCapacity: 2})
	if err != nil {
		t.Fatalf("NewStreamer() failed: %v", err)
	}

	block := make([]float32, 640)
	for i := 0; i < 5; i++ {
		s.onBlock(block, 0)
	}

	q := s.Stats().Queue
	if q.Len != 2 || q.Dropped != 3 {
		t.Errorf("expected len 2 and 3 drops, got %d and %d", q.Len, q.Dropped)
	}
}

// queueBehindStall feeds n blocks while the first frame is held in the
// writer, leaving n-1 frames queued
func queueBehindStall(t *testing.T, h *harness, entered <-chan struct{}, n int) {
	t.Helper()

	block := make([]float32, 640)
	for i := 0; i < n; i++ {
		block[0] = float32(i) / 100
		h.source.feed(block, 0)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sender never reached the writer")
	}
	if got := h.streamer.Stats().Queue.Len; got != n-1 {
		t.Fatalf("expected %d frames queued behind the stalled write, got %d", n-1, got)
	}
}

func expectNormalClose(t *testing.T, svc *fakeService) {
	t.Helper()
	select {
	case err := <-svc.closes:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected normal close, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("service did not see the close")
	}
}

func TestShutdownDrainsQueuedFrames(t *testing.T) {
	svc := newFakeService(t, nil)
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := startStreamer(t, Config{URL: svc.url, DrainTimeout: 5 * time.Second}, stallSends(gate, entered))

	const n = 5
	queueBehindStall(t, h, entered, n)

	h.cancel()
	close(gate)
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v after interrupt", err)
	}

	if msg := svc.next(t); msg["type"] != "config" {
		t.Fatalf("expected config first, got %v", msg["type"])
	}
	for i := 0; i < n; i++ {
		msg := svc.next(t)
		if msg["type"] != "chunk" {
			t.Fatalf("message %d: expected chunk, got %v", i, msg["type"])
		}
		pcm, _ := base64.StdEncoding.DecodeString(msg["pcm16_base64"].(string))
		got := int16(binary.LittleEndian.Uint16(pcm))
		if want := int16(float64(float32(i)/100) * 32767); got != want {
			t.Errorf("chunk %d: first sample %d, want %d", i, got, want)
		}
	}

	// Every queued frame reached the service before the close frame
	expectNormalClose(t, svc)
	if len(svc.messages) != 0 {
		t.Errorf("unexpected %d messages after the drained frames", len(svc.messages))
	}

	stats := h.streamer.Stats()
	if stats.Sent != n || stats.Queue.Discarded != 0 {
		t.Errorf("expected %d sent and none discarded, got %d and %d", n, stats.Sent, stats.Queue.Discarded)
	}
}

func TestShutdownDiscardsQueuedFrames(t *testing.T) {
	svc := newFakeService(t, nil)
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h := startStreamer(t, Config{
		URL:               svc.url,
		DiscardOnShutdown: true,
		DrainTimeout:      5 * time.Second,
	}, stallSends(gate, entered))

	const n = 5
	queueBehindStall(t, h, entered, n)

	h.cancel()

	deadline := time.Now().Add(2 * time.Second)
	for h.streamer.Stats().Queue.Discarded != n-1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d discarded frames, got %d", n-1, h.streamer.Stats().Queue.Discarded)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)

	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v after interrupt", err)
	}

	if msg := svc.next(t); msg["type"] != "config" {
		t.Fatalf("expected config first, got %v", msg["type"])
	}
	// Only the frame already in flight at the interrupt is sent
	if msg := svc.next(t); msg["type"] != "chunk" {
		t.Fatalf("expected the in-flight chunk, got %v", msg["type"])
	}
	expectNormalClose(t, svc)
	if len(svc.messages) != 0 {
		t.Errorf("expected no chunk after the discard, got %d more messages", len(svc.messages))
	}

	if sent := h.streamer.Stats().Sent; sent != 1 {
		t.Errorf("expected 1 frame sent, got %d", sent)
	}
}

func TestShutdownDrainTimeout(t *testing.T) {
	svc := newFakeService(t, nil)
	gate := make(chan struct{}) // never opened
	entered := make(chan struct{}, 1)
	h := startStreamer(t, Config{URL: svc.url, DrainTimeout: 100 * time.Millisecond}, stallSends(gate, entered))

	const n = 5
	queueBehindStall(t, h, entered, n)

	start := time.Now()
	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run() returned %v after drain timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v with a 100ms drain timeout", elapsed)
	}

	if msg := svc.next(t); msg["type"] != "config" {
		t.Fatalf("expected config first, got %v", msg["type"])
	}
	expectNormalClose(t, svc)
	if len(svc.messages) != 0 {
		t.Errorf("expected no chunks after timeout, got %d messages", len(svc.messages))
	}

	stats := h.streamer.Stats()
	if stats.Sent != 0 || stats.Queue.Discarded != n-1 {
		t.Errorf("expected 0 sent and %d discarded, got %d and %d", n-1, stats.Sent, stats.Queue.Discarded)
	}
	if stats.State != protocol.StateClosed {
		t.Errorf("expected closed, got %s", stats.State)
	}
}
