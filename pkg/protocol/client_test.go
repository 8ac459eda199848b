// ABOUTME: Tests for the pulse service client
// ABOUTME: Runs the client against an in-process websocket service
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newFakeService starts a websocket endpoint running handle per connection
func newFakeService(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
}

// recordMessages reads until the connection ends, forwarding text messages
func recordMessages(conn *websocket.Conn, out chan<- []byte) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		out <- data
	}
}

func connectClient(t *testing.T, config Config) *Client {
	t.Helper()

	client := NewClient(config)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestConfigPrecedesChunks(t *testing.T) {
	got := make(chan []byte, 10)
	url := newFakeService(t, func(conn *websocket.Conn) {
		recordMessages(conn, got)
	})

	client := connectClient(t, Config{URL: url})
	if client.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", client.State())
	}

	// A frame before config is refused and never reaches the wire
	err := client.SendFrame(make([]byte, 1280))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if err := client.SendConfig(16000, 1); err != nil {
		t.Fatalf("SendConfig() failed: %v", err)
	}
	if client.State() != StateConfigSent {
		t.Errorf("expected config-sent, got %s", client.State())
	}

	if err := client.SendFrame(make([]byte, 1280)); err != nil {
		t.Fatalf("SendFrame() failed: %v", err)
	}
	if client.State() != StateStreaming {
		t.Errorf("expected streaming, got %s", client.State())
	}

	var config ConfigMessage
	if err := json.Unmarshal(receive(t, got), &config); err != nil {
		t.Fatalf("first message is not JSON: %v", err)
	}
	if config.Type != TypeConfig || config.SampleRate != 16000 {
		t.Errorf("expected config message first, got %+v", config)
	}

	var chunk ChunkMessage
	if err := json.Unmarshal(receive(t, got), &chunk); err != nil {
		t.Fatalf("second message is not JSON: %v", err)
	}
	if chunk.Type != TypeChunk {
		t.Fatalf("expected chunk, got %s", chunk.Type)
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.PCM16Base64)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	if len(pcm) != 1280 {
		t.Errorf("expected 1280 bytes, got %d", len(pcm))
	}

	stats := client.Stats()
	if stats.FramesSent != 1 {
		t.Errorf("expected 1 frame sent, got %d", stats.FramesSent)
	}
}

func TestSendConfigOnlyOnce(t *testing.T) {
	url := newFakeService(t, func(conn *websocket.Conn) {
		recordMessages(conn, make(chan []byte, 10))
	})

	client := connectClient(t, Config{URL: url})
	if err := client.SendConfig(16000, 1); err != nil {
		t.Fatalf("SendConfig() failed: %v", err)
	}
	if err := client.SendConfig(16000, 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second config, got %v", err)
	}
}

func TestClientReceivesInbound(t *testing.T) {
	url := newFakeService(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ok","sampleRate":16000}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pulse","style":"beat","atMs":1234}`))
		recordMessages(conn, make(chan []byte, 10))
	})

	client := connectClient(t, Config{URL: url})

	pulses := make(chan Pulse, 4)
	acks := make(chan Ack, 4)
	dispatcher := NewDispatcher(Handlers{
		OnPulse: func(p Pulse) { pulses <- p },
		OnAck:   func(a Ack) { acks <- a },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx, client.Messages())

	if err := client.SendConfig(16000, 1); err != nil {
		t.Fatalf("SendConfig() failed: %v", err)
	}

	select {
	case a := <-acks:
		if a.SampleRate != 16000 {
			t.Errorf("expected ack rate 16000, got %d", a.SampleRate)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack not dispatched")
	}

	select {
	case p := <-pulses:
		if p.Style != "beat" || p.AtMs != 1234 {
			t.Errorf("unexpected pulse %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pulse after malformed message not dispatched")
	}

	select {
	case p := <-pulses:
		t.Errorf("pulse dispatched twice: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}

	if m := dispatcher.Stats().Malformed; m != 1 {
		t.Errorf("expected 1 malformed message, got %d", m)
	}
	if client.Stats().MessagesReceived != 3 {
		t.Errorf("expected 3 messages received, got %d", client.Stats().MessagesReceived)
	}
}

func TestKeepAliveTimeoutFailsConnection(t *testing.T) {
	release := make(chan struct{})
	url := newFakeService(t, func(conn *websocket.Conn) {
		// Never read, so pings are never answered
		<-release
	})
	t.Cleanup(func() { close(release) })

	client := connectClient(t, Config{
		URL:         url,
		KeepAlive:   30 * time.Millisecond,
		PongTimeout: 30 * time.Millisecond,
	})

	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("keep-alive timeout not detected")
	}

	var cerr *ConnectionError
	if !errors.As(client.Err(), &cerr) {
		t.Fatalf("expected ConnectionError, got %v", client.Err())
	}
	if cerr.Op != "keepalive" {
		t.Errorf("expected keepalive op, got %q", cerr.Op)
	}
	if client.State() != StateFailed {
		t.Errorf("expected failed, got %s", client.State())
	}

	// Frames after failure report the failure
	if err := client.SendFrame([]byte{0, 0}); !IsConnectionError(err) {
		t.Errorf("expected ConnectionError from SendFrame, got %v", err)
	}

	client.Close()
	if client.State() != StateClosed {
		t.Errorf("expected closed after Close(), got %s", client.State())
	}
	if client.Err() == nil {
		t.Error("failure should remain visible after Close()")
	}
}

func TestKeepAliveAnsweredStaysHealthy(t *testing.T) {
	url := newFakeService(t, func(conn *websocket.Conn) {
		recordMessages(conn, make(chan []byte, 10))
	})

	client := connectClient(t, Config{
		URL:         url,
		KeepAlive:   20 * time.Millisecond,
		PongTimeout: 500 * time.Millisecond,
	})

	time.Sleep(200 * time.Millisecond)

	if client.Err() != nil {
		t.Fatalf("unexpected failure: %v", client.Err())
	}
	stats := client.Stats()
	if stats.PingsSent == 0 {
		t.Error("expected pings to be sent")
	}
	if stats.PongsReceived == 0 {
		t.Error("expected pongs to be received")
	}
}

func TestServiceCloseIsConnectionError(t *testing.T) {
	url := newFakeService(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.ReadMessage()
	})

	client := connectClient(t, Config{URL: url})
	if err := client.SendConfig(16000, 1); err != nil {
		t.Fatalf("SendConfig() failed: %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("service close not observed")
	}

	var cerr *ConnectionError
	if !errors.As(client.Err(), &cerr) {
		t.Fatalf("expected ConnectionError, got %v", client.Err())
	}
	if cerr.Op != "receive" {
		t.Errorf("expected receive op, got %q", cerr.Op)
	}
	if !websocket.IsCloseError(cerr.Err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", cerr.Err)
	}

	// Messages channel is closed when the session ends
	for range client.Messages() {
	}
}

func TestCloseSendsCloseFrame(t *testing.T) {
	closed := make(chan error, 1)
	url := newFakeService(t, func(conn *websocket.Conn) {
		closed <- recordMessages(conn, make(chan []byte, 10))
	})

	client := connectClient(t, Config{URL: url})
	if err := client.SendConfig(16000, 1); err != nil {
		t.Fatalf("SendConfig() failed: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	select {
	case err := <-closed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("expected normal close frame, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service never saw the close")
	}

	if client.State() != StateClosed {
		t.Errorf("expected closed, got %s", client.State())
	}
	if client.Err() != nil {
		t.Errorf("clean close should not record an error, got %v", client.Err())
	}
	if err := client.SendFrame([]byte{0, 0}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after close, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := NewClient(Config{URL: url, HandshakeTimeout: time.Second})
	err := client.Connect(context.Background())

	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if cerr.Op != "dial" {
		t.Errorf("expected dial op, got %q", cerr.Op)
	}
	if client.State() != StateFailed {
		t.Errorf("expected failed, got %s", client.State())
	}

	select {
	case <-client.Done():
	default:
		t.Error("Done() should be closed after dial failure")
	}
	if _, ok := <-client.Messages(); ok {
		t.Error("Messages() should be closed after dial failure")
	}
	client.Close()
}

func TestCloseBeforeConnect(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1/ws/mic"})
	if err := client.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("expected closed, got %s", client.State())
	}
	if err := client.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCloseWhileDialingReleasesConn(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	serverErr := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		serverErr <- err
	}))
	defer srv.Close()

	client := NewClient(Config{
		URL:              "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath,
		HandshakeTimeout: 5 * time.Second,
	})

	connectErr := make(chan error, 1)
	go func() { connectErr <- client.Connect(context.Background()) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the service")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	close(release)

	select {
	case err := <-connectErr:
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState from Connect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return")
	}

	// The dialed connection must be dropped, not left to a read loop
	select {
	case err := <-serverErr:
		if err == nil {
			t.Error("expected the service read to fail after the client dropped the conn")
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Error("connection was left open until the read deadline")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("service never saw the connection end")
	}

	if client.State() != StateClosed {
		t.Errorf("expected closed, got %s", client.State())
	}
	select {
	case <-client.Done():
	default:
		t.Error("Done() should be closed")
	}
	if _, ok := <-client.Messages(); ok {
		t.Error("Messages() should be closed")
	}
}

func TestServiceURL(t *testing.T) {
	tests := []struct {
		host string
		path string
		want string
	}{
		{"127.0.0.1:8000", "", "ws://127.0.0.1:8000/ws/mic"},
		{"pulse.local:9000", "/stream", "ws://pulse.local:9000/stream"},
	}
	for _, tt := range tests {
		if got := ServiceURL(tt.host, tt.path); got != tt.want {
			t.Errorf("ServiceURL(%q, %q) = %q, want %q", tt.host, tt.path, got, tt.want)
		}
	}
}
