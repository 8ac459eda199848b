// ABOUTME: WebSocket client for the pulse service
// ABOUTME: Handles connection, config, chunk sends, keep-alive and close
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPath is the service endpoint path
const DefaultPath = "/ws/mic"

// Config holds client configuration
type Config struct {
	URL      string
	ClientID string

	KeepAlive        time.Duration // ping interval (default 20s)
	PongTimeout      time.Duration // grace after a missed ping (default 20s)
	HandshakeTimeout time.Duration // dial + upgrade (default 5s)
	WriteTimeout     time.Duration // per message (default 10s)
	CloseWait        time.Duration // close frame deadline and echo wait (default 1s)

	InboundBuffer int // queued inbound messages (default 64)
}

func (c *Config) applyDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = 20 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 20 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CloseWait == 0 {
		c.CloseWait = time.Second
	}
	if c.InboundBuffer == 0 {
		c.InboundBuffer = 64
	}
}

// ServiceURL builds a websocket URL from a host:port
func ServiceURL(hostPort, path string) string {
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{Scheme: "ws", Host: hostPort, Path: path}
	return u.String()
}

// ClientStats holds connection counters
type ClientStats struct {
	FramesSent       uint64
	BytesSent        uint64
	MessagesReceived uint64
	PingsSent        uint64
	PongsReceived    uint64
	RTT              time.Duration // last ping round trip
}

// Client is one websocket session with the service. A Client is not reused
// after Close or failure; reconnecting creates a new Client.
type Client struct {
	config Config

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State
	err   error

	// writeMu serializes data frames; control frames, including the close
	// frame, use WriteControl and never take it
	writeMu  sync.Mutex
	chunkBuf []byte

	messages  chan []byte
	done      chan struct{}
	doneOnce  sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	closing   atomic.Bool
	readAlive atomic.Bool

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	received   atomic.Uint64
	pingsSent  atomic.Uint64
	pongs      atomic.Uint64
	rtt        atomic.Int64
}

// NewClient creates a disconnected client
func NewClient(config Config) *Client {
	config.applyDefaults()

	return &Client{
		config:   config,
		state:    StateDisconnected,
		messages: make(chan []byte, config.InboundBuffer),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Connect dials the service and starts the receive and keep-alive loops
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrInvalidState, state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	log.Printf("Connecting to %s", c.config.URL)

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		cerr := &ConnectionError{Op: "dial", Err: err}
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateFailed
		}
		c.err = cerr
		c.mu.Unlock()
		close(c.messages)
		c.closeDone()
		return cerr
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while dialing
		state := c.state
		c.mu.Unlock()
		conn.Close()
		close(c.messages)
		c.closeDone()
		return fmt.Errorf("%w: connection closed while dialing (%s)", ErrInvalidState, state)
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.liveness()))
	conn.SetPongHandler(func(appData string) error {
		c.pongs.Add(1)
		if len(appData) == 8 {
			sent := int64(binary.BigEndian.Uint64([]byte(appData)))
			c.rtt.Store(time.Now().UnixNano() - sent)
		}
		return conn.SetReadDeadline(time.Now().Add(c.liveness()))
	})

	c.readAlive.Store(true)
	go c.readLoop(conn)
	go c.keepAlive(conn)

	log.Printf("Connected to %s", c.config.URL)
	return nil
}

// liveness is how long the connection may stay silent before it is failed
func (c *Client) liveness() time.Duration {
	return c.config.KeepAlive + c.config.PongTimeout
}

// SendConfig transmits the config message. It must be the first message
// and is sent exactly once.
func (c *Client) SendConfig(sampleRate, channels int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	if state == StateFailed {
		return c.Err()
	}
	if state != StateConnecting || conn == nil {
		return fmt.Errorf("%w: send config in state %s", ErrInvalidState, state)
	}

	msg := NewConfigMessage(sampleRate, channels, c.config.ClientID)
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return c.fail("send config", err)
	}

	c.transition(StateConnecting, StateConfigSent)
	log.Printf("Sent config: %dHz, %d channel(s)", sampleRate, channels)
	return nil
}

// SendFrame transmits one PCM16 frame as a chunk message. The first frame
// moves the connection to Streaming.
func (c *Client) SendFrame(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	state, conn := c.state, c.conn
	c.mu.RUnlock()

	if state == StateFailed {
		return c.Err()
	}
	if !state.CanSend() {
		return fmt.Errorf("%w: send frame in state %s", ErrInvalidState, state)
	}

	if need := ChunkLen(len(pcm)); cap(c.chunkBuf) < need {
		c.chunkBuf = make([]byte, 0, need)
	}
	c.chunkBuf = AppendChunk(c.chunkBuf[:0], pcm)
	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, c.chunkBuf); err != nil {
		return c.fail("send chunk", err)
	}

	if state == StateConfigSent {
		c.transition(StateConfigSent, StateStreaming)
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(c.chunkBuf)))
	return nil
}

// Messages returns raw inbound messages. The channel is closed when the
// receive loop ends.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// Done is closed when the session has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the ConnectionError that ended the session, or nil
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns a snapshot of the connection counters
func (c *Client) Stats() ClientStats {
	return ClientStats{
		FramesSent:       c.framesSent.Load(),
		BytesSent:        c.bytesSent.Load(),
		MessagesReceived: c.received.Load(),
		PingsSent:        c.pingsSent.Load(),
		PongsReceived:    c.pongs.Load(),
		RTT:              time.Duration(c.rtt.Load()),
	}
}

// readLoop delivers inbound messages until the transport closes
func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.readAlive.Store(false)
		close(c.messages)
		c.closeDone()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				return
			}
			op := "receive"
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				op = "keepalive"
			}
			c.fail(op, err)
			return
		}

		c.received.Add(1)
		select {
		case c.messages <- data:
		case <-c.stop:
			return
		}
	}
}

// keepAlive sends a ping every KeepAlive interval. The ping payload carries
// the send time so the pong yields a round trip.
func (c *Client) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()

	payload := make([]byte, 8)
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, payload, deadline); err != nil {
				if !c.closing.Load() {
					c.fail("keepalive", err)
				}
				return
			}
			c.pingsSent.Add(1)
		}
	}
}

// fail records a fatal transport error and releases the connection
func (c *Client) fail(op string, err error) error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return &ConnectionError{Op: op, Err: err}
	}
	if c.err == nil {
		c.err = &ConnectionError{Op: op, Err: err}
		log.Printf("Connection failed: %v", c.err)
	}
	c.state = StateFailed
	conn, cerr := c.conn, c.err
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if conn != nil {
		conn.Close()
	}
	return cerr
}

// transition moves from one state to another if still in from
func (c *Client) transition(from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == from {
		c.state = to
	}
}

func (c *Client) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Close sends a close frame when the session is healthy, releases the
// transport and moves to Closed. A prior failure stays visible via Err.
func (c *Client) Close() error {
	c.mu.Lock()
	prev, conn := c.state, c.conn
	switch prev {
	case StateClosed, StateClosing:
		c.mu.Unlock()
		return nil
	case StateDisconnected:
		c.state = StateClosed
		c.mu.Unlock()
		close(c.messages)
		c.closeDone()
		return nil
	}
	c.state = StateClosing
	c.closing.Store(true)
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })

	if conn != nil {
		if prev != StateFailed {
			// A stalled data write holds the frame lock until conn.Close below
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.CloseWait))

			if err == nil {
				// The service echoes the close frame, which ends the read loop
				select {
				case <-c.done:
				case <-time.After(c.config.CloseWait):
				}
			}
		}
		conn.Close()
		if c.readAlive.Load() {
			<-c.done
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	log.Printf("Connection closed")
	return nil
}
