// ABOUTME: Reference pulse service for local development and tests
// ABOUTME: Accepts microphone streams over WebSocket and replies with beat pulses
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vybe-haptics/micpulse-go/internal/discovery"
	"github.com/vybe-haptics/micpulse-go/pkg/audio/encode"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// Config holds service configuration
type Config struct {
	Port       int
	Name       string
	Path       string // websocket path (default /ws/mic)
	EnableMDNS bool
	Debug      bool
	Detector   DetectorConfig
}

// Stats counts service activity
type Stats struct {
	Connections uint64
	Active      int64
	Chunks      uint64
	Pulses      uint64
	Errors      uint64
}

// Server is the pulse service
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	httpServer  *http.Server
	mdnsManager *discovery.Manager

	// now returns the pulse timestamp in milliseconds
	now func() int64

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connections atomic.Uint64
	active      atomic.Int64
	chunks      atomic.Uint64
	pulses      atomic.Uint64
	errors      atomic.Uint64
}

// session is the per-connection stream state
type session struct {
	detector   *Detector
	sampleRate int
}

// clientMessage is the union of messages a client may send
type clientMessage struct {
	Type        string          `json:"type"`
	SampleRate  json.RawMessage `json:"sampleRate"`
	PCM16Base64 string          `json:"pcm16_base64"`
}

// New creates a new service instance
func New(config Config) *Server {
	if config.Path == "" {
		config.Path = protocol.DefaultPath
	}
	if config.Port == 0 {
		config.Port = 8000
	}

	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Local development service; browser origins are not restricted
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now:      func() int64 { return time.Now().UnixMilli() },
		conns:    make(map[*websocket.Conn]struct{}),
		stopChan: make(chan struct{}),
	}

	s.mux.HandleFunc(config.Path, s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handler returns the HTTP handler serving the websocket and health endpoints
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called or the listener fails
func (s *Server) Start() error {
	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			Path:        s.config.Path,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			log.Printf("mDNS advertisement started")
		}
	}

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	log.Printf("Pulse service listening on %s%s", addr, s.config.Path)

	var serverErr error
	select {
	case <-s.stopChan:
		log.Printf("Service shutting down...")
	case err := <-errChan:
		log.Printf("HTTP server error: %v", err)
		serverErr = err
	}

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Hijacked websocket connections are not closed by Shutdown
	s.closeConnections()
	s.wg.Wait()
	log.Printf("Service stopped cleanly")

	if serverErr != nil {
		return fmt.Errorf("HTTP server failed: %w", serverErr)
	}
	return nil
}

// Stop stops the service
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Stats returns service counters
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Active:      s.active.Load(),
		Chunks:      s.chunks.Load(),
		Pulses:      s.pulses.Load(),
		Errors:      s.errors.Load(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleWebSocket upgrades and serves one client stream
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("New WebSocket connection from %s", r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(conn, r.RemoteAddr)
}

func (s *Server) serve(conn *websocket.Conn, remote string) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	s.connections.Add(1)
	s.active.Add(1)

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.active.Add(-1)
		_ = conn.Close()
		log.Printf("Client disconnected: %s", remote)
	}()

	sess := &session{
		detector:   NewDetector(s.config.Detector),
		sampleRate: 16000,
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("WebSocket error from %s: %v", remote, err)
			}
			return
		}

		reply := s.handleMessage(sess, data)
		if reply == nil {
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			log.Printf("Error writing to %s: %v", remote, err)
			return
		}
	}
}

// handleMessage processes one client message and returns the reply, if any
func (s *Server) handleMessage(sess *session, data []byte) interface{} {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.errors.Add(1)
		return protocol.ErrorMessage{Type: protocol.TypeError, Error: "Invalid JSON"}
	}

	switch msg.Type {
	case protocol.TypeConfig:
		// A sampleRate that is not a number is ignored
		var rate *float64
		if json.Unmarshal(msg.SampleRate, &rate) == nil && rate != nil {
			sess.sampleRate = int(*rate)
		}
		log.Printf("Stream configured: %dHz", sess.sampleRate)
		return protocol.OKMessage{Type: protocol.TypeOK, SampleRate: sess.sampleRate}

	case protocol.TypeChunk:
		if msg.PCM16Base64 == "" {
			return nil
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
		if err != nil {
			s.errors.Add(1)
			return protocol.ErrorMessage{Type: protocol.TypeError, Error: "Invalid audio chunk"}
		}
		s.chunks.Add(1)

		nowMs := s.now()
		style, ok := sess.detector.Detect(encode.DecodePCM16(pcm), nowMs)
		if !ok {
			return nil
		}
		s.pulses.Add(1)
		if s.config.Debug {
			log.Printf("[DEBUG] Pulse %s at %d", style, nowMs)
		}
		return protocol.PulseMessage{Type: protocol.TypePulse, Style: style, AtMs: nowMs}

	default:
		s.errors.Add(1)
		return protocol.ErrorMessage{Type: protocol.TypeError, Error: "Unknown message type"}
	}
}

func (s *Server) closeConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "service stopping")
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
