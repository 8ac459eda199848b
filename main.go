// ABOUTME: Entry point for the micpulse streaming client
// ABOUTME: Loads config, discovers the service and streams the microphone until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/vybe-haptics/micpulse-go/internal/config"
	"github.com/vybe-haptics/micpulse-go/internal/discovery"
	"github.com/vybe-haptics/micpulse-go/internal/haptics"
	"github.com/vybe-haptics/micpulse-go/internal/metrics"
	"github.com/vybe-haptics/micpulse-go/internal/ui"
	"github.com/vybe-haptics/micpulse-go/internal/version"
	"github.com/vybe-haptics/micpulse-go/pkg/micpulse"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

var (
	configPath  = flag.String("config", "", "YAML config file")
	serverURL   = flag.String("server", "", "Service websocket URL (skip mDNS), e.g. ws://host:8000/ws/mic")
	backend     = flag.String("backend", "", "Capture backend: malgo, portaudio or tone")
	device      = flag.String("device", "", "Input device name (default: system default)")
	sampleRate  = flag.Int("sample-rate", 0, "Capture sample rate in Hz")
	chunkMs     = flag.Int("chunk-ms", 0, "Chunk duration in milliseconds")
	policy      = flag.String("policy", "", "Queue overflow policy: drop-oldest or drop-newest")
	reconnect   = flag.Int("reconnect", -1, "Reconnect attempts after a connection failure")
	metricsAddr = flag.String("metrics", "", "Prometheus listen address, e.g. :9464")
	mqttBroker  = flag.String("mqtt", "", "MQTT broker for the vibrate relay, e.g. tcp://localhost:1883")
	noClick     = flag.Bool("no-click", false, "Disable the audible click per pulse")
	logFile     = flag.String("log-file", "", "Log file path")
	noTUI       = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	streamLogs  = flag.Bool("stream-logs", false, "Alias for -no-tui")
	showVer     = flag.Bool("version", false, "Print version and exit")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Determine if we should use TUI or streaming logs
	useTUI := !(*noTUI || *streamLogs)

	// Fatal errors are printed once the TUI has released the terminal
	var fatalErr error
	defer func() {
		if fatalErr != nil && useTUI {
			fmt.Fprintf(os.Stderr, "Error: %v\n", fatalErr)
		}
	}()

	// Set up logging
	f, err := os.OpenFile(cfg.Logging.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening log file: %v\n", err)
		return 1
	}
	defer func() { _ = f.Close() }()

	if useTUI {
		// TUI mode: log only to file
		log.SetOutput(f)
	} else {
		// Streaming logs mode: log to both stdout and file
		log.SetOutput(io.MultiWriter(os.Stdout, f))
		log.Printf("Starting %s", version.String())
		log.Printf("TUI disabled - logging to %s", cfg.Logging.File)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// TUI setup
	var tuiProg *tea.Program
	var ctrl *ui.Control
	tuiDone := make(chan struct{})

	if useTUI {
		ctrl = ui.NewControl()
		tuiProg, err = ui.Run(ctrl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start TUI: %v\n", err)
			return 1
		}
		go func() {
			defer close(tuiDone)
			if _, err := tuiProg.Run(); err != nil {
				log.Printf("TUI error: %v", err)
			}
		}()
		go func() {
			select {
			case <-ctrl.Quit:
				log.Printf("Received quit signal from TUI")
				stop()
			case <-ctx.Done():
			}
		}()
		defer func() {
			tuiProg.Quit()
			<-tuiDone
		}()
	} else {
		close(tuiDone)
	}

	// Helper to update TUI
	updateTUI := func(msg tea.Msg) {
		if tuiProg != nil {
			tuiProg.Send(msg)
		}
	}

	// Handle service discovery if no URL is configured
	serviceURL := cfg.Service.URL
	if serviceURL == "" {
		log.Printf("Starting service discovery...")
		findCtx, cancel := context.WithTimeout(ctx, cfg.Service.DiscoverTimeout)
		server, err := discovery.NewManager(discovery.Config{}).Find(findCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			log.Printf("Discovery failed: %v", err)
			fatalErr = err
			return 1
		}
		serviceURL = server.URL()
		log.Printf("Discovered %s at %s", server.Name, serviceURL)
	}

	var router *haptics.Router
	var m *metrics.Metrics

	sc := cfg.Streamer()
	sc.URL = serviceURL
	sc.OnPulse = func(p protocol.Pulse) {
		router.Pulse(p)
		m.RecordPulse(p.Style)
		updateTUI(ui.PulseMsg{Style: p.Style, AtMs: p.AtMs})
	}
	sc.OnStateChange = func(state protocol.State) {
		log.Printf("Connection state: %s", state)
		updateTUI(ui.StatusMsg{State: &state})
	}

	streamer, err := micpulse.NewStreamer(sc)
	if err != nil {
		log.Printf("Failed to create streamer: %v", err)
		fatalErr = err
		return 1
	}
	log.Printf("Session %s", streamer.SessionID())

	m = metrics.New(streamer.Stats)
	router, click := newRouter(cfg, useTUI, streamer.SessionID(), m)
	router.Start(ctx)
	defer func() {
		if err := router.Close(); err != nil {
			log.Printf("Warning: haptic output close error: %v", err)
		}
	}()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.Printf("Warning: %v", err)
			}
		}()
	}

	if ctrl != nil {
		go handleClickMute(ctx, click, ctrl)
	}

	if tuiProg != nil {
		updateTUI(ui.StatusMsg{
			ServiceURL: serviceURL,
			SessionID:  streamer.SessionID(),
			SampleRate: cfg.Audio.SampleRate,
			ChunkMs:    cfg.Audio.ChunkMs,
			Policy:     cfg.Stream.Policy,
		})
		go statsUpdateLoop(ctx, streamer, updateTUI)
	}

	if err := streamer.Run(ctx); err != nil {
		log.Printf("Stream error: %v", err)
		fatalErr = err
		return 1
	}

	stats := streamer.Stats()
	log.Printf("Stream stopped: %d captured, %d sent, %d dropped, %d pulses",
		stats.Captured, stats.Sent, stats.Queue.Dropped, stats.Pulses)
	return 0
}

// applyFlags overrides configuration with explicitly set flags
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Service.URL = *serverURL
		case "backend":
			cfg.Audio.Backend = *backend
		case "device":
			cfg.Audio.Device = *device
		case "sample-rate":
			cfg.Audio.SampleRate = *sampleRate
		case "chunk-ms":
			cfg.Audio.ChunkMs = *chunkMs
		case "policy":
			cfg.Stream.Policy = *policy
		case "reconnect":
			cfg.Connection.ReconnectAttempts = *reconnect
		case "metrics":
			cfg.Metrics.Listen = *metricsAddr
		case "mqtt":
			cfg.Haptics.MQTT.Broker = *mqttBroker
		case "no-click":
			cfg.Haptics.Click = !*noClick
		case "log-file":
			cfg.Logging.File = *logFile
		}
	})
}

// newRouter builds the configured haptic outputs. Outputs that fail to
// open are logged and skipped.
func newRouter(cfg *config.Config, useTUI bool, sessionID string, m *metrics.Metrics) (*haptics.Router, *haptics.Click) {
	var outputs []haptics.Output

	if cfg.Haptics.Console && !useTUI {
		outputs = append(outputs, haptics.NewConsole(os.Stdout))
	}

	var click *haptics.Click
	if cfg.Haptics.Click {
		c, err := haptics.NewClick(haptics.ClickConfig{Volume: cfg.Haptics.ClickVolume})
		if err != nil {
			log.Printf("Warning: click output disabled: %v", err)
		} else {
			click = c
			outputs = append(outputs, c)
		}
	}

	if mc := cfg.Haptics.MQTT; mc.Broker != "" {
		relay, err := haptics.NewMQTT(haptics.MQTTConfig{
			Broker:   mc.Broker,
			ClientID: fmt.Sprintf("%s-%.8s", mc.ClientID, sessionID),
			Username: mc.Username,
			Password: mc.Password,
			Topic:    mc.Topic,
		})
		if err != nil {
			log.Printf("Warning: MQTT relay disabled: %v", err)
		} else {
			outputs = append(outputs, relay)
		}
	}

	router := haptics.NewRouter(haptics.RouterConfig{
		MinGap: cfg.Haptics.MinGap,
		OnDrop: m.RecordOutputDrop,
	}, outputs...)
	log.Printf("Haptic outputs: %v", router.Outputs())
	return router, click
}

// handleClickMute applies mute toggles from the TUI
func handleClickMute(ctx context.Context, click *haptics.Click, ctrl *ui.Control) {
	for {
		select {
		case muted := <-ctrl.ClickMute:
			if click != nil {
				click.SetMuted(muted)
			}
		case <-ctx.Done():
			return
		}
	}
}

// statsUpdateLoop periodically updates TUI with streaming statistics
func statsUpdateLoop(ctx context.Context, streamer *micpulse.Streamer, updateTUI func(tea.Msg)) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := streamer.Stats()
			updateTUI(ui.StatusMsg{Stats: &ui.StatsUpdate{
				Captured:  stats.Captured,
				Sent:      stats.Sent,
				Dropped:   stats.Queue.Dropped,
				Overflows: stats.Overflows,
				QueueLen:  stats.Queue.Len,
				QueueCap:  stats.Queue.Capacity,
				Acks:      stats.Acks,
				Level:     stats.Level,
				RTT:       stats.RTT,
			}})
		}
	}
}

