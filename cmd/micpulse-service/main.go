// ABOUTME: Entry point for the reference pulse service
// ABOUTME: Parses CLI flags and serves beat pulses for microphone streams
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vybe-haptics/micpulse-go/internal/service"
	"github.com/vybe-haptics/micpulse-go/internal/version"
)

var (
	port    = flag.Int("port", 8000, "WebSocket server port")
	name    = flag.String("name", "", "Service friendly name (default: hostname-micpulse-service)")
	path    = flag.String("path", "/ws/mic", "WebSocket path")
	logFile = flag.String("log-file", "micpulse-service.log", "Log file path")
	debug   = flag.Bool("debug", false, "Enable debug logging")
	noMDNS  = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	minGap  = flag.Int64("min-gap-ms", 120, "Minimum milliseconds between pulses")
)

func main() {
	flag.Parse()

	// Set up logging (both file and console)
	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer func() { _ = f.Close() }()

	log.SetOutput(io.MultiWriter(os.Stdout, f))

	serviceName := *name
	if serviceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serviceName = fmt.Sprintf("%s-micpulse-service", hostname)
	}

	log.Printf("Starting %s: %s on port %d", version.String(), serviceName, *port)
	if *debug {
		log.Printf("Debug logging enabled")
	}
	log.Printf("Logging to: %s", *logFile)
	log.Printf("Press Ctrl-C to stop")

	srv := service.New(service.Config{
		Port:       *port,
		Name:       serviceName,
		Path:       *path,
		EnableMDNS: !*noMDNS,
		Debug:      *debug,
		Detector:   service.DetectorConfig{MinGapMs: *minGap},
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received %v signal, shutting down gracefully...", sig)
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Service error: %v", err)
	}

	log.Printf("Service stopped")
}
