// ABOUTME: High-level micpulse library API
// ABOUTME: Provides the Streamer that wires capture, encoding and the service
// Package micpulse streams microphone audio to a pulse service and delivers
// the pulses it sends back.
//
// This is the main entry point for most library users. A Streamer opens the
// connection, sends the stream config, starts capture and runs the sender
// and receiver until its context is cancelled.
//
// For lower-level control, see the audio, capture, stream and protocol
// packages.
//
// Example:
//
//	streamer, err := micpulse.NewStreamer(micpulse.Config{
//	    URL: "ws://127.0.0.1:8000/ws/mic",
//	    OnPulse: func(p protocol.Pulse) {
//	        fmt.Println("pulse", p.Style, p.AtMs)
//	    },
//	})
//	err = streamer.Run(ctx)
package micpulse
