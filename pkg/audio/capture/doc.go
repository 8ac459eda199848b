// ABOUTME: Audio capture package for microphone input
// ABOUTME: Provides Source interface with malgo, PortAudio and tone backends
// Package capture opens an input stream and delivers fixed-size blocks.
//
// Backends:
//   - malgo: miniaudio via malgo (default)
//   - portaudio: PortAudio (build with -tags portaudio)
//   - tone: synthetic click track, no hardware required
//
// The callback runs on the device's realtime thread. It must not block,
// log, or perform I/O; hand blocks off through a non-blocking queue.
//
// Example:
//
//	src, err := capture.New(capture.BackendMalgo, capture.Config{SampleRate: 16000, Channels: 1, ChunkMs: 40})
//	err = src.Start(func(block []float32, status capture.Status) { ... })
//	defer src.Close()
package capture
