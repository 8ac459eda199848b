// ABOUTME: Prometheus metrics for the streaming client
// ABOUTME: Exposes streamer counters on a private registry and serves /metrics
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vybe-haptics/micpulse-go/pkg/micpulse"
)

const namespace = "micpulse"

// StatsFunc returns a snapshot of streamer statistics
type StatsFunc func() micpulse.Stats

// Metrics holds the registry and the metrics updated outside the streamer
type Metrics struct {
	registry *prometheus.Registry

	PulseStyles *prometheus.CounterVec
	OutputDrops *prometheus.CounterVec
}

// New registers metrics that read from stats on every scrape
func New(stats StatsFunc) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	counter := func(name, help string, value func(micpulse.Stats) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(stats())) })
	}
	gauge := func(name, help string, value func(micpulse.Stats) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats()) })
	}

	counter("frames_captured_total", "Audio blocks delivered by the capture source",
		func(s micpulse.Stats) uint64 { return s.Captured })
	counter("frames_sent_total", "Frames written to the service",
		func(s micpulse.Stats) uint64 { return s.Sent })
	counter("frames_dropped_total", "Frames dropped by the overflow policy",
		func(s micpulse.Stats) uint64 { return s.Queue.Dropped })
	counter("frames_discarded_total", "Frames discarded at shutdown",
		func(s micpulse.Stats) uint64 { return s.Queue.Discarded })
	counter("input_overflows_total", "Blocks flagged with device input overflow",
		func(s micpulse.Stats) uint64 { return s.Overflows })
	counter("input_underflows_total", "Blocks flagged with device input underflow",
		func(s micpulse.Stats) uint64 { return s.Underflows })
	counter("encode_errors_total", "Blocks dropped by the encoder",
		func(s micpulse.Stats) uint64 { return s.EncodeErrors })
	counter("buffer_pool_misses_total", "Frame buffers allocated outside the pool",
		func(s micpulse.Stats) uint64 { return s.Queue.PoolMisses })
	counter("pulses_total", "Pulse notifications received",
		func(s micpulse.Stats) uint64 { return s.Pulses })
	counter("acks_total", "Acknowledgments received",
		func(s micpulse.Stats) uint64 { return s.Acks })
	counter("service_errors_total", "Error messages received from the service",
		func(s micpulse.Stats) uint64 { return s.ServiceErrors })
	counter("reconnects_total", "Connections re-established after a failure",
		func(s micpulse.Stats) uint64 { return uint64(s.Reconnects) })

	gauge("queue_length", "Frames waiting to be sent",
		func(s micpulse.Stats) float64 { return float64(s.Queue.Len) })
	gauge("queue_capacity", "Frame channel capacity",
		func(s micpulse.Stats) float64 { return float64(s.Queue.Capacity) })
	gauge("input_level", "RMS level of the latest block",
		func(s micpulse.Stats) float64 { return s.Level })
	gauge("rtt_seconds", "Round trip time of the latest keep-alive ping",
		func(s micpulse.Stats) float64 { return s.RTT.Seconds() })
	gauge("connection_state", "Connection state (0 disconnected .. 6 failed)",
		func(s micpulse.Stats) float64 { return float64(s.State) })

	return &Metrics{
		registry: registry,
		PulseStyles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulse_styles_total",
			Help:      "Pulse notifications by style",
		}, []string{"style"}),
		OutputDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_drops_total",
			Help:      "Pulses a haptic output skipped because it was busy or throttled",
		}, []string{"output"}),
	}
}

// RecordPulse counts a pulse by style
func (m *Metrics) RecordPulse(style string) {
	m.PulseStyles.WithLabelValues(style).Inc()
}

// RecordOutputDrop counts a pulse skipped by the named output
func (m *Metrics) RecordOutputDrop(output string) {
	m.OutputDrops.WithLabelValues(output).Inc()
}

// Handler returns the /metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Metrics listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
