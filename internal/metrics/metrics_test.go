// ABOUTME: Tests for Prometheus metrics
// ABOUTME: Gathers the private registry and scrapes the handler
package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/vybe-haptics/micpulse-go/pkg/micpulse"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
	"github.com/vybe-haptics/micpulse-go/pkg/stream"
)

func sampleStats() micpulse.Stats {
	return micpulse.Stats{
		State:     protocol.StateStreaming,
		Captured:  25,
		Overflows: 1,
		Sent:      22,
		Queue: stream.Stats{
			Capacity: 50,
			Len:      1,
			Dropped:  2,
		},
		Pulses: 3,
		Acks:   1,
		Level:  0.5,
		RTT:    4 * time.Millisecond,
	}
}

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	return byName
}

func TestStatsExposed(t *testing.T) {
	m := New(sampleStats)
	families := gather(t, m)

	tests := []struct {
		name string
		want float64
	}{
		{"micpulse_frames_captured_total", 25},
		{"micpulse_frames_sent_total", 22},
		{"micpulse_frames_dropped_total", 2},
		{"micpulse_input_overflows_total", 1},
		{"micpulse_pulses_total", 3},
		{"micpulse_queue_length", 1},
		{"micpulse_queue_capacity", 50},
		{"micpulse_input_level", 0.5},
		{"micpulse_rtt_seconds", 0.004},
		{"micpulse_connection_state", float64(protocol.StateStreaming)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := families[tt.name]
			if !ok {
				t.Fatalf("metric %s not registered", tt.name)
			}
			metric := f.GetMetric()[0]
			var got float64
			if metric.GetCounter() != nil {
				got = metric.GetCounter().GetValue()
			} else {
				got = metric.GetGauge().GetValue()
			}
			if got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestStatsReadOnScrape(t *testing.T) {
	sent := uint64(0)
	m := New(func() micpulse.Stats { return micpulse.Stats{Sent: sent} })

	sent = 7
	f := gather(t, m)["micpulse_frames_sent_total"]
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 7 {
		t.Errorf("expected current value 7, got %v", got)
	}
}

func TestRecordPulseByStyle(t *testing.T) {
	m := New(sampleStats)
	m.RecordPulse("heavy")
	m.RecordPulse("heavy")
	m.RecordPulse("light")
	m.RecordOutputDrop("mqtt")

	counts := map[string]float64{}
	for _, metric := range gather(t, m)["micpulse_pulse_styles_total"].GetMetric() {
		counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	if counts["heavy"] != 2 || counts["light"] != 1 {
		t.Errorf("unexpected style counts %v", counts)
	}

	drops := gather(t, m)["micpulse_output_drops_total"]
	if drops == nil || drops.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Error("expected one output drop for mqtt")
	}
}

func TestHandlerScrape(t *testing.T) {
	m := New(sampleStats)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "micpulse_frames_sent_total 22") {
		t.Errorf("expected sent counter in scrape output")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("expected go runtime metrics in scrape output")
	}
}
