// ABOUTME: Bubbletea model for the streaming TUI
// ABOUTME: Defines application state and update logic
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// flashDuration is how long the pulse indicator stays lit
const flashDuration = 150 * time.Millisecond

// Model represents the TUI state
type Model struct {
	// Connection
	state      protocol.State
	serviceURL string
	sessionID  string
	rtt        time.Duration

	// Stream
	sampleRate int
	chunkMs    int
	policy     string
	level      float64

	// Stats
	captured  uint64
	sent      uint64
	dropped   uint64
	overflows uint64
	queueLen  int
	queueCap  int
	acks      uint64

	// Pulses
	pulses    uint64
	lastStyle string
	lastAtMs  int64
	flashTill time.Time

	// Controls
	clickMuted bool
	showDebug  bool
	control    *Control

	// Dimensions
	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	case PulseMsg:
		m.applyPulse(msg, time.Now())
		return m, tea.Tick(flashDuration, func(t time.Time) tea.Msg { return flashMsg(t) })
	case flashMsg:
		// Re-render clears the indicator once flashTill has passed
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderStream()
	s += m.renderPulse(time.Now())
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders connection status
func (m Model) renderHeader() string {
	status := strings.ToUpper(m.state.String()[:1]) + m.state.String()[1:]
	if m.serviceURL != "" && !m.state.Terminal() && m.state != protocol.StateDisconnected {
		status = fmt.Sprintf("%s to %s", status, m.serviceURL)
	}

	return fmt.Sprintf(`┌─ Mic Pulse ──────────────────────────────────────────┐
│ Status: %-45s │
├──────────────────────────────────────────────────────┤
`, truncate(status, 45))
}

// renderStream renders the audio stream format and input level
func (m Model) renderStream() string {
	if m.sampleRate == 0 {
		return "│ No stream                                            │\n"
	}

	return fmt.Sprintf("│ Input:  %dHz mono, %dms chunks%-18s │\n"+
		"│ Level:  [%s]%-32s │\n",
		m.sampleRate, m.chunkMs, "",
		renderBar(int(m.level*100), 100, 10), "")
}

// renderPulse renders the last pulse and the beat indicator
func (m Model) renderPulse(now time.Time) string {
	indicator := "○"
	if now.Before(m.flashTill) {
		indicator = "●"
	}

	last := "(none yet)"
	if m.pulses > 0 {
		last = fmt.Sprintf("%s at %dms", m.lastStyle, m.lastAtMs)
	}

	click := "on"
	if m.clickMuted {
		click = "muted"
	}

	return fmt.Sprintf("│                                                      │\n"+
		"│ Pulse:  %s %-43s │\n"+
		"│ Click:  %-45s │\n",
		indicator, truncate(last, 43), click)
}

// renderStats renders streaming statistics
func (m Model) renderStats() string {
	line := fmt.Sprintf("Sent: %d  Dropped: %d  Queue: %d/%d", m.sent, m.dropped, m.queueLen, m.queueCap)
	pulses := fmt.Sprintf("Pulses: %d  Overflows: %d", m.pulses, m.overflows)

	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Stats:  %-45s │
│         %-45s │
`, truncate(line, 45), truncate(pulses, 45))
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ m:Mute click  d:Debug  q:Quit                        │
└──────────────────────────────────────────────────────┘
`
}

// renderDebug renders debug information
func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Session:  %-41s │
│   Captured: %-41d │
│   Acks:     %-41d │
│   Policy:   %-41s │
│   RTT:      %-41s │
`, truncate(m.sessionID, 41), m.captured, m.acks, m.policy, m.rtt.Round(time.Microsecond))
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.control != nil {
			select {
			case m.control.Quit <- QuitMsg{}:
			default:
			}
		}
		return m, tea.Quit
	case "m":
		m.clickMuted = !m.clickMuted
		if m.control != nil {
			select {
			case m.control.ClickMute <- m.clickMuted:
			default:
			}
		}
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.State != nil {
		m.state = *msg.State
	}
	if msg.ServiceURL != "" {
		m.serviceURL = msg.ServiceURL
	}
	if msg.SessionID != "" {
		m.sessionID = msg.SessionID
	}
	if msg.SampleRate != 0 {
		m.sampleRate = msg.SampleRate
		m.chunkMs = msg.ChunkMs
	}
	if msg.Policy != "" {
		m.policy = msg.Policy
	}
	if msg.Stats != nil {
		st := msg.Stats
		m.captured = st.Captured
		m.sent = st.Sent
		m.dropped = st.Dropped
		m.overflows = st.Overflows
		m.queueLen = st.QueueLen
		m.queueCap = st.QueueCap
		m.acks = st.Acks
		m.level = st.Level
		m.rtt = st.RTT
	}
}

// applyPulse records a pulse and lights the indicator
func (m *Model) applyPulse(msg PulseMsg, now time.Time) {
	m.pulses++
	m.lastStyle = msg.Style
	m.lastAtMs = msg.AtMs
	m.flashTill = now.Add(flashDuration)
}

// StatusMsg updates TUI state
type StatusMsg struct {
	State      *protocol.State
	ServiceURL string
	SessionID  string
	SampleRate int
	ChunkMs    int
	Policy     string
	Stats      *StatsUpdate
}

// StatsUpdate carries periodic counters
type StatsUpdate struct {
	Captured  uint64
	Sent      uint64
	Dropped   uint64
	Overflows uint64
	QueueLen  int
	QueueCap  int
	Acks      uint64
	Level     float64
	RTT       time.Duration
}

// PulseMsg reports a pulse from the service
type PulseMsg struct {
	Style string
	AtMs  int64
}

// QuitMsg is sent on Control.Quit when the user quits
type QuitMsg struct{}

type flashMsg time.Time

// Utility functions
func renderBar(value, max, width int) string {
	if value > max {
		value = max
	}
	if value < 0 {
		value = 0
	}
	filled := (value * width) / max
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
