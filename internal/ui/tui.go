// ABOUTME: TUI initialization and control
// ABOUTME: Wraps bubbletea program for the streaming UI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Control carries user actions from the TUI back to the application
type Control struct {
	ClickMute chan bool
	Quit      chan QuitMsg
}

// NewControl creates a new control handler
func NewControl() *Control {
	return &Control{
		ClickMute: make(chan bool, 10),
		Quit:      make(chan QuitMsg, 1),
	}
}

// NewModel creates a new TUI model
func NewModel(ctrl *Control) Model {
	return Model{
		control: ctrl,
	}
}

// Run creates the TUI program; the caller starts it with p.Run()
func Run(ctrl *Control) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(ctrl), tea.WithAltScreen())
	return p, nil
}
