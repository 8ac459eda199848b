// ABOUTME: Console output printing one line per pulse
// ABOUTME: Used in stream-logs mode where no TUI owns the terminal
package haptics

import (
	"fmt"
	"io"
	"sync"

	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// Console writes pulses as text lines
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console output writing to w
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Name returns the output name
func (c *Console) Name() string {
	return "console"
}

// Emit prints the pulse
func (c *Console) Emit(p protocol.Pulse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "PULSE %s at %d\n", p.Style, p.AtMs)
	return err
}

// Close is a no-op
func (c *Console) Close() error {
	return nil
}
