// ABOUTME: Connection lifecycle states
// ABOUTME: Disconnected through Closed, with Failed as the error exit
package protocol

// State is the connection lifecycle position
type State int32

const (
	StateDisconnected State = iota
	StateConnecting         // transport open, config not yet sent
	StateConfigSent
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConfigSent:
		return "config-sent"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal reports whether the state ends the session
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanSend reports whether frames may be sent in this state
func (s State) CanSend() bool {
	return s == StateConfigSent || s == StateStreaming
}
