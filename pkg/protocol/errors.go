// ABOUTME: Error types for the protocol client
// ABOUTME: ConnectionError marks fatal session failures
package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when an operation is not allowed in the
// current connection state
var ErrInvalidState = errors.New("invalid connection state")

// ConnectionError is a transport failure that ends the session: dial,
// send, receive or keep-alive timeout
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is or wraps a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
