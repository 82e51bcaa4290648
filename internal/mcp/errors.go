package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the subsystem. Callers match with errors.Is.
var (
	// ErrNotConnected is returned when an operation requires an
	// established connection and the client does not have one.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionClosed is returned to pending requests when their
	// session is closed underneath them.
	ErrSessionClosed = errors.New("session closed")

	// ErrToolNotFound is returned when a namespaced tool name does not
	// resolve to any connected server.
	ErrToolNotFound = errors.New("tool not found")

	// ErrAlreadyRegistered is returned when a client is registered
	// under a key that is already taken.
	ErrAlreadyRegistered = errors.New("client already registered")
)

// TimeoutError is returned when a request receives no response within
// the session's configured timeout. It names the method so callers can
// tell which call expired.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.Method, e.After)
}
