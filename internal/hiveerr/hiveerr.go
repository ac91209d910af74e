// Package hiveerr defines the error kinds raised by the hive client
// components. Each kind is a small concrete type so callers can match
// with errors.As instead of comparing strings.
package hiveerr

import (
	"fmt"
	"time"
)

// TransportClosedError is returned when a send is attempted after the
// transport has been closed.
type TransportClosedError struct{}

func (e *TransportClosedError) Error() string {
	return "hivemind: transport closed"
}

// NotStartedError is returned when Emit is called before the transport's
// receive loop has been started.
type NotStartedError struct{}

func (e *NotStartedError) Error() string {
	return "hivemind: must start transport before emitting"
}

// EncryptionKeyError wraps an AEAD or key-derivation failure.
type EncryptionKeyError struct {
	Cause error
}

func (e *EncryptionKeyError) Error() string {
	return fmt.Sprintf("hivemind: encryption key error: %v", e.Cause)
}

func (e *EncryptionKeyError) Unwrap() error { return e.Cause }

// DecodeError wraps an invalid JSON or bit-layout failure while parsing
// a received frame.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("hivemind: decode error: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// ProtocolViolationError marks a frame that is well-formed but illegal
// for a slave to receive (e.g. ESCALATE, or a HELLO from an unbound node).
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("hivemind: protocol violation: %s", e.Reason)
}

// HandshakeTimeoutError is returned when no HELLO arrives before the
// connect deadline.
type HandshakeTimeoutError struct {
	Waited time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("hivemind: handshake timeout after %s", e.Waited)
}

// HandlerError wraps a panic or error raised by a user-registered
// dispatcher handler. It is always logged, never propagated to other
// handlers of the same event.
type HandlerError struct {
	Event string
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("hivemind: handler for %q failed: %v", e.Event, e.Cause)
}

func (e *HandlerError) Unwrap() error { return e.Cause }
