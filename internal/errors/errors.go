// Package errors provides the error taxonomy shared by the idle detectors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrDisposed          = errors.New("already disposed")
	ErrBridgeUnavailable = errors.New("client bridge unavailable")
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrTimeout           = errors.New("operation timed out")
)

// SubscriberError wraps a failure raised by an expiry subscriber.
// Handler names the subscriber kind ("sync", "async", "expire").
type SubscriberError struct {
	Handler string
	Err     error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("%s subscriber failed: %v", e.Handler, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// NewSubscriberError wraps err as a failure of the named subscriber.
func NewSubscriberError(handler string, err error) *SubscriberError {
	return &SubscriberError{Handler: handler, Err: err}
}

// Recovered converts a recovered panic value into a SubscriberError.
func Recovered(handler string, r any) *SubscriberError {
	if err, ok := r.(error); ok {
		return &SubscriberError{Handler: handler, Err: err}
	}
	return &SubscriberError{Handler: handler, Err: fmt.Errorf("panic: %v", r)}
}

// RemoteError is an error reported by the peer on the other side of the
// client bridge.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Is maps well-known remote codes onto local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case "NOT_FOUND":
		return target == ErrNotFound
	case "DISCONNECTED":
		return target == ErrBridgeUnavailable
	}
	return false
}

// Invalidf returns an ErrInvalidConfig carrying a formatted detail.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// IsRetryable returns true if the operation may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBridgeUnavailable)
}
