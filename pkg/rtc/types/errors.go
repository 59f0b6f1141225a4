package types

import (
	"errors"
	"fmt"
)

var (
	ErrTrackInvalid     = errors.New("a track with the same ID has already been published")
	ErrPublishTimeout   = errors.New("publication of local track timed out, no response from server")
	ErrPublishCancelled = errors.New("publication cancelled by unpublish")
	ErrEngineClosed     = errors.New("engine is closed")
	ErrNoPublisher      = errors.New("publisher transport is not available")
	ErrNoDataChannel    = errors.New("data channel is not available")
)

type ConnectionErrorReason int

const (
	ConnectionErrorNotAllowed ConnectionErrorReason = iota
	ConnectionErrorServerUnreachable
	ConnectionErrorInternal
	ConnectionErrorCancelled
	ConnectionErrorLeaveRequest
	ConnectionErrorTimeout
)

func (r ConnectionErrorReason) String() string {
	switch r {
	case ConnectionErrorNotAllowed:
		return "NotAllowed"
	case ConnectionErrorServerUnreachable:
		return "ServerUnreachable"
	case ConnectionErrorInternal:
		return "InternalError"
	case ConnectionErrorCancelled:
		return "Cancelled"
	case ConnectionErrorLeaveRequest:
		return "LeaveRequest"
	case ConnectionErrorTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

// ConnectionError is returned by connection attempts. Status carries the HTTP status
// of the failed handshake when one was observed.
type ConnectionError struct {
	Reason ConnectionErrorReason
	Status int
	Msg    string
	Err    error
}

func NewConnectionError(reason ConnectionErrorReason, msg string, err error) *ConnectionError {
	return &ConnectionError{Reason: reason, Msg: msg, Err: err}
}

func (e *ConnectionError) Error() string {
	s := fmt.Sprintf("connection error (%s): %s", e.Reason, e.Msg)
	if e.Status != 0 {
		s = fmt.Sprintf("%s, status: %d", s, e.Status)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable is false for credential rejections and caller cancellations.
func (e *ConnectionError) IsRetryable() bool {
	return e.Reason != ConnectionErrorNotAllowed && e.Reason != ConnectionErrorCancelled
}

// NegotiationError marks a failed offer/answer exchange. It biases the next
// reconnect attempt towards a full reconnect.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	if e.Err == nil {
		return "negotiation failed"
	}
	return fmt.Sprintf("negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// UnexpectedStateError is an operation attempted against a closed or missing
// transport or engine. It is never retried.
type UnexpectedStateError struct {
	Msg string
}

func (e *UnexpectedStateError) Error() string {
	return "unexpected connection state: " + e.Msg
}

// SignalReconnectError means the signal connection could not be re-established
// during a reconnect attempt. Unlike other failures it does not force a full reconnect.
type SignalReconnectError struct {
	Err error
}

func (e *SignalReconnectError) Error() string {
	if e.Err == nil {
		return "signal reconnect failed"
	}
	return fmt.Sprintf("signal reconnect failed: %v", e.Err)
}

func (e *SignalReconnectError) Unwrap() error {
	return e.Err
}

func IsConnectionErrorReason(err error, reason ConnectionErrorReason) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Reason == reason
	}
	return false
}
