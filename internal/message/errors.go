// ABOUTME: Error taxonomy shared across the bus boundary.
// ABOUTME: Maps Go errors to Error reply codes and back.

package message

import (
	"errors"
	"fmt"
)

// ErrValidation indicates a payload failed validation at construction.
var ErrValidation = errors.New("invalid message")

// ErrProtocol indicates an unknown discriminator or a request answered by
// something other than a response.
var ErrProtocol = errors.New("protocol error")

// ErrConflict indicates the request collides with existing state.
var ErrConflict = errors.New("conflict")

// ErrNotFound indicates the request names something that does not exist.
var ErrNotFound = errors.New("not found")

// ErrTimeout indicates no reply arrived in time.
var ErrTimeout = errors.New("request timed out")

// ErrAlreadyResponded is returned when a request is answered twice.
var ErrAlreadyResponded = errors.New("request already answered")

// Error reply codes.
const (
	CodeValidation = "validation"
	CodeProtocol   = "protocol"
	CodeConflict   = "conflict"
	CodeNotFound   = "not_found"
	CodeTimeout    = "timeout"
	CodeInternal   = "internal"
)

// ValidationError describes why a payload was rejected.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RemoteError is an Error reply surfaced as a Go error on the requesting side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

// codeSentinels maps Error reply codes back onto the local taxonomy.
var codeSentinels = map[string]error{
	CodeValidation: ErrValidation,
	CodeProtocol:   ErrProtocol,
	CodeConflict:   ErrConflict,
	CodeNotFound:   ErrNotFound,
	CodeTimeout:    ErrTimeout,
}

// Is reports whether target is, or wraps, the sentinel for the remote code,
// so errors.Is(err, store.ErrNotFound) holds for a not_found reply.
func (e *RemoteError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && errors.Is(target, sentinel)
}

// AsError converts an Error reply into a *RemoteError and returns nil for
// any other message.
func AsError(m *Message) error {
	if m == nil {
		return nil
	}
	if p, ok := m.Data.(*Error); ok {
		return &RemoteError{Code: p.Code, Message: p.Message}
	}
	return nil
}
