package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies every error the aggregator surfaces. Per-request
// kinds are returned verbatim to callers as MCP errors; backend-local
// kinds (Transport, Protocol) stay internal and only show up through the
// status and check admin tools.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindTransport
	KindProtocol
	KindCollision
	KindNotFound
	KindCancelled
	KindTimeout
	KindAuth
	KindReadOnly
)

// String makes ErrorKind satisfy the fmt.Stringer interface.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindCollision:
		return "CollisionError"
	case KindNotFound:
		return "NotFoundError"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	case KindAuth:
		return "AuthError"
	case KindReadOnly:
		return "ReadOnlyError"
	default:
		return "UnknownError"
	}
}

// Error is a classified error. It wraps an optional cause and matches the
// sentinel of its kind under errors.Is, so callers can test
// errors.Is(err, api.ErrNotFound) without knowing the concrete message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is matching. Never returned directly; compare only.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrCollision  = &Error{Kind: KindCollision}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrCancelled  = &Error{Kind: KindCancelled}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrReadOnly   = &Error{Kind: KindReadOnly}
)

// Validationf creates a ValidationError.
func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transportf creates a TransportError wrapping cause.
func Transportf(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Protocolf creates a ProtocolError wrapping cause.
func Protocolf(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Collisionf creates a CollisionError.
func Collisionf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindCollision, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a NotFoundError.
func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Cancelledf creates a Cancelled error.
func Cancelledf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindCancelled, Message: fmt.Sprintf(format, args...)}
}

// Timeoutf creates a Timeout error.
func Timeoutf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Authf creates an AuthError.
func Authf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

// ReadOnlyf creates a ReadOnlyError.
func ReadOnlyf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindReadOnly, Message: fmt.Sprintf(format, args...)}
}

// FromContext converts a context error into the corresponding classified
// error. Returns nil when the context has not ended.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.Canceled:
		return Cancelledf("request cancelled")
	case context.DeadlineExceeded:
		return Timeoutf("deadline exceeded")
	default:
		return nil
	}
}

// KindOf extracts the classification of err, if it carries one.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
