package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies bridge failures. The dispatcher uses it to decide whether
// an ERROR frame closes the connection.
type Kind int

const (
	KindProtocol Kind = iota
	KindNotConnected
	KindSessionState
	KindProvider
	KindUnrecoverableAck
	KindResourceExhausted
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindNotConnected:
		return "not-connected"
	case KindSessionState:
		return "session-state"
	case KindProvider:
		return "provider"
	case KindUnrecoverableAck:
		return "unrecoverable-ack"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindNotImplemented:
		return "not-implemented"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Fatal reports whether errors of this kind end the connection.
func (k Kind) Fatal() bool {
	return k == KindUnrecoverableAck || k == KindResourceExhausted
}

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func protocolError(format string, args ...any) *Error {
	return newError(KindProtocol, nil, format, args...)
}

func stateError(format string, args ...any) *Error {
	return newError(KindSessionState, nil, format, args...)
}

func providerError(cause error, format string, args ...any) *Error {
	return newError(KindProvider, cause, format, args...)
}

// ProtocolErrorf reports a malformed or unsupported client request.
func ProtocolErrorf(format string, args ...any) error {
	return protocolError(format, args...)
}

// Exhausted marks a failure caused by a resource limit. It is fatal.
func Exhausted(cause error) error {
	return newError(KindResourceExhausted, cause, "resource exhausted")
}

var (
	ErrNotConnected     = &Error{Kind: KindNotConnected, Message: "not connected"}
	ErrAlreadyConnected = &Error{Kind: KindSessionState, Message: "already connected"}
	ErrNackUnsupported  = &Error{Kind: KindNotImplemented, Message: "NACK is not implemented"}
	// ErrOutputClosed is returned by output sinks once the client channel is gone.
	ErrOutputClosed = errors.New("output channel closed")
)

// KindOf returns the kind of the first bridge error in the chain. Errors
// without one are treated as provider failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProvider
}

// IsKind reports whether the chain holds a bridge error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
