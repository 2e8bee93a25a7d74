package rdmamig

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/glelouet/rdmamig/internal/session"
)

// Error represents a structured transport error with context and errno
// mapping.
type Error struct {
	Op    string    // operation that failed (e.g. "CONNECT", "SAVE_PAGE")
	Kind  ErrorKind // high-level error category
	Errno syscall.Errno
	Msg   string // human-readable message
	Inner error  // wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("rdmamig: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("rdmamig: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error kind
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// ErrorKind represents high-level error categories
type ErrorKind string

const (
	// ErrKindConfig is a bad address, port, or option.
	ErrKindConfig ErrorKind = "configuration error"

	// ErrKindTransport is a CM or verbs failure, or an unexpected CM event.
	ErrKindTransport ErrorKind = "transport error"

	// ErrKindProtocol is a bad version, wrong message type, or size
	// mismatch during directory reconciliation.
	ErrKindProtocol ErrorKind = "protocol error"

	// ErrKindCompletion is a work completion with non-success status.
	ErrKindCompletion ErrorKind = "completion error"

	// ErrKindCapacity is a full send queue. Recovered inside the write
	// engine; surfacing here means the recovery itself failed.
	ErrKindCapacity ErrorKind = "capacity error"

	// ErrKindFatal is everything else.
	ErrKindFatal ErrorKind = "fatal error"
)

func kindFromSession(k session.Kind) ErrorKind {
	switch k {
	case session.KindConfig:
		return ErrKindConfig
	case session.KindTransport:
		return ErrKindTransport
	case session.KindProtocol:
		return ErrKindProtocol
	case session.KindCompletion:
		return ErrKindCompletion
	case session.KindCapacity:
		return ErrKindCapacity
	default:
		return ErrKindFatal
	}
}

// NewError creates a new structured error
func NewError(op string, kind ErrorKind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// WrapError wraps an existing error with transport context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// Keep the original classification when re-wrapping.
	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Kind:  te.Kind,
			Errno: te.Errno,
			Msg:   te.Msg,
			Inner: te.Inner,
		}
	}

	e := &Error{
		Op:    op,
		Kind:  kindFromSession(session.KindOf(inner)),
		Msg:   inner.Error(),
		Inner: inner,
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		e.Errno = errno
	}
	return e
}

// IsKind checks if an error matches a specific error kind
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Errno == errno
	}
	return false
}
