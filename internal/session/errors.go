package session

import (
	"errors"
	"fmt"
)

// Kind sorts session failures into the categories the public API reports.
type Kind int

const (
	KindFatal Kind = iota
	KindConfig
	KindTransport
	KindProtocol
	KindCompletion
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCompletion:
		return "completion"
	case KindCapacity:
		return "capacity"
	default:
		return "fatal"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// errOf builds a classified error.
func errOf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// wrapKind classifies an existing error, keeping the innermost class when
// one was already assigned.
func wrapKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// KindOf reports the class of a session error, KindFatal when untagged.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindFatal
}
