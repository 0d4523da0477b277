package audio

import (
	"errors"
	"fmt"
)

var (
	errTransportClosed  = errors.New("transport is closed")
	errAlreadyCapturing = errors.New("capture already active")
)

// ErrorKind classifies audio transport failures.
type ErrorKind int

const (
	// ErrEngineInit means the PortAudio runtime or a device stream could not
	// be initialised.
	ErrEngineInit ErrorKind = iota

	// ErrInputUnavailable means no usable input device was found.
	ErrInputUnavailable

	// ErrFormatUnsupported means the device rejected the requested sample
	// format or rate.
	ErrFormatUnsupported

	// ErrConverterUnavailable means sample-rate conversion to the wire format
	// could not be performed.
	ErrConverterUnavailable
)

// String returns the human-readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrEngineInit:
		return "engine init failed"
	case ErrInputUnavailable:
		return "input unavailable"
	case ErrFormatUnsupported:
		return "format unsupported"
	case ErrConverterUnavailable:
		return "converter unavailable"
	default:
		return "unknown"
	}
}

// Error is the error type returned by all [Transport] operations. Use
// errors.As to recover the [ErrorKind] for failure-specific handling.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("audio: %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
