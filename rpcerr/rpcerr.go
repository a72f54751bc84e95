// Package rpcerr defines the error kinds raised by the transport and invocation layers.
//
// Every failure produced by this module matches exactly one kind under errors.Is.
// Errors returned by a remote handler are not kinds: they arrive as *message.RemoteError.
package rpcerr

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrNotConnected is returned when a connection is used before Connect.
	ErrNotConnected = errors.ConstError("not connected")

	// ErrConnectionClosed is returned to a caller whose pending call was
	// interrupted by a local or peer close.
	ErrConnectionClosed = errors.ConstError("connection closed")

	// ErrTransport wraps socket level I/O failures.
	ErrTransport = errors.ConstError("transport failure")

	// ErrTimeout is returned when a read or borrow deadline expires.
	ErrTimeout = errors.ConstError("timeout")

	// ErrCodec is returned for malformed frames and serialization failures.
	ErrCodec = errors.ConstError("codec failure")

	// ErrResolution is returned when a dispatched type or method is unknown.
	ErrResolution = errors.ConstError("resolution failure")

	// ErrPoolExhausted is returned when no connection could be borrowed in time.
	ErrPoolExhausted = errors.ConstError("pool exhausted")

	// ErrPoolClosed is returned by a pool after Close.
	ErrPoolClosed = errors.ConstError("pool closed")
)

// Wrap tags cause with kind. The result matches both kind and cause under
// errors.Is. A nil cause yields kind itself.
func Wrap(kind errors.ConstError, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Wrapf is Wrap with an annotation placed between kind and cause.
func Wrapf(kind errors.ConstError, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, cause)
}

// Kind reports which kind err belongs to, or "" if it is not one of ours.
func Kind(err error) string {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kindNames[kind]
		}
	}
	return ""
}

// FromKind returns the sentinel registered under name.
func FromKind(name string) (errors.ConstError, bool) {
	for kind, n := range kindNames {
		if n == name {
			return kind, true
		}
	}
	return "", false
}

// kinds is ordered so that specific kinds win over ErrTransport when an
// error chain carries several.
var kinds = []errors.ConstError{
	ErrNotConnected,
	ErrConnectionClosed,
	ErrTimeout,
	ErrCodec,
	ErrResolution,
	ErrPoolExhausted,
	ErrPoolClosed,
	ErrTransport,
}

var kindNames = map[errors.ConstError]string{
	ErrNotConnected:     "not-connected",
	ErrConnectionClosed: "connection-closed",
	ErrTransport:        "transport",
	ErrTimeout:          "timeout",
	ErrCodec:            "codec",
	ErrResolution:       "resolution",
	ErrPoolExhausted:    "pool-exhausted",
	ErrPoolClosed:       "pool-closed",
}
