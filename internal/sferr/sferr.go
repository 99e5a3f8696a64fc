// Package sferr defines the error taxonomy shared by every layer of the
// core: link, circuit, fiber demultiplexer, router and the copy
// microservice all raise one of these codes, and upper layers pass the
// code through unchanged; only the outermost surface renders a message.
package sferr

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Code is a taxonomy kind that crosses layer boundaries. Unlike an HTTP
// status or a raw errno, a Code is stable across the whole stack: a
// fiber read failure and a router selector miss can both surface
// CodeNotConnected and a caller only needs to check once.
type Code int

const (
	CodeUnknown Code = iota
	CodeAddressNotAvailable
	CodeAddressInUse
	CodeBrokenPipe
	CodeBufferFull
	CodeNotConnected
	CodeOperationCanceled
	CodeProtocolNotSupported
	CodeDestinationAddressRequired
	CodeWrongProtocolType
)

func (c Code) String() string {
	switch c {
	case CodeAddressNotAvailable:
		return "address_not_available"
	case CodeAddressInUse:
		return "address_in_use"
	case CodeBrokenPipe:
		return "broken_pipe"
	case CodeBufferFull:
		return "buffer_full"
	case CodeNotConnected:
		return "not_connected"
	case CodeOperationCanceled:
		return "operation_canceled"
	case CodeProtocolNotSupported:
		return "protocol_not_supported"
	case CodeDestinationAddressRequired:
		return "destination_address_required"
	case CodeWrongProtocolType:
		return "wrong_protocol_type"
	default:
		return "unknown"
	}
}

// Error carries a taxonomy Code and a message (for Wrap, the wrapped
// error's text); the wrapped error value itself is not kept. It is
// always produced already wrapped in a trace.Trace by New/Wrap, so
// trace.DebugReport(err) still renders the call site.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// New builds a Code-tagged error with a formatted message, traced at the
// call site.
func New(code Code, format string, args ...interface{}) error {
	return trace.Wrap(&Error{Code: code, msg: fmt.Sprintf(format, args...)})
}

// Wrap re-tags an existing error with a Code, keeping its text as the
// message. The original error value is not retained, so errors.Is and
// errors.As against it do not match the result.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	return trace.Wrap(&Error{Code: code, msg: err.Error()})
}

// Is reports whether err (or any error it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var sfErr *Error
	return trace.Unwrap(err) != nil && asCode(err, &sfErr) && sfErr.Code == code
}

func asCode(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// GetCode extracts the Code carried by err, or CodeUnknown if none.
func GetCode(err error) Code {
	var sfErr *Error
	if asCode(err, &sfErr) {
		return sfErr.Code
	}
	return CodeUnknown
}
