package rpc

import (
	"errors"
	"fmt"
)

// Code classifies a fault.
type Code string

const (
	CodeConfiguration Code = "Configuration"
	CodeConnection    Code = "Connection"
	CodeResource      Code = "Resource"
	CodeProtocol      Code = "Protocol"
	CodeNotFound      Code = "NotFound"
	CodeInternal      Code = "Internal"
)

// ErrConnection is wrapped by every error caused by failing to reach the remote side.
var ErrConnection = errors.New("connection error")

// ErrAddressInUse is returned by Listen when a live server already answers on the path.
var ErrAddressInUse = errors.New("address in use")

// Fault is an error raised by a remote handler and marshaled back to the caller.
type Fault struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %s", f.Code, f.Message)
}

func Faultf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsFault reports whether err is, or wraps, a fault with the given code.
// An error wrapping ErrConnection counts as a Connection fault.
func IsFault(err error, code Code) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code == code
	}
	return code == CodeConnection && errors.Is(err, ErrConnection)
}

// toFault converts a handler error into the fault sent on the wire.
func toFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, ErrConnection) {
		return &Fault{Code: CodeConnection, Message: err.Error()}
	}
	return &Fault{Code: CodeInternal, Message: err.Error()}
}
