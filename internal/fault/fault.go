// Package fault defines the stable error taxonomy clients see, regardless of
// which internal component actually failed.
package fault

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Code classifies a client-visible failure
type Code int

const (
	InternalError Code = iota
	UnsupportedFeature
	InvalidArgument
	PermissionDenied
	OperationConflict
	OperationAlreadyTerminal
	HardwareFault
	TransportFailure
)

// ErrorPrefix is prepended to every code to form its D-Bus error name
const ErrorPrefix = "dev.olrik.Steward1.Error."

var codeNames = map[Code]string{
	InternalError:            "InternalError",
	UnsupportedFeature:       "UnsupportedFeature",
	InvalidArgument:          "InvalidArgument",
	PermissionDenied:         "PermissionDenied",
	OperationConflict:        "OperationConflict",
	OperationAlreadyTerminal: "OperationAlreadyTerminal",
	HardwareFault:            "HardwareFault",
	TransportFailure:         "TransportFailure",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// DBusName returns the D-Bus error name for c
func (c Code) DBusName() string {
	return ErrorPrefix + c.String()
}

// Error is a classified failure. Message is what clients see, Err keeps the
// underlying cause for logs and errors.Is.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so callers can compare against the
// sentinel values below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// Sentinels for errors.Is checks
var (
	ErrInternal         = &Error{Code: InternalError}
	ErrUnsupported      = &Error{Code: UnsupportedFeature}
	ErrInvalidArgument  = &Error{Code: InvalidArgument}
	ErrPermissionDenied = &Error{Code: PermissionDenied}
	ErrConflict         = &Error{Code: OperationConflict}
	ErrAlreadyTerminal  = &Error{Code: OperationAlreadyTerminal}
	ErrHardware         = &Error{Code: HardwareFault}
	ErrTransport        = &Error{Code: TransportFailure}
)

// New creates a classified error with a formatted message
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. If err already carries a code it is kept as is.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code of err, unclassified errors are InternalError
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return InternalError
}

// MessageOf returns the client-facing message of err
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return fe.Code.String()
	}
	return err.Error()
}

// ToDBus converts err into the reply godbus sends to the caller
func ToDBus(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(CodeOf(err).DBusName(), []interface{}{MessageOf(err)})
}

// FromName maps a D-Bus error name from our own vocabulary back to a code.
// The second result is false for names outside it.
func FromName(name string) (Code, bool) {
	for code, n := range codeNames {
		if ErrorPrefix+n == name {
			return code, true
		}
	}
	return InternalError, false
}
