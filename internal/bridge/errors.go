package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/fault"
)

// Error names of the bus daemon and the services we talk to
const (
	errServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errNoReply          = "org.freedesktop.DBus.Error.NoReply"
	errDisconnected     = "org.freedesktop.DBus.Error.Disconnected"
	errTimeout          = "org.freedesktop.DBus.Error.Timeout"
	errTimedOut         = "org.freedesktop.DBus.Error.TimedOut"
	errAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	errInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	errUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	errUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	errUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	errPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	errNotSupported     = "org.freedesktop.DBus.Error.NotSupported"
)

// External vocabularies mapped onto our own. Anything not listed here and
// not carrying our prefix is an InternalError.
var externalCodes = map[string]fault.Code{
	errAccessDenied:     fault.PermissionDenied,
	errInvalidArgs:      fault.InvalidArgument,
	errUnknownMethod:    fault.UnsupportedFeature,
	errUnknownInterface: fault.UnsupportedFeature,
	errUnknownProperty:  fault.UnsupportedFeature,
	errNotSupported:     fault.UnsupportedFeature,
	errPropertyReadOnly: fault.InvalidArgument,
	errUnknownObject:    fault.HardwareFault,

	"org.freedesktop.PolicyKit1.Error.NotAuthorized": fault.PermissionDenied,

	"org.bluez.Error.NotAuthorized":    fault.PermissionDenied,
	"org.bluez.Error.InvalidArguments": fault.InvalidArgument,
	"org.bluez.Error.NotSupported":     fault.UnsupportedFeature,
	"org.bluez.Error.InProgress":       fault.OperationConflict,
	"org.bluez.Error.Busy":             fault.OperationConflict,
	"org.bluez.Error.NotReady":         fault.HardwareFault,
	"org.bluez.Error.Failed":           fault.HardwareFault,

	"org.freedesktop.UDisks2.Error.NotAuthorized":            fault.PermissionDenied,
	"org.freedesktop.UDisks2.Error.NotAuthorizedCanObtain":   fault.PermissionDenied,
	"org.freedesktop.UDisks2.Error.NotAuthorizedDismissed":   fault.PermissionDenied,
	"org.freedesktop.UDisks2.Error.DeviceBusy":               fault.OperationConflict,
	"org.freedesktop.UDisks2.Error.AlreadyMounted":           fault.OperationConflict,
	"org.freedesktop.UDisks2.Error.NotSupported":             fault.UnsupportedFeature,
	"org.freedesktop.UDisks2.Error.Failed":                   fault.HardwareFault,
	"org.freedesktop.UDisks2.Error.Timedout":                 fault.TransportFailure,
	"org.freedesktop.UDisks2.Error.OptionNotPermitted":       fault.InvalidArgument,
	"org.freedesktop.UDisks2.Error.WouldWakeup":              fault.OperationConflict,
	"org.freedesktop.login1.NoSuchSession":                   fault.InvalidArgument,
	"org.freedesktop.systemd1.NoSuchUnit":                    fault.UnsupportedFeature,
	"org.freedesktop.DBus.Error.Spawn.ServiceNotFound":       fault.TransportFailure,
	"org.freedesktop.DBus.Error.Spawn.ChildExited":           fault.TransportFailure,
	"org.freedesktop.DBus.Error.LimitsExceeded":              fault.OperationConflict,
	"org.freedesktop.DBus.Error.InteractiveAuthorizationReq": fault.PermissionDenied,
}

// errNotConnected marks a failure to (re)establish the bus connection
var errNotConnected = errors.New("not connected")

// remoteError extracts the D-Bus error name and message. godbus hands out
// both dbus.Error values and pointers.
func remoteError(err error) (name, message string, ok bool) {
	var body []interface{}
	var ptr *dbus.Error
	var val dbus.Error
	switch {
	case errors.As(err, &ptr) && ptr != nil:
		name, body = ptr.Name, ptr.Body
	case errors.As(err, &val):
		name, body = val.Name, val.Body
	default:
		return "", "", false
	}
	if len(body) > 0 {
		if s, isString := body[0].(string); isString {
			message = s
		}
	}
	return name, message, true
}

// connectionLost reports whether err means the connection itself is gone and
// must be re-established before the next attempt.
func connectionLost(err error) bool {
	if errors.Is(err, dbus.ErrClosed) || errors.Is(err, errNotConnected) ||
		errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	name, _, _ := remoteError(err)
	return name == errDisconnected
}

// transient reports whether a failed call may be repeated. NoReply and
// timeouts leave it open whether the call took effect, so they only count
// for calls that are safe to repeat.
func transient(err error, idempotent bool) bool {
	if connectionLost(err) {
		return true
	}
	name, _, ok := remoteError(err)
	if !ok {
		return false
	}
	switch name {
	case errServiceUnknown, errNameHasNoOwner, "org.freedesktop.DBus.Error.Spawn.ServiceNotFound":
		return true
	case errNoReply, errTimeout, errTimedOut:
		return idempotent
	}
	return false
}

// Translate maps a remote error onto the client-visible taxonomy. Our own
// error names keep their code and message, external names are mapped by
// table and anything unrecognized becomes InternalError.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || connectionLost(err) {
		return fault.Wrap(fault.TransportFailure, err, "bus call abandoned")
	}

	name, message, ok := remoteError(err)
	if !ok {
		return fault.Wrap(fault.InternalError, err, "unexpected failure")
	}
	if message == "" {
		message = name
	}
	if strings.HasPrefix(name, fault.ErrorPrefix) {
		code, _ := fault.FromName(name)
		return &fault.Error{Code: code, Message: message, Err: err}
	}
	if code, known := externalCodes[name]; known {
		return &fault.Error{Code: code, Message: message, Err: err}
	}
	switch name {
	case errServiceUnknown, errNameHasNoOwner, errNoReply, errTimeout, errTimedOut:
		return &fault.Error{Code: fault.TransportFailure, Message: message, Err: err}
	}
	return &fault.Error{Code: fault.InternalError, Message: message, Err: err}
}
