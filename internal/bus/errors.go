package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// Kind classifies a remote bus failure for retry policy decisions.
type Kind int

const (
	// KindGeneric covers any failure not matched by a more specific kind.
	KindGeneric Kind = iota

	// KindTimeout means the method did not return within its budget.
	KindTimeout

	// KindUnknownObject means the object path is no longer valid. The
	// device is gone; callers must not retry against the same path.
	KindUnknownObject

	// KindInProgress means the remote object already has the operation in
	// flight. Callers may cancel (e.g. CancelPairing) and retry.
	KindInProgress

	// KindNotReady means the adapter or device is not ready to serve the
	// request. Not retried automatically.
	KindNotReady

	// KindNotAuthorized means the operation was rejected by the host
	// security policy or pairing agent. Not retried automatically.
	KindNotAuthorized
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnknownObject:
		return "unknown_object"
	case KindInProgress:
		return "in_progress"
	case KindNotReady:
		return "not_ready"
	case KindNotAuthorized:
		return "not_authorized"
	default:
		return "generic"
	}
}

// Error is the typed failure returned by failed Conn calls.
//
// Name carries the remote error name (e.g. "org.bluez.Error.InProgress")
// when one was supplied; Message carries the remote message text.
type Error struct {
	Kind    Kind
	Name    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("bus: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("bus: %s: %s: %s", e.Kind, e.Name, e.Message)
}

// Sentinel errors for the package.
var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("bus: connection closed")
)

// Remote error names mapped onto kinds. BlueZ reports operation state
// through org.bluez.Error.*; the bus daemon itself reports addressing
// failures through org.freedesktop.DBus.Error.*.
const (
	errNameInProgress      = "org.bluez.Error.InProgress"
	errNameNotReady        = "org.bluez.Error.NotReady"
	errNameNotAuthorized   = "org.bluez.Error.NotAuthorized"
	errNameUnknownObject   = "org.freedesktop.DBus.Error.UnknownObject"
	errNameUnknownMethod   = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameNoReply         = "org.freedesktop.DBus.Error.NoReply"
	errNameTimeoutPrefix   = "org.freedesktop.DBus.Error.Timeout"
	errNameServiceUnknown  = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNameDoesNotExist    = "org.bluez.Error.DoesNotExist"
	errNameAuthFailed      = "org.bluez.Error.AuthenticationFailed"
	errNameAuthRejected    = "org.bluez.Error.AuthenticationRejected"
	errNameAuthCanceled    = "org.bluez.Error.AuthenticationCanceled"
	errNameConnAttemptFail = "org.bluez.Error.ConnectionAttemptFailed"
)

// wrapCallError converts a raw call failure into a *Error.
//
// Context expiry maps to KindTimeout so retry loops treat a locally
// enforced deadline the same as a remote NoReply.
func wrapCallError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Message: err.Error()}
	}

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return &Error{
			Kind:    kindForName(dbusErr.Name),
			Name:    dbusErr.Name,
			Message: dbusErrorMessage(dbusErr),
		}
	}

	return &Error{Kind: KindGeneric, Message: err.Error()}
}

// kindForName maps a remote error name to a Kind.
func kindForName(name string) Kind {
	switch {
	case name == errNameInProgress:
		return KindInProgress
	case name == errNameNotReady:
		return KindNotReady
	case name == errNameNotAuthorized,
		name == errNameAuthFailed,
		name == errNameAuthRejected,
		name == errNameAuthCanceled:
		return KindNotAuthorized
	case name == errNameUnknownObject,
		name == errNameUnknownMethod,
		name == errNameServiceUnknown,
		name == errNameDoesNotExist:
		return KindUnknownObject
	case name == errNameNoReply,
		strings.HasPrefix(name, errNameTimeoutPrefix):
		return KindTimeout
	default:
		return KindGeneric
	}
}

// dbusErrorMessage extracts the human-readable message from a dbus.Error
// body, which is a list of arbitrary values by contract.
func dbusErrorMessage(err dbus.Error) string {
	if len(err.Body) == 0 {
		return ""
	}
	if s, ok := err.Body[0].(string); ok {
		return s
	}
	return fmt.Sprint(err.Body[0])
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and
// KindGeneric otherwise.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindGeneric
}

// IsUnknownObject reports whether err indicates the remote object is gone.
func IsUnknownObject(err error) bool {
	return KindOf(err) == KindUnknownObject
}

// IsInProgress reports whether err indicates an operation already in flight.
func IsInProgress(err error) bool {
	return KindOf(err) == KindInProgress
}

// IsTimeout reports whether err indicates a call that ran out of budget.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
