package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failure so callers can branch on it instead of on message text.
type ErrorKind string

const (
	KindPermissionDenied       ErrorKind = "permission_denied"
	KindRadioDisabled          ErrorKind = "radio_disabled"
	KindTimeout                ErrorKind = "timeout"
	KindLinkError              ErrorKind = "link_error"
	KindPeerDisconnected       ErrorKind = "peer_disconnected"
	KindScanFailed             ErrorKind = "scan_failed"
	KindCharacteristicNotFound ErrorKind = "characteristic_not_found"
	KindInvalidState           ErrorKind = "invalid_state"
	KindLinkClosed             ErrorKind = "link_closed"
)

// Error is the single error type surfaced by the connection, scan and facade layers.
type Error struct {
	Kind   ErrorKind
	Msg    string
	Status Status // transport status, StatusSuccess when the failure did not come from a callback
	Err    error  // underlying cause, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Status != StatusSuccess {
		fmt.Fprintf(&b, " (status %s)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors, one per kind. Compare with errors.Is.
var (
	ErrPermissionDenied       = &Error{Kind: KindPermissionDenied}
	ErrRadioDisabled          = &Error{Kind: KindRadioDisabled}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrLinkError              = &Error{Kind: KindLinkError}
	ErrPeerDisconnected       = &Error{Kind: KindPeerDisconnected}
	ErrScanFailed             = &Error{Kind: KindScanFailed}
	ErrCharacteristicNotFound = &Error{Kind: KindCharacteristicNotFound}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrLinkClosed             = &Error{Kind: KindLinkClosed}
)

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NewStatusError builds an Error carrying the transport status that caused it.
func NewStatusError(kind ErrorKind, status Status, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Status: status}
}

// WrapError attaches a kind to an underlying cause.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NormalizeError maps known radio stack error strings to kinded errors.
// Errors that are already kinded, and unknown errors, are returned as LinkError
// wrappers so every transport failure carries a kind.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "have=4"), containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		return WrapError(KindRadioDisabled, err, "bluetooth is turned off")
	case containsIgnoreCase(msg, "not authorized"), containsIgnoreCase(msg, "permission"):
		return WrapError(KindPermissionDenied, err, "")
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "deadline exceeded"):
		return WrapError(KindTimeout, err, "")
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return WrapError(KindPeerDisconnected, err, "")
	default:
		return WrapError(KindLinkError, err, "")
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
