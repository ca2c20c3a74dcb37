package errorsx

import (
	"errors"
	"fmt"
)

// Error carries a reason code alongside the underlying error.
type Error struct {
	Err    error
	Reason ReasonCode
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches reason to err. The innermost reason wins, so a ledger
// failure surfacing through the finalizer keeps its persistence code.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Err: err, Reason: reason}
}

// Wrapf formats an error (honouring %w) and attaches reason.
func Wrapf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

// Reason returns the innermost reason code, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re *Error
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Permanent reports whether retrying the failed operation cannot help.
func Permanent(err error) bool {
	switch Reason(err) {
	case ReasonSessionNotFound, ReasonInvalidTransition, ReasonUploadRejected,
		ReasonPermissionDenied, ReasonSourceUnavailable:
		return true
	}
	return false
}
