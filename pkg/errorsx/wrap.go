package errorsx

import (
	"errors"
	"fmt"
	"log/slog"
)

// ReasonedError carries a reason code alongside the underlying error.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Is lets callers match on a bare reason: errors.Is(err, ReasonModelLoad).
func (e ReasonedError) Is(target error) bool {
	rc, ok := target.(ReasonCode)
	return ok && rc == e.Reason
}

// Error makes a ReasonCode usable as an errors.Is target.
func (r ReasonCode) Error() string { return string(r) }

// Attr is the structured log attribute for the reason.
func (r ReasonCode) Attr() slog.Attr { return slog.String("reason_code", string(r)) }

// Wrap attaches reason to err. The innermost reason wins, so wrapping twice
// keeps the first classification.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

func New(reason ReasonCode, msg string) error {
	return ReasonedError{Err: errors.New(msg), Reason: reason}
}

// Errorf formats like fmt.Errorf, so %w chains stay intact.
func Errorf(reason ReasonCode, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), reason)
}

func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// Attr returns the reason_code log attribute for err.
func Attr(err error) slog.Attr {
	return Reason(err).Attr()
}
