// Package apperr defines the failure taxonomy returned by every command in the
// settlement core. Callers branch on Kind; the Reason is human readable.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthorization     Kind = "authorization"
	KindNotFound          Kind = "not_found"
	KindStateConflict     Kind = "state_conflict"
	KindRailVerification  Kind = "rail_verification"
	KindInsufficientStake Kind = "insufficient_stake"
	KindInternal          Kind = "internal"
)

// Error is a typed command failure.
type Error struct {
	Kind   Kind
	Reason string
	// Retryable is only meaningful for KindRailVerification: true when the rail
	// was unreachable or timed out, false for a permanent amount mismatch.
	Retryable bool
	Err       error
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrStateConflict     = &Error{Kind: KindStateConflict}
	ErrRailVerification  = &Error{Kind: KindRailVerification}
	ErrInsufficientStake = &Error{Kind: KindInsufficientStake}
	ErrInternal          = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.ErrNotFound)
// works regardless of the reason text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

func StateConflict(format string, args ...any) *Error {
	return newf(KindStateConflict, format, args...)
}

func InsufficientStake(format string, args ...any) *Error {
	return newf(KindInsufficientStake, format, args...)
}

// RailTransient reports a rail failure that may succeed on retry.
func RailTransient(err error, format string, args ...any) *Error {
	e := newf(KindRailVerification, format, args...)
	e.Retryable = true
	e.Err = err
	return e
}

// RailPermanent reports a rail failure that will not change on retry, such as
// an amount mismatch.
func RailPermanent(format string, args ...any) *Error {
	return newf(KindRailVerification, format, args...)
}

// Internal wraps an unexpected failure. Storage errors end up here.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or KindInternal when err is not typed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Wrap converts an untyped error into an Internal error, leaving typed errors
// untouched.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(err, "%s", op)
}

// IsRetryable reports whether err is a transient rail failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRailVerification && e.Retryable
}
