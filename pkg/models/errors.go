package models

import (
	"errors"
	"fmt"
)

// Kind classifies an error at a component's public boundary. The
// gateway maps kinds to the stable user-facing envelope; everything
// else propagates them unchanged.
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindNotFound           Kind = "NOT_FOUND"
	KindPrecondition       Kind = "PRECONDITION"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindInternal           Kind = "INTERNAL"
)

// Error carries a kind and a message. The message is internal text and
// must never reach the user-facing envelope.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by kind, so that
// errors.Is(err, models.Errf(models.KindNotFound, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Errf builds a kinded error.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, defaulting to INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
