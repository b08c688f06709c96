package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a core error. The kind decides how the error is
// reported: every kind except KindPersistence may be shown to the client.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindPermission      ErrorKind = "permission_denied"
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindPersistence     ErrorKind = "persistence"
)

// Kind sentinels so callers can write errors.Is(err, core.ErrNotFound).
var (
	ErrValidation      = &Error{Kind: KindValidation, Reason: "validation_failed"}
	ErrNotFound        = &Error{Kind: KindNotFound, Reason: "not_found"}
	ErrPermission      = &Error{Kind: KindPermission, Reason: "permission_denied"}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Reason: "unauthenticated"}
	ErrPersistence     = &Error{Kind: KindPersistence, Reason: "internal_error"}
)

type Error struct {
	Kind ErrorKind
	// Reason is a short machine-readable code sent to clients.
	Reason string
	msg    string
	cause  error
}

func NewValidationError(reason, msg string) *Error {
	return &Error{Kind: KindValidation, Reason: reason, msg: msg}
}

func NewNotFoundError(reason, msg string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, msg: msg}
}

func NewPermissionError(reason, msg string) *Error {
	return &Error{Kind: KindPermission, Reason: reason, msg: msg}
}

func NewUnauthenticatedError(msg string) *Error {
	return &Error{Kind: KindUnauthenticated, Reason: "unauthenticated", msg: msg}
}

// NewPersistenceError wraps a storage failure. The cause is kept for logging
// and is never sent to clients.
func NewPersistenceError(op string, cause error) *Error {
	return &Error{Kind: KindPersistence, Reason: "internal_error", msg: op, cause: cause}
}

func (e *Error) Error() string {
	msg := e.msg
	if msg == "" {
		msg = e.Reason
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Message is the client facing description of the error.
func (e *Error) Message() string {
	if e.Kind == KindPersistence {
		return "something went wrong, please try again"
	}
	if e.msg == "" {
		return e.Reason
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors of the same kind so the sentinels above can be used
// with errors.Is regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// AsError extracts a core error from err. Errors that are not core errors
// are reported as persistence failures.
func AsError(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return NewPersistenceError("unexpected error", err)
}

// Sensitive reports whether details of err must be hidden from clients.
func Sensitive(err error) bool {
	return AsError(err).Kind == KindPersistence
}
