// Package apperr defines the error taxonomy shared by the chat core.
// Callers test for a class with errors.Is; the concrete error carries context.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrInvalid      = errors.New("invalid argument")
	ErrNotReady     = errors.New("store not ready")
	// ErrTransport is transient; the mutation stays queued and is retried.
	ErrTransport = errors.New("transport failure")
	// ErrStorage is fatal to the mutation that hit it. Nothing is queued.
	ErrStorage = errors.New("storage failure")
)

// NotFound reports a missing chat, message or user.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Unauthorized reports an actor mutating a record it does not own.
func Unauthorized(actor, action, id string) error {
	return fmt.Errorf("%s may not %s %q: %w", actor, action, id, ErrUnauthorized)
}

// Invalid wraps a validation failure.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid)
}

// IsClassified reports whether err already belongs to one of the classes above.
func IsClassified(err error) bool {
	for _, class := range []error{ErrNotFound, ErrUnauthorized, ErrConflict, ErrInvalid, ErrNotReady, ErrTransport, ErrStorage} {
		if errors.Is(err, class) {
			return true
		}
	}
	return false
}

// Storage wraps a database error. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
