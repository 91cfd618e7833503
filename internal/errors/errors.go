// Package errors provides the standard error kinds shared by every fieldvault module.
// Module-specific errors (key store, field cipher, migration) wrap one of these kinds so
// callers can branch on intent with errors.Is without knowing which layer failed.
package errors

import (
	"errors"
	"fmt"
)

// Standard error kinds that can be used across all fieldvault modules.
var (
	// ErrNotFound indicates the requested key, record or policy does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing state.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates a resource the engine depends on (key directory, database)
	// cannot be used. Failures of this kind at startup are fatal.
	ErrUnavailable = errors.New("unavailable")

	// ErrIntegrity indicates authenticated data failed verification.
	ErrIntegrity = errors.New("integrity check failed")
)

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// A nil err yields nil so Wrap can be used directly on return values.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors, discarding nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
