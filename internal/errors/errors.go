// Package errors provides standardized domain errors for business logic.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all domain modules.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates missing or invalid authentication credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates insufficient permissions.
	ErrForbidden = errors.New("forbidden")

	// ErrLocked indicates the resource is temporarily locked.
	ErrLocked = errors.New("locked")

	// ErrInvalidCredentials indicates a presented secret did not match the
	// stored credential. Security-event log, 401, constant-time response.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthenticated indicates a bearer token is absent, expired,
	// revoked, or fails signature verification.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrVaultUnavailable indicates the vault backend could not be reached
	// or exhausted its retry budget. Callers attempt a fallback before this
	// reaches an HTTP boundary.
	ErrVaultUnavailable = errors.New("vault unavailable")

	// ErrVaultAuth indicates the vault client's authentication handshake
	// failed and could not be lazily re-established.
	ErrVaultAuth = errors.New("vault authentication failed")

	// ErrCacheUnavailable indicates the cache backend could not be reached.
	// Never surfaced to a caller; components degrade to "absent" silently.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrTimeout indicates an operation's deadline or wall-clock budget was
	// exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrRotationConflict indicates a rotation is already in progress for
	// the client_id.
	ErrRotationConflict = errors.New("rotation already in progress")

	// ErrInternal indicates an unclassified failure. Redacted from
	// response bodies.
	ErrInternal = errors.New("internal error")
)

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message while preserving the error chain.
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
