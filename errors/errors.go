// Package errors provides error handling for the world model store.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors for the world model store's error taxonomy.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested entity does not exist locally
	ErrNotFound = New("entity not found")

	// ErrValidation indicates input was rejected before touching the store
	// (empty identifier, empty entity type)
	ErrValidation = New("validation failed")

	// ErrUnavailable indicates no live backend connection. Writes are
	// queued rather than failed when this occurs; only operations that
	// strictly require the backend surface it.
	ErrUnavailable = New("backend unavailable")

	// ErrBackend indicates an unexpected remote failure. It triggers a
	// DEGRADED sync transition and is never fatal to the process.
	ErrBackend = New("backend error")

	// ErrClosed is returned when operations are attempted on a store
	// that has been shut down.
	ErrClosed = New("store is closed")
)

// ConflictError reports an optimistic-concurrency failure: the caller's
// expected version did not match the stored version. CurrentVersion carries
// the version that won so the caller can refetch and retry.
type ConflictError struct {
	EntityID       string
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return "version conflict on " + e.EntityID + ": expected version does not match current"
}

// NewConflict creates a conflict error for the given entity and its
// currently stored version.
func NewConflict(entityID string, currentVersion int64) error {
	return WithStack(&ConflictError{EntityID: entityID, CurrentVersion: currentVersion})
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var c *ConflictError
	return As(err, &c)
}

// AsConflict extracts the ConflictError from err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if err != nil && As(err, &c) {
		return c, true
	}
	return nil, false
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsUnavailable reports whether err is or wraps ErrUnavailable.
func IsUnavailable(err error) bool {
	return err != nil && Is(err, ErrUnavailable)
}

// IsValidation reports whether err is or wraps ErrValidation.
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewNotFoundError creates a not-found error with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
