// Package errors provides error handling for annotad.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Sentinel errors for the worker/supervisor error taxonomy
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
//	if errors.Is(err, errors.ErrRateLimited) {
//	    // pause the worker
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
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel errors for the annotad error taxonomy. Use with errors.Is()
// for type-safe checks; wrap with errors.Wrap() to add context while
// preserving the kind.
var (
	// ErrNotFound indicates the requested worker or row does not exist
	ErrNotFound = New("not found")

	// ErrRateLimited indicates the per-minute rate limit was hit; the
	// worker pauses and the watchdog reconsiders later
	ErrRateLimited = New("rate limited")

	// ErrDailyQuota indicates the per-credential daily request cap is
	// exhausted; no amount of waiting inside the current UTC day helps
	ErrDailyQuota = New("daily quota exhausted")

	// ErrInvalidCredential indicates the API key was rejected; fatal for
	// the worker, no automatic restart
	ErrInvalidCredential = New("invalid credential")

	// ErrConcurrencyLimit indicates the supervisor's concurrent worker
	// cap was reached
	ErrConcurrencyLimit = New("concurrency limit reached")

	// ErrDisabled indicates the worker pair is disabled in settings
	ErrDisabled = New("worker disabled")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}
