// Package errors provides error handling for tourney.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping,
// hints and details) and defines the failure taxonomy shared by the round
// controller, the evaluator, the judgment client and the store.
//
//	if err := store.Insert(ctx, entry); err != nil {
//	    return errors.Wrap(err, "persist round")
//	}
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
	WithHint      = crdb.WithHint
	WithHintf     = crdb.WithHintf
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Common sentinel errors. Wrap these with errors.Wrap() to add context
// while preserving the type for errors.Is().
var (
	// ErrNotFound indicates the requested execution or team does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (bad config, bad weights)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness violation, e.g. a round persisted twice
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
