package errors

import (
	"context"
	"fmt"
)

// ErrCancelled marks cooperative shutdown. It is not a defect and is
// recorded as the "cancelled" exit reason.
var ErrCancelled = New("cancelled")

// IsCancelled reports whether err is a cooperative cancellation, either
// ErrCancelled itself or a context cancellation/deadline of the parent run.
func IsCancelled(err error) bool {
	return err != nil && (Is(err, ErrCancelled) || Is(err, context.Canceled))
}

// CapabilityError is a failed call into a submission agent or a scoring
// metric. It is fatal to the current round only.
type CapabilityError struct {
	Capability string // "submission" or "metric"
	Name       string // team ID or metric name
	Cause      error
}

func (e *CapabilityError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s failed: %v", e.Capability, e.Cause)
	}
	return fmt.Sprintf("%s %q failed: %v", e.Capability, e.Name, e.Cause)
}

func (e *CapabilityError) Unwrap() error { return e.Cause }

// NewCapabilityError wraps cause as a failure of the named capability.
func NewCapabilityError(capability, name string, cause error) error {
	return &CapabilityError{Capability: capability, Name: name, Cause: cause}
}

// JudgmentExhaustedError is returned once the judgment provider failed on
// every attempt of its retry budget. RetryCount is the number of attempts
// actually made.
type JudgmentExhaustedError struct {
	Provider   string
	RetryCount int
	Cause      error
}

func (e *JudgmentExhaustedError) Error() string {
	return fmt.Sprintf("judgment exhausted: provider=%s retry_count=%d: %v", e.Provider, e.RetryCount, e.Cause)
}

func (e *JudgmentExhaustedError) Unwrap() error { return e.Cause }

// StoreUnavailableError means the write path cannot reach persistence.
// It is fatal to the whole execution.
type StoreUnavailableError struct {
	Op    string
	Cause error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Cause }

// NewStoreUnavailableError wraps cause as a store outage during op.
func NewStoreUnavailableError(op string, cause error) error {
	return &StoreUnavailableError{Op: op, Cause: cause}
}

// IsStoreUnavailable reports whether err is or wraps a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return As(err, &target)
}
