package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrConflict, "insert round 2")
	assert.True(t, Is(wrapped, ErrConflict))
	assert.Contains(t, wrapped.Error(), "insert round 2")
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("weight for %q must be positive", "accuracy")
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), `"accuracy"`)
	assert.False(t, IsNotFoundError(err))
}

func TestJudgmentExhaustedError(t *testing.T) {
	cause := New("503 from upstream")
	err := Wrap(&JudgmentExhaustedError{Provider: "gateway", RetryCount: 3, Cause: cause}, "round 1")

	var target *JudgmentExhaustedError
	require.True(t, As(err, &target))
	assert.Equal(t, "gateway", target.Provider)
	assert.Equal(t, 3, target.RetryCount)
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "provider=gateway retry_count=3")
}

func TestCapabilityError(t *testing.T) {
	err := NewCapabilityError("metric", "clarity", fmt.Errorf("timeout"))
	assert.Equal(t, `metric "clarity" failed: timeout`, err.Error())

	var target *CapabilityError
	require.True(t, As(err, &target))
	assert.Equal(t, "metric", target.Capability)
}

func TestStoreUnavailable(t *testing.T) {
	err := Wrap(NewStoreUnavailableError("insert", New("disk I/O error")), "round 3")
	assert.True(t, IsStoreUnavailable(err))
	assert.False(t, IsStoreUnavailable(New("other")))
	assert.False(t, IsStoreUnavailable(nil))
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(ErrCancelled))
	assert.True(t, IsCancelled(Wrap(context.Canceled, "submit")))
	assert.False(t, IsCancelled(context.DeadlineExceeded))
	assert.False(t, IsCancelled(nil))
}
