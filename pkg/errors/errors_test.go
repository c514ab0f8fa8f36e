package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := New(ErrCodeFetchFailed, "connection reset").
		WithComponent("inputcache").
		WithOperation("fetch").
		WithInputKey("time=1980;variable=tas")

	s := err.Error()
	assert.Contains(t, s, "[inputcache:fetch]")
	assert.Contains(t, s, "FETCH_FAILED")
	assert.Contains(t, s, "connection reset")
	assert.Contains(t, s, "input time=1980;variable=tas")
}

func TestErrorUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := Wrap(ErrCodeStoreWrite, "put failed", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, cause, err.Unwrap())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Newf(ErrCodeScanIncomplete, "%d inputs not scanned", 3)
	assert.True(t, stderrors.Is(err, &RecipeError{Code: ErrCodeScanIncomplete}))
	assert.False(t, stderrors.Is(err, &RecipeError{Code: ErrCodeScanFailed}))
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodePatternInvalid, CategoryPattern},
		{ErrCodePatternKeyMissing, CategoryPattern},
		{ErrCodeFetchFailed, CategoryFetch},
		{ErrCodeScanFailed, CategoryScan},
		{ErrCodeScanIncomplete, CategoryScan},
		{ErrCodeSizeMismatch, CategoryScan},
		{ErrCodeSchemaMismatch, CategorySchema},
		{ErrCodeWriteFailed, CategoryStore},
		{ErrCodeStoreRead, CategoryStore},
		{ErrCodeObjectNotFound, CategoryStore},
		{ErrCodeInvalidState, CategoryLifecycle},
		{ErrCodeInvalidConfig, CategoryLifecycle},
		{ErrCodeInternalError, CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.code))
		})
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, RetryableByDefault(ErrCodeFetchFailed))
	assert.True(t, RetryableByDefault(ErrCodeStoreWrite))
	assert.False(t, RetryableByDefault(ErrCodePatternInvalid))
	assert.False(t, RetryableByDefault(ErrCodeScanFailed))
	assert.False(t, RetryableByDefault(ErrCodeSchemaMismatch))
}

func TestIsRetryableWalksWrappedChain(t *testing.T) {
	inner := New(ErrCodeFetchFailed, "timeout")
	wrapped := fmt.Errorf("while caching: %w", inner)
	assert.True(t, IsRetryable(wrapped))

	fatal := New(ErrCodeSchemaMismatch, "dtype changed")
	assert.False(t, IsRetryable(fmt.Errorf("prepare: %w", fatal)))

	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrCodeWriteFailed, "rejected"))
	assert.Equal(t, ErrCodeWriteFailed, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(stderrors.New("plain")))
}

func TestWithRetryableOverride(t *testing.T) {
	// A terminal fetch failure can be demoted to non-retryable.
	err := New(ErrCodeFetchFailed, "404 not found").WithRetryable(false)
	assert.False(t, IsRetryable(err))
}
