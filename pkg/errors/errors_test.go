package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code and message only",
			err:  New(ErrCodeInvalidQuery, "dataflow id is required"),
			want: "INVALID_QUERY: dataflow id is required",
		},
		{
			name: "with component",
			err:  New(ErrCodeStoreUnavailable, "dynamodb unreachable").WithComponent("durable"),
			want: "[durable] STORE_UNAVAILABLE: dynamodb unreachable",
		},
		{
			name: "with component and operation",
			err:  New(ErrCodeNotFound, "no such key").WithComponent("durable").WithOperation("get"),
			want: "[durable:get] NOT_FOUND: no such key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidQuery, CategoryQuery},
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeNotFound, CategoryStorage},
		{ErrCodeStoreUnavailable, CategoryStorage},
		{ErrCodeUpstreamError, CategoryUpstream},
		{ErrCodeRateLimited, CategoryUpstream},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, GetCategory(tt.code), "GetCategory(%s)", tt.code)
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	notFound := New(ErrCodeNotFound, "absent")
	unavailable := New(ErrCodeStoreUnavailable, "down")
	timeout := New(ErrCodeOperationTimeout, "deadline exceeded")
	rateLimited := New(ErrCodeRateLimited, "throttled")

	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(unavailable))
	assert.True(t, IsStoreUnavailable(unavailable))
	assert.True(t, IsStoreUnavailable(timeout), "timeouts degrade to store unavailability")
	assert.True(t, IsRateLimited(rateLimited))
	assert.True(t, IsUpstream(rateLimited), "rate limiting is an upstream condition")
	assert.False(t, IsUpstream(notFound))
}

func TestWrapping(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := New(ErrCodeStoreUnavailable, "put failed").WithCause(cause)

	assert.True(t, stderrors.Is(err, New(ErrCodeStoreUnavailable, "anything")), "Is matches by code")
	require.Equal(t, cause, stderrors.Unwrap(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsStoreUnavailable(wrapped), "predicates see through fmt.Errorf wrapping")
	assert.Equal(t, ErrCodeStoreUnavailable, Code(wrapped))
	assert.Equal(t, ErrCodeInternalError, Code(cause), "uncoded errors default to INTERNAL_ERROR")
}

func TestRetryableDefaults(t *testing.T) {
	t.Parallel()

	assert.True(t, New(ErrCodeRateLimited, "").Retryable)
	assert.True(t, New(ErrCodeStoreUnavailable, "").Retryable)
	assert.False(t, New(ErrCodeInvalidQuery, "").Retryable)
	assert.False(t, New(ErrCodeNotFound, "").Retryable)
}
