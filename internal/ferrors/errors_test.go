package ferrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_SetsSeverityAndRetryable(t *testing.T) {
	err := New(CodeRateLimited, "too many requests")
	assert.Equal(t, CodeRateLimited, err.Code)
	assert.Equal(t, SeverityWarning, err.Severity)
	assert.True(t, err.Retryable)
	assert.NotEmpty(t, err.StackTrace)
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf(CodeNotFound, "release %s not found", "rel-1")
	assert.Equal(t, "release rel-1 not found", err.Message)
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := Wrap(cause, CodeNetworkError, "dial db")
	assert.Equal(t, cause, wrapped.Cause)
	assert.Equal(t, "connection refused", wrapped.Details)
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeInternal, "should not happen"))
}

func TestWrap_BundleErrorCarriesRequestID(t *testing.T) {
	inner := New(CodeConflict, "version stomped").WithRequestID("req-1")
	outer := Wrap(inner, CodeInternal, "activation failed")
	assert.Equal(t, "req-1", outer.RequestID)
}

func TestBundleError_Is_MatchesOnCodeOnly(t *testing.T) {
	a := New(CodeNotFound, "app missing")
	b := New(CodeNotFound, "channel missing")
	assert.True(t, errors.Is(a, b))

	c := New(CodeConflict, "cas lost")
	assert.False(t, errors.Is(a, c))
}

func TestBundleError_Error_IncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, CodeInternal, "write failed")
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "write failed")
}

func TestWithRetryAfter(t *testing.T) {
	err := New(CodeRateLimited, "slow down").WithRetryAfter(2 * time.Second)
	require.NotNil(t, err.RetryAfter)
	assert.Equal(t, 2*time.Second, *err.RetryAfter)
	assert.True(t, err.Retryable)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeNetworkError, "timeout")))
	assert.False(t, IsRetryable(New(CodeInvalidInput, "bad body")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeVersionMismatch, GetCode(New(CodeVersionMismatch, "stale")))
	assert.Equal(t, CodeInternal, GetCode(errors.New("plain error")))
	assert.Equal(t, ErrorCode(""), GetCode(nil))
}

func TestGetRequestID(t *testing.T) {
	err := New(CodeInvalidToken, "bad token").WithRequestID("req-42")
	assert.Equal(t, "req-42", GetRequestID(err))
	assert.Equal(t, "", GetRequestID(errors.New("plain")))
}

func TestErrorHandler_Handle_NormalizesPlainError(t *testing.T) {
	var captured *BundleError
	h := &ErrorHandler{RequestID: "req-7", OnError: func(e *BundleError) { captured = e }}
	h.Handle(errors.New("disk full"))
	require.NotNil(t, captured)
	assert.Equal(t, CodeInternal, captured.Code)
	assert.Equal(t, "req-7", captured.RequestID)
}

func TestErrorHandler_Handle_PassesThroughBundleError(t *testing.T) {
	var captured *BundleError
	h := &ErrorHandler{OnError: func(e *BundleError) { captured = e }}
	h.Handle(New(CodeRateLimited, "slow down"))
	require.NotNil(t, captured)
	assert.Equal(t, CodeRateLimited, captured.Code)
}

func TestErrorHandler_HandlePanic(t *testing.T) {
	var captured *BundleError
	h := &ErrorHandler{OnError: func(e *BundleError) { captured = e }}

	func() {
		defer h.HandlePanic()
		panic("unexpected nil map")
	}()

	require.NotNil(t, captured)
	assert.Equal(t, CodeInternal, captured.Code)
	assert.Contains(t, captured.Details, "unexpected nil map")
}

func TestErrorHandler_Normalize_DeadlineExceeded(t *testing.T) {
	h := &ErrorHandler{}
	be := h.normalize(context.DeadlineExceeded)
	assert.Equal(t, CodeNetworkError, be.Code)
	assert.True(t, be.Retryable)
}

func TestWithErrorContext(t *testing.T) {
	err := New(CodeInvalidBundle, "checksum mismatch")
	ctx := WithError(context.Background(), err)
	assert.Equal(t, err, GetError(ctx))
	assert.Nil(t, GetError(context.Background()))
}

func TestSentinelErrors_MatchByCode(t *testing.T) {
	wrapped := Wrap(ErrConflict, CodeConflict, "retry swap")
	assert.ErrorIs(t, wrapped, ErrConflict)
}
