package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"bundlenudge.sh/internal/ferrors"
)

func TestRecoveryMiddleware_RecoversPanic(t *testing.T) {
	handler := RecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/apps", nil)
	rr := httptest.NewRecorder()

	assert.NotPanics(t, func() {
		handler.ServeHTTP(rr, req)
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "INTERNAL_ERROR")
}

func TestRecoveryMiddleware_PassesThroughNormalResponses(t *testing.T) {
	handler := RecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/apps", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusForCode(t *testing.T) {
	cases := map[ferrors.ErrorCode]int{
		ferrors.CodeNotFound:      http.StatusNotFound,
		ferrors.CodeInvalidInput:  http.StatusBadRequest,
		ferrors.CodeInvalidToken:  http.StatusUnauthorized,
		ferrors.CodeTokenExpired:  http.StatusUnauthorized,
		ferrors.CodeInvalidBundle: http.StatusUnprocessableEntity,
		ferrors.CodeRateLimited:   http.StatusTooManyRequests,
		ferrors.CodeConflict:      http.StatusConflict,
		ferrors.CodeNetworkError:  http.StatusBadGateway,
		ferrors.CodeInternal:      http.StatusInternalServerError,
		ferrors.ErrorCode("SOMETHING_UNKNOWN"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		got := statusForCode(code)
		assert.Equal(t, want, got, string(code))
	}
}
