package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	err := &Error{Code: CodeProvider, Message: "submit failed", Op: "fal.dispatch", Err: fmt.Errorf("dial tcp: refused")}
	assert.Equal(t, "fal.dispatch: [PROVIDER_ERROR] submit failed: dial tcp: refused", err.Error())
}

func TestWrapPreservesCode(t *testing.T) {
	inner := Validation("prompt is required")
	wrapped := Wrap(inner, "dispatch.build", "invalid job")

	assert.Equal(t, CodeValidation, wrapped.Code)
	assert.True(t, errors.Is(wrapped, New(CodeValidation, "")))
	assert.Same(t, inner, errors.Unwrap(wrapped))

	plain := Wrap(errors.New("boom"), "op", "msg")
	assert.Equal(t, CodeInternal, plain.Code)
	assert.Nil(t, Wrap(nil, "op", "msg"))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("x"), http.StatusBadRequest},
		{NotFound("render job", "abc"), http.StatusNotFound},
		{New(CodeProvider, "x"), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NotFound("video", "v1")), http.StatusNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(Validation("missing image urls")))
	assert.False(t, Retryable(NotFound("job", "1")))
	assert.True(t, Retryable(New(CodeProvider, "503")))
	assert.True(t, Retryable(errors.New("io")))
}
