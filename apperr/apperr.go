// Package apperr carries the error taxonomy shared by the queue, the
// provider facades and the webhook paths.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code categorizes an error for retry decisions and HTTP mapping.
type Code string

const (
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeProvider     Code = "PROVIDER_ERROR"
	CodeDelivery     Code = "DELIVERY_ERROR"
	CodeVerification Code = "VERIFICATION_ERROR"
)

// Error is an error with a code, the failing operation and optional context.
type Error struct {
	Code    Code
	Message string
	// Op is the operation that failed, e.g. "dispatch.primary".
	Op     string
	Err    error
	Fields map[string]any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a context field and returns the receiver.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeVerification:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeProvider, CodeDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err, keeping the code of an inner *Error or falling back to
// CodeInternal.
func Wrap(err error, op, message string) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{Code: inner.Code, Message: message, Op: op, Err: err, Fields: inner.Fields}
	}
	return &Error{Code: CodeInternal, Message: message, Op: op, Err: err}
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code Code, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Op: op, Err: err}
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func NotFound(resource, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

// GetCode extracts the code, CodeInternal for foreign errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

// HTTPStatus returns the response status for any error.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may reasonably try the operation again.
// Validation and not-found errors are final.
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodeValidation, CodeNotFound, CodeUnauthorized, CodeVerification:
		return false
	default:
		return true
	}
}
