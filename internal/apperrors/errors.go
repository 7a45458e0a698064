// Package apperrors is the error taxonomy shared by the client sync layer and the server.
// Every error that crosses a queue boundary is classified as retryable or permanent here.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Code string

const (
	CodeInvalid      Code = "INVALID_INPUT"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeTransient    Code = "TRANSIENT"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// AppError carries a Code alongside the message and the wrapped cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func Invalid(message string) *AppError      { return New(CodeInvalid, message) }
func Unauthorized(message string) *AppError { return New(CodeUnauthorized, message) }
func Forbidden(message string) *AppError    { return New(CodeForbidden, message) }
func NotFound(message string) *AppError     { return New(CodeNotFound, message) }
func Conflict(message string) *AppError     { return New(CodeConflict, message) }

func Transient(message string, err error) *AppError {
	return Wrap(CodeTransient, message, err)
}

// Is reports whether err (or anything it wraps) is an AppError with the given code.
func Is(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// HTTPError is a non-2xx response seen by a client of the REST boundary.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s failed with status code %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsRetryable splits failures into transient ones (network, timeout, 5xx)
// and permanent ones (4xx validation/authorization, domain conflicts).
// Unclassified errors are treated as transport failures and retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500:
			return true
		case httpErr.StatusCode == http.StatusRequestTimeout, httpErr.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return false
		}
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

// HTTPStatus maps an error to the status code a handler should answer with.
func HTTPStatus(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}

	switch appErr.Code {
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeUnauthorized:
		// a bad verification code is an authorization failure on the resource,
		// not a missing credential
		return http.StatusForbidden
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing part of err.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
