// Package chaterr defines the error taxonomy returned by the messaging core.
package chaterr

import (
	"errors"
	"fmt"
)

// Code classifies an AppError.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeEditWindowExpired Code = "EDIT_WINDOW_EXPIRED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeForbidden         Code = "FORBIDDEN"
	CodeAuthFailed        Code = "AUTHENTICATION_FAILED"
	CodeConflict          Code = "CONFLICT"
	CodeInternal          Code = "INTERNAL"
)

// AppError is a named, caller-facing failure.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// New returns an AppError with the given code.
func New(code Code, format string, args ...any) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an AppError carrying cause.
func Wrap(code Code, cause error, format string, args ...any) error {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) error {
	return New(CodeValidation, format, args...)
}

func PermissionDenied(format string, args ...any) error {
	return New(CodePermissionDenied, format, args...)
}

func EditWindowExpired(format string, args ...any) error {
	return New(CodeEditWindowExpired, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(CodeNotFound, format, args...)
}

func Forbidden(format string, args ...any) error {
	return New(CodeForbidden, format, args...)
}

func AuthFailed(format string, args ...any) error {
	return New(CodeAuthFailed, format, args...)
}

func Conflict(format string, args ...any) error {
	return New(CodeConflict, format, args...)
}

// Internal wraps a persistence or infrastructure failure.
func Internal(cause error, format string, args ...any) error {
	return Wrap(CodeInternal, cause, format, args...)
}

// CodeOf returns the code of the first AppError in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
