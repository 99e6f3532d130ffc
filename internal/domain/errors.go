package domain

import (
	"errors"
	"fmt"
)

// Code classifies a failure so that it can be reported to clients as a
// response-level error rather than a broken connection.
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeTimeout           Code = "TIMEOUT"
	CodeCloneFailed       Code = "CLONE_FAILED"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeInternal          Code = "INTERNAL"
)

// Error is a coded failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied}
	ErrInvalidState      = &Error{Code: CodeInvalidState}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrCloneFailed       = &Error{Code: CodeCloneFailed}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted}
)

// Errorf builds a coded error.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err, INTERNAL for uncoded errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
