package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error for transport mapping.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthorized     Kind = "unauthorized"
	KindNotFound         Kind = "not_found"
	KindMethodNotAllowed Kind = "method_not_allowed"
	KindConflict         Kind = "conflict"
	KindConfiguration    Kind = "configuration"
	KindInternal         Kind = "internal"
)

// Error is the error type returned by services for expected failure modes.
type Error struct {
	kind    Kind
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the taxonomy bucket of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code is a stable machine readable identifier such as "wishes.create.duplicate_email".
func (e *Error) Code() string {
	return e.code
}

// Message is the client facing description.
func (e *Error) Message() string {
	return e.message
}

func New(kind Kind, code, message string, cause error) *Error {
	return &Error{kind: kind, code: code, message: message, err: cause}
}

func Validation(code, message string) *Error {
	return New(KindValidation, code, message, nil)
}

func Unauthorized(code, message string) *Error {
	return New(KindUnauthorized, code, message, nil)
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message, nil)
}

func Conflict(code, message string, cause error) *Error {
	return New(KindConflict, code, message, cause)
}

func Configuration(code, message string, cause error) *Error {
	return New(KindConfiguration, code, message, cause)
}

func Internal(code, message string, cause error) *Error {
	return New(KindInternal, code, message, cause)
}

// KindOf extracts the Kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// Is reports whether err is an application error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.kind == kind
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text placed in the {"error": ...} body.
// Configuration and internal failures surface the full chain.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		switch appErr.kind {
		case KindConfiguration, KindInternal:
			return appErr.Error()
		default:
			return appErr.message
		}
	}
	return err.Error()
}
