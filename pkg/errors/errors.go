package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed domain error carrying the HTTP status the transport
// layer should map it to.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Admission error kinds. Every workflow failure is one of these; nothing in
// the admission core is fatal to the process.
var (
	ErrNoCapacity        = New("NO_CAPACITY", http.StatusConflict, "no seats available for this offering")
	ErrWindowClosed      = New("WINDOW_CLOSED", http.StatusConflict, "outside the enrollment window")
	ErrDuplicateRequest  = New("DUPLICATE_REQUEST", http.StatusConflict, "an active request already exists for this offering")
	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusConflict, "illegal request state transition")
	ErrInvalidAmount     = New("INVALID_AMOUNT", http.StatusUnprocessableEntity, "payment amount must be a positive integer")
	ErrInvalidAttachment = New("INVALID_ATTACHMENT", http.StatusUnsupportedMediaType, "proof document type or size not allowed")
	ErrReasonRequired    = New("REASON_REQUIRED", http.StatusUnprocessableEntity, "a rejection reason is required")
	ErrAlreadyValidated  = New("ALREADY_VALIDATED", http.StatusConflict, "this request has already been validated")
	ErrTimeout           = New("TIMEOUT", http.StatusRequestTimeout, "timed out waiting for the offering lock")
	ErrConflict          = New("CONFLICT", http.StatusConflict, "this request changed, please refresh")
)

// General error kinds shared across services.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Is reports whether err carries the same error code as kind.
func Is(err error, kind *Error) bool {
	if kind == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == kind.Code
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
