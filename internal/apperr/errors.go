package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed domain error that knows its HTTP status.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so clones and wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates an Error.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches a code and status to an underlying error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

var (
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrForbidden    = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict     = New("CONFLICT", http.StatusConflict, "conflict")
	ErrRateLimited  = New("RATE_LIMITED", http.StatusTooManyRequests, "rate limit exceeded")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	ErrInvalidWindow       = New("INVALID_WINDOW", http.StatusBadRequest, "session end time must be after start time")
	ErrInvalidVerifyParams = New("INVALID_VERIFY_PARAMS", http.StatusBadRequest, "verification parameters do not match the check-in method")
	ErrMethodMismatch      = New("METHOD_MISMATCH", http.StatusBadRequest, "check-in method does not match the session")
	ErrInvalidQRPayload    = New("INVALID_QR_PAYLOAD", http.StatusBadRequest, "qr code is invalid or expired")
	ErrOutOfRange          = New("OUT_OF_RANGE", http.StatusBadRequest, "location is outside the check-in range")
	ErrWrongNetwork        = New("WRONG_NETWORK", http.StatusBadRequest, "connected to the wrong wi-fi network")
	ErrNotEnrolled         = New("NOT_ENROLLED", http.StatusForbidden, "student is not enrolled in the course")
	ErrInvalidTransition   = New("INVALID_TRANSITION", http.StatusConflict, "invalid status transition")
	ErrSessionClosed       = New("SESSION_CLOSED", http.StatusConflict, "session is not accepting check-ins")
	ErrAlreadyCheckedIn    = New("ALREADY_CHECKED_IN", http.StatusConflict, "already checked in")
)

// FromError normalises any error into an *Error, hiding unknown causes behind ErrInternal.
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

// Clone copies err with an optional message override.
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
