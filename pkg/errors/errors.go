package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error independently of its transport
type Kind string

const (
	// KindValidation is a malformed request or event
	KindValidation Kind = "validation"
	// KindNotFound references an unknown session or specialist
	KindNotFound Kind = "not_found"
	// KindCapacity means no specialist could take the work
	KindCapacity Kind = "capacity"
	// KindTransport is a failure delivering to a single connection
	KindTransport Kind = "transport"
	// KindEncryption is a decryption or authentication failure
	KindEncryption Kind = "encryption"
	// KindInternal is everything else
	KindInternal Kind = "internal"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Kind       Kind   `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Wrap attaches the underlying cause
func (e *AppError) Wrap(cause error) *AppError {
	e.cause = cause
	return e
}

// NewError creates a new application error
func NewError(kind Kind, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusForKind(kind),
		Kind:       kind,
		Code:       code,
		Message:    message,
	}
}

func statusForKind(kind Kind) int {
	switch kind {
	case KindValidation, KindEncryption:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacity:
		return http.StatusConflict
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Validation creates a validation error
func Validation(code, message string) *AppError {
	return NewError(KindValidation, code, message)
}

// NotFound creates a not-found error
func NotFound(code, message string) *AppError {
	return NewError(KindNotFound, code, message)
}

// Capacity creates a capacity error
func Capacity(code, message string) *AppError {
	return NewError(KindCapacity, code, message)
}

// Transport creates a transport error
func Transport(code, message string) *AppError {
	return NewError(KindTransport, code, message)
}

// Encryption creates an encryption error
func Encryption(code, message string) *AppError {
	return NewError(KindEncryption, code, message)
}

// Internal creates an internal error
func Internal(code, message string) *AppError {
	return NewError(KindInternal, code, message)
}

// As extracts an AppError from err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is checks if err carries an AppError with the same code as target
func Is(err error, target *AppError) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Code == target.Code
}

// KindOf returns the kind of err, KindInternal if it is not an AppError
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// FromError converts a standard error to an AppError
// If the error is already an AppError, it is returned as-is
// Otherwise, it is wrapped as an internal error
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Internal("INTERNAL_ERROR", "An unexpected error occurred").Wrap(err)
}

// GetStatusCode extracts the HTTP status code, returns 500 if not an AppError
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
