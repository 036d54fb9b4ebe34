package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError is a service-layer error that carries its wire code. Handlers
// unwrap it with AsAppError and write the standard envelope; anything
// else becomes INTERNAL_ERROR.
type AppError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates an AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new AppError.
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, cause: cause}
}

// WithDetail adds one detail field, returning the error for chaining.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// AsAppError extracts an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// WriteServiceError writes err using its embedded code, or a generic
// INTERNAL_ERROR envelope for unexpected errors.
func WriteServiceError(w http.ResponseWriter, err error) {
	if appErr, ok := AsAppError(err); ok {
		WriteError(w, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	WriteSimpleError(w, ErrCodeInternal, "internal server error")
}
