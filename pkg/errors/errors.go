package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Transport and session codes
	ErrCodeTransientNetwork    ErrorCode = "TRANSIENT_NETWORK"
	ErrCodePermanentAuth       ErrorCode = "PERMANENT_AUTH"
	ErrCodeMaxAttemptsExceeded ErrorCode = "MAX_ATTEMPTS_EXCEEDED"
	ErrCodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionNotLive      ErrorCode = "SESSION_NOT_LIVE"
	ErrCodeInvalidPayload      ErrorCode = "INVALID_PAYLOAD"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// NewTransientError marks a recoverable network failure.
func NewTransientError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeTransientNetwork, message, http.StatusServiceUnavailable)
}

// NewPermanentAuthError marks a rejected handshake. It must never be retried.
func NewPermanentAuthError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodePermanentAuth, message, http.StatusForbidden)
}

// NewMaxAttemptsError is surfaced once the reconnect budget is spent.
func NewMaxAttemptsError(attempts int, cause error) *AppError {
	return WrapError(cause, ErrCodeMaxAttemptsExceeded,
		fmt.Sprintf("connection failed after maximum attempts (%d)", attempts),
		http.StatusServiceUnavailable).WithContext("attempts", attempts)
}

// NewSessionNotFoundError reports an authoritative "no such session" answer.
func NewSessionNotFoundError(cause error, sessionID string) *AppError {
	return WrapError(cause, ErrCodeSessionNotFound, "session not found", http.StatusNotFound).
		WithContext("session_id", sessionID)
}

// NewSessionNotLiveError reports an authoritative "session is not live" answer.
func NewSessionNotLiveError(cause error, sessionID string) *AppError {
	return WrapError(cause, ErrCodeSessionNotLive, "session is not live", http.StatusBadRequest).
		WithContext("session_id", sessionID)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// IsFatal reports errors that end a session's transport for good. Only a
// rejected handshake qualifies.
func IsFatal(err error) bool {
	return HasCode(err, ErrCodePermanentAuth)
}

// IsExhausted reports a spent reconnect budget. The session stays alive and
// the caller may reconnect manually.
func IsExhausted(err error) bool {
	return HasCode(err, ErrCodeMaxAttemptsExceeded)
}

// IsBackendState reports authoritative backend answers about session existence.
// They are reconciled locally and never retried.
func IsBackendState(err error) bool {
	return HasCode(err, ErrCodeSessionNotFound) || HasCode(err, ErrCodeSessionNotLive)
}

// FromHTTPStatus rebuilds an AppError from a non-2xx response. code is the
// code reported in the response body and may be empty.
func FromHTTPStatus(status int, code ErrorCode, message string) *AppError {
	if message == "" {
		message = http.StatusText(status)
	}
	if code == "" {
		switch {
		case status == http.StatusUnauthorized:
			code = ErrCodeUnauthorized
		case status == http.StatusForbidden:
			code = ErrCodeForbidden
		case status == http.StatusNotFound:
			code = ErrCodeNotFound
		case status == http.StatusConflict:
			code = ErrCodeConflict
		case status == http.StatusTooManyRequests:
			code = ErrCodeRateLimit
		case status == http.StatusServiceUnavailable:
			code = ErrCodeServiceUnavailable
		case status >= 500:
			code = ErrCodeInternal
		default:
			code = ErrCodeInvalidInput
		}
	}
	return NewAppError(code, message, status)
}
