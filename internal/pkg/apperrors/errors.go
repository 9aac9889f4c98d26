package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrForbidden      ErrorType = "FORBIDDEN"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrConflict       ErrorType = "CONFLICT"
	ErrRateLimited    ErrorType = "RATE_LIMITED"
	ErrUpstream       ErrorType = "UPSTREAM_ERROR"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrAuthFailed:
		return "Check the X-Gateway-Key header."
	case ErrForbidden:
		return "Admin credentials are required for this endpoint."
	case ErrRateLimited:
		return "Slow down and retry after the advertised delay."
	case ErrUpstream:
		return "The backing store is unavailable, retry later."
	default:
		return ""
	}
}
