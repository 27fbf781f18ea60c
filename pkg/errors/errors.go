package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrStoreUnavailable  = errors.New("backing store unavailable")
	ErrRecordNotFound    = errors.New("record not found")
	ErrRebuildInProgress = errors.New("index rebuild already in progress")
	ErrIndexUnavailable  = errors.New("search index not built")
	ErrCacheUnavailable  = errors.New("result cache unavailable")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternal          = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
