package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNoMatch        = errors.New("no matching entity")
	ErrTransientFetch = errors.New("transient fetch failure")
	ErrStoreIO        = errors.New("store I/O failure")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrSourceUnknown  = errors.New("unknown enrichment source")
	ErrCycleAborted   = errors.New("refresh cycle aborted")
	ErrInternal       = errors.New("internal error")
	ErrTimeout        = errors.New("operation timed out")
)

// Is and As re-export the stdlib helpers so callers of this package do not
// need a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

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
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSourceUnknown):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransientFetch), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsFatalToCycle reports whether an error must abort an entire refresh cycle.
// Only store-level failures are fatal; per-subject fetch errors are recorded
// and the cycle continues.
func IsFatalToCycle(err error) bool {
	return errors.Is(err, ErrStoreIO)
}
