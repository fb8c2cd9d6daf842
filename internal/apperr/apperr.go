// Package apperr provides error code definitions for the offline sync core.
// Codes are stable strings so they can be persisted on failed actions and
// surfaced to diagnostics without string matching.
package apperr

import "fmt"

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Cache errors
	ErrCacheMiss ErrorCode = "CACHE_MISS"

	// Remote API errors
	ErrAPI             ErrorCode = "API_ERROR"
	ErrAPIUnauthorized ErrorCode = "API_UNAUTHORIZED"

	// Sync errors
	ErrSyncFailed          ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress      ErrorCode = "SYNC_IN_PROGRESS"
	ErrMaxRetriesExceeded  ErrorCode = "MAX_RETRIES_EXCEEDED"
	ErrPlayerCountMismatch ErrorCode = "PLAYER_COUNT_MISMATCH"
	ErrRoundIncomplete     ErrorCode = "ROUND_INCOMPLETE"
	ErrServerIDMissing     ErrorCode = "SERVER_ID_MISSING"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
