// Package apperror provides structured error handling for the sync jobs.
// Infrastructure adapters wrap driver errors into AppError so domain code can
// decide between "abort this tenant" and "skip this record" without knowing pgx.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes
const (
	// Infrastructure errors
	CodeInternal       = "INTERNAL_ERROR"
	CodeDatabase       = "DATABASE_ERROR"
	CodeTimeout        = "TIMEOUT_ERROR"
	CodeConnectionLost = "CONNECTION_LOST"

	// Tenant directory
	CodeRegistryUnavailable = "REGISTRY_UNAVAILABLE"

	// Record-level errors: the offending record is skipped
	CodeDataError   = "DATA_ERROR"
	CodeWriteFailed = "WRITE_FAILED"

	CodeNotFound = "NOT_FOUND"
)

// AppError is the standard error type for the service.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (tenant, table, ids)
	Details map[string]any `json:"details,omitempty"`

	// Transient marks errors that poison the connection they happened on.
	Transient bool `json:"-"`

	// Err is the underlying error
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewInternal wraps an unexpected error.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// NewDatabase wraps a database error that leaves the connection usable
// (constraint violation, bad cast, missing column).
func NewDatabase(op string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: op,
		Err:     err,
	}
}

// NewConnectionLost marks the connection as unusable: the caller must discard it.
func NewConnectionLost(op string, err error) *AppError {
	return &AppError{
		Code:      CodeConnectionLost,
		Message:   op,
		Transient: true,
		Err:       err,
	}
}

// NewTimeout reports that op did not finish within limit.
func NewTimeout(op string, limit time.Duration) *AppError {
	return &AppError{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("%s timed out after %s", op, limit),
		Transient: true,
		Details:   map[string]any{"limit": limit.String()},
	}
}

// NewRegistryUnavailable reports a missing or unparseable tenant registry.
func NewRegistryUnavailable(err error) *AppError {
	return &AppError{
		Code:    CodeRegistryUnavailable,
		Message: "tenant registry unavailable",
		Err:     err,
	}
}

// NewDataError reports a malformed record.
func NewDataError(message string) *AppError {
	return &AppError{
		Code:    CodeDataError,
		Message: message,
	}
}

// NewWriteFailed reports a rejected batch write.
func NewWriteFailed(table string, err error) *AppError {
	return &AppError{
		Code:    CodeWriteFailed,
		Message: fmt.Sprintf("write to %s failed", table),
		Details: map[string]any{"table": table},
		Err:     err,
	}
}

// NewNotFound creates a not found error
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsTransient reports whether err left the underlying connection in an
// unknown state. Context deadlines count: the driver aborts mid-protocol.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := AsAppError(err); ok && appErr.Transient {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsDataError reports whether err concerns one record only.
func IsDataError(err error) bool {
	return HasCode(err, CodeDataError)
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}
