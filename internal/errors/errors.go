// Package errors defines the categorized error taxonomy of the rewrite pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents synchronous input validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryOwnership represents claim-token or status precondition failures
	CategoryOwnership ErrorCategory = "ownership"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryProvider represents external provider errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents other system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Sentinels for the ownership/precondition no-op paths. Callers must check
// these explicitly and report them; they never mean the mutation happened.
var (
	// ErrMarkNoop is returned when a mark_* call presents a stale reservation
	// token or the entry is no longer processing.
	ErrMarkNoop = stderrors.New("mark noop: entry not processing or token mismatch")
	// ErrJobMismatch is returned when Complete targets a job that is not
	// processing or does not match the given request/recipient.
	ErrJobMismatch = stderrors.New("job mismatch: job not processing or wrong request/recipient")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a validation error rejected at enqueue time
func NewValidationError(code, message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       code,
		Message:    message,
	}
}

// NewISOWeekLimitError signals that the author already has another active
// rewrite trigger within the same ISO week.
func NewISOWeekLimitError(authorID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "ISO_WEEK_LIMIT_EXCEEDED",
		Message:    "another rewrite is already active for this author in the same week",
		Details: map[string]interface{}{
			"authorId": authorID,
		},
	}
}

// NewJobMismatchError signals a Complete call against a job that is not in
// the expected status or does not match the request/recipient.
func NewJobMismatchError(jobID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryOwnership,
		StatusCode: http.StatusConflict,
		Code:       "JOB_MISMATCH",
		Message:    "job is not processing or does not match the given request/recipient",
		Details: map[string]interface{}{
			"jobId": jobID,
		},
		Cause: ErrJobMismatch,
	}
}

// NewLangMismatchError signals an output whose declared language does not
// match the target locale's primary language.
func NewLangMismatchError(declared, want string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "LANG_MISMATCH",
		Message:    fmt.Sprintf("output language %q does not match target language %q", declared, want),
		Details: map[string]interface{}{
			"declared": declared,
			"want":     want,
		},
	}
}

// NewMarkNoopError signals that a trigger-queue outcome mark did not mutate
// anything (stale token or entry no longer processing).
func NewMarkNoopError(entryID, outcome string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryOwnership,
		StatusCode: http.StatusConflict,
		Code:       "MARK_NOOP",
		Message:    fmt.Sprintf("mark_%s did not match a processing entry with the given token", outcome),
		Details: map[string]interface{}{
			"entryId": entryID,
			"outcome": outcome,
		},
		Cause: ErrMarkNoop,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderError creates an external provider error
func NewProviderError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("provider error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategoryValidation,
			StatusCode: http.StatusBadRequest,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// IsRetryable determines if an error should go through the backoff-requeue
// path. Provider and database errors always are; validation and ownership
// errors never are.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategorySystem:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether the error is a not-found error.
func IsNotFound(err error) bool {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category == CategoryNotFound
	}
	return false
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
