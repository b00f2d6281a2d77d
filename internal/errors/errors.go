// Package errors provides structured error types for the occupancy
// service. All errors include a category, code, message, and retryable
// flag for consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryHierarchy  ErrorCategory = "HIERARCHY"
	ErrCategoryRegistry   ErrorCategory = "REGISTRY"
	ErrCategoryCompute    ErrorCategory = "COMPUTE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryScheduler  ErrorCategory = "SCHEDULER"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidInterval  = "INVALID_INTERVAL"
	CodeInvalidTimeRange = "INVALID_TIME_RANGE"
	CodeInvalidChunkSize = "INVALID_CHUNK_SIZE"

	// Hierarchy codes
	CodeUnknownSpace = "UNKNOWN_SPACE"
	CodeEmptySubtree = "EMPTY_SUBTREE"

	// Registry codes
	CodeDatasetNotFound = "DATASET_NOT_FOUND"
	CodeChunkNotFound   = "CHUNK_NOT_FOUND"
	CodeStatusConflict  = "STATUS_CONFLICT"

	// Compute codes
	CodeChildFailed = "CHILD_FAILED"
	CodeBinFailed   = "BIN_FAILED"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Scheduler codes
	CodeBackendBusy = "BACKEND_BUSY"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// ServiceError is the structured error type used throughout the system.
type ServiceError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ServiceError) Is(target error) bool {
	var t *ServiceError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ServiceError.
func New(category ErrorCategory, code, message string) *ServiceError {
	return &ServiceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ServiceError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ServiceError {
	return &ServiceError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ServiceError) WithDetails(details map[string]interface{}) *ServiceError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ServiceError.
func GetCategory(err error) ErrorCategory {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ServiceError.
func GetCode(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HTTPStatus maps an error chain to the status code the API should
// return. Unknown errors map to 500.
func HTTPStatus(err error) int {
	var se *ServiceError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch {
	case se.Category == ErrCategoryValidation:
		return http.StatusBadRequest
	case se.Code == CodeUnknownSpace,
		se.Code == CodeDatasetNotFound,
		se.Code == CodeChunkNotFound,
		se.Code == CodeObjectNotFound:
		return http.StatusNotFound
	case se.Code == CodeStatusConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// isRetryable determines if an error code is transient.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryScheduler && code == CodeBackendBusy:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *ServiceError {
	return New(ErrCategoryValidation, code, message)
}

func NewHierarchyError(code, message string) *ServiceError {
	return New(ErrCategoryHierarchy, code, message)
}

func NewRegistryError(code, message string, cause error) *ServiceError {
	return Wrap(ErrCategoryRegistry, code, message, cause)
}

func NewComputeError(code, message string, cause error) *ServiceError {
	return Wrap(ErrCategoryCompute, code, message, cause)
}

func NewStorageError(code, message string, cause error) *ServiceError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *ServiceError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
