package services

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeCatalogResolution    ErrorType = "catalog_resolution"
	ErrorTypeCompilation          ErrorType = "compilation"
	ErrorTypeExecution            ErrorType = "execution"
	ErrorTypeEvidenceConstruction ErrorType = "evidence_construction"
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeUnauthorized         ErrorType = "unauthorized"
	ErrorTypeForbidden            ErrorType = "forbidden"
	ErrorTypeConflict             ErrorType = "conflict"
	ErrorTypeInternal             ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. Compare with errors.Is; never attach details to these.

var (
	ErrUnknownMetric      = NewDomainError(ErrorTypeCatalogResolution, "unknown metric", nil)
	ErrUnknownField       = NewDomainError(ErrorTypeCatalogResolution, "unknown field", nil)
	ErrAmbiguousReference = NewDomainError(ErrorTypeCatalogResolution, "ambiguous reference", nil)

	ErrUnsupportedConstruct = NewDomainError(ErrorTypeCompilation, "construct cannot be expressed safely", nil)
	ErrUnsatisfiablePlan    = NewDomainError(ErrorTypeCompilation, "plan is unsatisfiable under active constraints", nil)

	ErrExecutionFailed   = NewDomainError(ErrorTypeExecution, "query execution failed", nil)
	ErrPackagingDenied   = NewDomainError(ErrorTypeEvidenceConstruction, "cannot package a denied decision", nil)
	ErrIllegalTransition = NewDomainError(ErrorTypeEvidenceConstruction, "illegal pipeline transition", nil)

	ErrEvidenceNotFound = NewDomainError(ErrorTypeNotFound, "evidence record not found", nil)
	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidRuleSet   = NewDomainError(ErrorTypeValidation, "invalid rule set", nil)
	ErrInvalidCatalog   = NewDomainError(ErrorTypeValidation, "invalid catalog", nil)

	ErrUnauthorized     = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken     = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired     = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)
	ErrForbidden        = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrDuplicateRecord  = NewDomainError(ErrorTypeConflict, "evidence record already exists", nil)
	ErrInternal         = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError    = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrRecorderStopped  = NewDomainError(ErrorTypeInternal, "evidence recorder is not running", nil)
	ErrRecorderFull     = NewDomainError(ErrorTypeInternal, "evidence recorder buffer full", nil)
)

// NewCatalogResolutionError reports an unknown or ambiguous catalog reference.
func NewCatalogResolutionError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeCatalogResolution, message, err)
}

// NewCompilationError reports a plan the compiler refuses to express.
func NewCompilationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeCompilation, message, err)
}

// NewExecutionError reports a delegated engine failure, tagged with the SQL hash for correlation.
func NewExecutionError(sqlHash string, err error) *DomainError {
	msg := "query execution failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "query execution timed out"
	}
	return NewDomainError(ErrorTypeExecution, msg, err).WithDetail("sql_hash", sqlHash)
}

// NewEvidenceConstructionError reports a broken internal invariant.
func NewEvidenceConstructionError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeEvidenceConstruction, message, err)
}

// Error type checking helper functions

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsCatalogResolutionError checks if an error is an unknown/ambiguous reference
func IsCatalogResolutionError(err error) bool { return isType(err, ErrorTypeCatalogResolution) }

// IsCompilationError checks if an error came from the SQL compiler
func IsCompilationError(err error) bool { return isType(err, ErrorTypeCompilation) }

// IsExecutionError checks if an error came from the analytics engine
func IsExecutionError(err error) bool { return isType(err, ErrorTypeExecution) }

// IsEvidenceConstructionError checks if an error is an evidence invariant violation
func IsEvidenceConstructionError(err error) bool {
	return isType(err, ErrorTypeEvidenceConstruction)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return isType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return isType(err, ErrorTypeForbidden) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return isType(err, ErrorTypeConflict) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return isType(err, ErrorTypeInternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
