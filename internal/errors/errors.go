// Package errors defines the categorized error taxonomy shared by the
// allocation engine, the scheduled jobs and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/memefolio/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents failures of an external feed, aggregator or ledger
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents persistence errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryDomain represents business-rule failures of a purchase
	CategoryDomain ErrorCategory = "domain"
)

// Error codes for the allocation and valuation engine.
const (
	CodeInsufficientBudget = "INSUFFICIENT_BUDGET"
	CodeNoViableAssets     = "NO_VIABLE_ASSETS"
	CodeRouteUnavailable   = "ROUTE_UNAVAILABLE"
	CodeSwapExecution      = "SWAP_EXECUTION_FAILED"
	CodeWalletFunding      = "WALLET_FUNDING_FAILED"
	CodeExternalFeed       = "EXTERNAL_FEED_FAILURE"
	CodePersistence        = "PERSISTENCE_FAILURE"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeConflict           = "CONFLICT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL_ERROR"
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

// Engine errors

// NewInsufficientBudgetError is returned when total < count*minimum. Never retried.
func NewInsufficientBudgetError(total, required string, count int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDomain,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientBudget,
		Message:    fmt.Sprintf("budget %s is below the required minimum %s for %d assets", total, required, count),
		Details: map[string]interface{}{
			"total":    total,
			"required": required,
			"count":    count,
		},
	}
}

// NewNoViableAssetsError is returned when no candidate passed the route check
func NewNoViableAssetsError(candidates int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDomain,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNoViableAssets,
		Message:    fmt.Sprintf("no viable assets found among %d candidates", candidates),
		Details: map[string]interface{}{
			"candidates": candidates,
		},
	}
}

// NewRouteUnavailableError describes a failed route check for one asset
func NewRouteUnavailableError(assetID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeRouteUnavailable,
		Message:    fmt.Sprintf("no executable route for asset %s", assetID),
		Cause:      cause,
		Details: map[string]interface{}{
			"assetId": assetID,
		},
	}
}

// NewSwapExecutionError describes a swap that failed after all retries
func NewSwapExecutionError(assetID string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeSwapExecution,
		Message:    fmt.Sprintf("swap into %s failed after %d attempts", assetID, attempts),
		Cause:      cause,
		Details: map[string]interface{}{
			"assetId":  assetID,
			"attempts": attempts,
		},
	}
}

// NewWalletFundingError describes a treasury top-up that failed after all retries
func NewWalletFundingError(wallet string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeWalletFunding,
		Message:    fmt.Sprintf("funding wallet %s failed after %d attempts", wallet, attempts),
		Cause:      cause,
		Details: map[string]interface{}{
			"wallet":   wallet,
			"attempts": attempts,
		},
	}
}

// NewExternalFeedError describes a price feed failure
func NewExternalFeedError(feed string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeExternalFeed,
		Message:    fmt.Sprintf("external feed failure: %s", feed),
		Cause:      cause,
		Details: map[string]interface{}{
			"feed": feed,
		},
	}
}

// NewPersistenceError wraps a storage failure
func NewPersistenceError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodePersistence,
		Message:    fmt.Sprintf("persistence failure during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Request errors

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
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
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	category := CategorySystem
	status := http.StatusInternalServerError

	switch err.Code {
	case CodeNotFound, "USER_NOT_FOUND", "ASSET_NOT_FOUND":
		category, status = CategoryNotFound, http.StatusNotFound
	case CodeInvalidParameter:
		category, status = CategoryValidation, http.StatusBadRequest
	case CodeConflict:
		category, status = CategoryConflict, http.StatusConflict
	case CodeUnauthorized:
		category, status = CategoryAuthorization, http.StatusUnauthorized
	}

	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// HasCode reports whether err, or anything it wraps, is a CategorizedError with the given code
func HasCode(err error, code string) bool {
	for err != nil {
		var catErr *CategorizedError
		if !stderrors.As(err, &catErr) {
			return false
		}
		if catErr.Code == code {
			return true
		}
		err = catErr.Cause
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

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
