package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeRunInProgress      = "RUN_IN_PROGRESS"
)

// respondServiceError maps a service error onto its status and code. Server
// side failures keep their details out of the response and go to the log.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).
			WithError(err).
			WithField("code", catErr.Code).
			Error("request failed")
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, nil)
		return
	}

	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}
