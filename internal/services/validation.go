package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/bankstack/backend/internal/ledger"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error     string            `json:"error"`               // Error message
	Details   map[string]string `json:"details,omitempty"`   // Validation details
	Retryable bool              `json:"retryable,omitempty"` // Whether retrying may succeed
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(validationErr, &validationErrs) {
			errorResp.Details = make(map[string]string)
			for _, err := range validationErrs {
				errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
			}
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendLedgerError maps a ledger failure onto an HTTP response carrying
// enough detail for the caller to decide whether to retry.
func SendLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "Failed to process transfer"

	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrSameAccount):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, ledger.ErrAccountDisabled), errors.Is(err, ledger.ErrCurrencyMismatch):
		status = http.StatusUnprocessableEntity
		message = err.Error()
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status = http.StatusUnprocessableEntity
		message = err.Error()
	case errors.Is(err, ledger.ErrConcurrentModification):
		status = http.StatusConflict
		message = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Retryable: ledger.Retryable(err)})
}
