package api

import (
	"errors"
	"net/http"

	"github.com/atmx/lending-engine/internal/currency"
	"github.com/atmx/lending-engine/internal/limits"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/token"
)

// errorResponse tells clients whether resubmitting with different
// parameters can succeed.
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps ledger error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotInitialized),
		errors.Is(err, model.ErrInvalidLoanState),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyInitialized),
		errors.Is(err, model.ErrLoanAlreadyExists),
		model.Retryable(err),
		errors.Is(err, model.ErrNotLiquidatable),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, limits.ErrLoanCapExceeded),
		errors.Is(err, limits.ErrUtilizationCapExceeded):
		return http.StatusConflict
	case errors.Is(err, model.ErrNegativeAmount),
		errors.Is(err, model.ErrArithmeticOverflow),
		errors.Is(err, model.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, currency.ErrInvalidTicker),
		errors.Is(err, currency.ErrInvalidHandle):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNoPriceAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Retryable: model.Retryable(err)})
}
