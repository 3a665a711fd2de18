package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/simaogato/transferflow-backend/internal/domain"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error            string `json:"error"`
	ActiveTransferID string `json:"activeTransferId,omitempty"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTransferConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTransferClosed),
		errors.Is(err, domain.ErrNoChallengePending),
		errors.Is(err, domain.ErrDebitAlreadyApplied),
		errors.Is(err, domain.ErrProgressRegression):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransfer):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrChallengeRejected),
		errors.Is(err, domain.ErrChallengeLevelMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrChallengeLocked):
		return http.StatusLocked
	case errors.Is(err, domain.ErrLedgerDebitFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransferNotFound),
		errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondWithDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("transfer request failed", zap.Error(err))
		respondWithError(w, status, "internal server error")
		return
	}

	body := errorResponse{Error: err.Error()}
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		body.ActiveTransferID = conflict.ActiveTransferID.String()
	}
	respondWithJSON(w, status, body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
