package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/simaogato/transferflow-backend/internal/usecase/progress"
	"github.com/simaogato/transferflow-backend/internal/usecase/transferform"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

// Handlers serves the transfer API for the authenticated account holder
type Handlers struct {
	FormService *transferform.TransferFormService
	Engine      *progress.Engine
	Transfers   domain.TransferRepository
	Logger      *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(formService *transferform.TransferFormService, engine *progress.Engine, transfers domain.TransferRepository, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		FormService: formService,
		Engine:      engine,
		Transfers:   transfers,
		Logger:      logger,
	}
}

type createTransferRequest struct {
	RecipientAccountNumber string `json:"recipientAccountNumber"`
	RecipientAccountName   string `json:"recipientAccountName"`
	BankName               string `json:"bankName"`
	RoutingIdentifier      string `json:"routingIdentifier"`
	Description            string `json:"description"`
	Amount                 string `json:"amount"`
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

type abandonRequest struct {
	Reason string `json:"reason"`
}

type transferResponse struct {
	ID                     string `json:"id"`
	SourceAccountID        string `json:"sourceAccountId"`
	RecipientAccountNumber string `json:"recipientAccountNumber"`
	RecipientAccountName   string `json:"recipientAccountName"`
	BankName               string `json:"bankName"`
	RoutingIdentifier      string `json:"routingIdentifier"`
	Description            string `json:"description"`
	Amount                 string `json:"amount"`
	Status                 string `json:"status"`
	Percentage             int    `json:"percentage"`
	FailureReason          string `json:"failureReason,omitempty"`
	CreatedAt              string `json:"createdAt"`
}

type challengeResponse struct {
	Level               int  `json:"level"`
	ThresholdPercentage int  `json:"thresholdPercentage"`
	Verified            bool `json:"verified"`
}

type progressResponse struct {
	TransferID            string              `json:"transferId"`
	Status                string              `json:"status"`
	Percentage            int                 `json:"percentage"`
	Message               string              `json:"message"`
	ChallengeRequired     bool                `json:"challengeRequired"`
	CurrentChallengeLevel int                 `json:"currentChallengeLevel"`
	VerifiedLevels        []int               `json:"verifiedLevels"`
	FailedAttempts        int                 `json:"failedAttempts"`
	FailureReason         string              `json:"failureReason,omitempty"`
	Challenges            []challengeResponse `json:"challenges"`
}

type submitCodeResponse struct {
	Accepted bool             `json:"accepted"`
	Progress progressResponse `json:"progress"`
}

// CreateTransferHandler submits the transfer form for the authenticated account
func (h *Handlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authorization required")
		return
	}

	var req createTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.FormService.Submit(r.Context(), transferform.SubmitTransferInput{
		SourceAccountID:        accountID,
		RecipientAccountNumber: req.RecipientAccountNumber,
		RecipientAccountName:   req.RecipientAccountName,
		BankName:               req.BankName,
		RoutingIdentifier:      req.RoutingIdentifier,
		Description:            req.Description,
		Amount:                 req.Amount,
	})
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, toTransferResponse(result.Transfer))
}

// GetActiveTransferHandler returns the account's in-flight transfer, or 204 when there is none
func (h *Handlers) GetActiveTransferHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authorization required")
		return
	}

	active, err := h.FormService.ActiveTransfer(r.Context(), accountID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if active == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respondWithJSON(w, http.StatusOK, toTransferResponse(active))
}

// GetProgressHandler returns the current progress view
func (h *Handlers) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	h.withOwnedTransfer(w, r, h.Engine.GetProgress)
}

// StartTransferHandler begins progression of a created transfer
func (h *Handlers) StartTransferHandler(w http.ResponseWriter, r *http.Request) {
	h.withOwnedTransfer(w, r, h.Engine.Start)
}

// ResendChallengeHandler issues a new code for the pending level
func (h *Handlers) ResendChallengeHandler(w http.ResponseWriter, r *http.Request) {
	h.withOwnedTransfer(w, r, h.Engine.ResendChallenge)
}

// ResumeTransferHandler reattaches to a transfer after a reload
func (h *Handlers) ResumeTransferHandler(w http.ResponseWriter, r *http.Request) {
	h.withOwnedTransfer(w, r, h.Engine.Resume)
}

// RetryFinalizeHandler retries the ledger debit of a finalizing transfer
func (h *Handlers) RetryFinalizeHandler(w http.ResponseWriter, r *http.Request) {
	h.withOwnedTransfer(w, r, h.Engine.RetryFinalize)
}

// AbandonTransferHandler abandons the transfer; the reason is optional
func (h *Handlers) AbandonTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req abandonRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.withOwnedTransfer(w, r, func(ctx context.Context, id uuid.UUID) (*progress.ProgressView, error) {
		return h.Engine.Abandon(ctx, id, req.Reason)
	})
}

// SubmitChallengeCodeHandler verifies the code for a challenge level.
// A wrong code answers 422 with accepted=false and the unchanged progress.
func (h *Handlers) SubmitChallengeCodeHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.ownedTransferID(w, r)
	if !ok {
		return
	}

	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil || level <= 0 {
		respondWithError(w, http.StatusBadRequest, "level must be a positive integer")
		return
	}

	var req submitCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "code cannot be empty")
		return
	}

	accepted, submitErr := h.Engine.SubmitChallengeCode(r.Context(), transferID, level, req.Code)
	if submitErr != nil && !errors.Is(submitErr, domain.ErrChallengeRejected) {
		h.respondWithDomainError(w, submitErr)
		return
	}

	view, err := h.Engine.GetProgress(r.Context(), transferID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	status := http.StatusOK
	if submitErr != nil {
		status = http.StatusUnprocessableEntity
	}
	respondWithJSON(w, status, submitCodeResponse{Accepted: accepted, Progress: toProgressResponse(view)})
}

func (h *Handlers) withOwnedTransfer(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, id uuid.UUID) (*progress.ProgressView, error),
) {
	transferID, ok := h.ownedTransferID(w, r)
	if !ok {
		return
	}

	view, err := op(r.Context(), transferID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, toProgressResponse(view))
}

// ownedTransferID resolves the path transfer and checks it belongs to the caller.
// Transfers of other accounts answer 404.
func (h *Handlers) ownedTransferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	accountID, ok := AccountIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authorization required")
		return uuid.Nil, false
	}

	transferID, err := uuid.Parse(chi.URLParam(r, "transferID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid transfer id")
		return uuid.Nil, false
	}

	transfer, err := h.Transfers.GetByID(r.Context(), transferID)
	if err != nil {
		h.respondWithDomainError(w, err)
		return uuid.Nil, false
	}
	if transfer.SourceAccountID != accountID {
		respondWithError(w, http.StatusNotFound, domain.ErrTransferNotFound.Error())
		return uuid.Nil, false
	}
	return transferID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func toTransferResponse(t *domain.TransferRequest) transferResponse {
	return transferResponse{
		ID:                     t.ID.String(),
		SourceAccountID:        t.SourceAccountID.String(),
		RecipientAccountNumber: t.RecipientAccountNumber,
		RecipientAccountName:   t.RecipientAccountName,
		BankName:               t.BankName,
		RoutingIdentifier:      t.RoutingIdentifier,
		Description:            t.Description,
		Amount:                 t.Amount.StringFixed(2),
		Status:                 string(t.Status),
		Percentage:             t.Progress.Percentage,
		FailureReason:          t.FailureReason,
		CreatedAt:              t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toProgressResponse(view *progress.ProgressView) progressResponse {
	challenges := make([]challengeResponse, 0, len(view.Challenges))
	for _, c := range view.Challenges {
		challenges = append(challenges, challengeResponse{
			Level:               c.Level,
			ThresholdPercentage: c.ThresholdPercentage,
			Verified:            c.Verified,
		})
	}
	verified := view.Progress.VerifiedLevels
	if verified == nil {
		verified = []int{}
	}

	return progressResponse{
		TransferID:            view.TransferID.String(),
		Status:                string(view.Status),
		Percentage:            view.Progress.Percentage,
		Message:               view.Progress.Message,
		ChallengeRequired:     view.Progress.ChallengeRequired,
		CurrentChallengeLevel: view.Progress.CurrentChallengeLevel,
		VerifiedLevels:        verified,
		FailedAttempts:        view.Progress.FailedAttempts,
		FailureReason:         view.FailureReason,
		Challenges:            challenges,
	}
}
