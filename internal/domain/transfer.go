package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus represents the lifecycle status of a transfer request
type TransferStatus string

const (
	TransferStatusCreated           TransferStatus = "created"
	TransferStatusInProgress        TransferStatus = "in_progress"
	TransferStatusAwaitingChallenge TransferStatus = "awaiting_challenge"
	TransferStatusFinalizing        TransferStatus = "finalizing"
	TransferStatusCompleted         TransferStatus = "completed"
	TransferStatusAbandoned         TransferStatus = "abandoned"
)

// ActiveTransferStatuses are the statuses that hold the per-account active-transfer slot
var ActiveTransferStatuses = []TransferStatus{
	TransferStatusCreated,
	TransferStatusInProgress,
	TransferStatusAwaitingChallenge,
	TransferStatusFinalizing,
}

// IsTerminal reports whether no further transition is possible
func (s TransferStatus) IsTerminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusAbandoned
}

// IsActive reports whether the status occupies the account's active slot
func (s TransferStatus) IsActive() bool {
	for _, active := range ActiveTransferStatuses {
		if s == active {
			return true
		}
	}
	return false
}

// ParseTransferStatus converts a stored status string back to a TransferStatus
func ParseTransferStatus(raw string) (TransferStatus, error) {
	status := TransferStatus(raw)
	if status.IsActive() || status.IsTerminal() {
		return status, nil
	}
	return "", fmt.Errorf("unknown transfer status %q", raw)
}

// TransferRequest is one funds movement instruction and its current state.
// At most one active TransferRequest exists per SourceAccountID.
type TransferRequest struct {
	ID                     uuid.UUID
	SourceAccountID        uuid.UUID
	RecipientAccountNumber string
	RecipientAccountName   string
	BankName               string
	RoutingIdentifier      string // routing number or SWIFT code
	Description            string
	Amount                 decimal.Decimal
	Status                 TransferStatus
	Progress               ProgressState
	FailureReason          string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// MoneyDecimalPlaces is the precision every ledger stores balances in
const MoneyDecimalPlaces = 2

// HasMoneyPrecision reports whether d is representable in ledger minor units
func HasMoneyPrecision(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyDecimalPlaces))
}

// Validate ensures the transfer request adheres to domain rules.
// Recipient routing data is checked for presence only.
func (t *TransferRequest) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: transfer id is required", ErrInvalidTransfer)
	}
	if t.SourceAccountID == uuid.Nil {
		return fmt.Errorf("%w: source account id is required", ErrInvalidTransfer)
	}

	required := []struct {
		name  string
		value string
	}{
		{"recipient account number", t.RecipientAccountNumber},
		{"recipient account name", t.RecipientAccountName},
		{"bank name", t.BankName},
		{"routing identifier", t.RoutingIdentifier},
		{"description", t.Description},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%w: %s cannot be empty", ErrInvalidTransfer, field.name)
		}
	}

	if t.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	if !HasMoneyPrecision(t.Amount) {
		return fmt.Errorf("%w: amount must have at most %d decimal places", ErrInvalidTransfer, MoneyDecimalPlaces)
	}

	if !t.Status.IsActive() && !t.Status.IsTerminal() {
		return errors.New("transfer status is not recognised: " + string(t.Status))
	}

	return t.Progress.Validate()
}

// Clone returns a deep copy so stores never share mutable slices with callers
func (t *TransferRequest) Clone() *TransferRequest {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Progress.VerifiedLevels = append([]int(nil), t.Progress.VerifiedLevels...)
	return &clone
}
