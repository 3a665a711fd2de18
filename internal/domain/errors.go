package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrTransferConflict is matched by ConflictError; an account already has an active transfer
	ErrTransferConflict = errors.New("an active transfer already exists for this account")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransfer   = errors.New("invalid transfer")

	ErrTransferNotFound = errors.New("transfer not found")
	ErrAccountNotFound  = errors.New("account not found")

	// ErrChallengeRejected is retryable: the submitted code did not match
	ErrChallengeRejected      = errors.New("security code rejected")
	ErrChallengeLocked        = errors.New("too many failed security code attempts")
	ErrChallengeLevelMismatch = errors.New("security challenge level is not the pending level")
	ErrNoChallengePending     = errors.New("no security challenge is pending")

	ErrInvalidTransition  = errors.New("invalid transfer state transition")
	ErrTransferClosed     = errors.New("transfer is already completed or abandoned")
	ErrProgressRegression = errors.New("transfer progress cannot decrease")

	// ErrLedgerDebitFailed leaves the transfer in finalizing; only the debit step is retried
	ErrLedgerDebitFailed   = errors.New("ledger debit failed")
	ErrDebitAlreadyApplied = errors.New("ledger debit already applied for this transfer")

	ErrLeaseHeld = errors.New("lease is held by another owner")
	ErrLeaseLost = errors.New("lease expired or was taken over")
)

// ConflictError reports the transfer that currently holds an account's active slot
type ConflictError struct {
	AccountID        uuid.UUID
	ActiveTransferID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.ActiveTransferID == uuid.Nil {
		return fmt.Sprintf("%s: account %s", ErrTransferConflict, e.AccountID)
	}
	return fmt.Sprintf("%s: account %s, transfer %s", ErrTransferConflict, e.AccountID, e.ActiveTransferID)
}

// Is lets errors.Is(err, ErrTransferConflict) match a *ConflictError
func (e *ConflictError) Is(target error) bool {
	return target == ErrTransferConflict
}
