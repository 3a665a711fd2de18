package domain

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a customer account whose balance is owned by the ledger
type Account struct {
	ID      uuid.UUID
	Name    string
	Balance decimal.Decimal
}

// Validate ensures the account adheres to domain rules
func (a *Account) Validate() error {
	if a.ID == uuid.Nil {
		return errors.New("account id is required")
	}
	if a.Name == "" {
		return errors.New("account name cannot be empty")
	}
	if a.Balance.IsNegative() {
		return errors.New("account balance cannot be negative")
	}
	return nil
}
