package transferform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"go.uber.org/zap"
)

// SubmitTransferInput represents the transfer form as entered by the account holder
type SubmitTransferInput struct {
	SourceAccountID        uuid.UUID `validate:"required"`
	RecipientAccountNumber string    `validate:"required,max=34"`
	RecipientAccountName   string    `validate:"required,max=140"`
	BankName               string    `validate:"required,max=140"`
	RoutingIdentifier      string    `validate:"required,max=34"` // routing number or SWIFT code
	Description            string    `validate:"required,max=280"`
	Amount                 string    `validate:"required,positive_amount,money_precision"`
}

// SubmitResult carries the created transfer, or the active one the caller should resume
type SubmitResult struct {
	TransferID uuid.UUID
	Transfer   *domain.TransferRequest
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func getValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		vld := validator.New(validator.WithRequiredStructEnabled())
		errValidate = vld.RegisterValidation("positive_amount", func(fl validator.FieldLevel) bool {
			str := fl.Field().String()
			if str == "" {
				return true // required reports empty amounts
			}
			d, err := decimal.NewFromString(str)
			if err != nil {
				return false
			}
			return d.IsPositive()
		})
		if errValidate == nil {
			errValidate = vld.RegisterValidation("money_precision", func(fl validator.FieldLevel) bool {
				d, err := decimal.NewFromString(fl.Field().String())
				if err != nil {
					return true // positive_amount reports unparsable amounts
				}
				return domain.HasMoneyPrecision(d)
			})
		}
		validate = vld
	})
	return validate, errValidate
}

// TransferFormService validates transfer input and hands it to the transfer store
type TransferFormService struct {
	TransferRepo domain.TransferRepository
	Ledger       domain.Ledger
	Logger       *zap.Logger
}

// NewTransferFormService creates a new TransferFormService instance
func NewTransferFormService(transferRepo domain.TransferRepository, ledger domain.Ledger, logger *zap.Logger) *TransferFormService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferFormService{
		TransferRepo: transferRepo,
		Ledger:       ledger,
		Logger:       logger,
	}
}

// Submit creates a transfer request in the created state.
// Logic:
//  1. Trim and validate every field; the amount must be a positive number with at most 2 decimal places
//  2. If the account already has an active transfer, return a *domain.ConflictError naming it
//  3. Refuse amounts above the current balance with domain.ErrInsufficientFunds
//  4. Create the request; the balance is not touched until the engine finalizes
func (s *TransferFormService) Submit(ctx context.Context, input SubmitTransferInput) (*SubmitResult, error) {
	input = normalize(input)

	// 1. Validate input
	if err := validateInput(input); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(input.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount must be a number", domain.ErrInvalidTransfer)
	}

	// 2. Conflict check
	active, err := s.TransferRepo.GetActiveByAccount(ctx, input.SourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active transfer: %w", err)
	}
	if active != nil {
		return nil, &domain.ConflictError{AccountID: input.SourceAccountID, ActiveTransferID: active.ID}
	}

	// 3. Funds check
	balance, err := s.Ledger.GetBalance(ctx, input.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(balance) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", domain.ErrInsufficientFunds, balance.StringFixed(2), amount.StringFixed(2))
	}

	// 4. Create
	now := time.Now()
	transfer := &domain.TransferRequest{
		ID:                     uuid.New(),
		SourceAccountID:        input.SourceAccountID,
		RecipientAccountNumber: input.RecipientAccountNumber,
		RecipientAccountName:   input.RecipientAccountName,
		BankName:               input.BankName,
		RoutingIdentifier:      input.RoutingIdentifier,
		Description:            input.Description,
		Amount:                 amount,
		Status:                 domain.TransferStatusCreated,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := transfer.Validate(); err != nil {
		return nil, err
	}

	// The store re-enforces the single active slot against concurrent submits
	if err := s.TransferRepo.Create(ctx, transfer); err != nil {
		return nil, err
	}

	s.Logger.Info("transfer request created",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("account_id", transfer.SourceAccountID.String()),
		zap.String("amount", transfer.Amount.StringFixed(2)),
	)

	return &SubmitResult{TransferID: transfer.ID, Transfer: transfer}, nil
}

// ActiveTransfer returns the account's in-flight transfer, or nil
func (s *TransferFormService) ActiveTransfer(ctx context.Context, accountID uuid.UUID) (*domain.TransferRequest, error) {
	return s.TransferRepo.GetActiveByAccount(ctx, accountID)
}

func normalize(input SubmitTransferInput) SubmitTransferInput {
	input.RecipientAccountNumber = strings.TrimSpace(input.RecipientAccountNumber)
	input.RecipientAccountName = strings.TrimSpace(input.RecipientAccountName)
	input.BankName = strings.TrimSpace(input.BankName)
	input.RoutingIdentifier = strings.TrimSpace(input.RoutingIdentifier)
	input.Description = strings.TrimSpace(input.Description)
	input.Amount = strings.TrimSpace(input.Amount)
	return input
}

func validateInput(input SubmitTransferInput) error {
	vld, err := getValidator()
	if err != nil {
		return fmt.Errorf("validator initialization failed: %w", err)
	}
	if err := vld.Struct(input); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return fieldError(validationErrors[0])
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidTransfer, err)
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := fieldNames[fe.Field()]
	if field == "" {
		field = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		if fe.Field() == "SourceAccountID" {
			return fmt.Errorf("%w: %s is required", domain.ErrInvalidTransfer, field)
		}
		return fmt.Errorf("%w: %s cannot be empty", domain.ErrInvalidTransfer, field)
	case "max":
		return fmt.Errorf("%w: %s must be at most %s characters", domain.ErrInvalidTransfer, field, fe.Param())
	case "positive_amount":
		return fmt.Errorf("%w: %s must be a positive number", domain.ErrInvalidTransfer, field)
	case "money_precision":
		return fmt.Errorf("%w: %s must have at most %d decimal places", domain.ErrInvalidTransfer, field, domain.MoneyDecimalPlaces)
	default:
		return fmt.Errorf("%w: %s is invalid", domain.ErrInvalidTransfer, field)
	}
}

var fieldNames = map[string]string{
	"SourceAccountID":        "source account",
	"RecipientAccountNumber": "recipient account number",
	"RecipientAccountName":   "recipient account name",
	"BankName":               "bank name",
	"RoutingIdentifier":      "routing identifier",
	"Description":            "description",
	"Amount":                 "amount",
}
