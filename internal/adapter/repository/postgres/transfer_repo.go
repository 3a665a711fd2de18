package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

const activeSlotConstraint = "transfers_one_active_per_account"

const transferColumns = `
	id, source_account_id, recipient_account_number, recipient_account_name,
	bank_name, routing_identifier, description, amount, status,
	percentage, message, current_challenge_level, challenge_required,
	verified_levels, failed_attempts, challenge_handle, failure_reason,
	created_at, updated_at`

// transferRepository implements domain.TransferRepository
type transferRepository struct {
	db  *DB
	now func() time.Time
}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository(db *DB) domain.TransferRepository {
	return &transferRepository{db: db, now: time.Now}
}

// Create inserts a transfer; the partial unique index enforces one active transfer per account
func (r *transferRepository) Create(ctx context.Context, transfer *domain.TransferRequest) error {
	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	updatedAt := transfer.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, query,
		transfer.ID,
		transfer.SourceAccountID,
		transfer.RecipientAccountNumber,
		transfer.RecipientAccountName,
		transfer.BankName,
		transfer.RoutingIdentifier,
		transfer.Description,
		transfer.Amount.String(),
		string(transfer.Status),
		transfer.Progress.Percentage,
		transfer.Progress.Message,
		transfer.Progress.CurrentChallengeLevel,
		transfer.Progress.ChallengeRequired,
		pq.Array(toInt64s(transfer.Progress.VerifiedLevels)),
		transfer.Progress.FailedAttempts,
		transfer.Progress.ChallengeHandle,
		transfer.FailureReason,
		transfer.CreatedAt,
		updatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeSlotConstraint) {
			conflict := &domain.ConflictError{AccountID: transfer.SourceAccountID}
			if active, lookupErr := r.GetActiveByAccount(ctx, transfer.SourceAccountID); lookupErr == nil && active != nil {
				conflict.ActiveTransferID = active.ID
			}
			return conflict
		}
		return fmt.Errorf("failed to create transfer: %w", err)
	}

	return nil
}

// GetByID retrieves a transfer by its ID
func (r *transferRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`

	transfer, err := scanTransfer(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to get transfer by ID: %w", err)
	}
	return transfer, nil
}

// GetActiveByAccount retrieves the account's active transfer, or nil
func (r *transferRepository) GetActiveByAccount(ctx context.Context, accountID uuid.UUID) (*domain.TransferRequest, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE source_account_id = $1 AND status NOT IN ('completed', 'abandoned')
	`

	transfer, err := scanTransfer(r.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active transfer: %w", err)
	}
	return transfer, nil
}

// UpdateStatus changes the status; leaving the active set frees the index slot in the same statement
func (r *transferRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TransferStatus, reason string) error {
	query := `
		UPDATE transfers
		SET status = $2, failure_reason = $3, updated_at = $4
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, string(status), reason, r.now())
	if err != nil {
		return fmt.Errorf("failed to update transfer status: %w", err)
	}
	return requireRow(result, domain.ErrTransferNotFound)
}

// UpdateProgress stores a progress snapshot; the WHERE clause refuses a lower percentage
func (r *transferRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.ProgressState) error {
	query := `
		UPDATE transfers
		SET percentage = $2, message = $3, current_challenge_level = $4, challenge_required = $5,
		    verified_levels = $6, failed_attempts = $7, challenge_handle = $8, updated_at = $9
		WHERE id = $1 AND percentage <= $2
	`

	result, err := r.db.ExecContext(ctx, query,
		id,
		progress.Percentage,
		progress.Message,
		progress.CurrentChallengeLevel,
		progress.ChallengeRequired,
		pq.Array(toInt64s(progress.VerifiedLevels)),
		progress.FailedAttempts,
		progress.ChallengeHandle,
		r.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer progress: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing transfer from a regression
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transfers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check transfer existence: %w", err)
	}
	if !exists {
		return domain.ErrTransferNotFound
	}
	return domain.ErrProgressRegression
}

// ListStale returns sweepable transfers idle since before the cutoff
func (r *transferRepository) ListStale(ctx context.Context, before time.Time) ([]*domain.TransferRequest, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status IN ('created', 'in_progress', 'awaiting_challenge') AND updated_at < $1
		ORDER BY updated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]*domain.TransferRequest, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfers: %w", err)
	}
	return transfers, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.TransferRequest, error) {
	var transfer domain.TransferRequest
	var amountStr, statusStr string
	var levels pq.Int64Array

	err := row.Scan(
		&transfer.ID,
		&transfer.SourceAccountID,
		&transfer.RecipientAccountNumber,
		&transfer.RecipientAccountName,
		&transfer.BankName,
		&transfer.RoutingIdentifier,
		&transfer.Description,
		&amountStr,
		&statusStr,
		&transfer.Progress.Percentage,
		&transfer.Progress.Message,
		&transfer.Progress.CurrentChallengeLevel,
		&transfer.Progress.ChallengeRequired,
		&levels,
		&transfer.Progress.FailedAttempts,
		&transfer.Progress.ChallengeHandle,
		&transfer.FailureReason,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Parse amount (DECIMAL)
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount: %w", err)
	}
	transfer.Amount = amount

	status, err := domain.ParseTransferStatus(statusStr)
	if err != nil {
		return nil, err
	}
	transfer.Status = status

	for _, level := range levels {
		transfer.Progress.VerifiedLevels = append(transfer.Progress.VerifiedLevels, int(level))
	}
	return &transfer, nil
}

func toInt64s(values []int) []int64 {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		out = append(out, int64(v))
	}
	return out
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
