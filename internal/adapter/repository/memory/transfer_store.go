package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

// transferStore implements domain.TransferRepository in process memory
type transferStore struct {
	mu        sync.RWMutex
	transfers map[uuid.UUID]*domain.TransferRequest
	active    map[uuid.UUID]uuid.UUID // source account -> transfer
	now       func() time.Time
}

// NewTransferStore creates an empty in-memory transfer store
func NewTransferStore() domain.TransferRepository {
	return &transferStore{
		transfers: make(map[uuid.UUID]*domain.TransferRequest),
		active:    make(map[uuid.UUID]uuid.UUID),
		now:       time.Now,
	}
}

// Create stores a new transfer, enforcing one active transfer per account
func (s *transferStore) Create(ctx context.Context, transfer *domain.TransferRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.active[transfer.SourceAccountID]; ok {
		return &domain.ConflictError{AccountID: transfer.SourceAccountID, ActiveTransferID: existing}
	}

	stored := transfer.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	s.transfers[stored.ID] = stored
	if stored.Status.IsActive() {
		s.active[stored.SourceAccountID] = stored.ID
	}
	return nil
}

// GetByID retrieves a copy of a transfer
func (s *transferStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transfer, ok := s.transfers[id]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	return transfer.Clone(), nil
}

// GetActiveByAccount retrieves the account's active transfer, or nil
func (s *transferStore) GetActiveByAccount(ctx context.Context, accountID uuid.UUID) (*domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[accountID]
	if !ok {
		return nil, nil
	}
	return s.transfers[id].Clone(), nil
}

// UpdateStatus changes status and releases the slot on terminal statuses
func (s *transferStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TransferStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfers[id]
	if !ok {
		return domain.ErrTransferNotFound
	}
	transfer.Status = status
	transfer.FailureReason = reason
	transfer.UpdatedAt = s.now()

	if status.IsTerminal() && s.active[transfer.SourceAccountID] == id {
		delete(s.active, transfer.SourceAccountID)
	}
	return nil
}

// UpdateProgress stores a progress snapshot, refusing to move backwards
func (s *transferStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.ProgressState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transfer, ok := s.transfers[id]
	if !ok {
		return domain.ErrTransferNotFound
	}
	if progress.Percentage < transfer.Progress.Percentage {
		return domain.ErrProgressRegression
	}
	progress.VerifiedLevels = append([]int(nil), progress.VerifiedLevels...)
	transfer.Progress = progress
	transfer.UpdatedAt = s.now()
	return nil
}

// ListStale returns active transfers idle since before the cutoff
func (s *transferStore) ListStale(ctx context.Context, before time.Time) ([]*domain.TransferRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := make([]*domain.TransferRequest, 0)
	for _, id := range s.active {
		transfer := s.transfers[id]
		if transfer.Status == domain.TransferStatusFinalizing {
			continue
		}
		if transfer.UpdatedAt.Before(before) {
			stale = append(stale, transfer.Clone())
		}
	}
	return stale, nil
}
