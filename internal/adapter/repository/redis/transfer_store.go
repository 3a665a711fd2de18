package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/simaogato/transferflow-backend/internal/domain"
)

const maxWatchRetries = 8

// createScript claims the account slot and stores the record in one step.
// Returns the id already holding the slot, or "" when the record was stored.
var createScript = redis.NewScript(`
if ARGV[3] == "1" then
  local existing = redis.call("GET", KEYS[2])
  if existing then
    return existing
  end
end
redis.call("SET", KEYS[1], ARGV[1])
if ARGV[3] == "1" then
  redis.call("SET", KEYS[2], ARGV[2])
  redis.call("SADD", KEYS[3], ARGV[2])
end
return ""
`)

// transferRecord is the persisted JSON layout of a transfer request
type transferRecord struct {
	ID                     string    `json:"id"`
	SourceAccountID        string    `json:"sourceAccountId"`
	RecipientAccountNumber string    `json:"recipientAccountNumber"`
	RecipientAccountName   string    `json:"recipientAccountName"`
	BankName               string    `json:"bankName"`
	RoutingIdentifier      string    `json:"routingIdentifier"`
	Amount                 string    `json:"amount"`
	Description            string    `json:"description"`
	Status                 string    `json:"status"`
	Percentage             int       `json:"percentage"`
	CurrentChallengeLevel  int       `json:"currentChallengeLevel"`
	VerifiedLevels         []int     `json:"verifiedLevels"`
	Message                string    `json:"message,omitempty"`
	ChallengeRequired      bool      `json:"challengeRequired"`
	FailedAttempts         int       `json:"failedAttempts"`
	ChallengeHandle        string    `json:"challengeHandle,omitempty"`
	FailureReason          string    `json:"failureReason,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// TransferStore implements domain.TransferRepository on Redis so transfers
// survive restarts and can be shared by several service instances.
type TransferStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewTransferStore creates a Redis-backed transfer store
func NewTransferStore(client redis.UniversalClient, prefix string) *TransferStore {
	return &TransferStore{
		client: client,
		prefix: normalizePrefix(prefix),
		now:    time.Now,
	}
}

func (s *TransferStore) transferKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:transfer:%s", s.prefix, id)
}

func (s *TransferStore) activeKey(accountID uuid.UUID) string {
	return fmt.Sprintf("%s:active:%s", s.prefix, accountID)
}

func (s *TransferStore) activeSetKey() string {
	return s.prefix + ":transfers:active"
}

// Create stores a new transfer, enforcing one active transfer per account
func (s *TransferStore) Create(ctx context.Context, transfer *domain.TransferRequest) error {
	stored := transfer.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	encoded, err := json.Marshal(toRecord(stored))
	if err != nil {
		return fmt.Errorf("failed to encode transfer: %w", err)
	}

	active := "0"
	if stored.Status.IsActive() {
		active = "1"
	}
	keys := []string{s.transferKey(stored.ID), s.activeKey(stored.SourceAccountID), s.activeSetKey()}
	existing, err := createScript.Run(ctx, s.client, keys, encoded, stored.ID.String(), active).Text()
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	if existing != "" {
		activeID, _ := uuid.Parse(existing)
		return &domain.ConflictError{AccountID: stored.SourceAccountID, ActiveTransferID: activeID}
	}
	return nil
}

// GetByID retrieves a transfer by its ID
func (s *TransferStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.TransferRequest, error) {
	raw, err := s.client.Get(ctx, s.transferKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return decodeTransfer(raw)
}

// GetActiveByAccount retrieves the account's active transfer, or nil
func (s *TransferStore) GetActiveByAccount(ctx context.Context, accountID uuid.UUID) (*domain.TransferRequest, error) {
	raw, err := s.client.Get(ctx, s.activeKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active transfer: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt active transfer id %q: %w", raw, err)
	}
	return s.GetByID(ctx, id)
}

// UpdateStatus changes status and releases the slot on terminal statuses
func (s *TransferStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TransferStatus, reason string) error {
	return s.update(ctx, id, func(t *domain.TransferRequest) error {
		t.Status = status
		t.FailureReason = reason
		return nil
	})
}

// UpdateProgress stores a progress snapshot, refusing to move backwards
func (s *TransferStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress domain.ProgressState) error {
	return s.update(ctx, id, func(t *domain.TransferRequest) error {
		if progress.Percentage < t.Progress.Percentage {
			return domain.ErrProgressRegression
		}
		t.Progress = progress
		return nil
	})
}

// update applies mutate under WATCH so concurrent writers never interleave
func (s *TransferStore) update(ctx context.Context, id uuid.UUID, mutate func(t *domain.TransferRequest) error) error {
	key := s.transferKey(id)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrTransferNotFound
		}
		if err != nil {
			return err
		}
		t, err := decodeTransfer(raw)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()

		encoded, err := json.Marshal(toRecord(t))
		if err != nil {
			return fmt.Errorf("failed to encode transfer: %w", err)
		}

		activeKey := s.activeKey(t.SourceAccountID)
		release := false
		if t.Status.IsTerminal() {
			if err := tx.Watch(ctx, activeKey).Err(); err != nil {
				return err
			}
			holder, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			release = holder == id.String()
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if t.Status.IsTerminal() {
				if release {
					pipe.Del(ctx, activeKey)
				}
				pipe.SRem(ctx, s.activeSetKey(), id.String())
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update transfer %s: too much contention", id)
}

// ListStale returns active transfers idle since before the cutoff
func (s *TransferStore) ListStale(ctx context.Context, before time.Time) ([]*domain.TransferRequest, error) {
	ids, err := s.client.SMembers(ctx, s.activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active transfers: %w", err)
	}
	stale := make([]*domain.TransferRequest, 0)
	if len(ids) == 0 {
		return stale, nil
	}

	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		keys = append(keys, s.transferKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load active transfers: %w", err)
	}

	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		t, err := decodeTransfer([]byte(raw))
		if err != nil {
			return nil, err
		}
		if !t.Status.IsActive() || t.Status == domain.TransferStatusFinalizing {
			continue
		}
		if t.UpdatedAt.Before(before) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

func toRecord(t *domain.TransferRequest) transferRecord {
	return transferRecord{
		ID:                     t.ID.String(),
		SourceAccountID:        t.SourceAccountID.String(),
		RecipientAccountNumber: t.RecipientAccountNumber,
		RecipientAccountName:   t.RecipientAccountName,
		BankName:               t.BankName,
		RoutingIdentifier:      t.RoutingIdentifier,
		Amount:                 t.Amount.String(),
		Description:            t.Description,
		Status:                 string(t.Status),
		Percentage:             t.Progress.Percentage,
		CurrentChallengeLevel:  t.Progress.CurrentChallengeLevel,
		VerifiedLevels:         append([]int{}, t.Progress.VerifiedLevels...),
		Message:                t.Progress.Message,
		ChallengeRequired:      t.Progress.ChallengeRequired,
		FailedAttempts:         t.Progress.FailedAttempts,
		ChallengeHandle:        t.Progress.ChallengeHandle,
		FailureReason:          t.FailureReason,
		CreatedAt:              t.CreatedAt,
		UpdatedAt:              t.UpdatedAt,
	}
}

func decodeTransfer(raw []byte) (*domain.TransferRequest, error) {
	var rec transferRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode transfer: %w", err)
	}

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transfer id: %w", err)
	}
	accountID, err := uuid.Parse(rec.SourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode source account id: %w", err)
	}
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to decode amount: %w", err)
	}
	status, err := domain.ParseTransferStatus(rec.Status)
	if err != nil {
		return nil, err
	}

	var verified []int
	if len(rec.VerifiedLevels) > 0 {
		verified = rec.VerifiedLevels
	}
	return &domain.TransferRequest{
		ID:                     id,
		SourceAccountID:        accountID,
		RecipientAccountNumber: rec.RecipientAccountNumber,
		RecipientAccountName:   rec.RecipientAccountName,
		BankName:               rec.BankName,
		RoutingIdentifier:      rec.RoutingIdentifier,
		Description:            rec.Description,
		Amount:                 amount,
		Status:                 status,
		Progress: domain.ProgressState{
			Percentage:            rec.Percentage,
			Message:               rec.Message,
			CurrentChallengeLevel: rec.CurrentChallengeLevel,
			ChallengeRequired:     rec.ChallengeRequired,
			VerifiedLevels:        verified,
			FailedAttempts:        rec.FailedAttempts,
			ChallengeHandle:       rec.ChallengeHandle,
		},
		FailureReason: rec.FailureReason,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}
