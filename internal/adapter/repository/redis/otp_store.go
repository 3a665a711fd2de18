package redis

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// OTPOptions configures code lifetime and attempt limits
type OTPOptions struct {
	TTL         time.Duration
	MaxAttempts int
	Digits      int
	HashCost    int
}

// DefaultOTPOptions returns a 6-digit code valid for 10 minutes with 3 tries
func DefaultOTPOptions() OTPOptions {
	return OTPOptions{
		TTL:         10 * time.Minute,
		MaxAttempts: 3,
		Digits:      6,
		HashCost:    bcrypt.DefaultCost,
	}
}

// OTPStore implements domain.OneTimeCodes. Only a bcrypt hash of each code is
// kept, under a key that expires with the code.
type OTPStore struct {
	client   redis.UniversalClient
	delivery domain.CodeDelivery
	prefix   string
	opts     OTPOptions
}

// NewOTPStore creates a one-time-code store that hands new codes to delivery
func NewOTPStore(client redis.UniversalClient, delivery domain.CodeDelivery, prefix string, opts OTPOptions) *OTPStore {
	defaults := DefaultOTPOptions()
	if opts.TTL <= 0 {
		opts.TTL = defaults.TTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Digits <= 0 {
		opts.Digits = defaults.Digits
	}
	if opts.HashCost == 0 {
		opts.HashCost = defaults.HashCost
	}
	return &OTPStore{
		client:   client,
		delivery: delivery,
		prefix:   normalizePrefix(prefix),
		opts:     opts,
	}
}

func (s *OTPStore) codeKey(handle string) string {
	return fmt.Sprintf("%s:otp:%s", s.prefix, handle)
}

// IssueCode generates, stores and delivers a fresh code, returning its handle
func (s *OTPStore) IssueCode(ctx context.Context, destination, purpose string) (string, error) {
	code, err := generateCode(s.opts.Digits)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.opts.HashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}

	handle := uuid.NewString()
	key := s.codeKey(handle)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"hash", string(hash),
			"destination", destination,
			"purpose", purpose,
			"attempts", 0,
		)
		pipe.Expire(ctx, key, s.opts.TTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store code: %w", err)
	}

	if s.delivery != nil {
		if err := s.delivery.DeliverCode(ctx, destination, purpose, code); err != nil {
			s.client.Del(ctx, key)
			return "", fmt.Errorf("failed to deliver code: %w", err)
		}
	}
	return handle, nil
}

// VerifyCode consumes the code on success. Expired, exhausted or unknown
// handles verify as false without error.
func (s *OTPStore) VerifyCode(ctx context.Context, handle, code string) (bool, error) {
	key := s.codeKey(handle)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to load code: %w", err)
	}
	if len(fields) == 0 {
		return false, nil
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	if attempts >= s.opts.MaxAttempts {
		s.client.Del(ctx, key)
		return false, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(fields["hash"]), []byte(code)) == nil {
		// Single use: only the caller that deletes the key succeeds
		deleted, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("failed to consume code: %w", err)
		}
		return deleted == 1, nil
	}

	used, err := s.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record attempt: %w", err)
	}
	if used >= int64(s.opts.MaxAttempts) {
		s.client.Del(ctx, key)
	}
	return false, nil
}

func generateCode(digits int) (string, error) {
	if digits < 1 || digits > 18 {
		return "", errors.New("code length must be between 1 and 18 digits")
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
