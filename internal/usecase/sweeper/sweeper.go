package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/simaogato/transferflow-backend/internal/usecase/progress"
	"go.uber.org/zap"
)

const TimeoutReason = "transfer timed out after inactivity"

// Abandoner is the part of the progress engine the sweeper drives
type Abandoner interface {
	Abandon(ctx context.Context, id uuid.UUID, reason string) (*progress.ProgressView, error)
}

// Sweeper abandons transfers left idle longer than the timeout so their
// account slot is released. Finalizing transfers are never swept.
type Sweeper struct {
	Transfers domain.TransferRepository
	Engine    Abandoner
	Timeout   time.Duration
	Logger    *zap.Logger

	now  func() time.Time
	cron *cron.Cron
}

// NewSweeper creates a new Sweeper instance
func NewSweeper(transfers domain.TransferRepository, engine Abandoner, timeout time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Transfers: transfers,
		Engine:    engine,
		Timeout:   timeout,
		Logger:    logger,
		now:       time.Now,
	}
}

// SweepStale abandons every stale transfer and returns how many were abandoned
func (s *Sweeper) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.Timeout)
	stale, err := s.Transfers.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale transfers: %w", err)
	}

	abandoned := 0
	for _, t := range stale {
		_, err := s.Engine.Abandon(ctx, t.ID, TimeoutReason)
		switch {
		case err == nil:
			abandoned++
			s.Logger.Info("stale transfer abandoned",
				zap.String("transfer_id", t.ID.String()),
				zap.String("status", string(t.Status)),
				zap.Time("last_update", t.UpdatedAt),
			)
		case errors.Is(err, domain.ErrTransferClosed), errors.Is(err, domain.ErrDebitAlreadyApplied):
			// Raced with completion
		default:
			s.Logger.Error("failed to abandon stale transfer", zap.String("transfer_id", t.ID.String()), zap.Error(err))
		}
	}
	return abandoned, nil
}

// Start schedules SweepStale on a cron spec such as "@every 1m"
func (s *Sweeper) Start(schedule string) error {
	logger := cronLogger{s.Logger.Sugar()}
	s.cron = cron.New(cron.WithChain(cron.Recover(logger)), cron.WithLogger(logger))

	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.SweepStale(ctx); err != nil {
			s.Logger.Error("stale transfer sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.Logger.Info("scheduled stale transfer sweep", zap.String("schedule", schedule), zap.Duration("timeout", s.Timeout))
	s.cron.Start()
	return nil
}

// Stop gracefully stops the scheduler; the returned context is done when running sweeps finish
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
