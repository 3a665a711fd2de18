package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"go.uber.org/zap"
)

const (
	MessageInitializing = "Initializing transfer"
	MessageFinalizing   = "Finalizing transfer"
	MessageCompleted    = "Transfer completed"
	MessageAbandoned    = "Transfer abandoned"
	MessageCodeRejected = "Incorrect security code, please try again"

	defaultAbandonReason = "abandoned by account holder"
	lockoutReason        = "security code attempts exhausted"
)

// Config tunes the pace and gates of the engine
type Config struct {
	Thresholds           []int
	Step                 int // percentage points per tick
	TickInterval         time.Duration
	SettleDelay          time.Duration // pause between start and the first tick
	MaxChallengeAttempts int           // failures per level before abandoning; 0 disables
	AutoAdvance          bool          // drive ticks from a goroutine; otherwise callers call Tick
	NotifyTimeout        time.Duration
	DriverLeaseTTL       time.Duration // how long a silent instance keeps a transfer's driver
	ParkPollInterval     time.Duration // store polling while parked, only with Leases
}

// DefaultConfig returns the demo pacing: 1% every 150ms after a 1.5s settle
func DefaultConfig() Config {
	return Config{
		Thresholds:           domain.DefaultChallengeThresholds,
		Step:                 1,
		TickInterval:         150 * time.Millisecond,
		SettleDelay:          1500 * time.Millisecond,
		MaxChallengeAttempts: 3,
		AutoAdvance:          true,
		NotifyTimeout:        5 * time.Second,
		DriverLeaseTTL:       15 * time.Second,
		ParkPollInterval:     time.Second,
	}
}

// ProgressView is what callers poll while a transfer runs
type ProgressView struct {
	TransferID    uuid.UUID
	Status        domain.TransferStatus
	Progress      domain.ProgressState
	Challenges    []domain.SecurityChallenge
	FailureReason string
}

// Engine drives transfers from start to a single ledger debit, pausing at each
// challenge threshold until the level's security code is verified.
// Every mutation of a transfer runs under Locker, so one writer acts on an id at a time.
// When instances share a store, Leases must be set so only one of them drives each transfer.
type Engine struct {
	Transfers domain.TransferRepository
	Ledger    domain.Ledger
	Verifier  domain.SecurityCodeVerifier
	Notifier  domain.Notifier
	Locker    domain.Locker
	Leases    domain.Leaser
	Logger    *zap.Logger

	cfg  Config
	plan domain.ChallengePlan
	now  func() time.Time

	mu      sync.Mutex
	drivers map[uuid.UUID]*driver
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates a new Engine instance
func NewEngine(
	transfers domain.TransferRepository,
	ledger domain.Ledger,
	verifier domain.SecurityCodeVerifier,
	notifier domain.Notifier,
	locker domain.Locker,
	logger *zap.Logger,
	cfg Config,
) (*Engine, error) {
	if transfers == nil || ledger == nil || verifier == nil || locker == nil {
		return nil, errors.New("progress engine requires transfers, ledger, verifier and locker")
	}
	if cfg.Step < 1 {
		return nil, errors.New("progress step must be at least 1")
	}
	if cfg.AutoAdvance && cfg.TickInterval <= 0 {
		return nil, errors.New("tick interval must be positive when auto advance is enabled")
	}
	plan, err := domain.NewChallengePlan(cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.DriverLeaseTTL <= 0 {
		cfg.DriverLeaseTTL = 15 * time.Second
	}
	if cfg.ParkPollInterval <= 0 {
		cfg.ParkPollInterval = time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Transfers: transfers,
		Ledger:    ledger,
		Verifier:  verifier,
		Notifier:  notifier,
		Locker:    locker,
		Logger:    logger,
		cfg:       cfg,
		plan:      plan,
		now:       time.Now,
		drivers:   make(map[uuid.UUID]*driver),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}, nil
}

// Plan returns the challenge gates transfers pass through
func (e *Engine) Plan() domain.ChallengePlan {
	return e.plan
}

// GetProgress returns the persisted progress of a transfer
func (e *Engine) GetProgress(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	t, err := e.Transfers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.viewOf(t), nil
}

// Start moves a created transfer to in_progress at 0%
func (e *Engine) Start(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	var view *ProgressView
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		if t.Status.IsTerminal() {
			return domain.ErrTransferClosed
		}
		if t.Status != domain.TransferStatusCreated {
			return fmt.Errorf("%w: transfer is already %s", domain.ErrInvalidTransition, t.Status)
		}

		t.Progress = domain.ProgressState{Percentage: 0, Message: MessageInitializing}
		if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
			return err
		}
		if err := e.setStatus(ctx, t, domain.TransferStatusInProgress, ""); err != nil {
			return err
		}
		view = e.viewOf(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("transfer started", zap.String("transfer_id", id.String()))
	e.launchDriver(id, e.cfg.SettleDelay)
	return view, nil
}

// Tick advances an in_progress transfer by one step.
// It is a no-op while a challenge is pending or the debit awaits retry.
func (e *Engine) Tick(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	var view *ProgressView
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		err := e.advance(ctx, t)
		view = e.viewOf(t)
		return err
	})
	return view, err
}

func (e *Engine) advance(ctx context.Context, t *domain.TransferRequest) error {
	switch t.Status {
	case domain.TransferStatusCreated:
		return fmt.Errorf("%w: transfer has not been started", domain.ErrInvalidTransition)
	case domain.TransferStatusCompleted, domain.TransferStatusAbandoned:
		return domain.ErrTransferClosed
	case domain.TransferStatusAwaitingChallenge, domain.TransferStatusFinalizing:
		return nil
	}

	next, pending := e.plan.NextPending(t.Progress)
	if pending && t.Progress.Percentage >= next.ThresholdPercentage {
		return e.pauseAt(ctx, t, next)
	}

	target := t.Progress.Percentage + e.cfg.Step
	if target > domain.MaxPercentage {
		target = domain.MaxPercentage
	}
	// Never skip a gate, however large the step
	if pending && target >= next.ThresholdPercentage {
		target = next.ThresholdPercentage
	}
	t.Progress.Percentage = target

	if pending && target == next.ThresholdPercentage {
		return e.pauseAt(ctx, t, next)
	}
	if !pending && target == domain.MaxPercentage {
		return e.finalize(ctx, t)
	}

	t.Progress.Message = fmt.Sprintf("Processing transfer (%d%%)", target)
	return e.Transfers.UpdateProgress(ctx, t.ID, t.Progress)
}

func (e *Engine) pauseAt(ctx context.Context, t *domain.TransferRequest, challenge domain.SecurityChallenge) error {
	t.Progress.ChallengeRequired = true
	t.Progress.CurrentChallengeLevel = challenge.Level
	t.Progress.FailedAttempts = 0
	t.Progress.ChallengeHandle = ""
	t.Progress.Message = fmt.Sprintf("Security verification required (level %d of %d)", challenge.Level, e.plan.Levels())

	if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
		return err
	}
	if err := e.setStatus(ctx, t, domain.TransferStatusAwaitingChallenge, ""); err != nil {
		return err
	}

	e.Logger.Info("transfer paused for security challenge",
		zap.String("transfer_id", t.ID.String()),
		zap.Int("level", challenge.Level),
		zap.Int("percentage", t.Progress.Percentage),
	)

	// A failed issue leaves the transfer paused; ResendChallenge recovers it
	if err := e.issueChallenge(ctx, t); err != nil {
		e.Logger.Warn("failed to issue security challenge",
			zap.String("transfer_id", t.ID.String()),
			zap.Int("level", challenge.Level),
			zap.Error(err),
		)
	}
	return nil
}

func (e *Engine) issueChallenge(ctx context.Context, t *domain.TransferRequest) error {
	handle, err := e.Verifier.Issue(ctx, t, t.Progress.CurrentChallengeLevel)
	if err != nil {
		return err
	}
	if handle == "" {
		return nil
	}
	t.Progress.ChallengeHandle = handle
	return e.Transfers.UpdateProgress(ctx, t.ID, t.Progress)
}

// SubmitChallengeCode verifies the code for the pending level.
// A rejected code returns ErrChallengeRejected and leaves the transfer paused at the same percentage.
func (e *Engine) SubmitChallengeCode(ctx context.Context, id uuid.UUID, level int, code string) (bool, error) {
	accepted := false
	resume := false
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		if t.Status.IsTerminal() {
			return domain.ErrTransferClosed
		}
		if t.Status != domain.TransferStatusAwaitingChallenge {
			return domain.ErrNoChallengePending
		}
		if level != t.Progress.CurrentChallengeLevel {
			return fmt.Errorf("%w: pending level is %d", domain.ErrChallengeLevelMismatch, t.Progress.CurrentChallengeLevel)
		}

		ok, err := e.Verifier.Verify(ctx, t, level, t.Progress.ChallengeHandle, code)
		if err != nil {
			return fmt.Errorf("failed to verify security code: %w", err)
		}
		if !ok {
			return e.rejectCode(ctx, t)
		}

		accepted = true
		t.Progress.MarkVerified(level)
		t.Progress.ChallengeRequired = false
		t.Progress.CurrentChallengeLevel = 0
		t.Progress.FailedAttempts = 0
		t.Progress.ChallengeHandle = ""
		t.Progress.Message = fmt.Sprintf("Security level %d verified, resuming transfer", level)

		e.Logger.Info("security challenge verified",
			zap.String("transfer_id", t.ID.String()),
			zap.Int("level", level),
		)

		if t.Progress.Percentage >= domain.MaxPercentage && e.plan.AllVerified(t.Progress) {
			return e.finalize(ctx, t)
		}

		if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
			return err
		}
		if err := e.setStatus(ctx, t, domain.TransferStatusInProgress, ""); err != nil {
			return err
		}
		resume = true
		return nil
	})

	if resume {
		e.launchDriver(id, 0)
	}
	if errors.Is(err, domain.ErrChallengeLocked) {
		e.stopDriver(id)
	}
	return accepted, err
}

func (e *Engine) rejectCode(ctx context.Context, t *domain.TransferRequest) error {
	t.Progress.FailedAttempts++

	e.Logger.Warn("security code rejected",
		zap.String("transfer_id", t.ID.String()),
		zap.Int("level", t.Progress.CurrentChallengeLevel),
		zap.Int("failed_attempts", t.Progress.FailedAttempts),
	)

	if e.cfg.MaxChallengeAttempts > 0 && t.Progress.FailedAttempts >= e.cfg.MaxChallengeAttempts {
		if err := e.abandon(ctx, t, lockoutReason); err != nil {
			return err
		}
		return domain.ErrChallengeLocked
	}

	t.Progress.Message = MessageCodeRejected
	if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
		return err
	}
	return domain.ErrChallengeRejected
}

// ResendChallenge issues a new code for the pending level
func (e *Engine) ResendChallenge(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	var view *ProgressView
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		if t.Status.IsTerminal() {
			return domain.ErrTransferClosed
		}
		if t.Status != domain.TransferStatusAwaitingChallenge {
			return domain.ErrNoChallengePending
		}
		if err := e.issueChallenge(ctx, t); err != nil {
			return err
		}
		view = e.viewOf(t)
		return nil
	})
	return view, err
}

// Abandon releases the account's slot without touching the ledger
func (e *Engine) Abandon(ctx context.Context, id uuid.UUID, reason string) (*ProgressView, error) {
	var view *ProgressView
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		switch t.Status {
		case domain.TransferStatusAbandoned:
			view = e.viewOf(t)
			return nil
		case domain.TransferStatusCompleted:
			return domain.ErrTransferClosed
		case domain.TransferStatusFinalizing:
			applied, err := e.Ledger.HasDebit(ctx, idempotencyKey(t))
			if err != nil {
				return fmt.Errorf("failed to check ledger debit: %w", err)
			}
			if applied {
				return domain.ErrDebitAlreadyApplied
			}
		}

		if reason == "" {
			reason = defaultAbandonReason
		}
		if err := e.abandon(ctx, t, reason); err != nil {
			return err
		}
		view = e.viewOf(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.stopDriver(id)
	return view, nil
}

func (e *Engine) abandon(ctx context.Context, t *domain.TransferRequest, reason string) error {
	t.Progress.ChallengeRequired = false
	t.Progress.CurrentChallengeLevel = 0
	t.Progress.ChallengeHandle = ""
	t.Progress.Message = MessageAbandoned
	if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
		return err
	}
	if err := e.setStatus(ctx, t, domain.TransferStatusAbandoned, reason); err != nil {
		return err
	}

	e.Logger.Info("transfer abandoned",
		zap.String("transfer_id", t.ID.String()),
		zap.String("reason", reason),
		zap.Int("percentage", t.Progress.Percentage),
	)
	return nil
}

// Resume reattaches to a transfer from its persisted state after an interruption
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	var view *ProgressView
	relaunch := false
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		switch t.Status {
		case domain.TransferStatusCompleted, domain.TransferStatusAbandoned:
			return domain.ErrTransferClosed
		case domain.TransferStatusInProgress:
			relaunch = true
		case domain.TransferStatusAwaitingChallenge:
			if t.Progress.ChallengeHandle == "" {
				if err := e.issueChallenge(ctx, t); err != nil {
					e.Logger.Warn("failed to reissue security challenge on resume",
						zap.String("transfer_id", t.ID.String()),
						zap.Error(err),
					)
				}
			}
		}
		view = e.viewOf(t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("transfer resumed",
		zap.String("transfer_id", id.String()),
		zap.String("status", string(view.Status)),
		zap.Int("percentage", view.Progress.Percentage),
	)
	if relaunch {
		e.launchDriver(id, e.cfg.SettleDelay)
	}
	return view, nil
}

// RetryFinalize retries only the ledger debit of a transfer stuck in finalizing
func (e *Engine) RetryFinalize(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	var view *ProgressView
	err := e.withTransfer(ctx, id, func(ctx context.Context, t *domain.TransferRequest) error {
		if t.Status.IsTerminal() {
			return domain.ErrTransferClosed
		}
		if t.Status != domain.TransferStatusFinalizing {
			return fmt.Errorf("%w: transfer is %s, not finalizing", domain.ErrInvalidTransition, t.Status)
		}
		err := e.finalize(ctx, t)
		view = e.viewOf(t)
		return err
	})
	return view, err
}

// finalize performs the single debit; a failure keeps the transfer in finalizing
func (e *Engine) finalize(ctx context.Context, t *domain.TransferRequest) error {
	t.Progress.Percentage = domain.MaxPercentage
	t.Progress.ChallengeRequired = false
	t.Progress.CurrentChallengeLevel = 0
	t.Progress.Message = MessageFinalizing
	if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
		return err
	}
	if t.Status != domain.TransferStatusFinalizing {
		if err := e.setStatus(ctx, t, domain.TransferStatusFinalizing, ""); err != nil {
			return err
		}
	}

	balance, err := e.Ledger.Debit(ctx, t.SourceAccountID, t.Amount, idempotencyKey(t))
	if err != nil {
		reason := err.Error()
		if statusErr := e.setStatus(ctx, t, domain.TransferStatusFinalizing, reason); statusErr != nil {
			e.Logger.Error("failed to record debit failure",
				zap.String("transfer_id", t.ID.String()),
				zap.Error(statusErr),
			)
		}
		e.Logger.Warn("ledger debit failed, transfer awaits retry",
			zap.String("transfer_id", t.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", domain.ErrLedgerDebitFailed, err)
	}

	t.Progress.Message = MessageCompleted
	if err := e.Transfers.UpdateProgress(ctx, t.ID, t.Progress); err != nil {
		return err
	}
	if err := e.setStatus(ctx, t, domain.TransferStatusCompleted, ""); err != nil {
		return err
	}

	e.Logger.Info("transfer completed",
		zap.String("transfer_id", t.ID.String()),
		zap.String("amount", t.Amount.String()),
		zap.String("balance", balance.String()),
	)
	e.notifyCompleted(t)
	return nil
}

// RecoverActive relaunches drivers for in_progress transfers after a restart.
// Transfers whose driver lease is held by another instance are left to it.
func (e *Engine) RecoverActive(ctx context.Context) (int, error) {
	active, err := e.Transfers.ListStale(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list active transfers: %w", err)
	}
	recovered := 0
	for _, t := range active {
		if t.Status != domain.TransferStatusInProgress {
			continue
		}
		if e.launchDriver(t.ID, e.cfg.SettleDelay) {
			recovered++
		}
	}
	return recovered, nil
}

func (e *Engine) notifyCompleted(t *domain.TransferRequest) {
	if e.Notifier == nil {
		return
	}
	notification := domain.Notification{
		AccountID: t.SourceAccountID,
		Title:     "Transfer completed",
		Message: fmt.Sprintf("Your transfer of %s to %s (%s) has been completed.",
			t.Amount.StringFixed(2), t.RecipientAccountName, t.RecipientAccountNumber),
		Kind:      domain.NotificationKindSuccess,
		CreatedAt: e.now(),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
		defer cancel()
		if err := e.Notifier.Notify(ctx, notification); err != nil {
			e.Logger.Warn("failed to send transfer notification",
				zap.String("transfer_id", t.ID.String()),
				zap.String("account_id", notification.AccountID.String()),
				zap.String("kind", string(notification.Kind)),
				zap.Error(err),
			)
		}
	}()
}

func (e *Engine) setStatus(ctx context.Context, t *domain.TransferRequest, status domain.TransferStatus, reason string) error {
	if err := e.Transfers.UpdateStatus(ctx, t.ID, status, reason); err != nil {
		return err
	}
	t.Status = status
	t.FailureReason = reason
	return nil
}

func (e *Engine) withTransfer(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, t *domain.TransferRequest) error) error {
	return e.Locker.WithLock(ctx, "transfer:"+id.String(), func(ctx context.Context) error {
		t, err := e.Transfers.GetByID(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, t)
	})
}

func (e *Engine) viewOf(t *domain.TransferRequest) *ProgressView {
	progress := t.Progress
	progress.VerifiedLevels = append([]int(nil), t.Progress.VerifiedLevels...)
	return &ProgressView{
		TransferID:    t.ID,
		Status:        t.Status,
		Progress:      progress,
		Challenges:    e.plan.Snapshot(t.Progress),
		FailureReason: t.FailureReason,
	}
}

func idempotencyKey(t *domain.TransferRequest) string {
	return "transfer:" + t.ID.String()
}
