package progress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"go.uber.org/zap"
)

// driver is the tick loop of one transfer.
// wake resumes a driver parked on a pending challenge.
// lease is nil when the engine has no Leases configured.
type driver struct {
	cancel context.CancelFunc
	wake   chan struct{}
	lease  domain.Lease
}

// launchDriver starts the tick loop for a transfer, or wakes the one already running.
// It reports false when no loop runs here, including when another instance holds the driver lease.
func (e *Engine) launchDriver(id uuid.UUID, delay time.Duration) bool {
	if !e.cfg.AutoAdvance {
		return false
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if existing, ok := e.drivers[id]; ok {
		existing.signal()
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()

	lease, err := e.acquireLease(id)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			e.Logger.Debug("transfer is driven by another instance", zap.String("transfer_id", id.String()))
		} else {
			e.Logger.Warn("failed to acquire driver lease", zap.String("transfer_id", id.String()), zap.Error(err))
		}
		return false
	}

	e.mu.Lock()
	existing, running := e.drivers[id]
	if e.closed || running {
		closed := e.closed
		if running {
			existing.signal()
		}
		e.mu.Unlock()
		e.releaseLease(id, lease)
		return running && !closed
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	d := &driver{cancel: cancel, wake: make(chan struct{}, 1), lease: lease}
	e.drivers[id] = d
	e.wg.Add(1)
	e.mu.Unlock()

	go e.drive(ctx, id, d, delay)
	return true
}

func (d *driver) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) drive(ctx context.Context, id uuid.UUID, d *driver, delay time.Duration) {
	defer e.wg.Done()
	defer e.releaseDriver(ctx, id, d)

	var renewC <-chan time.Time
	if d.lease != nil {
		renew := time.NewTicker(e.cfg.DriverLeaseTTL / 3)
		defer renew.Stop()
		renewC = renew.C
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
	settle:
		for {
			select {
			case <-ctx.Done():
				return
			case <-renewC:
				if !e.renewLease(ctx, id, d) {
					return
				}
			case <-timer.C:
				break settle
			}
		}
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renewC:
			if !e.renewLease(ctx, id, d) {
				return
			}
			continue
		case <-ticker.C:
		}

		view, err := e.Tick(ctx, id)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, domain.ErrTransferClosed) {
				e.Logger.Warn("transfer driver stopped", zap.String("transfer_id", id.String()), zap.Error(err))
			}
			return
		}

		switch view.Status {
		case domain.TransferStatusInProgress:
			continue
		case domain.TransferStatusAwaitingChallenge:
			if !e.park(ctx, id, d, renewC) {
				return
			}
			ticker.Reset(e.cfg.TickInterval)
		default:
			return
		}
	}
}

// park suspends ticking until the pending code is accepted. With leases the
// code may be accepted on another instance, so the store is polled as well.
func (e *Engine) park(ctx context.Context, id uuid.UUID, d *driver, renewC <-chan time.Time) bool {
	var pollC <-chan time.Time
	if d.lease != nil {
		poll := time.NewTicker(e.cfg.ParkPollInterval)
		defer poll.Stop()
		pollC = poll.C
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-d.wake:
			return true
		case <-renewC:
			if !e.renewLease(ctx, id, d) {
				return false
			}
		case <-pollC:
			t, err := e.Transfers.GetByID(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					e.Logger.Warn("parked transfer driver stopped", zap.String("transfer_id", id.String()), zap.Error(err))
				}
				return false
			}
			switch t.Status {
			case domain.TransferStatusAwaitingChallenge:
			case domain.TransferStatusInProgress:
				return true
			default:
				return false
			}
		}
	}
}

func (e *Engine) acquireLease(id uuid.UUID) (domain.Lease, error) {
	if e.Leases == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.DriverLeaseTTL/3)
	defer cancel()
	return e.Leases.TryAcquire(ctx, driverLeaseKey(id), e.cfg.DriverLeaseTTL)
}

func (e *Engine) renewLease(ctx context.Context, id uuid.UUID, d *driver) bool {
	renewCtx, cancel := context.WithTimeout(ctx, e.cfg.DriverLeaseTTL/3)
	defer cancel()
	if err := d.lease.Extend(renewCtx); err != nil {
		if ctx.Err() == nil {
			e.Logger.Warn("driver lease lost", zap.String("transfer_id", id.String()), zap.Error(err))
		}
		return false
	}
	return true
}

func (e *Engine) releaseLease(id uuid.UUID, lease domain.Lease) {
	if lease == nil {
		return
	}
	// Release must run even after the engine context is cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		e.Logger.Warn("failed to release driver lease", zap.String("transfer_id", id.String()), zap.Error(err))
	}
}

func driverLeaseKey(id uuid.UUID) string {
	return "driver:" + id.String()
}

// releaseDriver deregisters an exiting driver, relaunching if it was woken on its way out
func (e *Engine) releaseDriver(ctx context.Context, id uuid.UUID, d *driver) {
	stopped := ctx.Err() != nil

	e.mu.Lock()
	if current, ok := e.drivers[id]; ok && current == d {
		delete(e.drivers, id)
	}
	woken := len(d.wake) > 0
	closed := e.closed
	e.mu.Unlock()

	d.cancel()
	e.releaseLease(id, d.lease)
	if woken && !closed && !stopped {
		e.launchDriver(id, 0)
	}
}

func (e *Engine) stopDriver(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if d, ok := e.drivers[id]; ok {
		d.cancel()
		delete(e.drivers, id)
	}
}

// Running reports whether a tick loop is attached to the transfer in this engine
func (e *Engine) Running(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.drivers[id]
	return ok
}

// Close stops every driver, releases their leases and waits for pending notifications
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
}
