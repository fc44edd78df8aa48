package profilesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/syncutil"
)

const (
	DefaultSweepInterval = 15 * time.Second
	DefaultSweepBatch    = 100
)

// Timer periodically runs the deferred work persisted on records: pending
// verifications, retries and delayed syncs. Because the schedule lives on
// the record, work planned before a restart is picked up by the first sweep.
type Timer struct {
	store        profile.Store
	orchestrator *Orchestrator
	scheduler    *Scheduler
	locks        *syncutil.KeyedMutex
	interval     time.Duration
	batch        int
	logger       *slog.Logger
	stop         chan struct{}
	stopOnce     sync.Once
	running      atomic.Bool
	now          func() time.Time
}

// NewTimer creates a sweep timer. locks must be the lock set shared with the
// Receiver.
func NewTimer(store profile.Store, orchestrator *Orchestrator, scheduler *Scheduler, locks *syncutil.KeyedMutex, logger *slog.Logger) *Timer {
	return &Timer{
		store:        store,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		locks:        locks,
		interval:     DefaultSweepInterval,
		batch:        DefaultSweepBatch,
		logger:       logger,
		stop:         make(chan struct{}),
		now:          time.Now,
	}
}

// WithInterval sets the sweep period.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBatch sets how many due records one sweep handles.
func (t *Timer) WithBatch(n int) *Timer {
	if n > 0 {
		t.batch = n
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start recovers lost verifications, sweeps once, then sweeps on every tick
// until ctx is done or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx, true)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx, false)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context, withRecovery bool) {
	defer func() {
		if r := recover(); r != nil {
			sweepErrors.Inc()
			t.logger.Error("panic in sync sweep", "panic", fmt.Sprint(r))
		}
	}()
	if withRecovery {
		if _, err := t.scheduler.Recover(ctx, t.batch); err != nil {
			sweepErrors.Inc()
			t.logger.Warn("pending sync recovery failed", "error", err)
		}
	}
	if _, err := t.Sweep(ctx); err != nil {
		sweepErrors.Inc()
		t.logger.Warn("sync sweep failed", "error", err)
	}
}

// Sweep dispatches every due action, oldest first, and returns how many were
// dispatched.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	due, err := t.store.ListDue(ctx, t.now(), t.batch)
	if err != nil {
		return 0, fmt.Errorf("list due: %w", err)
	}

	dispatched := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		ok, err := t.dispatchLocked(ctx, rec.CustomerID)
		if err != nil {
			sweepErrors.Inc()
			t.logger.Warn("deferred sync action failed", "customer_id", rec.CustomerID,
				"action", rec.Sync.ScheduledAction, "error", err)
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

func (t *Timer) dispatchLocked(ctx context.Context, customerID string) (bool, error) {
	unlock, err := t.locks.Lock(ctx, customerID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// The listed snapshot may be outdated by the time the lock is held.
	rec, err := t.store.Get(ctx, customerID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	now := t.now()
	if rec.Sync.NextScheduledSync == nil || rec.Sync.NextScheduledSync.After(now) {
		return false, nil
	}
	return true, t.dispatch(ctx, rec)
}

func (t *Timer) dispatch(ctx context.Context, rec *profile.Record) error {
	action := rec.Sync.ScheduledAction
	sweepDispatched.WithLabelValues(string(action)).Inc()
	log := t.logger.With("customer_id", rec.CustomerID, "action", action)

	if rec.IsArchived() {
		log.Info("dropping deferred action of archived record")
		return t.clearSchedule(ctx, rec.CustomerID)
	}

	switch action {
	case profile.ActionVerify:
		_, _, err := t.scheduler.Verify(ctx, rec.CustomerID, rec.Sync.ActiveSyncID)
		return err

	case profile.ActionRetry, profile.ActionDelayedSync:
		priority := rec.Sync.Priority
		if action == profile.ActionRetry {
			priority = profile.PriorityHigh
		}
		attempt := rec.Sync.AttemptNumber
		if attempt < 1 {
			attempt = 1
		}
		res, err := t.orchestrator.Orchestrate(ctx, Request{
			CustomerID: rec.CustomerID,
			Reason:     string(action) + ": " + rec.Sync.ScheduledReason,
			Priority:   priority,
			Actor:      profile.System("sync_timer"),
			Attempt:    attempt,
		})
		if err != nil {
			// A request that can never be sent: drop it rather than retry it forever.
			log.Error("deferred sync cannot be orchestrated", "error", err)
			return t.clearSchedule(ctx, rec.CustomerID)
		}
		if !res.Success {
			_, ferr := t.scheduler.HandleSyncFailure(ctx, FailureRequest{
				CustomerID: rec.CustomerID,
				SyncID:     res.SyncID,
				Error:      res.Err().Error(),
				Attempt:    attempt,
			})
			return ferr
		}
		log.Info("deferred sync dispatched", "outcome", res.Outcome, "sync_id", res.SyncID, "attempt", attempt)
		return nil

	default:
		log.Warn("unknown deferred action, clearing it")
		return t.clearSchedule(ctx, rec.CustomerID)
	}
}

func (t *Timer) clearSchedule(ctx context.Context, customerID string) error {
	_, err := profile.Update(ctx, t.store, customerID, func(rec *profile.Record) (*profile.Record, error) {
		if rec == nil || rec.Sync.NextScheduledSync == nil {
			return nil, profile.ErrNoChange
		}
		rec.ClearSchedule()
		return rec, nil
	})
	return err
}
