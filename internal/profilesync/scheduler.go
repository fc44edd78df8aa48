package profilesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/traces"
)

// DefaultMaxRetries bounds the automatic retries of one sync cycle.
const DefaultMaxRetries = 3

// ErrorTimeout is the cause recorded when no payload arrived in time.
const ErrorTimeout = "timeout"

// maxErrorLog bounds the failures kept on a record; the oldest are evicted.
const maxErrorLog = 50

var verificationDelays = map[profile.Priority]time.Duration{
	profile.PriorityUrgent: 2 * time.Minute,
	profile.PriorityHigh:   5 * time.Minute,
	profile.PriorityMedium: 10 * time.Minute,
	profile.PriorityLow:    30 * time.Minute,
}

// VerificationDelay is how long a sync attempt may stay pending before it is
// treated as timed out. Unknown priorities wait as long as medium ones.
func VerificationDelay(p profile.Priority) time.Duration {
	if d, ok := verificationDelays[p]; ok {
		return d
	}
	return verificationDelays[profile.PriorityMedium]
}

// RetryBackoff is the wait before retrying after failed attempt n:
// 2, 4 and 8 minutes for attempts 1, 2 and 3.
func RetryBackoff(attempt int) time.Duration {
	return retry.Exponential(attempt, time.Minute)
}

// FailureRequest reports a failed sync attempt.
type FailureRequest struct {
	CustomerID string
	SyncID     string
	Error      string
	Attempt    int
	// MaxRetries overrides the scheduler default when positive.
	MaxRetries int
}

// FailureOutcome says what the scheduler did with a failure.
type FailureOutcome struct {
	Terminal bool `json:"terminal"`
	// Duplicate is set when this (syncId, attempt) was already handled.
	Duplicate bool `json:"duplicate"`
	// Stale is set when the failure belongs to an attempt that no longer
	// drives the record. It is logged but changes no state.
	Stale         bool       `json:"stale"`
	NextAttempt   int        `json:"nextAttempt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// Scheduler persists verification deadlines and retries and escalates sync
// cycles that exhaust their retries.
type Scheduler struct {
	store      profile.Store
	notifier   Notifier
	events     StatusEmitter
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler creates a scheduler. notifier may be nil.
func NewScheduler(store profile.Store, notifier Notifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:      store,
		notifier:   notifier,
		events:     nopEmitter{},
		maxRetries: DefaultMaxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// WithMaxRetries overrides DefaultMaxRetries.
func (s *Scheduler) WithMaxRetries(n int) *Scheduler {
	if n > 0 {
		s.maxRetries = n
	}
	return s
}

// WithEmitter sets the observer of sync state changes.
func (s *Scheduler) WithEmitter(e StatusEmitter) *Scheduler {
	s.events = emitterOrNop(e)
	return s
}

// MaxRetries reports the configured retry bound.
func (s *Scheduler) MaxRetries() int { return s.maxRetries }

// ScheduleVerification persists the verification deadline of syncID. It is a
// no-op if syncID is no longer the record's active attempt.
func (s *Scheduler) ScheduleVerification(ctx context.Context, customerID, syncID string, priority profile.Priority) error {
	now := s.now()
	at := now.Add(VerificationDelay(priority))
	_, err := profile.Update(ctx, s.store, customerID, func(rec *profile.Record) (*profile.Record, error) {
		if rec == nil {
			return nil, profile.ErrNotFound
		}
		if rec.SyncStatus != profile.SyncPending || rec.Sync.ActiveSyncID != syncID {
			return nil, profile.ErrNoChange
		}
		rec.Schedule(profile.ActionVerify, at, "verify "+syncID)
		return rec, nil
	})
	return err
}

// Verify checks a pending attempt whose deadline passed. A stale or already
// completed attempt only clears the schedule; a still-pending one is handed
// to HandleSyncFailure as a timeout. It reports whether a timeout was handled.
func (s *Scheduler) Verify(ctx context.Context, customerID, syncID string) (bool, *FailureOutcome, error) {
	rec, err := s.store.Get(ctx, customerID)
	if err != nil {
		return false, nil, err
	}
	now := s.now()

	if rec.SyncStatus != profile.SyncPending || rec.Sync.ActiveSyncID != syncID {
		s.logger.Debug("stale verification", "customer_id", customerID, "sync_id", syncID,
			"active_sync_id", rec.Sync.ActiveSyncID, "sync_status", rec.SyncStatus)
		return false, nil, s.clearVerify(ctx, customerID, syncID)
	}
	if rec.Sync.SyncExpiresAt != nil && now.Before(*rec.Sync.SyncExpiresAt) {
		return false, nil, nil
	}

	attempt := rec.Sync.AttemptNumber
	if attempt < 1 {
		attempt = 1
	}
	out, err := s.HandleSyncFailure(ctx, FailureRequest{
		CustomerID: customerID,
		SyncID:     syncID,
		Error:      ErrorTimeout,
		Attempt:    attempt,
	})
	if err != nil {
		return false, nil, err
	}
	return true, out, nil
}

func (s *Scheduler) clearVerify(ctx context.Context, customerID, syncID string) error {
	_, err := profile.Update(ctx, s.store, customerID, func(rec *profile.Record) (*profile.Record, error) {
		if rec == nil || rec.Sync.ScheduledAction != profile.ActionVerify {
			return nil, profile.ErrNoChange
		}
		if rec.SyncStatus == profile.SyncPending && rec.Sync.ActiveSyncID != syncID {
			// The newer attempt owns the schedule.
			return nil, profile.ErrNoChange
		}
		rec.ClearSchedule()
		return rec, nil
	})
	return err
}

// HandleSyncFailure records a failed attempt, then either schedules the next
// attempt after RetryBackoff or, once retries are exhausted, escalates: the
// record becomes SyncFailed and RequiresAttention, gets a high alert, and the
// notifier is called. A suspended record keeps its admin status. Handling the same (syncId, attempt) twice is a no-op.
func (s *Scheduler) HandleSyncFailure(ctx context.Context, req FailureRequest) (*FailureOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "profilesync.handle_failure",
		traces.CustomerID(req.CustomerID), traces.SyncID(req.SyncID), traces.Attempt(req.Attempt))
	defer span.End()

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.maxRetries
	}
	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}
	now := s.now()

	var out FailureOutcome
	rec, err := profile.Update(ctx, s.store, req.CustomerID, func(rec *profile.Record) (*profile.Record, error) {
		out = FailureOutcome{}
		if rec == nil {
			return nil, profile.ErrNotFound
		}
		if rec.HasFailure(req.SyncID, attempt) {
			out.Duplicate = true
			return nil, profile.ErrNoChange
		}
		rec.ErrorLog = append(rec.ErrorLog, profile.SyncError{
			Timestamp:     now,
			Error:         req.Error,
			SyncID:        req.SyncID,
			AttemptNumber: attempt,
		})
		if n := len(rec.ErrorLog); n > maxErrorLog {
			rec.ErrorLog = rec.ErrorLog[n-maxErrorLog:]
		}

		if staleFailure(rec, req.SyncID) {
			out.Stale = true
			return rec, nil
		}

		actor := profile.System("retry_scheduler").String()
		rec.ClearActiveSync()

		if attempt < maxRetries {
			next := now.Add(RetryBackoff(attempt))
			if err := rec.TransitionSync(profile.SyncScheduled); err != nil {
				return nil, err
			}
			rec.Sync.AttemptNumber = attempt + 1
			rec.Sync.Priority = profile.PriorityHigh
			rec.Schedule(profile.ActionRetry, next, fmt.Sprintf("attempt %d failed: %s", attempt, req.Error))
			rec.AppendHistory(profile.HistoryEntry{
				SyncID:    req.SyncID,
				Action:    "sync_retry_scheduled",
				Status:    string(profile.SyncScheduled),
				Reason:    req.Error,
				Actor:     actor,
				Timestamp: now,
			})
			out.NextAttempt = attempt + 1
			out.NextAttemptAt = &next
			return rec, nil
		}

		if err := rec.TransitionSync(profile.SyncFailed); err != nil {
			return nil, err
		}
		rec.ClearSchedule()
		// Escalation follows the admin lifecycle: a suspended record stays
		// suspended and is flagged through RequiresAttention and the alert.
		if rec.AdminStatus != profile.AdminRequiresAttention && !rec.IsArchived() &&
			profile.CanTransitionAdmin(rec.AdminStatus, profile.AdminRequiresAttention) {
			if err := rec.SetAdminStatus(profile.AdminRequiresAttention, profile.System("retry_scheduler"), "", now); err != nil {
				return nil, err
			}
		}
		rec.RequiresAttention = true
		rec.AddAlert(profile.AlertSyncFailure, profile.LevelHigh,
			fmt.Sprintf("synchronization failed after %d attempts: %s", attempt, req.Error), now)
		rec.AppendHistory(profile.HistoryEntry{
			SyncID:    req.SyncID,
			Action:    "sync_failed",
			Status:    string(profile.SyncFailed),
			Reason:    req.Error,
			Actor:     actor,
			Timestamp: now,
		})
		out.Terminal = true
		return rec, nil
	})
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	log := s.logger.With("customer_id", req.CustomerID, "sync_id", req.SyncID, "attempt", attempt)
	switch {
	case out.Duplicate:
		failuresTotal.WithLabelValues("duplicate").Inc()
		log.Debug("sync failure already handled")
	case out.Stale:
		failuresTotal.WithLabelValues("stale").Inc()
		log.Info("failure of superseded sync attempt logged", "error", req.Error)
	case out.Terminal:
		failuresTotal.WithLabelValues("terminal").Inc()
		log.Error("sync failed permanently", "error", req.Error, "max_retries", maxRetries)
		s.events.EmitSyncStatus(StatusChange{CustomerID: req.CustomerID, SyncID: req.SyncID, Status: profile.SyncFailed, Outcome: OutcomeFailed, At: now})
		if s.notifier != nil {
			if nerr := s.notifier.NotifySyncFailure(ctx, rec, req.SyncID, req.Error); nerr != nil {
				log.Error("admin notification failed", "error", nerr)
			}
		}
	default:
		failuresTotal.WithLabelValues("retry").Inc()
		log.Warn("sync attempt failed, retry scheduled", "error", req.Error, "next_attempt_at", out.NextAttemptAt)
		s.events.EmitSyncStatus(StatusChange{CustomerID: req.CustomerID, SyncID: req.SyncID, Status: profile.SyncScheduled, Outcome: OutcomeScheduled, At: now})
	}
	return &out, nil
}

// staleFailure reports whether syncID no longer drives rec: the cycle has
// since completed or escalated, or a different attempt is in flight.
func staleFailure(rec *profile.Record, syncID string) bool {
	if rec.SyncStatus == profile.SyncSynced || rec.SyncStatus == profile.SyncFailed {
		return true
	}
	return rec.Sync.ActiveSyncID != "" && rec.Sync.ActiveSyncID != syncID
}

// ScheduleDelayedSync plans a sync after delay. If an attempt is in flight or
// a sync is already planned it is coalesced and the returned reason says
// which; an already planned sync is only pulled forward when the new one is
// due sooner.
func (s *Scheduler) ScheduleDelayedSync(ctx context.Context, customerID string, priority profile.Priority, delay time.Duration, reason string, actor profile.Actor) (Outcome, string, error) {
	now := s.now()
	var (
		outcome Outcome
		noop    string
	)
	_, err := profile.Update(ctx, s.store, customerID, func(rec *profile.Record) (*profile.Record, error) {
		if rec == nil {
			return nil, profile.ErrNotFound
		}
		var changed bool
		outcome, noop, changed = planDelayedSync(rec, priority, now.Add(delay), reason, actor, now)
		if !changed {
			return nil, profile.ErrNoChange
		}
		return rec, nil
	})
	if err != nil {
		return "", "", err
	}
	if outcome == OutcomeScheduled {
		s.events.EmitSyncStatus(StatusChange{CustomerID: customerID, Status: profile.SyncScheduled, Outcome: outcome, At: now})
	}
	return outcome, noop, nil
}

// planDelayedSync applies a delayed-sync plan to rec. It reports the outcome,
// the no-op reason of a coalesced or ignored plan and whether rec changed.
func planDelayedSync(rec *profile.Record, priority profile.Priority, at time.Time, reason string, actor profile.Actor, now time.Time) (Outcome, string, bool) {
	if rec.IsArchived() {
		return OutcomeIgnored, ReasonRecordArchived, false
	}
	if rec.HasActiveSync(now) {
		return OutcomeCoalesced, ReasonSyncInProgress, false
	}
	planned := rec.Sync.NextScheduledSync
	if planned != nil && (rec.Sync.ScheduledAction == profile.ActionDelayedSync || rec.Sync.ScheduledAction == profile.ActionRetry) {
		if !at.Before(*planned) {
			return OutcomeCoalesced, ReasonAlreadyPlanned, false
		}
		rec.Sync.NextScheduledSync = &at
		if priority.Rank() > rec.Sync.Priority.Rank() {
			rec.Sync.Priority = priority
		}
		return OutcomeCoalesced, ReasonAlreadyPlanned, true
	}
	if err := rec.TransitionSync(profile.SyncScheduled); err != nil {
		return OutcomeIgnored, "", false
	}
	rec.ClearActiveSync()
	rec.Sync.Priority = priority
	rec.Sync.AttemptNumber = 1
	rec.Schedule(profile.ActionDelayedSync, at, reason)
	rec.AppendHistory(profile.HistoryEntry{
		Action:    "sync_scheduled",
		Status:    string(profile.SyncScheduled),
		Reason:    reason,
		Actor:     actor.String(),
		Timestamp: now,
	})
	return OutcomeScheduled, "", true
}

// Recover re-derives the verification schedule of pending attempts that lost
// it, such as after a crash between marking a record pending and scheduling
// its verification. It returns how many records were repaired.
func (s *Scheduler) Recover(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.ListBySyncStatus(ctx, profile.SyncPending, limit)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	repaired := 0
	for _, rec := range pending {
		if rec.Sync.ScheduledAction == profile.ActionVerify && rec.Sync.NextScheduledSync != nil {
			continue
		}
		changed := false
		_, err := profile.Update(ctx, s.store, rec.CustomerID, func(cur *profile.Record) (*profile.Record, error) {
			changed = false
			if cur == nil || cur.SyncStatus != profile.SyncPending {
				return nil, profile.ErrNoChange
			}
			if cur.Sync.ScheduledAction == profile.ActionVerify && cur.Sync.NextScheduledSync != nil {
				return nil, profile.ErrNoChange
			}
			at := s.now()
			if cur.Sync.SyncExpiresAt != nil {
				at = *cur.Sync.SyncExpiresAt
			} else if cur.Sync.SyncStartedAt != nil {
				at = cur.Sync.SyncStartedAt.Add(VerificationDelay(cur.Sync.Priority))
			}
			cur.Schedule(profile.ActionVerify, at, "recovered verify "+cur.Sync.ActiveSyncID)
			changed = true
			return cur, nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return repaired, err
			}
			s.logger.Warn("failed to recover pending sync", "customer_id", rec.CustomerID, "error", err)
			continue
		}
		if changed {
			repaired++
			sweepRecovered.Inc()
			s.logger.Info("recovered pending sync verification", "customer_id", rec.CustomerID,
				"sync_id", rec.Sync.ActiveSyncID)
		}
	}
	return repaired, nil
}
