package profilesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/conformity"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/drift"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/impact"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/logging"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/syncutil"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/traces"
)

// maxConflicts bounds the drift conflicts kept on a record; the oldest are
// dropped first.
const maxConflicts = 100

// Receiver applies inbound events to the replica. Events for one customer
// are handled one at a time.
type Receiver struct {
	store        profile.Store
	orchestrator *Orchestrator
	scheduler    *Scheduler
	classifier   *impact.Classifier
	detector     *drift.Detector
	locks        *syncutil.KeyedMutex
	events       StatusEmitter
	logger       *slog.Logger
	now          func() time.Time
}

// NewReceiver creates a receiver. locks must be shared with every other
// component that serializes work per customer.
func NewReceiver(store profile.Store, orchestrator *Orchestrator, scheduler *Scheduler, classifier *impact.Classifier, locks *syncutil.KeyedMutex, logger *slog.Logger) *Receiver {
	return &Receiver{
		store:        store,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		classifier:   classifier,
		detector:     drift.NewDetector(),
		locks:        locks,
		events:       nopEmitter{},
		logger:       logger,
		now:          time.Now,
	}
}

// WithEmitter sets the observer of sync state changes.
func (r *Receiver) WithEmitter(e StatusEmitter) *Receiver {
	r.events = emitterOrNop(e)
	return r
}

// Register subscribes the receiver to its inbound topics. When dedupe is
// non-nil, redelivered messages are dropped before reaching the handlers.
func (r *Receiver) Register(sub eventbus.Subscriber, dedupe eventbus.Deduper) {
	wrap := func(h eventbus.Handler) eventbus.Handler {
		if dedupe == nil {
			return h
		}
		return eventbus.Deduplicate(dedupe, h, r.logger, func(_ context.Context, msg eventbus.Message) {
			inboundTotal.WithLabelValues(msg.Topic, string(OutcomeDuplicate)).Inc()
		})
	}
	sub.Subscribe(eventbus.TopicProfileShared, wrap(func(ctx context.Context, msg eventbus.Message) error {
		var ev eventbus.ProfileShared
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		_, err := r.HandleProfileShared(ctx, ev)
		return permanentIfInvalid(err)
	}))
	sub.Subscribe(eventbus.TopicProfileUpdated, wrap(func(ctx context.Context, msg eventbus.Message) error {
		var ev eventbus.ProfileUpdated
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		_, err := r.HandleProfileUpdated(ctx, ev)
		return permanentIfInvalid(err)
	}))
	sub.Subscribe(eventbus.TopicSyncRequest, wrap(func(ctx context.Context, msg eventbus.Message) error {
		var ev eventbus.SyncPullRequest
		if err := msg.Decode(&ev); err != nil {
			return err
		}
		_, err := r.HandleSyncRequest(ctx, ev)
		return permanentIfInvalid(err)
	}))
}

func permanentIfInvalid(err error) error {
	if errors.Is(err, ErrInvalidPayload) {
		return retry.Permanent(err)
	}
	return err
}

// HandleProfileShared applies a full profile payload.
//
// A payload whose checksum matches the replica is a no-op unless an attempt
// is in flight, so redeliveries change nothing. A payload that differs from
// a synced record with no attempt in flight is drift: it is applied, every
// differing field is logged as an unresolved conflict and a resync is
// scheduled. Any other payload is applied and completes the current sync
// cycle. Conformity is re-derived on every write.
func (r *Receiver) HandleProfileShared(ctx context.Context, ev eventbus.ProfileShared) (Outcome, error) {
	details, err := sharedDetails(ev)
	if err != nil {
		return "", err
	}
	incoming := drift.Content{
		CustomerType:       ev.CustomerType,
		BasicInfo:          ev.BasicInfo,
		CompanyProfile:     ev.CompanyProfile,
		InstitutionProfile: ev.InstitutionProfile,
		Extended:           ev.ExtendedProfile,
		Patrimoine:         ev.Patrimoine,
		Completeness:       ev.ProfileCompleteness,
	}
	sum, err := drift.Checksum(incoming)
	if err != nil {
		return "", invalid("%v", err)
	}

	ctx = logging.WithCustomer(ctx, ev.CustomerID)
	ctx, span := traces.StartSpan(ctx, "profilesync.profile_shared",
		traces.CustomerID(ev.CustomerID), traces.CustomerType(string(ev.CustomerType)))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, ev.CustomerID)
	if err != nil {
		return "", err
	}
	defer unlock()

	var (
		outcome   Outcome
		noop      string
		completed string
		conflicts int
		result    *conformity.Result
	)
	rec, err := profile.Update(ctx, r.store, ev.CustomerID, func(rec *profile.Record) (*profile.Record, error) {
		now := r.now()
		outcome, noop, completed, conflicts, result = "", "", "", 0, nil

		created := rec == nil
		if created {
			rec = profile.NewRecord(ev.CustomerID, ev.CustomerType, now)
		}
		if rec.IsArchived() {
			outcome, noop = OutcomeIgnored, ReasonRecordArchived
			return nil, profile.ErrNoChange
		}
		if !created && rec.Sync.DataChecksum == sum && rec.SyncStatus != profile.SyncPending {
			outcome, noop = OutcomeNoChange, ReasonChecksumMatches
			return nil, profile.ErrNoChange
		}

		drifted := !created &&
			rec.Sync.DataChecksum != "" &&
			rec.Sync.DataChecksum != sum &&
			rec.SyncStatus == profile.SyncSynced &&
			!rec.HasActiveSync(now)

		if drifted {
			found, err := r.detector.Diff(drift.ContentOf(rec), incoming, now)
			if err != nil {
				return nil, err
			}
			conflicts = len(found)
			rec.Sync.Conflicts = append(rec.Sync.Conflicts, found...)
			if n := len(rec.Sync.Conflicts); n > maxConflicts {
				rec.Sync.Conflicts = rec.Sync.Conflicts[n-maxConflicts:]
			}
		}

		rec.CustomerType = ev.CustomerType
		rec.BasicInfo = ev.BasicInfo
		rec.Details = details
		rec.Extended = ev.ExtendedProfile
		rec.Patrimoine = ev.Patrimoine
		rec.Completeness = ev.ProfileCompleteness
		if !ev.LastProfileUpdate.IsZero() {
			at := ev.LastProfileUpdate
			rec.LastProfileUpdate = &at
		}
		rec.Sync.DataChecksum = sum
		rec.Sync.LastSyncTimestamp = &now

		if drifted {
			if err := rec.TransitionSync(profile.SyncScheduled); err != nil {
				return nil, err
			}
			rec.Sync.Priority = profile.PriorityHigh
			rec.Sync.AttemptNumber = 1
			rec.Schedule(profile.ActionDelayedSync, now.Add(VerificationDelay(profile.PriorityHigh)),
				fmt.Sprintf("drift on %d fields", conflicts))
			rec.AddAlert(profile.AlertDrift, profile.LevelMedium,
				fmt.Sprintf("replica diverged from source on %d fields", conflicts), now)
			rec.AppendHistory(profile.HistoryEntry{
				Action:    "drift_detected",
				Status:    string(profile.SyncScheduled),
				Reason:    fmt.Sprintf("%d conflicting fields", conflicts),
				Actor:     profile.System("drift_detector").String(),
				Timestamp: now,
			})
			outcome = OutcomeDrift
		} else {
			completed = rec.Sync.ActiveSyncID
			if completed == "" {
				completed = ev.SyncID
			}
			if err := rec.TransitionSync(profile.SyncSynced); err != nil {
				return nil, err
			}
			rec.ClearActiveSync()
			rec.ClearSchedule()
			rec.Sync.AttemptNumber = 0
			rec.AppendHistory(profile.HistoryEntry{
				SyncID:    completed,
				Action:    "profile_received",
				Status:    string(profile.SyncSynced),
				Actor:     profile.Service("source").String(),
				Timestamp: now,
			})
			outcome = OutcomeApplied
		}

		result = conformity.Evaluate(ev.CustomerID, rec, now)
		conformity.Apply(rec, result)
		return rec, nil
	})
	if err != nil {
		traces.Fail(span, err)
		return "", err
	}

	span.SetAttributes(traces.Outcome(string(outcome)))
	inboundTotal.WithLabelValues(eventbus.TopicProfileShared, string(outcome)).Inc()
	log := logging.L(ctx)
	switch outcome {
	case OutcomeNoChange, OutcomeIgnored:
		span.SetAttributes(traces.NoOpReason(noop))
		log.Debug("profile payload skipped", "outcome", outcome, "reason", noop)
		return outcome, nil
	case OutcomeDrift:
		driftConflicts.Add(float64(conflicts))
		log.Warn("profile drift detected", "conflicts", conflicts)
	default:
		log.Info("profile payload applied", "sync_id", completed)
	}
	if result != nil {
		conformity.Observe(result)
	}
	r.events.EmitSyncStatus(StatusChange{CustomerID: rec.CustomerID, SyncID: completed, Status: rec.SyncStatus, Outcome: outcome, At: r.now()})
	return outcome, nil
}

func sharedDetails(ev eventbus.ProfileShared) (profile.Details, error) {
	if ev.CustomerID == "" {
		return nil, invalid("customer id is required")
	}
	if !ev.CustomerType.Valid() {
		return nil, invalid("unknown customer type %q", ev.CustomerType)
	}
	if ev.CompanyProfile != nil && ev.InstitutionProfile != nil {
		return nil, invalid("both company and institution profiles present")
	}
	switch ev.CustomerType {
	case profile.CustomerCompany:
		if ev.InstitutionProfile != nil {
			return nil, invalid("institution profile sent for a company")
		}
		if ev.CompanyProfile == nil {
			return nil, nil
		}
		return ev.CompanyProfile, nil
	case profile.CustomerInstitution:
		if ev.CompanyProfile != nil {
			return nil, invalid("company profile sent for an institution")
		}
		if ev.InstitutionProfile == nil {
			return nil, nil
		}
		return ev.InstitutionProfile, nil
	}
	return nil, invalid("unknown customer type %q", ev.CustomerType)
}

// HandleProfileUpdated reacts to a change notification. Urgent changes, and
// changes to customers not yet replicated, are synced now; others are
// planned after the classifier's delay and coalesced with any planned sync.
func (r *Receiver) HandleProfileUpdated(ctx context.Context, ev eventbus.ProfileUpdated) (Outcome, error) {
	if ev.CustomerID == "" {
		return "", invalid("customer id is required")
	}
	level, err := impact.ParseLevel(ev.Impact)
	if err != nil {
		return "", invalid("%v", err)
	}
	decision := r.classifier.Decide(level, ev.UpdatedSections)

	ctx = logging.WithCustomer(ctx, ev.CustomerID)
	ctx, span := traces.StartSpan(ctx, "profilesync.profile_updated",
		traces.CustomerID(ev.CustomerID), traces.Priority(string(decision.Priority)))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, ev.CustomerID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, err := r.store.Get(ctx, ev.CustomerID)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		traces.Fail(span, err)
		return "", err
	}

	var (
		outcome Outcome
		noop    string
	)
	switch {
	case rec != nil && rec.IsArchived():
		outcome, noop = OutcomeIgnored, ReasonRecordArchived
	case rec == nil || decision.Immediate:
		source := ev.UpdateContext.UpdateSource
		if source == "" {
			source = "source"
		}
		res, err := r.orchestrator.Orchestrate(ctx, Request{
			CustomerID:   ev.CustomerID,
			CustomerType: ev.CustomerType,
			Reason:       fmt.Sprintf("profile updated (%s impact)", level),
			Priority:     decision.Priority,
			Actor:        profile.Service(source),
		})
		if err != nil {
			return "", err
		}
		if !res.Success {
			traces.Fail(span, res.Err())
			return "", res.Err()
		}
		outcome, noop = res.Outcome, res.NoOpReason
	default:
		outcome, noop, err = r.scheduler.ScheduleDelayedSync(ctx, ev.CustomerID, decision.Priority, decision.Delay,
			fmt.Sprintf("profile updated (%s impact)", level), profile.System("impact_classifier"))
		if err != nil {
			traces.Fail(span, err)
			return "", err
		}
	}

	span.SetAttributes(traces.Outcome(string(outcome)), traces.NoOpReason(noop))
	inboundTotal.WithLabelValues(eventbus.TopicProfileUpdated, string(outcome)).Inc()
	logging.L(ctx).Info("profile change handled", "outcome", outcome, "reason", noop, "priority", decision.Priority,
		"immediate", decision.Immediate, "sections", len(ev.UpdatedSections))
	return outcome, nil
}

// HandleSyncRequest serves an ad-hoc pull from another service by running a
// synchronization on its behalf.
func (r *Receiver) HandleSyncRequest(ctx context.Context, ev eventbus.SyncPullRequest) (Outcome, error) {
	if ev.CustomerID == "" {
		return "", invalid("customer id is required")
	}
	if ev.RequestingService == "" {
		return "", invalid("requesting service is required")
	}
	priority := ev.Priority
	if !priority.Valid() {
		priority = profile.PriorityMedium
	}

	ctx = logging.WithCustomer(ctx, ev.CustomerID)
	ctx, span := traces.StartSpan(ctx, "profilesync.sync_request",
		traces.CustomerID(ev.CustomerID), traces.Priority(string(priority)))
	defer span.End()

	unlock, err := r.locks.Lock(ctx, ev.CustomerID)
	if err != nil {
		return "", err
	}
	defer unlock()

	res, err := r.orchestrator.Orchestrate(ctx, Request{
		CustomerID:   ev.CustomerID,
		CustomerType: ev.CustomerType,
		Reason:       "pull:" + ev.RequestingService,
		Priority:     priority,
		Actor:        profile.Service(ev.RequestingService),
	})
	if err != nil {
		return "", err
	}
	if !res.Success {
		traces.Fail(span, res.Err())
		return "", res.Err()
	}

	span.SetAttributes(traces.Outcome(string(res.Outcome)), traces.NoOpReason(res.NoOpReason))
	inboundTotal.WithLabelValues(eventbus.TopicSyncRequest, string(res.Outcome)).Inc()
	logging.L(ctx).Info("sync pull handled", "outcome", res.Outcome, "reason", res.NoOpReason,
		"requesting_service", ev.RequestingService, "request_id", ev.RequestID)
	return res.Outcome, nil
}
