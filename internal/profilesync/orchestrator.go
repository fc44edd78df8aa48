package profilesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/idgen"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/traces"
)

// Step names, in execution order.
const (
	StepRead                 = "read"
	StepPublish              = "publish"
	StepTransition           = "transition"
	StepScheduleVerification = "schedule_verification"
)

// StepStatus is the state of one orchestration step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step records one orchestration step.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}

// Request asks for one synchronization.
type Request struct {
	CustomerID string
	// CustomerType may be empty when the record already exists.
	CustomerType profile.CustomerType
	Reason       string
	Priority     profile.Priority
	Actor        profile.Actor
	// Attempt is the 1-based attempt number within the current sync cycle.
	Attempt int
}

// Result is the outcome of Orchestrate. Success is false only when a step
// failed; no-ops succeed with Outcome and NoOpReason set.
type Result struct {
	Success    bool    `json:"success"`
	SyncID     string  `json:"syncId,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Coalesced  bool    `json:"coalesced"`
	NoOpReason string  `json:"noOpReason,omitempty"`
	Steps      []Step  `json:"steps"`
}

// Err returns the error of the failed step, or nil.
func (r *Result) Err() error {
	if r == nil || r.Success {
		return nil
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Status == StepFailed {
			return fmt.Errorf("step %s: %s", r.Steps[i].Name, r.Steps[i].Error)
		}
	}
	return errors.New("orchestration failed")
}

// Orchestrator sequences a full synchronization: read the replica, ask the
// source service for the profile, mark the record pending and schedule its
// verification. Steps are not rolled back; a failed step ends the run.
type Orchestrator struct {
	store     profile.Store
	publisher eventbus.Publisher
	scheduler *Scheduler
	events    StatusEmitter
	service   string
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. service is reported as the
// requesting service on outbound sync requests.
func NewOrchestrator(store profile.Store, publisher eventbus.Publisher, scheduler *Scheduler, service string, logger *slog.Logger) *Orchestrator {
	if service == "" {
		service = "admin-service"
	}
	return &Orchestrator{
		store:     store,
		publisher: publisher,
		scheduler: scheduler,
		events:    nopEmitter{},
		service:   service,
		logger:    logger,
		now:       time.Now,
	}
}

// WithEmitter sets the observer of sync state changes.
func (o *Orchestrator) WithEmitter(e StatusEmitter) *Orchestrator {
	o.events = emitterOrNop(e)
	return o
}

var errCoalesced = errors.New("coalesced into active sync")

// Orchestrate runs one synchronization. A record with an unexpired attempt
// in flight is coalesced: the active syncId is returned and nothing is sent.
// The returned error is only for malformed requests, including a customer
// with no record and no stated type.
//
// Orchestrate takes no lock. Callers serialize runs per customer with a
// syncutil.KeyedMutex, which covers one process only. Across processes two
// runs can both pass step 1; the loser has already published its request in
// step 2 before step 3 coalesces it, so the source may answer a syncId that
// never became active. The receiver completes whichever attempt is active,
// so that answer still closes the cycle.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	if req.CustomerID == "" {
		return nil, invalid("customer id is required")
	}
	if req.Priority == "" {
		req.Priority = profile.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, invalid("unknown priority %q", req.Priority)
	}
	if req.Actor.ID == "" {
		req.Actor = profile.System("orchestrator")
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	syncID := idgen.SyncID()
	ctx, span := traces.StartSpan(ctx, "profilesync.orchestrate",
		traces.CustomerID(req.CustomerID), traces.SyncID(syncID),
		traces.Priority(string(req.Priority)), traces.Attempt(req.Attempt))
	defer span.End()

	log := o.logger.With("customer_id", req.CustomerID, "sync_id", syncID, "actor", req.Actor.String())
	res := &Result{SyncID: syncID}

	finish := func() (*Result, error) {
		span.SetAttributes(traces.Outcome(string(res.Outcome)))
		if !res.Success {
			traces.Fail(span, res.Err())
		}
		orchestrationsTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}
	fail := func(step string, err error) (*Result, error) {
		res.Steps = append(res.Steps, Step{Name: step, Status: StepFailed, Error: err.Error(), At: o.now()})
		res.Success = false
		res.Outcome = OutcomeFailed
		log.Warn("sync orchestration step failed", "step", step, "error", err)
		return finish()
	}
	done := func(step string) {
		res.Steps = append(res.Steps, Step{Name: step, Status: StepCompleted, At: o.now()})
	}
	coalesce := func(rec *profile.Record) (*Result, error) {
		res.Success = true
		res.Coalesced = true
		res.SyncID = rec.Sync.ActiveSyncID
		res.Outcome = OutcomeCoalesced
		res.NoOpReason = ReasonSyncInProgress
		log.Info("sync request coalesced", "active_sync_id", rec.Sync.ActiveSyncID)
		return finish()
	}
	ignore := func() (*Result, error) {
		res.Success = true
		res.SyncID = ""
		res.Outcome = OutcomeIgnored
		res.NoOpReason = ReasonRecordArchived
		log.Info("sync request ignored for archived record")
		return finish()
	}

	// 1. Read the replica; a missing record is not an error.
	rec, err := o.store.Get(ctx, req.CustomerID)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		return fail(StepRead, err)
	}
	if rec != nil {
		if rec.IsArchived() {
			done(StepRead)
			return ignore()
		}
		if rec.HasActiveSync(o.now()) {
			done(StepRead)
			return coalesce(rec)
		}
		if req.CustomerType == "" {
			req.CustomerType = rec.CustomerType
		}
	}
	sections, err := RequestedSections(req.CustomerType)
	if err != nil {
		orchestrationsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return nil, invalid("%v", err)
	}
	done(StepRead)

	// 2. Ask the source service for the profile.
	now := o.now()
	ev := eventbus.SyncRequested{
		CustomerID:        req.CustomerID,
		SyncID:            syncID,
		Priority:          req.Priority,
		RequestedSections: sections,
		Reason:            req.Reason,
		RequestingService: o.service,
		Timestamp:         now,
	}
	if err := o.publisher.Publish(ctx, eventbus.TopicSyncRequested, req.CustomerID, ev); err != nil {
		return fail(StepPublish, err)
	}
	done(StepPublish)

	// 3. Mark the record pending under this syncId.
	var existing *profile.Record
	_, err = profile.Update(ctx, o.store, req.CustomerID, func(cur *profile.Record) (*profile.Record, error) {
		now := o.now()
		if cur == nil {
			cur = profile.NewRecord(req.CustomerID, req.CustomerType, now)
		}
		if cur.IsArchived() {
			return nil, profile.ErrArchived
		}
		if cur.HasActiveSync(now) {
			existing = cur
			return nil, errCoalesced
		}
		if err := cur.TransitionSync(profile.SyncPending); err != nil {
			return nil, err
		}
		expires := now.Add(VerificationDelay(req.Priority))
		cur.Sync.ActiveSyncID = syncID
		cur.Sync.SyncStartedAt = &now
		cur.Sync.SyncExpiresAt = &expires
		cur.Sync.Priority = req.Priority
		cur.Sync.AttemptNumber = req.Attempt
		cur.ClearSchedule()
		cur.AppendHistory(profile.HistoryEntry{
			SyncID:    syncID,
			Action:    "sync_requested",
			Status:    string(profile.SyncPending),
			Reason:    req.Reason,
			Actor:     req.Actor.String(),
			Timestamp: now,
		})
		return cur, nil
	})
	switch {
	case errors.Is(err, errCoalesced):
		// Another worker claimed the record between steps 1 and 3.
		done(StepTransition)
		return coalesce(existing)
	case errors.Is(err, profile.ErrArchived):
		done(StepTransition)
		return ignore()
	case err != nil:
		return fail(StepTransition, err)
	}
	done(StepTransition)
	o.events.EmitSyncStatus(StatusChange{CustomerID: req.CustomerID, SyncID: syncID, Status: profile.SyncPending, Outcome: OutcomeTriggered, At: now})

	// 4. Persist the verification deadline.
	if err := o.scheduler.ScheduleVerification(ctx, req.CustomerID, syncID, req.Priority); err != nil {
		return fail(StepScheduleVerification, err)
	}
	done(StepScheduleVerification)

	res.Success = true
	res.Outcome = OutcomeTriggered
	log.Info("sync requested", "priority", req.Priority, "attempt", req.Attempt, "reason", req.Reason)
	return finish()
}
