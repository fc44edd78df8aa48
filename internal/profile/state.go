package profile

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// MaxHistory bounds the sync history ring.
const MaxHistory = 10

const (
	AlertSyncFailure = "sync_failure"
	AlertDrift       = "data_drift"

	LevelHigh   = "high"
	LevelMedium = "medium"
)

// ActorKind distinguishes humans from automated callers.
type ActorKind string

const (
	ActorAdmin   ActorKind = "admin"
	ActorSystem  ActorKind = "system"
	ActorService ActorKind = "service"
)

// Actor identifies who performs a state-mutating call.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

// System returns the actor used by an automated component.
func System(component string) Actor {
	return Actor{ID: component, Kind: ActorSystem}
}

// Admin returns an actor for a human administrator.
func Admin(id string) Actor {
	return Actor{ID: id, Kind: ActorAdmin}
}

// Service returns an actor for a peer service.
func Service(name string) Actor {
	return Actor{ID: name, Kind: ActorService}
}

func (a Actor) String() string {
	return string(a.Kind) + ":" + a.ID
}

// Validate rejects anonymous actors.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidRecord)
	}
	switch a.Kind {
	case ActorAdmin, ActorSystem, ActorService:
		return nil
	}
	return fmt.Errorf("%w: unknown actor kind %q", ErrInvalidRecord, a.Kind)
}

// PendingSync -> PendingSync is an expired attempt being superseded.
var syncTransitions = map[SyncStatus][]SyncStatus{
	SyncSynced:    {SyncSynced, SyncPending, SyncScheduled},
	SyncPending:   {SyncPending, SyncSynced, SyncFailed, SyncScheduled},
	SyncScheduled: {SyncScheduled, SyncPending, SyncSynced, SyncFailed},
	SyncFailed:    {SyncPending, SyncScheduled, SyncSynced},
}

// CanTransitionSync reports whether the sync lifecycle allows from -> to.
// An empty from is a record that has never been persisted.
func CanTransitionSync(from, to SyncStatus) bool {
	if from == "" {
		return true
	}
	return slices.Contains(syncTransitions[from], to)
}

// TransitionSync moves the sync lifecycle, rejecting edges the state machine
// does not have.
func (r *Record) TransitionSync(to SyncStatus) error {
	if !CanTransitionSync(r.SyncStatus, to) {
		return fmt.Errorf("%w: sync %s -> %s", ErrInvalidTransition, r.SyncStatus, to)
	}
	r.SyncStatus = to
	return nil
}

var adminTransitions = map[AdminStatus][]AdminStatus{
	AdminUnderReview:       {AdminValidated, AdminFlagged, AdminSuspended, AdminRequiresAttention, AdminArchived},
	AdminValidated:         {AdminUnderReview, AdminFlagged, AdminSuspended, AdminRequiresAttention, AdminArchived},
	AdminFlagged:           {AdminUnderReview, AdminValidated, AdminSuspended, AdminRequiresAttention, AdminArchived},
	AdminRequiresAttention: {AdminUnderReview, AdminValidated, AdminFlagged, AdminSuspended, AdminArchived},
	AdminSuspended:         {AdminUnderReview, AdminValidated, AdminArchived},
	AdminArchived:          nil,
}

// CanTransitionAdmin reports whether the admin lifecycle allows from -> to.
func CanTransitionAdmin(from, to AdminStatus) bool {
	if from == "" {
		return true
	}
	return slices.Contains(adminTransitions[from], to)
}

// SetAdminStatus moves the admin lifecycle and records the actor in history.
// Suspension needs a reason. Archived records cannot leave Archived.
func (r *Record) SetAdminStatus(to AdminStatus, actor Actor, reason string, now time.Time) error {
	if r.IsArchived() {
		return ErrArchived
	}
	if to == AdminSuspended && strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}
	if !CanTransitionAdmin(r.AdminStatus, to) {
		return fmt.Errorf("%w: admin %s -> %s", ErrInvalidTransition, r.AdminStatus, to)
	}
	r.AdminStatus = to
	if reason != "" {
		r.AdminNotes = reason
	}
	r.AppendHistory(HistoryEntry{
		Action:    "admin_status",
		Status:    string(to),
		Reason:    reason,
		Actor:     actor.String(),
		Timestamp: now,
	})
	return nil
}

// AppendHistory pushes e at the head of the history, evicting the oldest
// entry once MaxHistory is reached.
func (r *Record) AppendHistory(e HistoryEntry) {
	h := make([]HistoryEntry, 0, MaxHistory)
	h = append(h, e)
	h = append(h, r.Sync.History...)
	if len(h) > MaxHistory {
		h = h[:MaxHistory]
	}
	r.Sync.History = h
}

// AddAlert appends an unacknowledged alert.
func (r *Record) AddAlert(alertType, level, message string, now time.Time) {
	r.Alerts = append(r.Alerts, Alert{
		Type:      alertType,
		Level:     level,
		Message:   message,
		CreatedAt: now,
	})
}

// AcknowledgeAlert marks the alert at index i as seen by actor.
func (r *Record) AcknowledgeAlert(i int, actor Actor) error {
	if i < 0 || i >= len(r.Alerts) {
		return fmt.Errorf("%w: alert %d", ErrIndexOutOfRange, i)
	}
	r.Alerts[i].Acknowledged = true
	r.Alerts[i].AcknowledgedBy = actor.String()
	return nil
}

// ResolveConflict marks the drift conflict at index i as resolved.
func (r *Record) ResolveConflict(i int, actor Actor, now time.Time) error {
	if i < 0 || i >= len(r.Sync.Conflicts) {
		return fmt.Errorf("%w: conflict %d", ErrIndexOutOfRange, i)
	}
	c := &r.Sync.Conflicts[i]
	c.Resolved = true
	c.ResolvedBy = actor.String()
	c.ResolvedAt = &now
	return nil
}

// UnresolvedConflicts counts conflicts awaiting review.
func (r *Record) UnresolvedConflicts() int {
	n := 0
	for _, c := range r.Sync.Conflicts {
		if !c.Resolved {
			n++
		}
	}
	return n
}

// AddRiskFlag inserts flag into the sorted flag set. It reports whether the
// set changed.
func (r *Record) AddRiskFlag(flag string) bool {
	i, found := slices.BinarySearch(r.RiskFlags, flag)
	if found {
		return false
	}
	r.RiskFlags = slices.Insert(r.RiskFlags, i, flag)
	return true
}

// RemoveRiskFlag deletes flag from the set. It reports whether the set changed.
func (r *Record) RemoveRiskFlag(flag string) bool {
	i, found := slices.BinarySearch(r.RiskFlags, flag)
	if !found {
		return false
	}
	r.RiskFlags = slices.Delete(r.RiskFlags, i, i+1)
	return true
}

// HasFailure reports whether the error log already holds an entry for the
// given attempt of syncID.
func (r *Record) HasFailure(syncID string, attempt int) bool {
	for _, e := range r.ErrorLog {
		if e.SyncID == syncID && e.AttemptNumber == attempt {
			return true
		}
	}
	return false
}

// ClearSchedule drops any persisted deferred work.
func (r *Record) ClearSchedule() {
	r.Sync.NextScheduledSync = nil
	r.Sync.ScheduledAction = ActionNone
	r.Sync.ScheduledReason = ""
}

// Schedule persists deferred work to be picked up by the sweep at at.
func (r *Record) Schedule(action ScheduledAction, at time.Time, reason string) {
	r.Sync.NextScheduledSync = &at
	r.Sync.ScheduledAction = action
	r.Sync.ScheduledReason = reason
}

// ClearActiveSync forgets the in-flight attempt.
func (r *Record) ClearActiveSync() {
	r.Sync.ActiveSyncID = ""
	r.Sync.SyncStartedAt = nil
	r.Sync.SyncExpiresAt = nil
}
