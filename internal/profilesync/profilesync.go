// Package profilesync keeps the administrative profile replica in step with
// the system of record.
//
// The Orchestrator requests a full profile from the source service and tracks
// the attempt; the Scheduler verifies attempts and retries them with backoff
// until they escalate; the Receiver applies inbound payloads and change
// notifications; the Timer drives every deferred step from the schedule
// persisted on the record, so pending work survives restarts.
//
// Locking: callers that mutate a record on behalf of an event (Receiver,
// Timer, admin actions) hold the per-customer lock of a shared
// syncutil.KeyedMutex. Orchestrator and Scheduler never lock; they rely on
// optimistic versioning through profile.Update.
package profilesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

// ErrInvalidPayload marks inbound messages that can never be processed.
var ErrInvalidPayload = errors.New("invalid payload")

// Outcome is the explicit result of handling one request or event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoChange  Outcome = "no_change"
	OutcomeDrift     Outcome = "drift_detected"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeTriggered Outcome = "triggered"
	OutcomeScheduled Outcome = "scheduled"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// No-op reasons reported with coalesced or ignored outcomes.
const (
	ReasonSyncInProgress  = "sync_in_progress"
	ReasonAlreadyPlanned  = "sync_already_scheduled"
	ReasonRecordArchived  = "record_archived"
	ReasonChecksumMatches = "checksum_unchanged"
)

// StatusChange is pushed to observers whenever a record's sync state moves.
type StatusChange struct {
	CustomerID string             `json:"customerId"`
	SyncID     string             `json:"syncId,omitempty"`
	Status     profile.SyncStatus `json:"syncStatus"`
	Outcome    Outcome            `json:"outcome"`
	At         time.Time          `json:"at"`
}

// StatusEmitter observes sync state changes. Implementations must not block.
type StatusEmitter interface {
	EmitSyncStatus(change StatusChange)
}

// Notifier escalates terminal sync failures to administrators.
type Notifier interface {
	NotifySyncFailure(ctx context.Context, rec *profile.Record, syncID, cause string) error
}

type nopEmitter struct{}

func (nopEmitter) EmitSyncStatus(StatusChange) {}

func emitterOrNop(e StatusEmitter) StatusEmitter {
	if e == nil {
		return nopEmitter{}
	}
	return e
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}
