// Package notify tells administrators about sync cycles that exhausted their
// retries. A notification is published on the admin.notification topic for
// other services and pushed to connected admin consoles.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/metrics"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/realtime"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
)

const (
	TypeSyncFailure = "sync_failure"
	SeverityHigh    = "high"
)

// publishPolicy retries a notification briefly; the failure is already
// persisted on the record, so giving up only loses the push.
var publishPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}

// Broadcaster pushes events to live clients. *realtime.Hub implements it.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// AdminNotifier delivers terminal sync failure notifications.
type AdminNotifier struct {
	publisher eventbus.Publisher
	hub       Broadcaster
	logger    *slog.Logger
	policy    retry.Policy
	now       func() time.Time
}

// New creates a notifier. hub may be nil.
func New(publisher eventbus.Publisher, hub Broadcaster, logger *slog.Logger) *AdminNotifier {
	return &AdminNotifier{
		publisher: publisher,
		hub:       hub,
		logger:    logger,
		policy:    publishPolicy,
		now:       time.Now,
	}
}

// NotifySyncFailure publishes an admin notification for the failed cycle of
// rec. The realtime push happens even when publishing fails.
func (n *AdminNotifier) NotifySyncFailure(ctx context.Context, rec *profile.Record, syncID, cause string) error {
	msg := eventbus.AdminNotification{
		Type:       TypeSyncFailure,
		Severity:   SeverityHigh,
		CustomerID: rec.CustomerID,
		Message:    fmt.Sprintf("Synchronization failed for %s customer %s after %d attempts", rec.CustomerType, rec.CustomerID, len(failuresOf(rec, syncID))),
		Details:    eventbus.NotificationDetails{SyncID: syncID, Error: cause},
		Timestamp:  n.now(),
	}

	if n.hub != nil {
		n.hub.Broadcast(&realtime.Event{
			Type:       realtime.EventAdminNotification,
			CustomerID: rec.CustomerID,
			Timestamp:  msg.Timestamp,
			Data:       msg,
		})
	}

	err := retry.Do(ctx, n.policy, func(ctx context.Context, _ int) error {
		return n.publisher.Publish(ctx, eventbus.TopicAdminNotification, rec.CustomerID, msg)
	})
	if err != nil {
		metrics.AdminNotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish admin notification: %w", err)
	}
	metrics.AdminNotificationsTotal.WithLabelValues("ok").Inc()
	n.logger.Info("admin notified of sync failure", "customer_id", rec.CustomerID, "sync_id", syncID)
	return nil
}

// failuresOf returns the error log entries of the cycle that ended with
// syncID: the trailing run of entries up to and including it.
func failuresOf(rec *profile.Record, syncID string) []profile.SyncError {
	end := -1
	for i := len(rec.ErrorLog) - 1; i >= 0; i-- {
		if rec.ErrorLog[i].SyncID == syncID {
			end = i
			break
		}
	}
	if end < 0 {
		return nil
	}
	start := end
	for start > 0 && rec.ErrorLog[start-1].AttemptNumber < rec.ErrorLog[start].AttemptNumber {
		start--
	}
	return rec.ErrorLog[start : end+1]
}
