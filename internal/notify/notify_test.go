package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus/mocks"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/realtime"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/retry"
)

type captureHub struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (h *captureHub) Broadcast(e *realtime.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func failedRecord() *profile.Record {
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rec := profile.NewRecord("co_1", profile.CustomerCompany, at)
	rec.ErrorLog = []profile.SyncError{
		{Timestamp: at, Error: "timeout", SyncID: "sync_old", AttemptNumber: 1},
		{Timestamp: at, Error: "timeout", SyncID: "sync_a", AttemptNumber: 1},
		{Timestamp: at, Error: "timeout", SyncID: "sync_b", AttemptNumber: 2},
		{Timestamp: at, Error: "timeout", SyncID: "sync_c", AttemptNumber: 3},
	}
	return rec
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifySyncFailure_PublishesAndPushes(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	hub := &captureHub{}
	n := New(pub, hub, quiet())

	var sent eventbus.AdminNotification
	pub.EXPECT().
		Publish(gomock.Any(), eventbus.TopicAdminNotification, "co_1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, payload any) error {
			sent = payload.(eventbus.AdminNotification)
			return nil
		})

	require.NoError(t, n.NotifySyncFailure(context.Background(), failedRecord(), "sync_c", "timeout"))

	assert.Equal(t, TypeSyncFailure, sent.Type)
	assert.Equal(t, SeverityHigh, sent.Severity)
	assert.Equal(t, "sync_c", sent.Details.SyncID)
	assert.Equal(t, "timeout", sent.Details.Error)
	assert.Contains(t, sent.Message, "after 3 attempts")

	require.Len(t, hub.events, 1)
	assert.Equal(t, realtime.EventAdminNotification, hub.events[0].Type)
	assert.Equal(t, "co_1", hub.events[0].CustomerID)
}

func TestNotifySyncFailure_RetriesThenReports(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	hub := &captureHub{}
	n := New(pub, hub, quiet())
	n.policy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	pub.EXPECT().
		Publish(gomock.Any(), eventbus.TopicAdminNotification, "co_1", gomock.Any()).
		Return(errors.New("broker down")).
		Times(3)

	err := n.NotifySyncFailure(context.Background(), failedRecord(), "sync_c", "timeout")
	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, hub.events, 1, "consoles are told even if the broker is down")
}

func TestFailuresOf(t *testing.T) {
	rec := failedRecord()
	assert.Len(t, failuresOf(rec, "sync_c"), 3)
	assert.Len(t, failuresOf(rec, "sync_old"), 1)
	assert.Empty(t, failuresOf(rec, "sync_unknown"))
}
