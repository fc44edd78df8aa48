package profilesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

func (h *harness) sweep(t *testing.T) int {
	t.Helper()
	n, err := h.timer.Sweep(context.Background())
	require.NoError(t, err)
	return n
}

func TestTimer_RetryChainEndsAfterMaxRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Orchestrate(ctx, Request{CustomerID: "co_1", CustomerType: profile.CustomerCompany, Priority: profile.PriorityMedium})
	require.NoError(t, err)

	assert.Zero(t, h.sweep(t), "nothing is due before the deadline")

	// Attempt 1 times out after 10m, retried 2m later at high priority.
	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))
	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncScheduled, rec.SyncStatus)
	assert.Equal(t, 2, rec.Sync.AttemptNumber)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))
	rec = h.get(t, "co_1")
	assert.Equal(t, profile.SyncPending, rec.SyncStatus)
	assert.Equal(t, 2, rec.Sync.AttemptNumber)
	assert.Len(t, h.pub.syncRequests(), 2)

	// Attempt 2 times out after 5m, retried 4m later.
	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))
	h.clock.Advance(4 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))
	assert.Equal(t, 3, h.get(t, "co_1").Sync.AttemptNumber)

	// Attempt 3 is the last one.
	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))

	rec = h.get(t, "co_1")
	assert.Equal(t, profile.SyncFailed, rec.SyncStatus)
	assert.Equal(t, profile.AdminRequiresAttention, rec.AdminStatus)
	assert.Len(t, rec.ErrorLog, 3)
	assert.Equal(t, 1, h.notifier.count())

	h.clock.Advance(time.Hour)
	assert.Zero(t, h.sweep(t))
	assert.Len(t, h.pub.syncRequests(), 3, "exactly one request per attempt")
}

func TestTimer_PayloadStopsRetryChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Orchestrate(ctx, Request{CustomerID: "co_1", CustomerType: profile.CustomerCompany, Priority: profile.PriorityHigh})
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	h.sweep(t)
	h.clock.Advance(2 * time.Minute)
	h.sweep(t)
	require.Equal(t, profile.SyncPending, h.get(t, "co_1").SyncStatus)

	h.clock.Advance(time.Minute)
	out, err := h.recv.HandleProfileShared(ctx, companyPayload("co_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	h.clock.Advance(time.Hour)
	assert.Zero(t, h.sweep(t))
	assert.Equal(t, profile.SyncSynced, h.get(t, "co_1").SyncStatus)
	assert.Zero(t, h.notifier.count())
}

func TestTimer_DispatchesDelayedSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")
	_, _, err := h.sched.ScheduleDelayedSync(ctx, "co_1", profile.PriorityLow, 30*time.Minute, "contact change", profile.System("test"))
	require.NoError(t, err)

	h.clock.Advance(29 * time.Minute)
	assert.Zero(t, h.sweep(t))

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.sweep(t))
	reqs := h.pub.syncRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, profile.PriorityLow, reqs[0].Priority)
	assert.Contains(t, reqs[0].Reason, "contact change")

	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncPending, rec.SyncStatus)
	assert.Equal(t, profile.ActionVerify, rec.Sync.ScheduledAction)
	assert.Equal(t, "system:sync_timer", rec.Sync.History[0].Actor)
}

func TestTimer_FailedPublishCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")
	_, _, err := h.sched.ScheduleDelayedSync(ctx, "co_1", profile.PriorityMedium, time.Minute, "planned", profile.System("test"))
	require.NoError(t, err)

	h.pub.fail(assert.AnError)
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.sweep(t))

	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncScheduled, rec.SyncStatus)
	assert.Equal(t, profile.ActionRetry, rec.Sync.ScheduledAction)
	assert.Equal(t, 2, rec.Sync.AttemptNumber)
	require.Len(t, rec.ErrorLog, 1)
	assert.Contains(t, rec.ErrorLog[0].Error, assert.AnError.Error())
}

func TestTimer_ArchivedScheduleIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")
	_, _, err := h.sched.ScheduleDelayedSync(ctx, "co_1", profile.PriorityMedium, time.Minute, "planned", profile.System("test"))
	require.NoError(t, err)
	_, err = profile.Update(ctx, h.store, "co_1", func(rec *profile.Record) (*profile.Record, error) {
		return rec, rec.SetAdminStatus(profile.AdminArchived, profile.Admin("adm_1"), "closed", epoch)
	})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.sweep(t))
	assert.Nil(t, h.get(t, "co_1").Sync.NextScheduledSync)
	assert.Empty(t, h.pub.syncRequests())
}

func TestTimer_StartRecoversAndStops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.orch.Orchestrate(ctx, Request{CustomerID: "co_1", CustomerType: profile.CustomerCompany})
	require.NoError(t, err)
	_, err = profile.Update(ctx, h.store, "co_1", func(rec *profile.Record) (*profile.Record, error) {
		rec.ClearSchedule()
		return rec, nil
	})
	require.NoError(t, err)

	h.timer.WithInterval(time.Hour)
	done := make(chan struct{})
	go func() {
		h.timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		rec, err := h.store.Get(ctx, "co_1")
		return err == nil && rec.Sync.ScheduledAction == profile.ActionVerify
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, h.timer.Running, time.Second, 5*time.Millisecond)

	h.timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, h.timer.Running())
}
