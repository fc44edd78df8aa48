package profilesync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
)

func TestHandleProfileShared_IdenticalPayloadIsNoOp(t *testing.T) {
	h := newHarness(t)
	first := h.seedSynced(t, "co_1")
	assert.Equal(t, profile.SyncSynced, first.SyncStatus)
	assert.NotEmpty(t, first.Sync.DataChecksum)
	assert.Equal(t, 100, first.ConformityScore)
	assert.Equal(t, profile.ComplianceHigh, first.ComplianceRating)
	assert.False(t, first.RequiresAttention)

	h.clock.Advance(time.Hour)
	out, err := h.recv.HandleProfileShared(context.Background(), companyPayload("co_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, out)

	again := h.get(t, "co_1")
	assert.Equal(t, first.Version, again.Version)
	assert.Len(t, again.Sync.History, len(first.Sync.History))
	assert.True(t, again.Sync.LastSyncTimestamp.Equal(*first.Sync.LastSyncTimestamp))
}

func TestHandleProfileShared_CompletesPendingSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Orchestrate(ctx, Request{CustomerID: "co_1", CustomerType: profile.CustomerCompany})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	out, err := h.recv.HandleProfileShared(ctx, companyPayload("co_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncSynced, rec.SyncStatus)
	assert.Empty(t, rec.Sync.ActiveSyncID)
	assert.Nil(t, rec.Sync.NextScheduledSync)
	assert.Zero(t, rec.Sync.AttemptNumber)
	assert.Equal(t, "profile_received", rec.Sync.History[0].Action)
	assert.Equal(t, res.SyncID, rec.Sync.History[0].SyncID)
	company, ok := rec.Company()
	require.True(t, ok)
	assert.Equal(t, "agriculture", company.Industry)
	require.NotNil(t, rec.LastProfileUpdate)
	assert.True(t, rec.LastProfileUpdate.Equal(epoch.Add(-time.Hour)))
}

func TestHandleProfileShared_DriftIsLoggedAndResynced(t *testing.T) {
	h := newHarness(t)
	h.seedSynced(t, "co_1")

	changed := companyPayload("co_1")
	changed.CompanyProfile.Industry = "mining"
	out, err := h.recv.HandleProfileShared(context.Background(), changed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDrift, out)

	rec := h.get(t, "co_1")
	require.Len(t, rec.Sync.Conflicts, 1)
	c := rec.Sync.Conflicts[0]
	assert.Equal(t, "companyProfile.industry", c.Field)
	assert.JSONEq(t, `"agriculture"`, string(c.OldValue))
	assert.JSONEq(t, `"mining"`, string(c.NewValue))
	assert.NotEmpty(t, c.Patch)
	assert.False(t, c.Resolved)

	company, _ := rec.Company()
	assert.Equal(t, "mining", company.Industry, "the source stays authoritative")

	assert.Equal(t, profile.SyncScheduled, rec.SyncStatus)
	assert.Equal(t, profile.ActionDelayedSync, rec.Sync.ScheduledAction)
	assert.Equal(t, profile.PriorityHigh, rec.Sync.Priority)
	require.NotNil(t, rec.Sync.NextScheduledSync)
	assert.True(t, rec.Sync.NextScheduledSync.Equal(epoch.Add(5*time.Minute)))

	require.Len(t, rec.Alerts, 1)
	assert.Equal(t, profile.AlertDrift, rec.Alerts[0].Type)
	assert.Equal(t, profile.LevelMedium, rec.Alerts[0].Level)
	assert.Equal(t, "drift_detected", rec.Sync.History[0].Action)
}

func TestHandleProfileShared_RedeliveredDriftIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")

	changed := companyPayload("co_1")
	changed.CompanyProfile.Industry = "mining"
	out, err := h.recv.HandleProfileShared(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, OutcomeDrift, out)
	drifted := h.get(t, "co_1")

	h.clock.Advance(time.Minute)
	out, err = h.recv.HandleProfileShared(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, out)

	again := h.get(t, "co_1")
	assert.Equal(t, drifted.Version, again.Version)
	assert.Equal(t, profile.SyncScheduled, again.SyncStatus)
	assert.Equal(t, profile.ActionDelayedSync, again.Sync.ScheduledAction, "the resync stays planned")
	assert.Len(t, again.Sync.History, len(drifted.Sync.History))
	assert.Len(t, again.Sync.Conflicts, len(drifted.Sync.Conflicts))
	assert.Len(t, again.Alerts, len(drifted.Alerts))
}

func TestHandleProfileShared_SamePayloadCompletesPendingAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")

	res, err := h.orch.Orchestrate(ctx, Request{CustomerID: "co_1", Priority: profile.PriorityHigh})
	require.NoError(t, err)
	require.Equal(t, profile.SyncPending, h.get(t, "co_1").SyncStatus)

	out, err := h.recv.HandleProfileShared(ctx, companyPayload("co_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out, "an answer to an attempt in flight completes it")

	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncSynced, rec.SyncStatus)
	assert.Equal(t, res.SyncID, rec.Sync.History[0].SyncID)
}

func TestHandleProfileShared_RejectsMalformedPayloads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noID := companyPayload("")
	_, err := h.recv.HandleProfileShared(ctx, noID)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	badType := companyPayload("co_1")
	badType.CustomerType = "cooperative"
	_, err = h.recv.HandleProfileShared(ctx, badType)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	mismatched := companyPayload("co_1")
	mismatched.CompanyProfile = nil
	mismatched.InstitutionProfile = &profile.InstitutionProfile{DenominationSociale: "x"}
	_, err = h.recv.HandleProfileShared(ctx, mismatched)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = h.store.Get(ctx, "co_1")
	assert.ErrorIs(t, err, profile.ErrNotFound)
}

func TestHandleProfileShared_ArchivedRecordIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")
	archived, err := profile.Update(ctx, h.store, "co_1", func(rec *profile.Record) (*profile.Record, error) {
		return rec, rec.SetAdminStatus(profile.AdminArchived, profile.Admin("adm_1"), "closed", epoch)
	})
	require.NoError(t, err)

	changed := companyPayload("co_1")
	changed.BasicInfo.Name = "Renamed"
	out, err := h.recv.HandleProfileShared(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, archived.Version, h.get(t, "co_1").Version)
}

func TestHandleProfileShared_ScoresInstitution(t *testing.T) {
	h := newHarness(t)
	out, err := h.recv.HandleProfileShared(context.Background(), institutionPayload("fi_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	rec := h.get(t, "fi_1")
	assert.Equal(t, profile.CustomerInstitution, rec.CustomerType)
	// numeroAgrement and the regulatory status are missing: two high issues.
	assert.Equal(t, 70, rec.ConformityScore)
	assert.Equal(t, profile.ComplianceMedium, rec.ComplianceRating)
	assert.False(t, rec.RequiresAttention)
	require.NotNil(t, rec.LastValidatedAt)
}

func TestHandleProfileUpdated_LowImpactIsDelayedAndCoalesced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")
	ev := eventbus.ProfileUpdated{
		CustomerID:      "co_1",
		CustomerType:    profile.CustomerCompany,
		UpdatedSections: []string{"contact_info"},
		Impact:          "low",
	}

	out, err := h.recv.HandleProfileUpdated(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScheduled, out)

	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncScheduled, rec.SyncStatus)
	assert.Equal(t, profile.ActionDelayedSync, rec.Sync.ScheduledAction)
	assert.Equal(t, profile.PriorityLow, rec.Sync.Priority)
	assert.True(t, rec.Sync.NextScheduledSync.Equal(epoch.Add(30*time.Minute)))

	h.clock.Advance(time.Minute)
	out, err = h.recv.HandleProfileUpdated(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, out)
	assert.Empty(t, h.pub.syncRequests())
}

func TestHandleProfileUpdated_CriticalSectionSyncsNow(t *testing.T) {
	h := newHarness(t)
	h.seedSynced(t, "co_1")

	out, err := h.recv.HandleProfileUpdated(context.Background(), eventbus.ProfileUpdated{
		CustomerID:      "co_1",
		UpdatedSections: []string{"legal_info"},
		UpdateContext:   eventbus.UpdateContext{UpdateSource: "customer-portal"},
		Impact:          "medium",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, out)

	reqs := h.pub.syncRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, profile.PriorityUrgent, reqs[0].Priority)

	rec := h.get(t, "co_1")
	assert.Equal(t, profile.SyncPending, rec.SyncStatus)
	assert.True(t, rec.Sync.NextScheduledSync.Equal(epoch.Add(2*time.Minute)))
	assert.Equal(t, "service:customer-portal", rec.Sync.History[0].Actor)
}

func TestHandleProfileUpdated_UnknownCustomerSyncsNow(t *testing.T) {
	h := newHarness(t)
	out, err := h.recv.HandleProfileUpdated(context.Background(), eventbus.ProfileUpdated{
		CustomerID:      "fi_9",
		CustomerType:    profile.CustomerInstitution,
		UpdatedSections: []string{"contact_info"},
		Impact:          "low",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, out)
	assert.Equal(t, profile.SyncPending, h.get(t, "fi_9").SyncStatus)
}

func TestHandleProfileUpdated_RejectsUnknownImpact(t *testing.T) {
	h := newHarness(t)
	_, err := h.recv.HandleProfileUpdated(context.Background(), eventbus.ProfileUpdated{
		CustomerID: "co_1",
		Impact:     "catastrophic",
	})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Empty(t, h.pub.syncRequests())
}

func TestHandleSyncRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedSynced(t, "co_1")

	out, err := h.recv.HandleSyncRequest(ctx, eventbus.SyncPullRequest{
		CustomerID:        "co_1",
		RequestingService: "portfolio",
		Priority:          "whenever",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTriggered, out)
	reqs := h.pub.syncRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "pull:portfolio", reqs[0].Reason)
	assert.Equal(t, profile.PriorityMedium, reqs[0].Priority, "unknown priorities fall back to medium")

	_, err = h.recv.HandleSyncRequest(ctx, eventbus.SyncPullRequest{CustomerID: "ghost", RequestingService: "portfolio"})
	assert.ErrorIs(t, err, ErrInvalidPayload, "an unknown customer needs a type")

	_, err = h.recv.HandleSyncRequest(ctx, eventbus.SyncPullRequest{CustomerID: "co_1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestReceiver_RegisterConsumesTopics(t *testing.T) {
	h := newHarness(t)
	g := eventbus.NewMemoryGateway(2, testLogger())
	h.recv.Register(g, eventbus.NewMemoryDeduper(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, g.Publish(ctx, eventbus.TopicProfileShared, "co_1", companyPayload("co_1")))
	require.NoError(t, g.Publish(ctx, eventbus.TopicProfileShared, "bad", eventbus.ProfileShared{CustomerType: "nope"}))
	require.NoError(t, g.Publish(ctx, eventbus.TopicProfileUpdated, "co_1", eventbus.ProfileUpdated{
		CustomerID:      "co_1",
		UpdatedSections: []string{"contact_info"},
		Impact:          "low",
	}))
	require.NoError(t, g.Publish(ctx, eventbus.TopicSyncRequest, "fi_2", eventbus.SyncPullRequest{
		CustomerID:        "fi_2",
		CustomerType:      profile.CustomerInstitution,
		RequestingService: "portfolio",
		Priority:          profile.PriorityHigh,
	}))
	g.Flush()

	co := h.get(t, "co_1")
	assert.Equal(t, profile.SyncScheduled, co.SyncStatus)
	assert.Equal(t, profile.ActionDelayedSync, co.Sync.ScheduledAction)

	fi := h.get(t, "fi_2")
	assert.Equal(t, profile.SyncPending, fi.SyncStatus)

	_, err := h.store.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, profile.ErrNotFound)
}
