package admin

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

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/conformity"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profilesync"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/realtime"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/syncutil"
)

var (
	ana   = profile.Admin("ana")
	clock = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
)

type fakeSyncer struct {
	mu       sync.Mutex
	requests []profilesync.Request
	result   *profilesync.Result
	err      error
}

func (f *fakeSyncer) Orchestrate(_ context.Context, req profilesync.Request) (*profilesync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &profilesync.Result{Success: true, SyncID: "sync_new", Outcome: profilesync.OutcomeTriggered}, nil
}

type captureHub struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (h *captureHub) Broadcast(e *realtime.Event) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *captureHub) actions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		out = append(out, e.Data.(ActionEvent).Action)
	}
	return out
}

type fixture struct {
	store  *profile.MemoryStore
	syncer *fakeSyncer
	hub    *captureHub
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  profile.NewMemoryStore(),
		syncer: &fakeSyncer{},
		hub:    &captureHub{},
	}
	f.svc = NewService(f.store, f.syncer, syncutil.NewKeyedMutex(), f.hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.now = func() time.Time { return clock }
	return f
}

func (f *fixture) put(t *testing.T, rec *profile.Record) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), rec, 0))
}

func company(id string) *profile.Record {
	r := profile.NewRecord(id, profile.CustomerCompany, clock)
	r.Details = &profile.CompanyProfile{
		LegalForm:  "SARL",
		Industry:   "agriculture",
		RCCM:       "CD/GOM/RCCM/21-B-0042",
		Activities: []string{"coffee export"},
	}
	r.Extended = &profile.ExtendedProfile{FormCompleted: true}
	r.Patrimoine = &profile.Patrimoine{Assets: []profile.Asset{{Name: "warehouse", Value: 120000}}}
	return r
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, company("co_1"))

	rec, err := f.svc.SetStatus(ctx, "co_1", profile.AdminValidated, "", ana)
	require.NoError(t, err)
	assert.Equal(t, profile.AdminValidated, rec.AdminStatus)
	require.NotEmpty(t, rec.Sync.History)
	assert.Equal(t, "admin_status", rec.Sync.History[0].Action)
	assert.Equal(t, "admin:ana", rec.Sync.History[0].Actor)

	_, err = f.svc.SetStatus(ctx, "co_1", profile.AdminSuspended, " ", ana)
	assert.ErrorIs(t, err, profile.ErrReasonRequired)

	_, err = f.svc.SetStatus(ctx, "co_1", profile.AdminArchived, "closed account", ana)
	require.NoError(t, err)
	_, err = f.svc.SetStatus(ctx, "co_1", profile.AdminUnderReview, "reopen", ana)
	assert.ErrorIs(t, err, profile.ErrArchived)

	assert.Equal(t, []string{ActionSetStatus, ActionSetStatus}, f.hub.actions())
}

func TestSetStatus_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, company("co_1"))

	_, err := f.svc.SetStatus(ctx, "ghost", profile.AdminValidated, "", ana)
	assert.ErrorIs(t, err, profile.ErrNotFound)

	_, err = f.svc.SetStatus(ctx, "co_1", profile.AdminValidated, "", profile.Actor{})
	assert.ErrorIs(t, err, profile.ErrInvalidRecord)

	_, err = f.svc.SetStatus(ctx, "co_1", profile.AdminUnderReview, "", ana)
	assert.ErrorIs(t, err, profile.ErrInvalidTransition)

	assert.Empty(t, f.hub.actions())
}

func TestOverrideCompliance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, company("co_1"))
	attention := true

	_, err := f.svc.OverrideCompliance(ctx, "co_1", ComplianceOverride{Rating: profile.ComplianceLow}, ana)
	assert.ErrorIs(t, err, profile.ErrReasonRequired)

	_, err = f.svc.OverrideCompliance(ctx, "co_1", ComplianceOverride{Rating: "Stellar", Reason: "x"}, ana)
	assert.ErrorIs(t, err, ErrInvalidInput)

	rec, err := f.svc.OverrideCompliance(ctx, "co_1", ComplianceOverride{
		Rating:            profile.ComplianceCritical,
		RequiresAttention: &attention,
		Reason:            "sanctions screening hit",
	}, ana)
	require.NoError(t, err)
	assert.Equal(t, profile.ComplianceCritical, rec.ComplianceRating)
	assert.True(t, rec.RequiresAttention)
	assert.Equal(t, ActionComplianceOverride, rec.Sync.History[0].Action)
	assert.Equal(t, "sanctions screening hit", rec.Sync.History[0].Reason)
}

func TestAcknowledgeAlert_ClearsAttentionOnConformProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := company("co_1")
	rec.SyncStatus = profile.SyncFailed
	rec.AddAlert(profile.AlertSyncFailure, profile.LevelHigh, "sync failed", clock)
	rec.RequiresAttention = true
	f.put(t, rec)

	_, err := f.svc.AcknowledgeAlert(ctx, "co_1", 3, ana)
	assert.ErrorIs(t, err, profile.ErrIndexOutOfRange)

	got, err := f.svc.AcknowledgeAlert(ctx, "co_1", 0, ana)
	require.NoError(t, err)
	assert.True(t, got.Alerts[0].Acknowledged)
	assert.Equal(t, "admin:ana", got.Alerts[0].AcknowledgedBy)
	assert.False(t, got.RequiresAttention)
	assert.Equal(t, ActionAcknowledgeAlert, got.Sync.History[0].Action)
}

func TestResolveConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := company("co_1")
	rec.Sync.Conflicts = []profile.Conflict{{Field: "companyProfile.industry", DetectedAt: clock}}
	f.put(t, rec)

	got, err := f.svc.ResolveConflict(ctx, "co_1", 0, ana)
	require.NoError(t, err)
	assert.True(t, got.Sync.Conflicts[0].Resolved)
	assert.Equal(t, 0, got.UnresolvedConflicts())
	assert.Equal(t, "companyProfile.industry", got.Sync.History[0].Status)
}

func TestRiskFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, company("co_1"))

	rec, err := f.svc.AddRiskFlag(ctx, "co_1", "pep", ana)
	require.NoError(t, err)
	assert.Equal(t, []string{"pep"}, rec.RiskFlags)
	version := rec.Version

	rec, err = f.svc.AddRiskFlag(ctx, "co_1", "pep", ana)
	require.NoError(t, err)
	assert.Equal(t, version, rec.Version, "adding a present flag must not write")

	rec, err = f.svc.RemoveRiskFlag(ctx, "co_1", "pep", ana)
	require.NoError(t, err)
	assert.Empty(t, rec.RiskFlags)

	_, err = f.svc.AddRiskFlag(ctx, "co_1", "  ", ana)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestArchivedRecordRejectsReviewActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := company("co_1")
	rec.AdminStatus = profile.AdminArchived
	rec.AddAlert(profile.AlertSyncFailure, profile.LevelHigh, "sync failed", clock)
	rec.Sync.Conflicts = []profile.Conflict{{Field: "companyProfile.industry", DetectedAt: clock}}
	rec.RiskFlags = []string{"pep"}
	f.put(t, rec)
	before, err := f.store.Get(ctx, "co_1")
	require.NoError(t, err)

	_, err = f.svc.AcknowledgeAlert(ctx, "co_1", 0, ana)
	assert.ErrorIs(t, err, profile.ErrArchived)
	_, err = f.svc.ResolveConflict(ctx, "co_1", 0, ana)
	assert.ErrorIs(t, err, profile.ErrArchived)
	_, err = f.svc.AddRiskFlag(ctx, "co_1", "sanctions", ana)
	assert.ErrorIs(t, err, profile.ErrArchived)
	_, err = f.svc.RemoveRiskFlag(ctx, "co_1", "pep", ana)
	assert.ErrorIs(t, err, profile.ErrArchived)

	after, err := f.store.Get(ctx, "co_1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.False(t, after.Alerts[0].Acknowledged)
	assert.False(t, after.Sync.Conflicts[0].Resolved)
	assert.Equal(t, []string{"pep"}, after.RiskFlags)
	assert.Empty(t, f.hub.actions())
}

func TestRevalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, company("co_1"))

	res, err := f.svc.Revalidate(ctx, "co_1", ana)
	require.NoError(t, err)
	assert.True(t, res.IsConform)
	assert.Equal(t, 100, res.OverallScore)

	stored, err := f.store.Get(ctx, "co_1")
	require.NoError(t, err)
	assert.Equal(t, 100, stored.ConformityScore)
	assert.Equal(t, profile.ComplianceHigh, stored.ComplianceRating)
	require.NotNil(t, stored.LastValidatedAt)
	assert.True(t, clock.Equal(*stored.LastValidatedAt))
}

func TestRevalidate_MissingProfileIsDefinedResult(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Revalidate(context.Background(), "ghost", ana)
	require.NoError(t, err)
	assert.False(t, res.IsConform)
	assert.Equal(t, 0, res.OverallScore)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, conformity.SeverityCritical, res.Issues[0].Severity)

	_, err = f.store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, profile.ErrNotFound, "validation never creates records")
}

func TestTriggerSync(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.TriggerSync(context.Background(), "co_1", profile.PriorityUrgent, "", ana)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, f.syncer.requests, 1)
	req := f.syncer.requests[0]
	assert.Equal(t, "co_1", req.CustomerID)
	assert.Equal(t, profile.PriorityUrgent, req.Priority)
	assert.Equal(t, "admin:manual", req.Reason)
	assert.Equal(t, ana, req.Actor)
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, []string{ActionTriggerSync}, f.hub.actions())
}

func TestRestartSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.put(t, company("co_ok"))
	failed := company("co_failed")
	failed.SyncStatus = profile.SyncFailed
	f.put(t, failed)

	_, err := f.svc.RestartSync(ctx, "co_ok", ana)
	assert.ErrorIs(t, err, ErrNotFailed)

	_, err = f.svc.RestartSync(ctx, "ghost", ana)
	assert.ErrorIs(t, err, profile.ErrNotFound)

	res, err := f.svc.RestartSync(ctx, "co_failed", ana)
	require.NoError(t, err)
	assert.Equal(t, "sync_new", res.SyncID)
	require.Len(t, f.syncer.requests, 1)
	assert.Equal(t, profile.PriorityHigh, f.syncer.requests[0].Priority)
	assert.Equal(t, "admin:restart", f.syncer.requests[0].Reason)
}

func TestTriggerSync_PropagatesInvalidRequest(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = errors.New("boom")

	_, err := f.svc.TriggerSync(context.Background(), "co_1", "", "", ana)
	assert.EqualError(t, err, "boom")
	assert.Empty(t, f.hub.actions())
}

func TestList_Paginates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"co_1", "co_2", "co_3", "co_4", "co_5"} {
		f.put(t, company(id))
	}
	failed := company("co_6")
	failed.SyncStatus = profile.SyncFailed
	f.put(t, failed)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := f.svc.List(ctx, ListQuery{Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		pages++
		for _, p := range page.Profiles {
			assert.False(t, seen[p.CustomerID], "duplicate %s", p.CustomerID)
			seen[p.CustomerID] = true
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 6)
	assert.Equal(t, 3, pages)

	page, err := f.svc.List(ctx, ListQuery{SyncStatus: profile.SyncFailed})
	require.NoError(t, err)
	require.Len(t, page.Profiles, 1)
	assert.Equal(t, "co_6", page.Profiles[0].CustomerID)
	assert.False(t, page.HasMore)

	_, err = f.svc.List(ctx, ListQuery{Cursor: "!!!"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
