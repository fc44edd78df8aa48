package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAppendHistory_BoundedNewestFirst(t *testing.T) {
	r := NewRecord("cust_1", CustomerCompany, testNow)

	for i := 0; i < 25; i++ {
		r.AppendHistory(HistoryEntry{SyncID: fmt.Sprintf("sync_%d", i), Action: "sync_requested", Timestamp: testNow})
		if len(r.Sync.History) > MaxHistory {
			t.Fatalf("history grew to %d entries", len(r.Sync.History))
		}
	}

	if len(r.Sync.History) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(r.Sync.History))
	}
	if r.Sync.History[0].SyncID != "sync_24" {
		t.Errorf("expected newest entry first, got %s", r.Sync.History[0].SyncID)
	}
	if r.Sync.History[MaxHistory-1].SyncID != "sync_15" {
		t.Errorf("expected oldest retained entry sync_15, got %s", r.Sync.History[MaxHistory-1].SyncID)
	}
}

func TestTransitionSync(t *testing.T) {
	tests := []struct {
		from, to SyncStatus
		ok       bool
	}{
		{SyncSynced, SyncPending, true},
		{SyncSynced, SyncScheduled, true},
		{SyncSynced, SyncFailed, false},
		{SyncPending, SyncSynced, true},
		{SyncPending, SyncFailed, true},
		{SyncScheduled, SyncPending, true},
		{SyncFailed, SyncPending, true},
		{"", SyncPending, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			r := &Record{SyncStatus: tt.from}
			err := r.TransitionSync(tt.to)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestSetAdminStatus_SuspendRequiresReason(t *testing.T) {
	r := NewRecord("cust_1", CustomerCompany, testNow)
	admin := Admin("alice")

	if err := r.SetAdminStatus(AdminSuspended, admin, "  ", testNow); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	if err := r.SetAdminStatus(AdminSuspended, admin, "forged registry extract", testNow); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if r.AdminNotes != "forged registry extract" {
		t.Errorf("expected notes to carry the reason, got %q", r.AdminNotes)
	}
	if got := r.Sync.History[0]; got.Actor != "admin:alice" || got.Status != string(AdminSuspended) {
		t.Errorf("unexpected history entry %+v", got)
	}
}

func TestSetAdminStatus_ArchivedIsTerminal(t *testing.T) {
	r := NewRecord("cust_1", CustomerCompany, testNow)
	if err := r.SetAdminStatus(AdminArchived, Admin("bob"), "closed", testNow); err != nil {
		t.Fatalf("archive: %v", err)
	}
	for _, to := range []AdminStatus{AdminUnderReview, AdminValidated, AdminRequiresAttention} {
		if err := r.SetAdminStatus(to, Admin("bob"), "reopen", testNow); !errors.Is(err, ErrArchived) {
			t.Errorf("archived -> %s: expected ErrArchived, got %v", to, err)
		}
	}
}

func TestRiskFlags_Set(t *testing.T) {
	r := &Record{}
	if !r.AddRiskFlag("pep") || !r.AddRiskFlag("aml_watchlist") {
		t.Fatal("expected new flags to be added")
	}
	if r.AddRiskFlag("pep") {
		t.Error("duplicate flag should not change the set")
	}
	if len(r.RiskFlags) != 2 || r.RiskFlags[0] != "aml_watchlist" {
		t.Errorf("expected sorted set, got %v", r.RiskFlags)
	}
	if !r.RemoveRiskFlag("pep") || r.RemoveRiskFlag("pep") {
		t.Error("remove should change the set exactly once")
	}
}

func TestAlertsAndConflicts(t *testing.T) {
	r := &Record{}
	r.AddAlert("sync_failure", "high", "sync failed", testNow)
	if err := r.AcknowledgeAlert(0, Admin("carol")); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !r.Alerts[0].Acknowledged || r.Alerts[0].AcknowledgedBy != "admin:carol" {
		t.Errorf("unexpected alert %+v", r.Alerts[0])
	}
	if err := r.AcknowledgeAlert(3, Admin("carol")); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}

	r.Sync.Conflicts = []Conflict{{Field: "basicInfo.name"}, {Field: "basicInfo.email"}}
	if err := r.ResolveConflict(1, Admin("carol"), testNow); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n := r.UnresolvedConflicts(); n != 1 {
		t.Errorf("expected 1 unresolved conflict, got %d", n)
	}
}

func TestRecordJSON_TaggedUnion(t *testing.T) {
	r := NewRecord("fi_1", CustomerInstitution, testNow)
	r.Details = &InstitutionProfile{DenominationSociale: "Banque du Kivu", NumeroAgrement: "AG-22"}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	inst, ok := back.Institution()
	if !ok {
		t.Fatalf("expected institution details, got %T", back.Details)
	}
	if inst.NumeroAgrement != "AG-22" {
		t.Errorf("expected AG-22, got %s", inst.NumeroAgrement)
	}
	if _, ok := back.Company(); ok {
		t.Error("institution record must not report company details")
	}

	bad := []byte(`{"customerId":"x","companyProfile":{},"institutionProfile":{}}`)
	if err := json.Unmarshal(bad, &back); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("expected ErrInvalidRecord for both variants, got %v", err)
	}
}

func TestHasActiveSync(t *testing.T) {
	expires := testNow.Add(5 * time.Minute)
	r := &Record{SyncStatus: SyncPending, Sync: SyncMetadata{ActiveSyncID: "sync_a", SyncExpiresAt: &expires}}

	if !r.HasActiveSync(testNow) {
		t.Error("expected active sync before expiry")
	}
	if r.HasActiveSync(expires.Add(time.Second)) {
		t.Error("expected expired sync to be inactive")
	}
	r.SyncStatus = SyncSynced
	if r.HasActiveSync(testNow) {
		t.Error("synced record has no active sync")
	}
}

func TestActorValidate(t *testing.T) {
	if err := Admin("").Validate(); err == nil {
		t.Error("expected anonymous actor to be rejected")
	}
	if err := (Actor{ID: "x", Kind: "robot"}).Validate(); err == nil {
		t.Error("expected unknown kind to be rejected")
	}
	if err := System("retry-scheduler").Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
