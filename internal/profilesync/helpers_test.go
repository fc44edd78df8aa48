package profilesync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/eventbus"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/impact"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/syncutil"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type published struct {
	topic   string
	key     string
	payload any
}

// recordingPublisher keeps every published payload and fails while err is set.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *recordingPublisher) syncRequests() []eventbus.SyncRequested {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.SyncRequested
	for _, m := range p.msgs {
		if ev, ok := m.payload.(eventbus.SyncRequested); ok && m.topic == eventbus.TopicSyncRequested {
			out = append(out, ev)
		}
	}
	return out
}

type notification struct {
	customerID string
	syncID     string
	cause      string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) NotifySyncFailure(_ context.Context, rec *profile.Record, syncID, cause string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{customerID: rec.CustomerID, syncID: syncID, cause: cause})
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type harness struct {
	store    *profile.MemoryStore
	pub      *recordingPublisher
	notifier *recordingNotifier
	clock    *clock
	locks    *syncutil.KeyedMutex
	sched    *Scheduler
	orch     *Orchestrator
	recv     *Receiver
	timer    *Timer
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    profile.NewMemoryStore(),
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
		clock:    &clock{t: epoch},
		locks:    syncutil.NewKeyedMutex(),
	}
	logger := testLogger()
	h.sched = NewScheduler(h.store, h.notifier, logger)
	h.orch = NewOrchestrator(h.store, h.pub, h.sched, "admin-service", logger)
	h.recv = NewReceiver(h.store, h.orch, h.sched, impact.NewClassifier(impact.DefaultDelay), h.locks, logger)
	h.timer = NewTimer(h.store, h.orch, h.sched, h.locks, logger)

	h.sched.now = h.clock.Now
	h.orch.now = h.clock.Now
	h.recv.now = h.clock.Now
	h.timer.now = h.clock.Now
	return h
}

func (h *harness) get(t *testing.T, id string) *profile.Record {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func companyPayload(id string) eventbus.ProfileShared {
	return eventbus.ProfileShared{
		CustomerID:   id,
		CustomerType: profile.CustomerCompany,
		BasicInfo:    profile.BasicInfo{Name: "Kivu Coffee", Country: "CD"},
		CompanyProfile: &profile.CompanyProfile{
			LegalForm:  "SARL",
			Industry:   "agriculture",
			RCCM:       "CD/GOM/RCCM/21-B-0042",
			Activities: []string{"coffee export"},
		},
		ExtendedProfile:     &profile.ExtendedProfile{FormCompleted: true},
		Patrimoine:          &profile.Patrimoine{Assets: []profile.Asset{{Name: "warehouse", Value: 120000}}},
		ProfileCompleteness: profile.Completeness{Percentage: 100},
		LastProfileUpdate:   epoch.Add(-time.Hour),
	}
}

func institutionPayload(id string) eventbus.ProfileShared {
	return eventbus.ProfileShared{
		CustomerID:   id,
		CustomerType: profile.CustomerInstitution,
		BasicInfo:    profile.BasicInfo{Name: "Banque du Kivu"},
		InstitutionProfile: &profile.InstitutionProfile{
			DenominationSociale: "Banque du Kivu SA",
			AutoriteSupervision: "BCC",
			TypeInstitution:     "banque",
			CapitalSocial:       5_000_000,
		},
		ProfileCompleteness: profile.Completeness{Percentage: 80},
	}
}

// seedSynced stores a synced company record built from its first payload.
func (h *harness) seedSynced(t *testing.T, id string) *profile.Record {
	t.Helper()
	out, err := h.recv.HandleProfileShared(context.Background(), companyPayload(id))
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if out != OutcomeApplied {
		t.Fatalf("seed %s: outcome %s", id, out)
	}
	return h.get(t, id)
}
