package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/conformity"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/metrics"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/pagination"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profilesync"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/realtime"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/syncutil"
)

// Action names used in history entries, metrics and realtime events.
const (
	ActionSetStatus          = "admin_status"
	ActionComplianceOverride = "compliance_override"
	ActionAcknowledgeAlert   = "alert_acknowledged"
	ActionResolveConflict    = "conflict_resolved"
	ActionRevalidate         = "revalidated"
	ActionTriggerSync        = "sync_triggered"
	ActionRestartSync        = "sync_restarted"
	ActionAddRiskFlag        = "risk_flag_added"
	ActionRemoveRiskFlag     = "risk_flag_removed"
)

// Syncer starts synchronizations. *profilesync.Orchestrator implements it.
type Syncer interface {
	Orchestrate(ctx context.Context, req profilesync.Request) (*profilesync.Result, error)
}

// Broadcaster pushes events to live admin consoles.
type Broadcaster interface {
	Broadcast(event *realtime.Event)
}

// ActionEvent is the payload of an admin_action realtime event.
type ActionEvent struct {
	Action string `json:"action"`
	Actor  string `json:"actor"`
	Detail string `json:"detail,omitempty"`
}

// Service performs admin actions. Mutations hold the per-customer lock
// shared with the sync receiver and timer.
type Service struct {
	store  profile.Store
	syncer Syncer
	locks  *syncutil.KeyedMutex
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an admin service. hub may be nil.
func NewService(store profile.Store, syncer Syncer, locks *syncutil.KeyedMutex, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		syncer: syncer,
		locks:  locks,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the stored record of customerID.
func (s *Service) Get(ctx context.Context, customerID string) (*profile.Record, error) {
	return s.store.Get(ctx, customerID)
}

// ListQuery selects one page of profiles.
type ListQuery struct {
	SyncStatus        profile.SyncStatus
	AdminStatus       profile.AdminStatus
	RequiresAttention *bool
	Cursor            string
	Limit             int
}

// List returns profiles ordered by last update, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	cur, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	limit := q.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}

	filter := profile.ListFilter{
		SyncStatus:        q.SyncStatus,
		AdminStatus:       q.AdminStatus,
		RequiresAttention: q.RequiresAttention,
		Limit:             limit + 1,
	}
	if cur != nil {
		filter.AfterUpdatedAt = &cur.At
		filter.AfterCustomerID = cur.ID
	}

	recs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(r *profile.Record) (time.Time, string) {
		return r.UpdatedAt, r.CustomerID
	})
	if recs == nil {
		recs = []*profile.Record{}
	}
	return &Page{Profiles: recs, NextCursor: next, HasMore: more}, nil
}

// SetStatus moves the admin lifecycle of a record.
func (s *Service) SetStatus(ctx context.Context, customerID string, status profile.AdminStatus, reason string, actor profile.Actor) (*profile.Record, error) {
	return s.mutate(ctx, ActionSetStatus, customerID, actor, string(status), func(rec *profile.Record, now time.Time) error {
		return rec.SetAdminStatus(status, actor, reason, now)
	})
}

// OverrideCompliance replaces the derived compliance fields. The override
// holds until the next conformity evaluation.
func (s *Service) OverrideCompliance(ctx context.Context, customerID string, o ComplianceOverride, actor profile.Actor) (*profile.Record, error) {
	if !o.Rating.Valid() {
		return nil, fmt.Errorf("%w: unknown compliance rating %q", ErrInvalidInput, o.Rating)
	}
	if strings.TrimSpace(o.Reason) == "" {
		return nil, profile.ErrReasonRequired
	}
	return s.mutate(ctx, ActionComplianceOverride, customerID, actor, string(o.Rating), func(rec *profile.Record, now time.Time) error {
		if rec.IsArchived() {
			return profile.ErrArchived
		}
		rec.ComplianceRating = o.Rating
		if o.RequiresAttention != nil {
			rec.RequiresAttention = *o.RequiresAttention
		}
		rec.AppendHistory(profile.HistoryEntry{
			Action:    ActionComplianceOverride,
			Status:    string(o.Rating),
			Reason:    o.Reason,
			Actor:     actor.String(),
			Timestamp: now,
		})
		return nil
	})
}

// AcknowledgeAlert marks the alert at index as seen. Acknowledging the last
// open sync failure alert clears requiresAttention when the profile conforms.
func (s *Service) AcknowledgeAlert(ctx context.Context, customerID string, index int, actor profile.Actor) (*profile.Record, error) {
	return s.mutate(ctx, ActionAcknowledgeAlert, customerID, actor, fmt.Sprint(index), func(rec *profile.Record, now time.Time) error {
		if rec.IsArchived() {
			return profile.ErrArchived
		}
		if err := rec.AcknowledgeAlert(index, actor); err != nil {
			return err
		}
		conformity.Apply(rec, conformity.Evaluate(rec.CustomerID, rec, now))
		rec.AppendHistory(profile.HistoryEntry{
			Action:    ActionAcknowledgeAlert,
			Status:    rec.Alerts[index].Type,
			Actor:     actor.String(),
			Timestamp: now,
		})
		return nil
	})
}

// ResolveConflict marks the drift conflict at index as reviewed.
func (s *Service) ResolveConflict(ctx context.Context, customerID string, index int, actor profile.Actor) (*profile.Record, error) {
	return s.mutate(ctx, ActionResolveConflict, customerID, actor, fmt.Sprint(index), func(rec *profile.Record, now time.Time) error {
		if rec.IsArchived() {
			return profile.ErrArchived
		}
		if err := rec.ResolveConflict(index, actor, now); err != nil {
			return err
		}
		rec.AppendHistory(profile.HistoryEntry{
			Action:    ActionResolveConflict,
			Status:    rec.Sync.Conflicts[index].Field,
			Actor:     actor.String(),
			Timestamp: now,
		})
		return nil
	})
}

// AddRiskFlag adds flag to the record. Adding a present flag changes nothing.
func (s *Service) AddRiskFlag(ctx context.Context, customerID, flag string, actor profile.Actor) (*profile.Record, error) {
	return s.riskFlag(ctx, ActionAddRiskFlag, customerID, flag, actor, (*profile.Record).AddRiskFlag)
}

// RemoveRiskFlag removes flag from the record.
func (s *Service) RemoveRiskFlag(ctx context.Context, customerID, flag string, actor profile.Actor) (*profile.Record, error) {
	return s.riskFlag(ctx, ActionRemoveRiskFlag, customerID, flag, actor, (*profile.Record).RemoveRiskFlag)
}

func (s *Service) riskFlag(ctx context.Context, action, customerID, flag string, actor profile.Actor, apply func(*profile.Record, string) bool) (*profile.Record, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return nil, fmt.Errorf("%w: flag is required", ErrInvalidInput)
	}
	return s.mutate(ctx, action, customerID, actor, flag, func(rec *profile.Record, now time.Time) error {
		if rec.IsArchived() {
			return profile.ErrArchived
		}
		if !apply(rec, flag) {
			return profile.ErrNoChange
		}
		rec.AppendHistory(profile.HistoryEntry{
			Action:    action,
			Status:    flag,
			Actor:     actor.String(),
			Timestamp: now,
		})
		return nil
	})
}

// Revalidate scores the stored profile and persists the derived fields. A
// missing profile yields the defined not-found result without a write.
func (s *Service) Revalidate(ctx context.Context, customerID string, actor profile.Actor) (*conformity.Result, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var res *conformity.Result
	err := s.locks.Do(ctx, customerID, func(ctx context.Context) error {
		_, err := profile.Update(ctx, s.store, customerID, func(rec *profile.Record) (*profile.Record, error) {
			now := s.now()
			res = conformity.Evaluate(customerID, rec, now)
			if rec == nil {
				return nil, profile.ErrNoChange
			}
			conformity.Apply(rec, res)
			return rec, nil
		})
		return err
	})
	s.record(ActionRevalidate, customerID, actor, "", err)
	if err != nil {
		return nil, err
	}
	conformity.Observe(res)
	return res, nil
}

// TriggerSync starts a synchronization on behalf of actor.
func (s *Service) TriggerSync(ctx context.Context, customerID string, priority profile.Priority, reason string, actor profile.Actor) (*profilesync.Result, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "admin:manual"
	}
	var res *profilesync.Result
	err := s.locks.Do(ctx, customerID, func(ctx context.Context) error {
		var err error
		res, err = s.syncer.Orchestrate(ctx, profilesync.Request{
			CustomerID: customerID,
			Reason:     reason,
			Priority:   priority,
			Actor:      actor,
			Attempt:    1,
		})
		return err
	})
	s.record(ActionTriggerSync, customerID, actor, string(priority), err)
	return res, err
}

// RestartSync starts a new high priority cycle for a record whose last cycle
// failed terminally.
func (s *Service) RestartSync(ctx context.Context, customerID string, actor profile.Actor) (*profilesync.Result, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var res *profilesync.Result
	err := s.locks.Do(ctx, customerID, func(ctx context.Context) error {
		rec, err := s.store.Get(ctx, customerID)
		if err != nil {
			return err
		}
		if rec.SyncStatus != profile.SyncFailed {
			return fmt.Errorf("%w: sync status is %s", ErrNotFailed, rec.SyncStatus)
		}
		res, err = s.syncer.Orchestrate(ctx, profilesync.Request{
			CustomerID: customerID,
			Reason:     "admin:restart",
			Priority:   profile.PriorityHigh,
			Actor:      actor,
			Attempt:    1,
		})
		return err
	})
	s.record(ActionRestartSync, customerID, actor, "", err)
	return res, err
}

// mutate runs fn on the stored record under the customer lock and persists
// the result. fn returning profile.ErrNoChange skips the write.
func (s *Service) mutate(ctx context.Context, action, customerID string, actor profile.Actor, detail string, fn func(rec *profile.Record, now time.Time) error) (*profile.Record, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	var out *profile.Record
	err := s.locks.Do(ctx, customerID, func(ctx context.Context) error {
		var err error
		out, err = profile.Update(ctx, s.store, customerID, func(rec *profile.Record) (*profile.Record, error) {
			if rec == nil {
				return nil, profile.ErrNotFound
			}
			if err := fn(rec, s.now()); err != nil {
				return nil, err
			}
			return rec, nil
		})
		return err
	})
	s.record(action, customerID, actor, detail, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) record(action, customerID string, actor profile.Actor, detail string, err error) {
	if err != nil {
		metrics.AdminActionsTotal.WithLabelValues(action, "error").Inc()
		if !errors.Is(err, profile.ErrNotFound) {
			s.logger.Warn("admin action failed", "action", action, "customer_id", customerID, "actor", actor.String(), "error", err)
		}
		return
	}
	metrics.AdminActionsTotal.WithLabelValues(action, "ok").Inc()
	s.logger.Info("admin action", "action", action, "customer_id", customerID, "actor", actor.String(), "detail", detail)
	if s.hub != nil {
		s.hub.Broadcast(&realtime.Event{
			Type:       realtime.EventAdminAction,
			CustomerID: customerID,
			Timestamp:  s.now(),
			Data:       ActionEvent{Action: action, Actor: actor.String(), Detail: detail},
		})
	}
}
