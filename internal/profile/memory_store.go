package profile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map (for development and tests).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(_ context.Context, customerID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec *Record, expectedVersion int64) error {
	if rec == nil || rec.CustomerID == "" {
		return ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.records[rec.CustomerID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = expectedVersion + 1
	s.records[rec.CustomerID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Record
	for _, r := range s.records {
		if r.Sync.NextScheduledSync != nil && !r.Sync.NextScheduledSync.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Sync.NextScheduledSync.Before(*due[j].Sync.NextScheduledSync)
	})
	return cloneAll(due, limit), nil
}

func (s *MemoryStore) ListBySyncStatus(_ context.Context, status SyncStatus, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.SyncStatus == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return cloneAll(out, limit), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if filter.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CustomerID > out[j].CustomerID
	})
	return cloneAll(out, filter.Limit), nil
}

func cloneAll(in []*Record, limit int) []*Record {
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]*Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
