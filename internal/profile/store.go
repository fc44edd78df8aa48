package profile

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reader is the read side of Store.
type Reader interface {
	Get(ctx context.Context, customerID string) (*Record, error)
}

// Store persists profile records with optimistic concurrency.
//
// Upsert writes rec only if the stored version equals expectedVersion
// (0 means the record must not exist yet). On success rec.Version is
// expectedVersion+1. A mismatch returns ErrVersionConflict.
type Store interface {
	Reader
	Upsert(ctx context.Context, rec *Record, expectedVersion int64) error
	// ListDue returns records whose NextScheduledSync is at or before now,
	// oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	ListBySyncStatus(ctx context.Context, status SyncStatus, limit int) ([]*Record, error)
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
}

// ListFilter narrows List. Zero fields match everything. Results are ordered
// by (UpdatedAt desc, CustomerID desc) and start strictly after the cursor.
type ListFilter struct {
	SyncStatus        SyncStatus
	AdminStatus       AdminStatus
	RequiresAttention *bool
	AfterUpdatedAt    *time.Time
	AfterCustomerID   string
	Limit             int
}

func (f ListFilter) matches(r *Record) bool {
	if f.SyncStatus != "" && r.SyncStatus != f.SyncStatus {
		return false
	}
	if f.AdminStatus != "" && r.AdminStatus != f.AdminStatus {
		return false
	}
	if f.RequiresAttention != nil && r.RequiresAttention != *f.RequiresAttention {
		return false
	}
	if f.AfterUpdatedAt != nil {
		if r.UpdatedAt.After(*f.AfterUpdatedAt) {
			return false
		}
		if r.UpdatedAt.Equal(*f.AfterUpdatedAt) && r.CustomerID >= f.AfterCustomerID {
			return false
		}
	}
	return true
}

// MutateFunc edits a record in place. A nil record means none exists yet;
// the function returns the record to write, or ErrNoChange to skip the write.
type MutateFunc func(rec *Record) (*Record, error)

// ErrNoChange tells Update that the mutation decided nothing needs writing.
var ErrNoChange = errors.New("no change")

// Update runs a read-merge-write cycle against s. On a version conflict the
// cycle is repeated once on a fresh read; a second conflict is reported as
// ErrConcurrentUpdate. The written record is returned, or the current one if
// mutate returned ErrNoChange (nil when nothing exists).
func Update(ctx context.Context, s Store, customerID string, mutate MutateFunc) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.Get(ctx, customerID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		var expected int64
		var working *Record
		if current != nil {
			expected = current.Version
			working = current.Clone()
		}

		next, err := mutate(working)
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		if next.CustomerID != customerID {
			return nil, fmt.Errorf("%w: customer id is immutable", ErrInvalidRecord)
		}

		err = s.Upsert(ctx, next, expected)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrentUpdate, lastErr)
}
