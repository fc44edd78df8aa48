package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const defaultListLimit = 500

// PostgresStore implements Store backed by PostgreSQL. The full record is
// kept as a JSONB document; the columns the sweep and admin listing filter on
// are denormalized next to it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, customerID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+" WHERE customer_id = $1", customerID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, rec *Record, expectedVersion int64) error {
	if rec == nil || rec.CustomerID == "" {
		return ErrInvalidRecord
	}

	now := time.Now().UTC()
	next := *rec
	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	if expectedVersion == 0 {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO profile_records (
				customer_id, customer_type, version,
				admin_status, sync_status, review_priority, compliance_rating,
				requires_attention, active_sync_id, next_scheduled_sync, data_checksum,
				document, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			next.CustomerID, string(next.CustomerType), next.Version,
			string(next.AdminStatus), string(next.SyncStatus), string(next.ReviewPriority), string(next.ComplianceRating),
			next.RequiresAttention, next.Sync.ActiveSyncID, nullTime(next.Sync.NextScheduledSync), next.Sync.DataChecksum,
			doc, next.CreatedAt, next.UpdatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrVersionConflict
			}
			return fmt.Errorf("insert profile: %w", err)
		}
	} else {
		result, err := p.db.ExecContext(ctx, `
			UPDATE profile_records SET
				customer_type = $3, version = $4,
				admin_status = $5, sync_status = $6, review_priority = $7, compliance_rating = $8,
				requires_attention = $9, active_sync_id = $10, next_scheduled_sync = $11, data_checksum = $12,
				document = $13, updated_at = $14
			WHERE customer_id = $1 AND version = $2
		`,
			next.CustomerID, expectedVersion,
			string(next.CustomerType), next.Version,
			string(next.AdminStatus), string(next.SyncStatus), string(next.ReviewPriority), string(next.ComplianceRating),
			next.RequiresAttention, next.Sync.ActiveSyncID, nullTime(next.Sync.NextScheduledSync), next.Sync.DataChecksum,
			doc, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update profile rows: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
	}

	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	rec.CreatedAt = next.CreatedAt
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE next_scheduled_sync IS NOT NULL AND next_scheduled_sync <= $1
		ORDER BY next_scheduled_sync ASC
		LIMIT $2
	`, now, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list due profiles: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) ListBySyncStatus(ctx context.Context, status SyncStatus, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		WHERE sync_status = $1
		ORDER BY customer_id ASC
		LIMIT $2
	`, string(status), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list profiles by sync status: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.SyncStatus != "" {
		where = append(where, "sync_status = "+arg(string(filter.SyncStatus)))
	}
	if filter.AdminStatus != "" {
		where = append(where, "admin_status = "+arg(string(filter.AdminStatus)))
	}
	if filter.RequiresAttention != nil {
		where = append(where, "requires_attention = "+arg(*filter.RequiresAttention))
	}
	if filter.AfterUpdatedAt != nil {
		where = append(where, fmt.Sprintf("(updated_at, customer_id) < (%s, %s)",
			arg(*filter.AfterUpdatedAt), arg(filter.AfterCustomerID)))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, customer_id DESC LIMIT " + arg(normalizeLimit(filter.Limit))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

const selectColumns = `SELECT document, version, created_at, updated_at FROM profile_records`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		doc     []byte
		version int64
		created time.Time
		updated time.Time
	)
	if err := sc.Scan(&doc, &version, &created, &updated); err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, fmt.Errorf("decode profile document: %w", err)
	}
	rec.Version = version
	rec.CreatedAt = created
	rec.UpdatedAt = updated
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > defaultListLimit {
		return defaultListLimit
	}
	return limit
}
