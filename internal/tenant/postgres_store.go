package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, tenant string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, status, reason, changed_at, changed_by, grace_deadline, data_delete_after
		FROM tenant_status WHERE tenant = $1`, tenant)

	var rec Record
	var status string
	var reason sql.NullString
	var graceDeadline, dataDeleteAfter sql.NullTime
	err := row.Scan(&rec.Tenant, &status, &reason, &rec.ChangedAt, &rec.ChangedBy, &graceDeadline, &dataDeleteAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: get status query: %w", err)
	}
	rec.Status = Status(status)
	rec.Reason = reason.String
	if graceDeadline.Valid {
		rec.GraceDeadline = &graceDeadline.Time
	}
	if dataDeleteAfter.Valid {
		rec.DataDeleteAfter = &dataDeleteAfter.Time
	}
	return &rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_status (tenant, status, reason, changed_at, changed_by, grace_deadline, data_delete_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			changed_at = EXCLUDED.changed_at,
			changed_by = EXCLUDED.changed_by,
			grace_deadline = EXCLUDED.grace_deadline,
			data_delete_after = EXCLUDED.data_delete_after`,
		rec.Tenant, string(rec.Status), rec.Reason, rec.ChangedAt, rec.ChangedBy, rec.GraceDeadline, rec.DataDeleteAfter)
	if err != nil {
		return fmt.Errorf("tenant: upsert status: %w", err)
	}
	return nil
}
