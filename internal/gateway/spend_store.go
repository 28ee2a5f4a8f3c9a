package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

// PostgresSpendStore is the production SpendStore: meter events are
// append-only rows, and the two charge sums are pushed down to SQL so the
// aggregator never loads individual events.
type PostgresSpendStore struct {
	db *sql.DB
}

func NewPostgresSpendStore(db *sql.DB) *PostgresSpendStore {
	return &PostgresSpendStore{db: db}
}

func (s *PostgresSpendStore) InsertMeterEvent(ctx context.Context, ev *MeterEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meter_events
			(id, tenant, cost_credits, charge_credits, capability, provider,
			 instance_id, model, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9)`,
		ev.ID, ev.Tenant, int64(ev.CostCredits), int64(ev.ChargeCredits),
		ev.Capability, ev.Provider, ev.InstanceID, ev.Model, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("gateway: insert meter event: %w", err)
	}
	return nil
}

func (s *PostgresSpendStore) SumMeterEventCharge(ctx context.Context, tenant string, since time.Time) (ledger.Credits, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(charge_credits), 0) FROM meter_events
		WHERE tenant = $1 AND timestamp >= $2`, tenant, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("gateway: sum meter event charge: %w", err)
	}
	return ledger.Credits(total), nil
}

func (s *PostgresSpendStore) SumUsageSummaryCharge(ctx context.Context, tenant string, windowStart, windowEnd time.Time) (ledger.Credits, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_charge), 0) FROM usage_summaries
		WHERE tenant = $1 AND window_start <= $3 AND window_end >= $2`,
		tenant, windowStart, windowEnd).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("gateway: sum usage summary charge: %w", err)
	}
	return ledger.Credits(total), nil
}
