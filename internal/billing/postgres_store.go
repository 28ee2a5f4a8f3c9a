package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

// PostgresStore is the production Store for auto-topup settings. The CAS on
// usage_charge_in_flight and the failure counters are single UPDATE
// statements, so concurrent engines on the same tenant never double-charge
// or lose an increment.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert writes a tenant's settings row, the admin-surface entry point.
func (s *PostgresStore) Upsert(ctx context.Context, set *Settings) error {
	if err := ValidateSettings(set); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO autotopup_settings
			(tenant, usage_enabled, usage_threshold, usage_topup, usage_charge_in_flight,
			 usage_consecutive_failures, schedule_enabled, schedule_amount,
			 schedule_interval_hours, schedule_interval, schedule_next_at,
			 schedule_consecutive_failures)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (tenant) DO UPDATE SET
			usage_enabled = EXCLUDED.usage_enabled,
			usage_threshold = EXCLUDED.usage_threshold,
			usage_topup = EXCLUDED.usage_topup,
			schedule_enabled = EXCLUDED.schedule_enabled,
			schedule_amount = EXCLUDED.schedule_amount,
			schedule_interval_hours = EXCLUDED.schedule_interval_hours,
			schedule_interval = EXCLUDED.schedule_interval,
			schedule_next_at = EXCLUDED.schedule_next_at`,
		set.Tenant, set.UsageEnabled, int64(set.UsageThreshold), int64(set.UsageTopup),
		set.UsageChargeInFlight, set.UsageConsecutiveFailures, set.ScheduleEnabled,
		int64(set.ScheduleAmount), set.ScheduleIntervalHours, set.ScheduleInterval,
		set.ScheduleNextAt, set.ScheduleConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("billing: upsert settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenant string) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, usage_enabled, usage_threshold, usage_topup, usage_charge_in_flight,
		       usage_consecutive_failures, schedule_enabled, schedule_amount,
		       schedule_interval_hours, schedule_interval, schedule_next_at,
		       schedule_consecutive_failures
		FROM autotopup_settings WHERE tenant = $1`, tenant)
	set, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: scan settings: %w", err)
	}
	return set, nil
}

func (s *PostgresStore) AcquireUsageCharge(ctx context.Context, tenant string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET usage_charge_in_flight = true
		WHERE tenant = $1 AND usage_charge_in_flight = false`, tenant)
	if err != nil {
		return false, fmt.Errorf("billing: acquire usage charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("billing: acquire usage charge: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ReleaseUsageCharge(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET usage_charge_in_flight = false WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("billing: release usage charge: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementUsageFailures(ctx context.Context, tenant string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE autotopup_settings
		SET usage_consecutive_failures = usage_consecutive_failures + 1
		WHERE tenant = $1
		RETURNING usage_consecutive_failures`, tenant).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing: increment usage failures: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ResetUsageFailures(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET usage_consecutive_failures = 0 WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("billing: reset usage failures: %w", err)
	}
	return nil
}

func (s *PostgresStore) DisableUsageTopup(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET usage_enabled = false WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("billing: disable usage topup: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Settings, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant, usage_enabled, usage_threshold, usage_topup, usage_charge_in_flight,
		       usage_consecutive_failures, schedule_enabled, schedule_amount,
		       schedule_interval_hours, schedule_interval, schedule_next_at,
		       schedule_consecutive_failures
		FROM autotopup_settings
		WHERE schedule_enabled = true AND schedule_next_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("billing: list due schedules: %w", err)
	}
	defer rows.Close()

	var due []*Settings
	for rows.Next() {
		set, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan due schedule: %w", err)
		}
		due = append(due, set)
	}
	return due, rows.Err()
}

func (s *PostgresStore) AdvanceSchedule(ctx context.Context, tenant string, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET schedule_next_at = $2 WHERE tenant = $1`, tenant, nextAt)
	if err != nil {
		return fmt.Errorf("billing: advance schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementScheduleFailures(ctx context.Context, tenant string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE autotopup_settings
		SET schedule_consecutive_failures = schedule_consecutive_failures + 1
		WHERE tenant = $1
		RETURNING schedule_consecutive_failures`, tenant).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing: increment schedule failures: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ResetScheduleFailures(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET schedule_consecutive_failures = 0 WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("billing: reset schedule failures: %w", err)
	}
	return nil
}

func (s *PostgresStore) DisableSchedule(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autotopup_settings SET schedule_enabled = false WHERE tenant = $1`, tenant)
	if err != nil {
		return fmt.Errorf("billing: disable schedule: %w", err)
	}
	return nil
}

type settingsScanner interface {
	Scan(dest ...interface{}) error
}

func scanSettings(row settingsScanner) (*Settings, error) {
	var set Settings
	var usageThreshold, usageTopup, scheduleAmount int64
	if err := row.Scan(&set.Tenant, &set.UsageEnabled, &usageThreshold, &usageTopup,
		&set.UsageChargeInFlight, &set.UsageConsecutiveFailures, &set.ScheduleEnabled,
		&scheduleAmount, &set.ScheduleIntervalHours, &set.ScheduleInterval,
		&set.ScheduleNextAt, &set.ScheduleConsecutiveFailures); err != nil {
		return nil, err
	}
	set.UsageThreshold = ledger.Credits(usageThreshold)
	set.UsageTopup = ledger.Credits(usageTopup)
	set.ScheduleAmount = ledger.Credits(scheduleAmount)
	return &set, nil
}
