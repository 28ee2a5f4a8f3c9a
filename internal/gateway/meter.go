package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

// MeterEvent is one append-only metering row.
type MeterEvent struct {
	ID            string
	Tenant        string
	CostCredits   ledger.Credits
	ChargeCredits ledger.Credits
	Capability    string
	Provider      string
	InstanceID    string
	Model         string
	Timestamp     time.Time
}

// SpendStore is the persistence boundary for spend queries: the sum of
// meter_events charges plus usage_summaries charges intersecting the query
// window. Conservative double-counting across the two sources is acceptable
// for enforcement.
type SpendStore interface {
	InsertMeterEvent(ctx context.Context, ev *MeterEvent) error
	SumMeterEventCharge(ctx context.Context, tenant string, since time.Time) (ledger.Credits, error)
	SumUsageSummaryCharge(ctx context.Context, tenant string, windowStart, windowEnd time.Time) (ledger.Credits, error)
}

// Spend is querySpend's result.
type Spend struct {
	DailySpend   ledger.Credits
	MonthlySpend ledger.Credits
}

type cacheEntry struct {
	spend   Spend
	expires time.Time
}

// MeterAggregator serves windowed spend queries with an in-process TTL
// cache keyed by (tenant, window).
type MeterAggregator struct {
	store  SpendStore
	ttl    time.Duration
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewMeterAggregator constructs the aggregator. ttl=0 disables caching.
func NewMeterAggregator(store SpendStore, ttl time.Duration) *MeterAggregator {
	return &MeterAggregator{
		store:  store,
		ttl:    ttl,
		logger: log.New(os.Stderr, "[MeterAggregator] ", log.LstdFlags),
		cache:  make(map[string]cacheEntry),
	}
}

// dayStart truncates now to 00:00 UTC.
func dayStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// monthStart returns the first of now's UTC month.
func monthStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// QuerySpend returns tenant's daily and monthly spend as of now, using the
// TTL cache when enabled.
func (a *MeterAggregator) QuerySpend(ctx context.Context, tenant string, now time.Time) (Spend, error) {
	cacheKey := fmt.Sprintf("%s|%s", tenant, dayStart(now).Format(time.RFC3339))
	if a.ttl > 0 {
		a.mu.Lock()
		if entry, ok := a.cache[cacheKey]; ok && now.Before(entry.expires) {
			a.mu.Unlock()
			return entry.spend, nil
		}
		a.mu.Unlock()
	}

	dStart, mStart := dayStart(now), monthStart(now)

	dailyEvents, err := a.store.SumMeterEventCharge(ctx, tenant, dStart)
	if err != nil {
		return Spend{}, fmt.Errorf("gateway: sum daily meter events for %s: %w", tenant, err)
	}
	dailySummaries, err := a.store.SumUsageSummaryCharge(ctx, tenant, dStart, now)
	if err != nil {
		return Spend{}, fmt.Errorf("gateway: sum daily usage summaries for %s: %w", tenant, err)
	}
	monthlyEvents, err := a.store.SumMeterEventCharge(ctx, tenant, mStart)
	if err != nil {
		return Spend{}, fmt.Errorf("gateway: sum monthly meter events for %s: %w", tenant, err)
	}
	monthlySummaries, err := a.store.SumUsageSummaryCharge(ctx, tenant, mStart, now)
	if err != nil {
		return Spend{}, fmt.Errorf("gateway: sum monthly usage summaries for %s: %w", tenant, err)
	}

	spend := Spend{
		DailySpend:   dailyEvents + dailySummaries,
		MonthlySpend: monthlyEvents + monthlySummaries,
	}

	if a.ttl > 0 {
		a.mu.Lock()
		a.cache[cacheKey] = cacheEntry{spend: spend, expires: now.Add(a.ttl)}
		a.mu.Unlock()
	}
	return spend, nil
}

// RecordEvent appends a non-streaming meter event and invalidates the
// tenant's cache entry so the next QuerySpend reflects it.
func (a *MeterAggregator) RecordEvent(ctx context.Context, ev *MeterEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := a.store.InsertMeterEvent(ctx, ev); err != nil {
		return fmt.Errorf("gateway: insert meter event: %w", err)
	}
	a.invalidate(ev.Tenant, ev.Timestamp)
	return nil
}

func (a *MeterAggregator) invalidate(tenant string, now time.Time) {
	if a.ttl <= 0 {
		return
	}
	a.mu.Lock()
	delete(a.cache, fmt.Sprintf("%s|%s", tenant, dayStart(now).Format(time.RFC3339)))
	a.mu.Unlock()
}
