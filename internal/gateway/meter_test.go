package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

type fakeSpendStore struct {
	mu     sync.Mutex
	events []*MeterEvent
	calls  int
}

func (f *fakeSpendStore) InsertMeterEvent(_ context.Context, ev *MeterEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSpendStore) SumMeterEventCharge(_ context.Context, tenant string, since time.Time) (ledger.Credits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var sum ledger.Credits
	for _, ev := range f.events {
		if ev.Tenant == tenant && !ev.Timestamp.Before(since) {
			sum += ev.ChargeCredits
		}
	}
	return sum, nil
}

func (f *fakeSpendStore) SumUsageSummaryCharge(_ context.Context, tenant string, windowStart, windowEnd time.Time) (ledger.Credits, error) {
	return 0, nil
}

func TestQuerySpendSumsEventsInWindow(t *testing.T) {
	store := &fakeSpendStore{}
	agg := NewMeterAggregator(store, 0)
	now := time.Now().UTC()

	require.NoError(t, agg.RecordEvent(context.Background(), &MeterEvent{
		Tenant: "tenant-1", ChargeCredits: 50, Timestamp: now,
	}))
	require.NoError(t, agg.RecordEvent(context.Background(), &MeterEvent{
		Tenant: "tenant-1", ChargeCredits: 25, Timestamp: now,
	}))

	spend, err := agg.QuerySpend(context.Background(), "tenant-1", now)
	require.NoError(t, err)
	require.Equal(t, ledger.Credits(75), spend.DailySpend)
	require.Equal(t, ledger.Credits(75), spend.MonthlySpend)
}

func TestQuerySpendCachesWithinTTL(t *testing.T) {
	store := &fakeSpendStore{}
	agg := NewMeterAggregator(store, time.Minute)
	now := time.Now().UTC()

	_, err := agg.QuerySpend(context.Background(), "tenant-1", now)
	require.NoError(t, err)
	callsAfterFirst := store.calls

	_, err = agg.QuerySpend(context.Background(), "tenant-1", now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, callsAfterFirst, store.calls, "second query within TTL should not hit the store again")
}

func TestRecordEventInvalidatesCache(t *testing.T) {
	store := &fakeSpendStore{}
	agg := NewMeterAggregator(store, time.Minute)
	now := time.Now().UTC()

	_, err := agg.QuerySpend(context.Background(), "tenant-1", now)
	require.NoError(t, err)

	require.NoError(t, agg.RecordEvent(context.Background(), &MeterEvent{
		Tenant: "tenant-1", ChargeCredits: 10, Timestamp: now,
	}))

	spend, err := agg.QuerySpend(context.Background(), "tenant-1", now)
	require.NoError(t, err)
	require.Equal(t, ledger.Credits(10), spend.DailySpend)
}

func TestDayStartAndMonthStartTruncateToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	local := time.Date(2026, 7, 31, 23, 30, 0, 0, loc) // 14:30 UTC same day
	require.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), dayStart(local))
	require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), monthStart(local))
}
