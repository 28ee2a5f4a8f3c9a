package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

type fakeCharger struct {
	failNext bool
	calls    int
}

func (f *fakeCharger) Charge(context.Context, string, ledger.Credits) (string, error) {
	f.calls++
	if f.failNext {
		return "", errors.New("card declined")
	}
	return "ch_123", nil
}

type fakeLedger struct {
	credits []struct {
		tenant string
		amount ledger.Credits
		ref    string
	}
}

func (f *fakeLedger) Credit(_ context.Context, tenant string, amount ledger.Credits, txType ledger.TransactionType, description, referenceID, fundingSource string) (*ledger.Transaction, error) {
	f.credits = append(f.credits, struct {
		tenant string
		amount ledger.Credits
		ref    string
	}{tenant, amount, referenceID})
	return &ledger.Transaction{Tenant: tenant, Amount: amount, ReferenceID: referenceID}, nil
}

func TestOnLowBalanceTriggersTopup(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Settings{Tenant: "t1", UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000})
	charger := &fakeCharger{}
	led := &fakeLedger{}
	eng := NewEngine(store, charger, led, 3)

	err := eng.OnLowBalance(context.Background(), "t1", 100)
	require.NoError(t, err)
	require.Len(t, led.credits, 1)
	require.Equal(t, ledger.Credits(1000), led.credits[0].amount)

	settings, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, settings.UsageChargeInFlight)
	require.Zero(t, settings.UsageConsecutiveFailures)
}

func TestOnLowBalanceNoOpAboveThreshold(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Settings{Tenant: "t1", UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000})
	charger := &fakeCharger{}
	led := &fakeLedger{}
	eng := NewEngine(store, charger, led, 3)

	err := eng.OnLowBalance(context.Background(), "t1", 600)
	require.NoError(t, err)
	require.Empty(t, led.credits)
	require.Zero(t, charger.calls)
}

func TestOnLowBalanceDisablesAfterThreeFailures(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Settings{Tenant: "t1", UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000})
	charger := &fakeCharger{failNext: true}
	led := &fakeLedger{}
	eng := NewEngine(store, charger, led, 3)

	for i := 0; i < 3; i++ {
		err := eng.OnLowBalance(context.Background(), "t1", 100)
		require.Error(t, err)
	}

	settings, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, settings.UsageEnabled, "usage topup must disable after 3 consecutive failures")
}

type fakeEmitter struct {
	events []struct {
		eventType, tenant string
	}
}

func (f *fakeEmitter) Emit(eventType, _, _, tenant string, _ map[string]interface{}) {
	f.events = append(f.events, struct{ eventType, tenant string }{eventType, tenant})
}

func TestOnLowBalanceEmitsTenantScopedEvent(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Settings{Tenant: "t1", UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000})
	charger := &fakeCharger{}
	led := &fakeLedger{}
	emitter := &fakeEmitter{}
	eng := NewEngine(store, charger, led, 3).WithEventEmitter(emitter)

	require.NoError(t, eng.OnLowBalance(context.Background(), "t1", 100))
	require.Len(t, emitter.events, 1)
	require.Equal(t, "wopr.autotopup.succeeded", emitter.events[0].eventType)
	require.Equal(t, "t1", emitter.events[0].tenant, "auto-topup events must carry the real tenant for ordering-key isolation")
}

func TestOnLowBalanceEmitsFailureEvent(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Settings{Tenant: "t1", UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000})
	charger := &fakeCharger{failNext: true}
	led := &fakeLedger{}
	emitter := &fakeEmitter{}
	eng := NewEngine(store, charger, led, 3).WithEventEmitter(emitter)

	require.Error(t, eng.OnLowBalance(context.Background(), "t1", 100))
	require.Len(t, emitter.events, 1)
	require.Equal(t, "wopr.autotopup.failed", emitter.events[0].eventType)
}

func TestOnLowBalanceRejectsConcurrentCharge(t *testing.T) {
	store := NewMemoryStore()
	store.Put(&Settings{Tenant: "t1", UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000, UsageChargeInFlight: true})
	charger := &fakeCharger{}
	led := &fakeLedger{}
	eng := NewEngine(store, charger, led, 3)

	err := eng.OnLowBalance(context.Background(), "t1", 100)
	require.ErrorIs(t, err, ErrTopupAlreadyInFlight)
}

func TestRunScheduledTickAdvancesRegardlessOfOutcome(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	store.Put(&Settings{
		Tenant: "t1", ScheduleEnabled: true, ScheduleAmount: 2000,
		ScheduleInterval: "daily", ScheduleNextAt: now.Add(-time.Hour),
	})
	charger := &fakeCharger{failNext: true}
	led := &fakeLedger{}
	eng := NewEngine(store, charger, led, 3)

	require.NoError(t, eng.RunScheduledTick(context.Background(), now))

	settings, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, settings.ScheduleNextAt.After(now), "schedule must advance even on a failed charge")
	require.Empty(t, led.credits)
}

func TestComputeNextScheduleAtIsUTCMidnight(t *testing.T) {
	wed := time.Date(2026, 7, 29, 15, 30, 0, 0, time.UTC) // a Wednesday
	require.Equal(t, time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC), computeNextScheduleAt("daily", wed))
	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), computeNextScheduleAt("weekly", wed))
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), computeNextScheduleAt("monthly", wed))
}

func TestValidateSettingsRejectsOutOfSetValues(t *testing.T) {
	require.NoError(t, ValidateSettings(&Settings{UsageEnabled: true, UsageThreshold: 500, UsageTopup: 1000}))
	require.ErrorIs(t, ValidateSettings(&Settings{UsageEnabled: true, UsageThreshold: 501, UsageTopup: 1000}), ErrInvalidSettings)
	require.ErrorIs(t, ValidateSettings(&Settings{ScheduleEnabled: true, ScheduleAmount: 999, ScheduleInterval: "daily"}), ErrInvalidSettings)
	require.ErrorIs(t, ValidateSettings(&Settings{ScheduleEnabled: true, ScheduleAmount: 1000, ScheduleInterval: "fortnightly"}), ErrInvalidSettings)
}
