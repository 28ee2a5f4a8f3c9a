package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGatewaySource struct {
	errs, total int64
}

func (f *fakeGatewaySource) ErrorsAndRequests(context.Context, time.Duration) (int64, int64, error) {
	return f.errs, f.total, nil
}

type fakeLedgerSource struct {
	failed int64
}

func (f *fakeLedgerSource) FailedDebitCount(context.Context, time.Duration) (int64, error) {
	return f.failed, nil
}

type fakeFleetSource struct {
	set    bool
	detail string
}

func (f *fakeFleetSource) ConsumeFleetStopFlag(context.Context) (bool, string, error) {
	set, detail := f.set, f.detail
	f.set = false // consuming clears it
	return set, detail, nil
}

func TestGatewayErrorRateFiresAndResolves(t *testing.T) {
	gw := &fakeGatewaySource{errs: 10, total: 100}
	var fired, resolved []AlertName
	ac := NewAlertChecker(gw, nil, nil,
		func(name AlertName, detail string) { fired = append(fired, name) },
		func(name AlertName) { resolved = append(resolved, name) },
	)

	ac.Tick(context.Background())
	require.Equal(t, []AlertName{AlertGatewayErrorRate}, fired)

	// Still firing: must not re-fire.
	ac.Tick(context.Background())
	require.Len(t, fired, 1)

	gw.errs = 0
	ac.Tick(context.Background())
	require.Equal(t, []AlertName{AlertGatewayErrorRate}, resolved)
}

func TestGatewayErrorRateDoesNotFireWithZeroRequests(t *testing.T) {
	gw := &fakeGatewaySource{errs: 0, total: 0}
	var fired []AlertName
	ac := NewAlertChecker(gw, nil, nil, func(name AlertName, detail string) { fired = append(fired, name) }, nil)
	ac.Tick(context.Background())
	require.Empty(t, fired)
}

func TestCreditDeductionSpikeThreshold(t *testing.T) {
	ledger := &fakeLedgerSource{failed: 11}
	var fired []AlertName
	ac := NewAlertChecker(nil, ledger, nil, func(name AlertName, detail string) { fired = append(fired, name) }, nil)
	ac.Tick(context.Background())
	require.Equal(t, []AlertName{AlertCreditDeductionSpike}, fired)
}

func TestFleetUnexpectedStopConsumesFlag(t *testing.T) {
	fleet := &fakeFleetSource{set: true, detail: "node n1 stopped unexpectedly"}
	var fired []AlertName
	ac := NewAlertChecker(nil, nil, fleet, func(name AlertName, detail string) { fired = append(fired, name) }, nil)

	ac.Tick(context.Background())
	require.Equal(t, []AlertName{AlertFleetUnexpectedStop}, fired)

	// Flag consumed: next tick resolves.
	var resolved []AlertName
	ac.onResolve = func(name AlertName) { resolved = append(resolved, name) }
	ac.Tick(context.Background())
	require.Equal(t, []AlertName{AlertFleetUnexpectedStop}, resolved)
}

func TestGetStatusNeverInvokesCheck(t *testing.T) {
	gw := &fakeGatewaySource{errs: 50, total: 100}
	ac := NewAlertChecker(gw, nil, nil, nil, nil)

	_, ok := ac.GetStatus(AlertGatewayErrorRate)
	require.False(t, ok, "no status cached before any Tick")

	ac.Tick(context.Background())
	gw.errs = 0 // would change the live result, but GetStatus must not re-check

	st, ok := ac.GetStatus(AlertGatewayErrorRate)
	require.True(t, ok)
	require.True(t, st.Fired)
}
