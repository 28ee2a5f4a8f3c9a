package observability

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// AlertName identifies one of the three fixed alert definitions.
type AlertName string

const (
	AlertGatewayErrorRate     AlertName = "gateway-error-rate"
	AlertCreditDeductionSpike AlertName = "credit-deduction-spike"
	AlertFleetUnexpectedStop  AlertName = "fleet-unexpected-stop"
)

// GatewayErrorSource reports gateway request/error totals over a trailing
// window, backing the gateway-error-rate alert.
type GatewayErrorSource interface {
	ErrorsAndRequests(ctx context.Context, window time.Duration) (errors, requests int64, err error)
}

// LedgerFailureSource reports failed-debit counts over a trailing window,
// backing the credit-deduction-spike alert.
type LedgerFailureSource interface {
	FailedDebitCount(ctx context.Context, window time.Duration) (int64, error)
}

// FleetStopFlagSource exposes the fleet-event repository's sticky
// fleet_stop flag. Checking the alert consumes the flag.
type FleetStopFlagSource interface {
	ConsumeFleetStopFlag(ctx context.Context) (set bool, detail string, err error)
}

// AlertStatus is the cached result GetStatus returns without re-invoking a
// check.
type AlertStatus struct {
	Name      AlertName
	Fired     bool
	Detail    string
	CheckedAt time.Time
}

// OnFireFunc/OnResolveFunc fire exactly once per false->true / true->false
// transition.
type OnFireFunc func(name AlertName, detail string)
type OnResolveFunc func(name AlertName)

type alertCheckFunc func(ctx context.Context) (fired bool, detail string, err error)

// AlertChecker runs each of the three alert definitions on a timer and
// tracks fired/resolved transitions independently per alert.
type AlertChecker struct {
	checks    map[AlertName]alertCheckFunc
	onFire    OnFireFunc
	onResolve OnResolveFunc
	logger    *log.Logger

	mu     sync.Mutex
	fired  map[AlertName]bool
	status map[AlertName]AlertStatus
}

// NewAlertChecker wires the three fixed alert definitions against their data
// sources. Any source left nil disables that alert (its check always
// reports not-fired) rather than panicking — an operator running a partial
// deployment still gets the other two alerts.
func NewAlertChecker(gatewaySource GatewayErrorSource, ledgerSource LedgerFailureSource, fleetSource FleetStopFlagSource, onFire OnFireFunc, onResolve OnResolveFunc) *AlertChecker {
	ac := &AlertChecker{
		onFire:    onFire,
		onResolve: onResolve,
		logger:    log.New(os.Stderr, "[Observability] ", log.LstdFlags),
		fired:     make(map[AlertName]bool),
		status:    make(map[AlertName]AlertStatus),
	}

	ac.checks = map[AlertName]alertCheckFunc{
		AlertGatewayErrorRate: func(ctx context.Context) (bool, string, error) {
			if gatewaySource == nil {
				return false, "", nil
			}
			errs, total, err := gatewaySource.ErrorsAndRequests(ctx, 5*time.Minute)
			if err != nil {
				return false, "", fmt.Errorf("observability: gateway error rate source: %w", err)
			}
			if total == 0 {
				return false, "", nil
			}
			rate := float64(errs) / float64(total)
			if rate > 0.05 {
				return true, fmt.Sprintf("error rate %.1f%% over last 5m (%d/%d)", rate*100, errs, total), nil
			}
			return false, "", nil
		},
		AlertCreditDeductionSpike: func(ctx context.Context) (bool, string, error) {
			if ledgerSource == nil {
				return false, "", nil
			}
			failed, err := ledgerSource.FailedDebitCount(ctx, 5*time.Minute)
			if err != nil {
				return false, "", fmt.Errorf("observability: ledger failure source: %w", err)
			}
			if failed > 10 {
				return true, fmt.Sprintf("%d failed debits over last 5m", failed), nil
			}
			return false, "", nil
		},
		AlertFleetUnexpectedStop: func(ctx context.Context) (bool, string, error) {
			if fleetSource == nil {
				return false, "", nil
			}
			set, detail, err := fleetSource.ConsumeFleetStopFlag(ctx)
			if err != nil {
				return false, "", fmt.Errorf("observability: fleet stop flag source: %w", err)
			}
			return set, detail, nil
		},
	}
	return ac
}

// Tick runs every alert check once and fires onFire/onResolve on each
// false<->true transition. Run calls it from a single timer goroutine. mu
// guards only the per-alert state maps; checks and callbacks run outside it,
// so concurrent Tick calls are not serialised and can each report the same
// transition.
func (ac *AlertChecker) Tick(ctx context.Context) {
	now := time.Now().UTC()
	for name, check := range ac.checks {
		fired, detail, err := check(ctx)
		if err != nil {
			ac.logger.Printf("check %s: %v", name, err)
			continue
		}

		ac.mu.Lock()
		wasFired := ac.fired[name]
		ac.fired[name] = fired
		ac.status[name] = AlertStatus{Name: name, Fired: fired, Detail: detail, CheckedAt: now}
		ac.mu.Unlock()

		if fired && !wasFired && ac.onFire != nil {
			ac.onFire(name, detail)
		} else if !fired && wasFired && ac.onResolve != nil {
			ac.onResolve(name)
		}
	}
}

// Run ticks on the given interval until ctx is cancelled.
func (ac *AlertChecker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ac.Tick(ctx)
		}
	}
}

// GetStatus returns the last cached result for name without invoking its
// check.
func (ac *AlertChecker) GetStatus(name AlertName) (AlertStatus, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	st, ok := ac.status[name]
	return st, ok
}

// AllStatuses returns every alert's cached status, for an admin dashboard.
func (ac *AlertChecker) AllStatuses() []AlertStatus {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	out := make([]AlertStatus, 0, len(ac.status))
	for _, st := range ac.status {
		out = append(out, st)
	}
	return out
}
