// Package billing implements the auto-topup engine and the payment webhook
// reconciler: usage-triggered and scheduled credit top-ups with a 3-strike
// disable rule, and idempotent payment-event-to-ledger reconciliation.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

// Admin-editable settings are restricted to closed sets.
var (
	AllowedTopupAmounts    = []ledger.Credits{500, 1000, 2000, 5000, 10000, 20000, 50000}
	AllowedUsageThresholds = []ledger.Credits{200, 500, 1000}
	AllowedIntervals       = []string{"daily", "weekly", "monthly"}
)

func isAllowed[T comparable](v T, set []T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ErrInvalidSettings reports a Settings value outside the closed sets for
// topup amount, usage threshold, or schedule interval.
var ErrInvalidSettings = errors.New("billing: settings value outside the allowed closed set")

// ValidateSettings checks every admin-editable field of Settings against its
// closed set before it is persisted.
func ValidateSettings(s *Settings) error {
	if s.UsageEnabled {
		if !isAllowed(s.UsageThreshold, AllowedUsageThresholds) {
			return fmt.Errorf("%w: usage_threshold %d", ErrInvalidSettings, s.UsageThreshold)
		}
		if !isAllowed(s.UsageTopup, AllowedTopupAmounts) {
			return fmt.Errorf("%w: usage_topup %d", ErrInvalidSettings, s.UsageTopup)
		}
	}
	if s.ScheduleEnabled {
		if !isAllowed(s.ScheduleAmount, AllowedTopupAmounts) {
			return fmt.Errorf("%w: schedule_amount %d", ErrInvalidSettings, s.ScheduleAmount)
		}
		if !isAllowed(s.ScheduleInterval, AllowedIntervals) {
			return fmt.Errorf("%w: schedule_interval %q", ErrInvalidSettings, s.ScheduleInterval)
		}
	}
	return nil
}

// Settings is the auto-topup settings row, one per tenant.
type Settings struct {
	Tenant string

	UsageEnabled             bool
	UsageThreshold           ledger.Credits
	UsageTopup               ledger.Credits
	UsageChargeInFlight      bool
	UsageConsecutiveFailures int

	ScheduleEnabled             bool
	ScheduleAmount              ledger.Credits
	ScheduleIntervalHours       int
	ScheduleInterval            string // "daily"|"weekly"|"monthly", drives computeNextScheduleAt
	ScheduleNextAt              time.Time
	ScheduleConsecutiveFailures int
}

// Store is the persistence boundary for auto-topup settings.
type Store interface {
	Get(ctx context.Context, tenant string) (*Settings, error)
	// AcquireUsageCharge performs the CAS from usage_charge_in_flight=false
	// to true; returns false if already in-flight (no-op, not an error).
	AcquireUsageCharge(ctx context.Context, tenant string) (acquired bool, err error)
	ReleaseUsageCharge(ctx context.Context, tenant string) error
	IncrementUsageFailures(ctx context.Context, tenant string) (count int, err error)
	ResetUsageFailures(ctx context.Context, tenant string) error
	DisableUsageTopup(ctx context.Context, tenant string) error

	ListDueSchedules(ctx context.Context, now time.Time) ([]*Settings, error)
	AdvanceSchedule(ctx context.Context, tenant string, nextAt time.Time) error
	IncrementScheduleFailures(ctx context.Context, tenant string) (count int, err error)
	ResetScheduleFailures(ctx context.Context, tenant string) error
	DisableSchedule(ctx context.Context, tenant string) error
}

// PaymentCharger charges a tenant's stored payment method. Returns a
// processor-assigned charge ID on success.
type PaymentCharger interface {
	Charge(ctx context.Context, tenant string, amount ledger.Credits) (chargeID string, err error)
}

// CreditGranter is the narrow ledger slice the engine needs.
type CreditGranter interface {
	Credit(ctx context.Context, tenant string, amount ledger.Credits, txType ledger.TransactionType, description, referenceID, fundingSource string) (*ledger.Transaction, error)
}

// EventEmitter is the narrow slice of events.EventEmitter this package
// needs, kept local so billing does not import internal/events just for one
// method signature (the same pattern internal/observability uses). tenant is
// always the real tenant ID here, never "" — auto-topup outcomes are exactly
// the kind of per-tenant event PubSubEventBus's ordering key exists for.
type EventEmitter interface {
	Emit(eventType, source, subject, tenant string, data map[string]interface{})
}

var ErrTopupAlreadyInFlight = errors.New("billing: usage topup already in flight for this tenant")

// Engine runs both auto-topup mechanisms against one settings store.
type Engine struct {
	store                  Store
	charger                PaymentCharger
	ledger                 CreditGranter
	events                 EventEmitter
	maxConsecutiveFailures int
	logger                 *log.Logger
	clock                  func() time.Time
}

func NewEngine(store Store, charger PaymentCharger, ledger CreditGranter, maxConsecutiveFailures int) *Engine {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 3
	}
	return &Engine{
		store:                  store,
		charger:                charger,
		ledger:                 ledger,
		maxConsecutiveFailures: maxConsecutiveFailures,
		logger:                 log.New(os.Stderr, "[AutoTopup] ", log.LstdFlags),
		clock:                  time.Now,
	}
}

// WithEventEmitter attaches an EventEmitter so OnLowBalance and
// runOneSchedule publish "wopr.autotopup.succeeded"/"wopr.autotopup.failed"
// events once they've settled the ledger and failure-counter side effects.
// Optional: an Engine built without one simply skips the publish step, which
// keeps every existing NewEngine call site (including the test suite) valid
// without a nil emitter.
func (e *Engine) WithEventEmitter(emitter EventEmitter) *Engine {
	e.events = emitter
	return e
}

func (e *Engine) emit(eventType, tenant string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	e.events.Emit(eventType, "billing", tenant, tenant, data)
}

// OnLowBalance is the usage-triggered mechanism. Call this after any
// debit; it is a no-op unless balanceAfter is below the tenant's configured
// usage_threshold.
func (e *Engine) OnLowBalance(ctx context.Context, tenant string, balanceAfter ledger.Credits) error {
	settings, err := e.store.Get(ctx, tenant)
	if err != nil {
		return fmt.Errorf("billing: load settings for %s: %w", tenant, err)
	}
	if settings == nil || !settings.UsageEnabled {
		return nil
	}
	if balanceAfter >= settings.UsageThreshold {
		return nil
	}

	acquired, err := e.store.AcquireUsageCharge(ctx, tenant)
	if err != nil {
		return fmt.Errorf("billing: acquire usage charge lock for %s: %w", tenant, err)
	}
	if !acquired {
		return ErrTopupAlreadyInFlight
	}

	now := e.clock()
	chargeID, chargeErr := e.charger.Charge(ctx, tenant, settings.UsageTopup)
	if chargeErr != nil {
		if err := e.store.ReleaseUsageCharge(ctx, tenant); err != nil {
			e.logger.Printf("release usage charge flag for %s after failed charge: %v", tenant, err)
		}
		count, err := e.store.IncrementUsageFailures(ctx, tenant)
		if err != nil {
			e.logger.Printf("increment usage failure count for %s: %v", tenant, err)
		}
		if count >= e.maxConsecutiveFailures {
			if err := e.store.DisableUsageTopup(ctx, tenant); err != nil {
				e.logger.Printf("disable usage topup for %s: %v", tenant, err)
			}
			e.logger.Printf("usage topup disabled for %s after %d consecutive failures", tenant, count)
		}
		e.emit("wopr.autotopup.failed", tenant, map[string]interface{}{
			"mechanism":            "usage",
			"consecutive_failures": count,
			"error":                chargeErr.Error(),
		})
		return fmt.Errorf("billing: charge usage topup for %s: %w", tenant, chargeErr)
	}

	referenceID := fmt.Sprintf("autotopup:usage:%s:%d", tenant, now.UnixNano())
	if _, err := e.ledger.Credit(ctx, tenant, settings.UsageTopup, ledger.TypeUsageTopup, "usage-triggered auto-topup", referenceID, chargeID); err != nil {
		if err := e.store.ReleaseUsageCharge(ctx, tenant); err != nil {
			e.logger.Printf("release usage charge flag for %s after failed credit: %v", tenant, err)
		}
		return fmt.Errorf("billing: credit usage topup for %s: %w", tenant, err)
	}

	if err := e.store.ResetUsageFailures(ctx, tenant); err != nil {
		e.logger.Printf("reset usage failure count for %s: %v", tenant, err)
	}
	if err := e.store.ReleaseUsageCharge(ctx, tenant); err != nil {
		e.logger.Printf("release usage charge flag for %s: %v", tenant, err)
	}
	e.emit("wopr.autotopup.succeeded", tenant, map[string]interface{}{
		"mechanism": "usage",
		"amount":    settings.UsageTopup,
		"chargeId":  chargeID,
	})
	return nil
}

// RunScheduledTick is the scheduled mechanism: charge every due row,
// advance schedule_next_at regardless of outcome, and apply the same
// 3-strike disable rule.
func (e *Engine) RunScheduledTick(ctx context.Context, now time.Time) error {
	due, err := e.store.ListDueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("billing: list due schedules: %w", err)
	}
	for _, s := range due {
		e.runOneSchedule(ctx, s, now)
	}
	return nil
}

func (e *Engine) runOneSchedule(ctx context.Context, s *Settings, now time.Time) {
	nextAt := computeNextScheduleAt(s.ScheduleInterval, now)
	// The deferred advance runs on every return path, after the charge
	// attempt, whether it succeeded or failed, so a failing charge never
	// stalls the schedule.
	defer func() {
		if err := e.store.AdvanceSchedule(ctx, s.Tenant, nextAt); err != nil {
			e.logger.Printf("advance schedule for %s: %v", s.Tenant, err)
		}
	}()

	chargeID, err := e.charger.Charge(ctx, s.Tenant, s.ScheduleAmount)
	if err != nil {
		count, ferr := e.store.IncrementScheduleFailures(ctx, s.Tenant)
		if ferr != nil {
			e.logger.Printf("increment schedule failure count for %s: %v", s.Tenant, ferr)
		}
		if count >= e.maxConsecutiveFailures {
			if derr := e.store.DisableSchedule(ctx, s.Tenant); derr != nil {
				e.logger.Printf("disable schedule for %s: %v", s.Tenant, derr)
			}
		}
		e.logger.Printf("scheduled topup charge failed for %s: %v", s.Tenant, err)
		e.emit("wopr.autotopup.failed", s.Tenant, map[string]interface{}{
			"mechanism":            "schedule",
			"consecutive_failures": count,
			"error":                err.Error(),
		})
		return
	}

	referenceID := fmt.Sprintf("autotopup:schedule:%s:%d", s.Tenant, now.UnixNano())
	if _, err := e.ledger.Credit(ctx, s.Tenant, s.ScheduleAmount, ledger.TypeScheduledTopup, "scheduled auto-topup", referenceID, chargeID); err != nil {
		e.logger.Printf("credit scheduled topup for %s: %v", s.Tenant, err)
		return
	}
	if err := e.store.ResetScheduleFailures(ctx, s.Tenant); err != nil {
		e.logger.Printf("reset schedule failure count for %s: %v", s.Tenant, err)
	}
	e.emit("wopr.autotopup.succeeded", s.Tenant, map[string]interface{}{
		"mechanism": "schedule",
		"amount":    s.ScheduleAmount,
		"chargeId":  chargeID,
	})
}

// computeNextScheduleAt always returns a UTC midnight: next day, next
// Monday, or the 1st of next month. Pure function of (interval, now).
func computeNextScheduleAt(interval string, now time.Time) time.Time {
	u := now.UTC()
	today := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)

	switch interval {
	case "daily":
		return today.AddDate(0, 0, 1)
	case "weekly":
		daysUntilMonday := (8 - int(today.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return today.AddDate(0, 0, daysUntilMonday)
	case "monthly":
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return today.AddDate(0, 0, 1)
	}
}
