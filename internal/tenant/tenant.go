// Package tenant implements the tenant status store: the account lifecycle
// state machine (active/grace_period/suspended/banned), its cascades into
// the fleet on suspend/ban, and the ban auto-refund against the credit
// ledger.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

// Status is one of the four account lifecycle states. Absence of
// a stored record is equivalent to StatusActive.
type Status string

const (
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusSuspended   Status = "suspended"
	StatusBanned      Status = "banned"
)

var (
	ErrAlreadySuspended       = errors.New("tenant: already suspended")
	ErrAlreadyActive          = errors.New("tenant: already active")
	ErrAlreadyBanned          = errors.New("tenant: already banned")
	ErrCannotSuspendBanned    = errors.New("tenant: cannot suspend a banned account")
	ErrCannotReactivateBanned = errors.New("tenant: cannot reactivate a banned account")
	ErrInvalidGraceTransition = errors.New("tenant: grace period can only be entered from active")
)

// Record is one tenant's stored status row.
type Record struct {
	Tenant          string
	Status          Status
	Reason          string
	ChangedAt       time.Time
	ChangedBy       string
	GraceDeadline   *time.Time
	DataDeleteAfter *time.Time
}

// Store is the persistence boundary for tenant status rows.
type Store interface {
	// Get returns nil, nil when no row exists (implied StatusActive).
	Get(ctx context.Context, tenant string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
}

// BotSuspender is the narrow slice of the bot instance repository this
// component cascades into: every transition into suspended or banned must
// suspend every bot the tenant owns.
type BotSuspender interface {
	SuspendAllBotsForTenant(ctx context.Context, tenant string) ([]string, error)
}

// Ledger is the narrow slice of the credit ledger the ban auto-refund
// needs.
type Ledger interface {
	Balance(ctx context.Context, tenant string) (ledger.Credits, error)
	Debit(ctx context.Context, tenant string, amount ledger.Credits, txType ledger.TransactionType, description, referenceID string, allowNegative bool) (*ledger.Transaction, error)
}

// SuspendResult is returned by Suspend and Ban — every transition into
// suspended/banned reports the bot ids it cascaded to.
type SuspendResult struct {
	Status        Status
	SuspendedBots []string
}

// BanResult additionally reports the auto-refund amount.
type BanResult struct {
	Status          Status
	SuspendedBots   []string
	RefundedCredits ledger.Credits
}

// TenantStatusStore owns tenant status, cascading suspend/ban into the
// fleet and the ledger.
type TenantStatusStore struct {
	store  Store
	bots   BotSuspender
	ledger Ledger
	logger *log.Logger
}

func New(store Store, bots BotSuspender, ledg Ledger) *TenantStatusStore {
	return &TenantStatusStore{
		store:  store,
		bots:   bots,
		ledger: ledg,
		logger: log.New(os.Stderr, "[TenantStatus] ", log.LstdFlags),
	}
}

// GetStatus returns the tenant's current status, defaulting to active.
func (s *TenantStatusStore) GetStatus(ctx context.Context, tenant string) (Status, error) {
	rec, err := s.store.Get(ctx, tenant)
	if err != nil {
		return "", fmt.Errorf("tenant: get status %s: %w", tenant, err)
	}
	if rec == nil {
		return StatusActive, nil
	}
	return rec.Status, nil
}

// EnsureExists writes an explicit active record if none exists yet. It is a
// no-op if a record already exists, regardless of its status.
func (s *TenantStatusStore) EnsureExists(ctx context.Context, tenant string) error {
	rec, err := s.store.Get(ctx, tenant)
	if err != nil {
		return fmt.Errorf("tenant: ensure exists %s: %w", tenant, err)
	}
	if rec != nil {
		return nil
	}
	return s.store.Upsert(ctx, &Record{
		Tenant:    tenant,
		Status:    StatusActive,
		ChangedAt: time.Now().UTC(),
		ChangedBy: "system",
	})
}

// Suspend moves the tenant to suspended and cascades to the fleet.
func (s *TenantStatusStore) Suspend(ctx context.Context, tenant, reason, by string) (*SuspendResult, error) {
	current, err := s.GetStatus(ctx, tenant)
	if err != nil {
		return nil, err
	}
	switch current {
	case StatusBanned:
		return nil, ErrCannotSuspendBanned
	case StatusSuspended:
		return nil, ErrAlreadySuspended
	}

	if err := s.store.Upsert(ctx, &Record{
		Tenant:    tenant,
		Status:    StatusSuspended,
		Reason:    reason,
		ChangedAt: time.Now().UTC(),
		ChangedBy: by,
	}); err != nil {
		return nil, fmt.Errorf("tenant: suspend %s: %w", tenant, err)
	}

	suspended, err := s.bots.SuspendAllBotsForTenant(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenant: cascade suspend bots for %s: %w", tenant, err)
	}

	s.logger.Printf("tenant %s suspended (%s): %d bots suspended", tenant, reason, len(suspended))
	return &SuspendResult{Status: StatusSuspended, SuspendedBots: suspended}, nil
}

// Reactivate moves the tenant back to active.
func (s *TenantStatusStore) Reactivate(ctx context.Context, tenant, by string) error {
	current, err := s.GetStatus(ctx, tenant)
	if err != nil {
		return err
	}
	switch current {
	case StatusBanned:
		return ErrCannotReactivateBanned
	case StatusActive:
		return ErrAlreadyActive
	}

	if err := s.store.Upsert(ctx, &Record{
		Tenant:    tenant,
		Status:    StatusActive,
		ChangedAt: time.Now().UTC(),
		ChangedBy: by,
	}); err != nil {
		return fmt.Errorf("tenant: reactivate %s: %w", tenant, err)
	}
	s.logger.Printf("tenant %s reactivated from %s", tenant, current)
	return nil
}

// Ban moves the tenant to the terminal banned state, cascading a bot
// suspension and a full-balance auto-refund.
func (s *TenantStatusStore) Ban(ctx context.Context, tenant, reason, by string) (*BanResult, error) {
	current, err := s.GetStatus(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if current == StatusBanned {
		return nil, ErrAlreadyBanned
	}

	if err := s.store.Upsert(ctx, &Record{
		Tenant:    tenant,
		Status:    StatusBanned,
		Reason:    reason,
		ChangedAt: time.Now().UTC(),
		ChangedBy: by,
	}); err != nil {
		return nil, fmt.Errorf("tenant: ban %s: %w", tenant, err)
	}

	suspended, err := s.bots.SuspendAllBotsForTenant(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenant: cascade suspend bots on ban for %s: %w", tenant, err)
	}

	balance, err := s.ledger.Balance(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenant: read balance for ban refund %s: %w", tenant, err)
	}

	var refunded ledger.Credits
	if balance > 0 {
		refID := fmt.Sprintf("ban:refund:%s", tenant)
		if _, err := s.ledger.Debit(ctx, tenant, balance, ledger.TypeCorrection, "ban auto-refund", refID, true); err != nil {
			return nil, fmt.Errorf("tenant: ban auto-refund %s: %w", tenant, err)
		}
		refunded = balance
	}

	s.logger.Printf("tenant %s banned (%s): refunded %s", tenant, reason, refunded)
	return &BanResult{Status: StatusBanned, SuspendedBots: suspended, RefundedCredits: refunded}, nil
}

// SetGracePeriod moves an active tenant into grace_period. Grace period is
// only reachable from active; it is
// a no-op if the tenant is already in grace_period.
func (s *TenantStatusStore) SetGracePeriod(ctx context.Context, tenant string) error {
	current, err := s.GetStatus(ctx, tenant)
	if err != nil {
		return err
	}
	if current == StatusGracePeriod {
		return nil
	}
	if current != StatusActive {
		return ErrInvalidGraceTransition
	}

	deadline := time.Now().UTC().Add(14 * 24 * time.Hour)
	return s.store.Upsert(ctx, &Record{
		Tenant:        tenant,
		Status:        StatusGracePeriod,
		ChangedAt:     time.Now().UTC(),
		ChangedBy:     "system",
		GraceDeadline: &deadline,
	})
}
