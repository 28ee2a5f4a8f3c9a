// Package ledger implements the credit ledger: an append-only, idempotent,
// double-entry credit account per tenant. Every mutation runs in a
// row-locked, serialisable transaction so the running-balance invariant
// (sum(amount) == balance == latest balance_after) holds under concurrent
// writers and across process restarts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

// TransactionType labels the kind of ledger entry. The set is open (callers
// may use any string) but these cover every path this module writes itself.
type TransactionType string

const (
	TypeCredit         TransactionType = "credit"
	TypeDebit          TransactionType = "debit"
	TypeCorrection     TransactionType = "correction"
	TypeSignupGrant    TransactionType = "signup_grant"
	TypeUsageCharge    TransactionType = "usage_charge"
	TypeUsageTopup     TransactionType = "usage_topup"
	TypeScheduledTopup TransactionType = "scheduled_topup"
	TypeCheckout       TransactionType = "checkout"
)

// ErrInsufficientCredits rejects a debit that would take the balance
// negative without allowNegative set.
var ErrInsufficientCredits = errors.New("ledger: insufficient credits")

// ErrInvalidAmount guards against non-positive amounts reaching Credit/Debit,
// which always take an unsigned magnitude and apply the sign themselves.
var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// Transaction is one immutable ledger row.
type Transaction struct {
	ID            string
	Tenant        string
	Amount        Credits // signed: credit > 0, debit < 0
	BalanceAfter  Credits
	Type          TransactionType
	Description   string
	ReferenceID   string // empty means "no idempotency key supplied"
	FundingSource string
	CreatedAt     time.Time
}

// HistoryOptions paginates Ledger.History, newest-first.
type HistoryOptions struct {
	Before time.Time // zero value means "no upper bound"
	Limit  int       // 0 means store-defined default
}

// TenantBalance is one row of Ledger.TenantsWithBalance.
type TenantBalance struct {
	Tenant  string
	Balance Credits
}

// Store is the persistence boundary: every storage-specific detail (row
// locks, SQL, idempotency lookups) lives behind this interface. See
// postgres_store.go for the production implementation and memory_store.go
// for the in-process fake used by tests.
type Store interface {
	// Mutate performs one ledger mutation atomically: locks the tenant's
	// current balance, checks reference_id uniqueness, applies
	// amount (rejecting if it would go negative and allowNegative is
	// false), inserts the transaction, and updates the cached balance. If
	// referenceID is non-empty and already recorded, it returns the
	// pre-existing transaction with idempotentHit=true and no error — a
	// pure no-op, never a partial write.
	Mutate(ctx context.Context, tenant string, amount Credits, txType TransactionType, description, referenceID, fundingSource string, allowNegative bool) (txn *Transaction, idempotentHit bool, err error)

	Balance(ctx context.Context, tenant string) (Credits, error)
	HasReferenceID(ctx context.Context, referenceID string) (bool, error)
	History(ctx context.Context, tenant string, opts HistoryOptions) ([]Transaction, error)
	TenantsWithBalance(ctx context.Context) ([]TenantBalance, error)
}

// Ledger is the credit ledger over a Store.
type Ledger struct {
	store  Store
	logger *log.Logger
}

// New constructs a Ledger over the given Store.
func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: log.New(os.Stderr, "[Ledger] ", log.LstdFlags),
	}
}

// Credit records a positive transaction of amount credits for tenant.
func (l *Ledger) Credit(ctx context.Context, tenant string, amount Credits, txType TransactionType, description, referenceID, fundingSource string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, tenant, amount, txType, description, referenceID, fundingSource, false)
}

// Debit records a negative transaction of amount credits for tenant.
// allowNegative bypasses the InsufficientCredits guard, for corrections that
// must post regardless of the current balance (e.g. the ban auto-refund).
func (l *Ledger) Debit(ctx context.Context, tenant string, amount Credits, txType TransactionType, description, referenceID string, allowNegative bool) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, tenant, -amount, txType, description, referenceID, "", allowNegative)
}

func (l *Ledger) mutate(ctx context.Context, tenant string, signedAmount Credits, txType TransactionType, description, referenceID, fundingSource string, allowNegative bool) (*Transaction, error) {
	txn, idempotentHit, err := l.store.Mutate(ctx, tenant, signedAmount, txType, description, referenceID, fundingSource, allowNegative)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger: mutate tenant %s: %w", tenant, err)
	}
	if idempotentHit {
		l.logger.Printf("reference_id %q already recorded for tenant %s; returning existing tx %s", referenceID, tenant, txn.ID)
	}
	return txn, nil
}

// Balance returns the tenant's current cached balance.
func (l *Ledger) Balance(ctx context.Context, tenant string) (Credits, error) {
	bal, err := l.store.Balance(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", tenant, err)
	}
	return bal, nil
}

// HasReferenceID reports whether a transaction with this reference_id has
// ever been recorded.
func (l *Ledger) HasReferenceID(ctx context.Context, referenceID string) (bool, error) {
	return l.store.HasReferenceID(ctx, referenceID)
}

// History returns transactions for tenant, newest first, paginated.
func (l *Ledger) History(ctx context.Context, tenant string, opts HistoryOptions) ([]Transaction, error) {
	return l.store.History(ctx, tenant, opts)
}

// TenantsWithBalance lists every tenant with a non-zero cached balance.
func (l *Ledger) TenantsWithBalance(ctx context.Context) ([]TenantBalance, error) {
	return l.store.TenantsWithBalance(ctx)
}

func newTransactionID() string {
	return uuid.NewString()
}
