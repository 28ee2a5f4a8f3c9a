package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by this package's tests and by
// other packages' tests that need a Ledger without a database (e.g. the
// tenant status store's ban-refund test). It reproduces the same atomicity
// contract as PostgresStore using a single mutex instead of row locks —
// acceptable because it is single-process by construction.
type MemoryStore struct {
	mu           sync.Mutex
	balances     map[string]Credits
	transactions []Transaction
	byReference  map[string]*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:    make(map[string]Credits),
		byReference: make(map[string]*Transaction),
	}
}

func (s *MemoryStore) Mutate(ctx context.Context, tenant string, amount Credits, txType TransactionType, description, referenceID, fundingSource string, allowNegative bool) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if referenceID != "" {
		if existing, ok := s.byReference[referenceID]; ok {
			return existing, true, nil
		}
	}

	current := s.balances[tenant]
	newBalance := current + amount
	if amount < 0 && !allowNegative && newBalance < 0 {
		return nil, false, ErrInsufficientCredits
	}

	txn := &Transaction{
		ID:            newTransactionID(),
		Tenant:        tenant,
		Amount:        amount,
		BalanceAfter:  newBalance,
		Type:          txType,
		Description:   description,
		ReferenceID:   referenceID,
		FundingSource: fundingSource,
		CreatedAt:     time.Now().UTC(),
	}

	s.balances[tenant] = newBalance
	s.transactions = append(s.transactions, *txn)
	if referenceID != "" {
		s.byReference[referenceID] = txn
	}
	return txn, false, nil
}

func (s *MemoryStore) Balance(ctx context.Context, tenant string) (Credits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[tenant], nil
}

func (s *MemoryStore) HasReferenceID(ctx context.Context, referenceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byReference[referenceID]
	return ok, nil
}

func (s *MemoryStore) History(ctx context.Context, tenant string, opts HistoryOptions) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Transaction
	for _, txn := range s.transactions {
		if txn.Tenant != tenant {
			continue
		}
		if !opts.Before.IsZero() && !txn.CreatedAt.Before(opts.Before) {
			continue
		}
		out = append(out, txn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TenantsWithBalance(ctx context.Context) ([]TenantBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TenantBalance
	for tenant, balance := range s.balances {
		if balance != 0 {
			out = append(out, TenantBalance{Tenant: tenant, Balance: balance})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out, nil
}
