package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/dbx"
)

// PostgresStore is the production Store implementation: one serialisable
// transaction per Mutate call, a row-level lock via SELECT ... FOR UPDATE on
// the per-tenant cached balance row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (see dbx.Open).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Mutate(ctx context.Context, tenant string, amount Credits, txType TransactionType, description, referenceID, fundingSource string, allowNegative bool) (*Transaction, bool, error) {
	var result *Transaction
	idempotentHit := false

	err := dbx.WithSerializableTx(ctx, s.db, func(tx *sql.Tx) error {
		if referenceID != "" {
			existing, err := findByReferenceID(ctx, tx, referenceID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				idempotentHit = true
				return nil
			}
		}

		current, err := lockBalance(ctx, tx, tenant)
		if err != nil {
			return err
		}

		newBalance := current + amount
		if amount < 0 && !allowNegative && newBalance < 0 {
			return ErrInsufficientCredits
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

		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := upsertBalance(ctx, tx, tenant, newBalance); err != nil {
			return err
		}

		result = txn
		return nil
	})

	if errors.Is(err, ErrInsufficientCredits) {
		return nil, false, ErrInsufficientCredits
	}
	if err != nil {
		return nil, false, err
	}
	return result, idempotentHit, nil
}

func findByReferenceID(ctx context.Context, tx *sql.Tx, referenceID string) (*Transaction, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, tenant, amount, balance_after, type, description, reference_id, funding_source, created_at
		FROM credit_transactions WHERE reference_id = $1`, referenceID)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup reference_id: %w", err)
	}
	return txn, nil
}

func lockBalance(ctx context.Context, tx *sql.Tx, tenant string) (Credits, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM credit_balances WHERE tenant = $1 FOR UPDATE`, tenant).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		// Absence of a row is an implied zero balance; insert
		// it now so the row lock applies to the next concurrent caller too.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_balances (tenant, balance) VALUES ($1, 0)
			ON CONFLICT (tenant) DO NOTHING`, tenant)
		if err != nil {
			return 0, fmt.Errorf("ledger: seed balance row: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: lock balance: %w", err)
	}
	return Credits(balance), nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	var refID interface{}
	if txn.ReferenceID != "" {
		refID = txn.ReferenceID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions
			(id, tenant, amount, balance_after, type, description, reference_id, funding_source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.Tenant, int64(txn.Amount), int64(txn.BalanceAfter), string(txn.Type),
		txn.Description, refID, txn.FundingSource, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: insert transaction: %w", err)
	}
	return nil
}

func upsertBalance(ctx context.Context, tx *sql.Tx, tenant string, balance Credits) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (tenant, balance) VALUES ($1, $2)
		ON CONFLICT (tenant) DO UPDATE SET balance = EXCLUDED.balance`, tenant, int64(balance))
	if err != nil {
		return fmt.Errorf("ledger: upsert balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, tenant string) (Credits, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE tenant = $1`, tenant).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance query: %w", err)
	}
	return Credits(balance), nil
}

func (s *PostgresStore) HasReferenceID(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE reference_id = $1)`, referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: has reference_id: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) History(ctx context.Context, tenant string, opts HistoryOptions) ([]Transaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	before := opts.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, amount, balance_after, type, description, reference_id, funding_source, created_at
		FROM credit_transactions
		WHERE tenant = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`, tenant, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history query: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan history row: %w", err)
		}
		out = append(out, *txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TenantsWithBalance(ctx context.Context) ([]TenantBalance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant, balance FROM credit_balances WHERE balance != 0`)
	if err != nil {
		return nil, fmt.Errorf("ledger: tenants with balance: %w", err)
	}
	defer rows.Close()

	var out []TenantBalance
	for rows.Next() {
		var tb TenantBalance
		var balance int64
		if err := rows.Scan(&tb.Tenant, &balance); err != nil {
			return nil, fmt.Errorf("ledger: scan tenant balance: %w", err)
		}
		tb.Balance = Credits(balance)
		out = append(out, tb)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row vs *sql.Rows so scanTransaction serves both
// findByReferenceID (single row) and History (row set).
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var amount, balanceAfter int64
	var typ string
	var description, referenceID, fundingSource sql.NullString
	if err := row.Scan(&txn.ID, &txn.Tenant, &amount, &balanceAfter, &typ, &description, &referenceID, &fundingSource, &txn.CreatedAt); err != nil {
		return nil, err
	}
	txn.Amount = Credits(amount)
	txn.BalanceAfter = Credits(balanceAfter)
	txn.Type = TransactionType(typ)
	txn.Description = description.String
	txn.ReferenceID = referenceID.String
	txn.FundingSource = fundingSource.String
	return &txn, nil
}
