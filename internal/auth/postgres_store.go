package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production Store for issued API keys.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, keyID string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, secret_hash, tenant, instance_id, revoked, created_at
		FROM api_keys WHERE key_id = $1`, keyID)

	var key APIKey
	var instanceID sql.NullString
	err := row.Scan(&key.KeyID, &key.SecretHash, &key.Tenant, &instanceID, &key.Revoked, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: scan api key: %w", err)
	}
	key.InstanceID = instanceID.String
	return &key, nil
}

func (s *PostgresStore) Insert(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, secret_hash, tenant, instance_id, revoked, created_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, $6)`,
		key.KeyID, key.SecretHash, key.Tenant, key.InstanceID, key.Revoked, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("auth: insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET revoked = true WHERE key_id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("auth: revoke api key: %w", err)
	}
	return nil
}
