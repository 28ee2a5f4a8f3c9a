// Package auth implements bearer token / API key resolution: the narrow
// slice of authentication the gateway needs to turn a bearer token into
// (tenant, instanceId). Keys take the form `wopr_<keyID>.<secret>`; only a
// bcrypt hash of the secret half is ever stored.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const keyPrefix = "wopr_"

var (
	ErrMalformedToken = errors.New("auth: malformed bearer token")
	ErrUnknownKey     = errors.New("auth: unknown or revoked key")
)

// APIKey is one issued credential. Only SecretHash is ever persisted; the
// plaintext secret is returned once, at issuance, and never again.
type APIKey struct {
	KeyID      string
	SecretHash string
	Tenant     string
	InstanceID string // empty means "scoped to the whole tenant"
	Revoked    bool
	CreatedAt  time.Time
}

// Store is the persistence boundary for issued keys.
type Store interface {
	Get(ctx context.Context, keyID string) (*APIKey, error)
	Insert(ctx context.Context, key *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// Principal is what a successfully resolved bearer token authorizes.
type Principal struct {
	Tenant     string
	InstanceID string
}

// Authenticator resolves bearer tokens against Store.
type Authenticator struct {
	store Store
}

func New(store Store) *Authenticator {
	return &Authenticator{store: store}
}

// Issue mints a new key of the form wopr_<keyID>.<secret>, returning the
// stored record (secret hashed) and the plaintext token to hand to the
// caller exactly once. Key issuance/rotation is an admin operation and is
// not itself gated by tenant status or credit checks — a suspended tenant
// must still be able to see why through the admin surface.
func Issue(tenant, instanceID string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("auth: generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("auth: generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("auth: hash secret: %w", err)
	}

	key := &APIKey{
		KeyID:      keyID,
		SecretHash: string(hash),
		Tenant:     tenant,
		InstanceID: instanceID,
		CreatedAt:  time.Now().UTC(),
	}
	token := keyPrefix + keyID + "." + secret
	return key, token, nil
}

// Resolve turns a bearer token into a Principal. An unknown keyID and a
// keyID whose secret fails comparison return the identical ErrUnknownKey,
// so there is no oracle for key enumeration.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*Principal, error) {
	keyID, secret, err := parseToken(token)
	if err != nil {
		return nil, err
	}

	key, err := a.store.Get(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("auth: lookup key %s: %w", keyID, err)
	}
	if key == nil || key.Revoked {
		return nil, ErrUnknownKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, ErrUnknownKey
	}
	return &Principal{Tenant: key.Tenant, InstanceID: key.InstanceID}, nil
}

func parseToken(token string) (keyID, secret string, err error) {
	if !strings.HasPrefix(token, keyPrefix) {
		return "", "", ErrMalformedToken
	}
	rest := strings.TrimPrefix(token, keyPrefix)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedToken
	}
	return parts[0], parts[1], nil
}
