// Package vault implements the credit vault: AES-256-GCM encrypted storage
// for provider credentials and per-tenant BYOK keys, with HMAC-derived
// tenant keys so a secret rotation re-derives every tenant key
// deterministically.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
)

// ErrFatalNoSecret means the vault has no configured master secret. This is
// fatal: the vault refuses to serve rather than degrade.
var ErrFatalNoSecret = errors.New("vault: no master secret configured")

// Sealed is the on-disk/in-row shape every encrypted value takes: JSON with
// exactly these three fields, all base64-encoded.
type Sealed struct {
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Ciphertext string `json:"ciphertext"`
}

// Store is the persistence boundary: a flat key->value store of opaque
// strings (whatever JSON Sealed marshals to, or legacy plaintext).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Keys(ctx context.Context) ([]string, error)
}

// AuditFinding is one plaintext row surfaced by Audit.
type AuditFinding struct {
	Key    string
	Reason string
}

// ReEncryptFailure is one row that failed during ReEncryptAll.
type ReEncryptFailure struct {
	Key string
	Err error
}

// Vault seals and opens credential rows over a flat key-value store.
type Vault struct {
	store  Store
	secret string
	logger *log.Logger
}

// New constructs a Vault over store, using secret as the platform-level
// symmetric key material (the raw bytes are hashed down to 32 bytes for
// AES-256).
func New(store Store, secret string) *Vault {
	return &Vault{
		store:  store,
		secret: secret,
		logger: log.New(os.Stderr, "[Vault] ", log.LstdFlags),
	}
}

func aesKeyFrom(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// TenantKey derives a per-tenant BYOK key deterministically from the
// platform secret: HMAC-SHA256(secret, "tenant:"+tenantID). Rotating secret
// re-derives every tenant's key without a separate per-tenant key store.
func TenantKey(secret, tenantID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("tenant:" + tenantID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// seal encrypts plaintext under key (raw secret material, not yet hashed)
// with AES-256-GCM, returning the three-field Sealed envelope.
func seal(key, plaintext string) (*Sealed, error) {
	block, err := aes.NewCipher(deriveAESKey(key))
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("vault: read nonce: %w", err)
	}
	// Seal appends the 16-byte auth tag to the ciphertext; split it back out
	// so the envelope keeps iv, authTag and ciphertext as separate fields.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagLen := gcm.Overhead()
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]
	return &Sealed{
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// open decrypts a Sealed envelope under key, verifying the auth tag.
func open(key string, s *Sealed) (string, error) {
	block, err := aes.NewCipher(deriveAESKey(key))
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(s.IV)
	if err != nil {
		return "", fmt.Errorf("vault: decode iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(s.AuthTag)
	if err != nil {
		return "", fmt.Errorf("vault: decode auth tag: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plaintext), nil
}

func deriveAESKey(secret string) []byte {
	sum := aesKeyFrom(secret)
	return sum[:]
}

// Encrypt seals plaintext under the platform secret and stores it at key.
func (v *Vault) Encrypt(ctx context.Context, key, plaintext string) error {
	if v.secret == "" {
		return ErrFatalNoSecret
	}
	s, err := seal(v.secret, plaintext)
	if err != nil {
		return err
	}
	return v.storeSealed(ctx, key, s)
}

// EncryptForTenant seals plaintext under tenant's derived BYOK key.
func (v *Vault) EncryptForTenant(ctx context.Context, tenantID, key, plaintext string) error {
	if v.secret == "" {
		return ErrFatalNoSecret
	}
	s, err := seal(TenantKey(v.secret, tenantID), plaintext)
	if err != nil {
		return err
	}
	return v.storeSealed(ctx, key, s)
}

func (v *Vault) storeSealed(ctx context.Context, key string, s *Sealed) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("vault: marshal sealed envelope: %w", err)
	}
	return v.store.Set(ctx, key, string(raw))
}

// Decrypt reads key and decrypts it under the platform secret.
func (v *Vault) Decrypt(ctx context.Context, key string) (string, error) {
	return v.decryptWithKey(ctx, key, v.secret)
}

// DecryptForTenant reads key and decrypts it under tenant's derived key.
func (v *Vault) DecryptForTenant(ctx context.Context, tenantID, key string) (string, error) {
	if v.secret == "" {
		return "", ErrFatalNoSecret
	}
	return v.decryptWithKey(ctx, key, TenantKey(v.secret, tenantID))
}

func (v *Vault) decryptWithKey(ctx context.Context, key, secret string) (string, error) {
	if secret == "" {
		return "", ErrFatalNoSecret
	}
	raw, err := v.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("vault: get %s: %w", key, err)
	}
	s, err := parseSealed(raw)
	if err != nil {
		return "", fmt.Errorf("vault: %s is not a sealed envelope: %w", key, err)
	}
	return open(secret, s)
}

func parseSealed(raw string) (*Sealed, error) {
	var s Sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	if s.IV == "" || s.AuthTag == "" || s.Ciphertext == "" {
		return nil, errors.New("missing iv/authTag/ciphertext field")
	}
	return &s, nil
}

// Audit scans every row and flags values that are not a valid Sealed
// envelope: plaintext leaks.
func (v *Vault) Audit(ctx context.Context) ([]AuditFinding, error) {
	keys, err := v.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: list keys: %w", err)
	}
	var findings []AuditFinding
	for _, k := range keys {
		raw, err := v.store.Get(ctx, k)
		if err != nil {
			findings = append(findings, AuditFinding{Key: k, Reason: fmt.Sprintf("read error: %v", err)})
			continue
		}
		if _, err := parseSealed(raw); err != nil {
			findings = append(findings, AuditFinding{Key: k, Reason: "plaintext or malformed envelope"})
		}
	}
	return findings, nil
}

// MigratePlaintext seals every row Audit flags (plaintext or malformed) into
// a sealed envelope under newKey; oldKey is not used. Already-encrypted rows
// are untouched (idempotent no-op). Running this twice is equal to running
// it once.
func (v *Vault) MigratePlaintext(ctx context.Context, oldKey, newKey string) error {
	findings, err := v.Audit(ctx)
	if err != nil {
		return err
	}
	for _, f := range findings {
		raw, err := v.store.Get(ctx, f.Key)
		if err != nil {
			return fmt.Errorf("vault: migrate %s: read: %w", f.Key, err)
		}
		sealed, err := seal(newKey, raw)
		if err != nil {
			return fmt.Errorf("vault: migrate %s: seal: %w", f.Key, err)
		}
		if err := v.storeSealed(ctx, f.Key, sealed); err != nil {
			return fmt.Errorf("vault: migrate %s: store: %w", f.Key, err)
		}
		v.logger.Printf("migrated plaintext row %q to sealed envelope", f.Key)
	}
	_ = oldKey // oldKey is unused for already-plaintext rows; kept for signature symmetry with ReEncryptAll
	return nil
}

// ReEncryptAll decrypts every row under oldSecret and re-encrypts it under
// newSecret. Rows that fail to decrypt (already under a different key, or
// corrupt) are collected as failures; valid rows are never rolled back, so
// a partial failure leaves some rows on newSecret and others on oldSecret —
// callers should re-run with the reported failures' original secret.
func (v *Vault) ReEncryptAll(ctx context.Context, oldSecret, newSecret string) ([]ReEncryptFailure, error) {
	keys, err := v.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: list keys: %w", err)
	}
	var failures []ReEncryptFailure
	for _, k := range keys {
		raw, err := v.store.Get(ctx, k)
		if err != nil {
			failures = append(failures, ReEncryptFailure{Key: k, Err: err})
			continue
		}
		sealed, err := parseSealed(raw)
		if err != nil {
			failures = append(failures, ReEncryptFailure{Key: k, Err: err})
			continue
		}
		plaintext, err := open(oldSecret, sealed)
		if err != nil {
			failures = append(failures, ReEncryptFailure{Key: k, Err: err})
			continue
		}
		reSealed, err := seal(newSecret, plaintext)
		if err != nil {
			failures = append(failures, ReEncryptFailure{Key: k, Err: err})
			continue
		}
		if err := v.storeSealed(ctx, k, reSealed); err != nil {
			failures = append(failures, ReEncryptFailure{Key: k, Err: err})
			continue
		}
	}
	if len(failures) > 0 {
		v.logger.Printf("re-encrypt: %d/%d rows failed", len(failures), len(keys))
	}
	return failures, nil
}
