package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := New(NewMemoryStore(), "super-secret")

	require.NoError(t, v.Encrypt(ctx, "provider:openai", "sk-live-abc123"))
	got, err := v.Decrypt(ctx, "provider:openai")
	require.NoError(t, err)
	require.Equal(t, "sk-live-abc123", got)
}

func TestEncryptForTenantDerivesDistinctKeys(t *testing.T) {
	ctx := context.Background()
	v := New(NewMemoryStore(), "platform-secret")

	require.NoError(t, v.EncryptForTenant(ctx, "tenant-a", "byok:tenant-a", "key-a"))
	require.NoError(t, v.EncryptForTenant(ctx, "tenant-b", "byok:tenant-b", "key-b"))

	gotA, err := v.DecryptForTenant(ctx, "tenant-a", "byok:tenant-a")
	require.NoError(t, err)
	require.Equal(t, "key-a", gotA)

	// tenant-b cannot decrypt tenant-a's row with its own derived key.
	_, err = v.DecryptForTenant(ctx, "tenant-b", "byok:tenant-a")
	require.Error(t, err)
}

func TestAuditFlagsPlaintext(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := New(store, "secret")

	require.NoError(t, store.Set(ctx, "legacy", "plaintext-leaked-value"))
	require.NoError(t, v.Encrypt(ctx, "modern", "safe"))

	findings, err := v.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "legacy", findings[0].Key)
}

func TestMigratePlaintextIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := New(store, "new-secret")
	require.NoError(t, store.Set(ctx, "legacy", "plaintext-leaked-value"))

	require.NoError(t, v.MigratePlaintext(ctx, "old-secret", "new-secret"))
	findingsAfterFirst, err := v.Audit(ctx)
	require.NoError(t, err)
	require.Empty(t, findingsAfterFirst)

	valueAfterFirst, err := store.Get(ctx, "legacy")
	require.NoError(t, err)

	// Second run is a no-op: the row is already a sealed envelope.
	require.NoError(t, v.MigratePlaintext(ctx, "old-secret", "new-secret"))
	valueAfterSecond, err := store.Get(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, valueAfterFirst, valueAfterSecond)

	got, err := v.Decrypt(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, "plaintext-leaked-value", got)
}

func TestReEncryptAllPreservesPlaintextUnderNewSecret(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := New(store, "old-secret")
	require.NoError(t, v.Encrypt(ctx, "provider:anthropic", "sk-rotated"))

	failures, err := v.ReEncryptAll(ctx, "old-secret", "new-secret")
	require.NoError(t, err)
	require.Empty(t, failures)

	v2 := New(store, "new-secret")
	got, err := v2.Decrypt(ctx, "provider:anthropic")
	require.NoError(t, err)
	require.Equal(t, "sk-rotated", got)
}

func TestReEncryptAllCollectsPartialFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	v := New(store, "old-secret")
	require.NoError(t, v.Encrypt(ctx, "good", "value"))
	require.NoError(t, store.Set(ctx, "corrupt", "not json at all"))

	failures, err := v.ReEncryptAll(ctx, "old-secret", "new-secret")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "corrupt", failures[0].Key)

	v2 := New(store, "new-secret")
	got, err := v2.Decrypt(ctx, "good")
	require.NoError(t, err)
	require.Equal(t, "value", got)
}
