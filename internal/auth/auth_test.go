package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIssueAndResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := New(store)

	key, token, err := Issue("tenant-1", "bot-abc")
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, key))

	principal, err := a.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "tenant-1", principal.Tenant)
	require.Equal(t, "bot-abc", principal.InstanceID)
}

func TestResolveRejectsUnknownKeyAndBadSecretIdentically(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := New(store)

	key, token, err := Issue("tenant-1", "")
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, key))

	_, err = a.Resolve(ctx, "wopr_doesnotexist.secret")
	require.ErrorIs(t, err, ErrUnknownKey)

	tamperedToken := token[:len(token)-4] + "xxxx"
	_, err = a.Resolve(ctx, tamperedToken)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestResolveRejectsRevokedKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := New(store)

	key, token, err := Issue("tenant-1", "")
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, key))
	require.NoError(t, store.Revoke(ctx, key.KeyID))

	_, err = a.Resolve(ctx, token)
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestResolveRejectsMalformedToken(t *testing.T) {
	a := New(NewMemoryStore())
	_, err := a.Resolve(context.Background(), "not-a-wopr-token")
	require.ErrorIs(t, err, ErrMalformedToken)
}
