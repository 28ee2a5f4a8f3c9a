package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstanceRepo() *InstanceRepository {
	return NewInstanceRepository(NewMemoryInstanceStore(), 72*time.Hour)
}

func TestInstanceCreateAndGet(t *testing.T) {
	ctx := context.Background()
	r := newTestInstanceRepo()
	inst := &BotInstance{ID: "bot-1", Tenant: "t1", Name: "myBot"}
	require.NoError(t, r.Create(ctx, inst))

	got, err := r.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, BillingActive, got.BillingState)
	assert.NotZero(t, got.CreatedAt)
}

func TestInstanceGetNotFound(t *testing.T) {
	r := newTestInstanceRepo()
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBotInstanceNotFound)
}

func TestSetBillingStateSuspendSetsRetentionDeadline(t *testing.T) {
	ctx := context.Background()
	r := newTestInstanceRepo()
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1"}))

	require.NoError(t, r.SetBillingState(ctx, "bot-1", BillingSuspended))

	got, err := r.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, BillingSuspended, got.BillingState)
	require.NotNil(t, got.SuspendedAt)
	require.NotNil(t, got.DestroyAfter)
	assert.WithinDuration(t, got.SuspendedAt.Add(72*time.Hour), *got.DestroyAfter, time.Second)
}

func TestSetBillingStateReactivateClearsTimestamps(t *testing.T) {
	ctx := context.Background()
	r := newTestInstanceRepo()
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1"}))
	require.NoError(t, r.SetBillingState(ctx, "bot-1", BillingSuspended))

	require.NoError(t, r.SetBillingState(ctx, "bot-1", BillingActive))

	got, err := r.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Nil(t, got.SuspendedAt)
	assert.Nil(t, got.DestroyAfter)
}

func TestSuspendAllBotsForTenantSkipsDestroyed(t *testing.T) {
	ctx := context.Background()
	r := newTestInstanceRepo()
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1"}))
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-2", Tenant: "t1"}))
	require.NoError(t, r.SetBillingState(ctx, "bot-2", BillingDestroyed))

	suspended, err := r.SuspendAllBotsForTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot-1"}, suspended)

	bot2, err := r.Get(ctx, "bot-2")
	require.NoError(t, err)
	assert.Equal(t, BillingDestroyed, bot2.BillingState)
}

func TestReassign(t *testing.T) {
	ctx := context.Background()
	r := newTestInstanceRepo()
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "node-a"}))

	require.NoError(t, r.Reassign(ctx, "bot-1", "node-b"))

	got, err := r.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.NodeID)
}

func TestListByNodeAndTenant(t *testing.T) {
	ctx := context.Background()
	r := newTestInstanceRepo()
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "node-a"}))
	require.NoError(t, r.Create(ctx, &BotInstance{ID: "bot-2", Tenant: "t2", NodeID: "node-a"}))

	byNode, err := r.ListByNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	byTenant, err := r.ListByTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, "bot-1", byTenant[0].ID)
}
