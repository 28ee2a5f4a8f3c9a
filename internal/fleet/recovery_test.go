package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenantLister struct {
	assignments []TenantAssignment
}

func (f *fakeTenantLister) ListForNode(ctx context.Context, nodeID string) ([]TenantAssignment, error) {
	return f.assignments, nil
}

type fakeProfileReader struct {
	profiles map[string]*BotProfileInfo
}

func (f *fakeProfileReader) Get(botID string) (*BotProfileInfo, error) {
	p, ok := f.profiles[botID]
	if !ok {
		return nil, ErrBotInstanceNotFound
	}
	return p, nil
}

func newRecoveryHarness() (*RecoveryOrchestrator, *NodeRepository, *InstanceRepository, *CommandBus) {
	nodes := newTestNodeRepo()
	instances := newTestInstanceRepo()
	bus := NewCommandBus()
	store := NewMemoryRecoveryStore()
	orch := NewRecoveryOrchestrator(nodes, instances, bus, store, &fakeProfileReader{profiles: map[string]*BotProfileInfo{}})
	return orch, nodes, instances, bus
}

func TestTriggerRecoveryNoCapacityWaits(t *testing.T) {
	ctx := context.Background()
	orch, nodes, instances, _ := newRecoveryHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "dead", CapacityMB: 4096, UsedMB: 0}))
	require.NoError(t, nodes.UpdateHeartbeat(ctx, "dead", time.Now().UTC()))
	_, err := nodes.Transition(ctx, "dead", NodeUnhealthy, "x", "t")
	require.NoError(t, err)

	require.NoError(t, instances.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "dead"}))

	lister := &fakeTenantLister{assignments: []TenantAssignment{{Tenant: "t1", BotID: "bot-1", RequiredMB: 100}}}
	event, err := orch.TriggerRecovery(ctx, "dead", TriggerHeartbeatTimeout, lister)
	require.NoError(t, err)

	assert.Equal(t, RecoveryPartial, event.Status)
	assert.Equal(t, 1, event.TenantsWaiting)
	assert.Equal(t, 0, event.TenantsRecovered)

	got, err := nodes.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, NodeOffline, got.Status)
}

func TestTriggerRecoveryWithCapacityFailsWithoutAgent(t *testing.T) {
	ctx := context.Background()
	orch, nodes, instances, bus := newRecoveryHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "dead", CapacityMB: 4096, UsedMB: 0}))
	require.NoError(t, nodes.UpdateHeartbeat(ctx, "dead", time.Now().UTC()))
	_, err := nodes.Transition(ctx, "dead", NodeUnhealthy, "x", "t")
	require.NoError(t, err)

	require.NoError(t, nodes.Register(ctx, &Node{ID: "healthy", CapacityMB: 8192, UsedMB: 0}))
	require.NoError(t, instances.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "dead"}))

	// No node agent connection is attached in this test, so backup.download
	// fails immediately via ErrNodeNotConnected: this exercises the
	// item-failure path rather than the full happy path, which
	// requires a live websocket (covered by the command bus's own tests).
	_ = bus

	lister := &fakeTenantLister{assignments: []TenantAssignment{{Tenant: "t1", BotID: "bot-1", RequiredMB: 100}}}
	event, err := orch.TriggerRecovery(ctx, "dead", TriggerHeartbeatTimeout, lister)
	require.NoError(t, err)

	// Without a live connection, backup.download fails immediately, so the
	// item is recorded as failed rather than recovered.
	assert.Equal(t, RecoveryFailed, event.Status)
	assert.Equal(t, 1, event.TenantsFailed)
}

func TestTriggerRecoveryFromAlreadyOfflineNode(t *testing.T) {
	// The watchdog demotes unhealthy -> offline itself before invoking the
	// recovery callback, so the orchestrator must tolerate a node that is
	// already offline and only take the second hop.
	ctx := context.Background()
	orch, nodes, _, _ := newRecoveryHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "dead", CapacityMB: 4096}))
	_, err := nodes.Transition(ctx, "dead", NodeUnhealthy, "heartbeat_timeout", "watchdog")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "dead", NodeOffline, "heartbeat_timeout", "watchdog")
	require.NoError(t, err)

	lister := &fakeTenantLister{}
	event, err := orch.TriggerRecovery(ctx, "dead", TriggerHeartbeatTimeout, lister)
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, event.Status)

	got, err := nodes.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, NodeOffline, got.Status)
}

func TestRetryWaitingRecoversWhenCapacityAppears(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	orch, nodes, instances, bus := newRecoveryHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "dead", CapacityMB: 4096}))
	_, err := nodes.Transition(ctx, "dead", NodeUnhealthy, "x", "t")
	require.NoError(t, err)
	require.NoError(t, instances.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "dead"}))

	lister := &fakeTenantLister{assignments: []TenantAssignment{{Tenant: "t1", BotID: "bot-1", RequiredMB: 100}}}
	event, err := orch.TriggerRecovery(ctx, "dead", TriggerHeartbeatTimeout, lister)
	require.NoError(t, err)
	require.Equal(t, RecoveryPartial, event.Status)
	require.Equal(t, 1, event.TenantsWaiting)

	// Capacity appears: a healthy node registers with a live agent.
	require.NoError(t, nodes.Register(ctx, &Node{ID: "healthy", CapacityMB: 8192}))
	startEchoAgent(t, bus, "healthy")

	require.NoError(t, orch.RetryWaiting(ctx, event.ID, func(string) int64 { return 100 }))

	got, err := orch.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, got.Status)
	assert.Equal(t, 0, got.TenantsWaiting)
	assert.Equal(t, 1, got.TenantsRecovered)

	inst, err := instances.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "healthy", inst.NodeID)
}

func TestRetryWaitingStillNoCapacityIncrementsRetryCount(t *testing.T) {
	ctx := context.Background()
	orch, nodes, instances, _ := newRecoveryHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "dead", CapacityMB: 4096}))
	_, err := nodes.Transition(ctx, "dead", NodeUnhealthy, "x", "t")
	require.NoError(t, err)
	require.NoError(t, instances.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "dead"}))

	lister := &fakeTenantLister{assignments: []TenantAssignment{{Tenant: "t1", BotID: "bot-1", RequiredMB: 100}}}
	event, err := orch.TriggerRecovery(ctx, "dead", TriggerHeartbeatTimeout, lister)
	require.NoError(t, err)

	require.NoError(t, orch.RetryWaiting(ctx, event.ID, func(string) int64 { return 100 }))

	items, err := orch.store.ListWaitingItems(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)

	got, err := orch.store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, RecoveryPartial, got.Status)
}

func TestCloseInProgressForNodeOnReregister(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRecoveryStore()
	require.NoError(t, store.CreateEvent(ctx, &RecoveryEvent{ID: "evt1", Node: "n1", Status: RecoveryInProgress}))

	require.NoError(t, store.CloseInProgressForNode(ctx, "n1"))

	ev, err := store.GetEvent(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, ev.Status)
	assert.NotNil(t, ev.CompletedAt)
}
