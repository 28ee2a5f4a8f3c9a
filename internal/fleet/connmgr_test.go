package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCleaner) Clean(ctx context.Context, nodeID string, runningContainers []string) (*CleanReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &CleanReport{}, nil
}

func (c *countingCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newConnMgrHarness() (*ConnectionManager, *NodeRepository, *MemoryRecoveryStore, *countingCleaner) {
	nodes := newTestNodeRepo()
	recoveries := NewMemoryRecoveryStore()
	cleaner := &countingCleaner{}
	mgr := NewConnectionManager(nodes, recoveries, cleaner, NewCommandBus())
	return mgr, nodes, recoveries, cleaner
}

func TestRegisterNodeCreatesActive(t *testing.T) {
	ctx := context.Background()
	mgr, _, _, _ := newConnMgrHarness()

	node, err := mgr.RegisterNode(ctx, "n1", "10.0.0.1", 8192, "agent/1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, node.Status)
	assert.Equal(t, int64(8192), node.CapacityMB)
}

func TestRegisterNodeOfflineBecomesReturning(t *testing.T) {
	ctx := context.Background()
	mgr, nodes, _, _ := newConnMgrHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1", CapacityMB: 8192}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "heartbeat_timeout", "test")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "heartbeat_timeout", "test")
	require.NoError(t, err)

	node, err := mgr.RegisterNode(ctx, "n1", "10.0.0.1", 8192, "agent/1")
	require.NoError(t, err)
	assert.Equal(t, NodeReturning, node.Status)
}

func TestRegisterNodeUnhealthyBecomesActive(t *testing.T) {
	ctx := context.Background()
	mgr, nodes, _, _ := newConnMgrHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1", CapacityMB: 8192}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "heartbeat_timeout", "test")
	require.NoError(t, err)

	node, err := mgr.RegisterNode(ctx, "n1", "10.0.0.1", 8192, "agent/1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, node.Status)
}

func TestRegisterNodeActiveUpdatesRegistration(t *testing.T) {
	ctx := context.Background()
	mgr, nodes, _, _ := newConnMgrHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1", Host: "old", CapacityMB: 4096}))

	node, err := mgr.RegisterNode(ctx, "n1", "new-host", 8192, "agent/2")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, node.Status)

	got, err := nodes.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "new-host", got.Host)
	assert.Equal(t, int64(8192), got.CapacityMB)
	assert.Equal(t, "agent/2", got.AgentVersion)
}

func TestRegisterNodeClosesInProgressRecoveryEvents(t *testing.T) {
	ctx := context.Background()
	mgr, nodes, recoveries, _ := newConnMgrHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1", CapacityMB: 8192}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "heartbeat_timeout", "test")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "heartbeat_timeout", "test")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeRecovering, "heartbeat_timeout", "test")
	require.NoError(t, err)

	require.NoError(t, recoveries.CreateEvent(ctx, &RecoveryEvent{ID: "evt1", Node: "n1", Status: RecoveryInProgress, StartedAt: time.Now().UTC()}))

	node, err := mgr.RegisterNode(ctx, "n1", "10.0.0.1", 8192, "agent/1")
	require.NoError(t, err)
	assert.Equal(t, NodeReturning, node.Status)

	ev, err := recoveries.GetEvent(ctx, "evt1")
	require.NoError(t, err)
	assert.Equal(t, RecoveryCompleted, ev.Status)
	assert.NotNil(t, ev.CompletedAt)
}

func TestHeartbeatCleansOncePerReturningEpisode(t *testing.T) {
	ctx := context.Background()
	mgr, nodes, _, cleaner := newConnMgrHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1", CapacityMB: 8192}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "heartbeat_timeout", "test")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "heartbeat_timeout", "test")
	require.NoError(t, err)

	// Re-registration flips the node to returning and opens a fresh episode.
	node, err := mgr.RegisterNode(ctx, "n1", "10.0.0.1", 8192, "agent/1")
	require.NoError(t, err)
	require.Equal(t, NodeReturning, node.Status)

	mgr.onHeartbeat(ctx, "n1", []string{"stray"})
	mgr.onHeartbeat(ctx, "n1", []string{"stray"})
	assert.Equal(t, 1, cleaner.count())
}

func TestHeartbeatOnActiveNodeSkipsCleanup(t *testing.T) {
	ctx := context.Background()
	mgr, nodes, _, cleaner := newConnMgrHarness()

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1", CapacityMB: 8192}))

	mgr.onHeartbeat(ctx, "n1", nil)
	assert.Equal(t, 0, cleaner.count())

	got, err := nodes.Get(ctx, "n1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastHeartbeatAt)
}
