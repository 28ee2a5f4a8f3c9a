package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupOrphanTest wires an orphan cleaner to a command bus with no node
// connection attached, so every stop command it sends fails with
// ErrNodeNotConnected.
func setupOrphanTest(t *testing.T) (*OrphanCleanerService, *NodeRepository, *InstanceRepository) {
	t.Helper()
	nodes := newTestNodeRepo()
	instances := newTestInstanceRepo()
	bus := NewCommandBus()
	cleaner := NewOrphanCleaner(instances, nodes, bus)
	return cleaner, nodes, instances
}

func TestOrphanCleanerPromotesNodeEvenWithNoStrays(t *testing.T) {
	ctx := context.Background()
	cleaner, nodes, instances := setupOrphanTest(t)
	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1"}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeReturning, "re_registration", "t")
	require.NoError(t, err)

	require.NoError(t, instances.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "n1"}))

	report, err := cleaner.Clean(ctx, "n1", []string{"bot-1"})
	require.NoError(t, err)
	assert.Empty(t, report.Stopped)
	assert.Equal(t, []string{"bot-1"}, report.Kept)

	got, err := nodes.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, got.Status)
}

func TestOrphanCleanerReportsStrayWithoutConnection(t *testing.T) {
	ctx := context.Background()
	cleaner, nodes, instances := setupOrphanTest(t)
	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1"}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeReturning, "re_registration", "t")
	require.NoError(t, err)
	require.NoError(t, instances.Create(ctx, &BotInstance{ID: "bot-1", Tenant: "t1", NodeID: "n1"}))

	report, err := cleaner.Clean(ctx, "n1", []string{"bot-1", "stray-container"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bot-1"}, report.Kept)
	require.Len(t, report.Errors, 1) // no live connection, stop attempt fails
}

func TestConnectionManagerCleansOncePerEpisode(t *testing.T) {
	ctx := context.Background()
	nodes := newTestNodeRepo()
	bus := NewCommandBus()
	instances := newTestInstanceRepo()
	cleaner := NewOrphanCleaner(instances, nodes, bus)
	recoveries := NewMemoryRecoveryStore()
	mgr := NewConnectionManager(nodes, recoveries, cleaner, bus)

	require.NoError(t, nodes.Register(ctx, &Node{ID: "n1"}))
	_, err := nodes.Transition(ctx, "n1", NodeUnhealthy, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeReturning, "re_registration", "t")
	require.NoError(t, err)

	mgr.onHeartbeat(ctx, "n1", nil)
	got, err := nodes.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, got.Status)

	// Force back to returning and verify the second heartbeat in the same
	// episode does not fire cleanup again (idempotent marker still set).
	_, err = nodes.Transition(ctx, "n1", NodeUnhealthy, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeOffline, "x", "t")
	require.NoError(t, err)
	_, err = nodes.Transition(ctx, "n1", NodeReturning, "re_registration", "t")
	require.NoError(t, err)

	mgr.mu.Lock()
	alreadyCleaned := mgr.cleanedEpisode["n1"]
	mgr.mu.Unlock()
	assert.True(t, alreadyCleaned, "episode flag should already be set from the first heartbeat")
}
