package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNodeRepo() *NodeRepository {
	return NewNodeRepository(NewMemoryNodeStore())
}

func TestValidateTransitionTable(t *testing.T) {
	assert.True(t, ValidateTransition(NodeActive, NodeUnhealthy))
	assert.True(t, ValidateTransition(NodeOffline, NodeUnhealthy))
	assert.True(t, ValidateTransition(NodeUnhealthy, NodeOffline))
	assert.True(t, ValidateTransition(NodeUnhealthy, NodeActive))
	assert.True(t, ValidateTransition(NodeOffline, NodeRecovering))
	assert.True(t, ValidateTransition(NodeRecovering, NodeReturning))
	assert.True(t, ValidateTransition(NodeFailed, NodeReturning))
	assert.True(t, ValidateTransition(NodeReturning, NodeActive))

	assert.False(t, ValidateTransition(NodeActive, NodeRecovering))
	assert.False(t, ValidateTransition(NodeReturning, NodeOffline))
	assert.False(t, ValidateTransition(NodeFailed, NodeActive))
}

func TestNodeRegisterAndTransition(t *testing.T) {
	ctx := context.Background()
	r := newTestNodeRepo()
	require.NoError(t, r.Register(ctx, &Node{ID: "n1", Host: "10.0.0.1", CapacityMB: 4096}))

	got, err := r.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, got.Status)

	updated, err := r.Transition(ctx, "n1", NodeUnhealthy, "heartbeat timeout", "watchdog")
	require.NoError(t, err)
	assert.Equal(t, NodeUnhealthy, updated.Status)

	hist, err := r.History(ctx, "n1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, NodeActive, hist[0].From)
	assert.Equal(t, NodeUnhealthy, hist[0].To)
	assert.Equal(t, "watchdog", hist[0].TriggeredBy)
}

func TestNodeTransitionRejectsIllegalMove(t *testing.T) {
	ctx := context.Background()
	r := newTestNodeRepo()
	require.NoError(t, r.Register(ctx, &Node{ID: "n1", Host: "10.0.0.1"}))

	_, err := r.Transition(ctx, "n1", NodeRecovering, "bogus", "test")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := r.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, got.Status)
}

func TestNodeTransitionNotFound(t *testing.T) {
	r := newTestNodeRepo()
	_, err := r.Transition(context.Background(), "missing", NodeUnhealthy, "x", "y")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestAddCapacityUsage(t *testing.T) {
	ctx := context.Background()
	r := newTestNodeRepo()
	require.NoError(t, r.Register(ctx, &Node{ID: "n1", CapacityMB: 1000, UsedMB: 100}))

	require.NoError(t, r.AddCapacityUsage(ctx, "n1", 200))

	got, err := r.Get(ctx, "n1")
	require.NoError(t, err)
	assert.EqualValues(t, 300, got.UsedMB)
}
