package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogSkipsNodeWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	repo := newTestNodeRepo()
	require.NoError(t, repo.Register(ctx, &Node{ID: "n1"}))

	w := NewWatchdog(repo, nil, 90*time.Second, 300*time.Second)
	w.Tick(ctx)

	got, err := repo.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeActive, got.Status)
}

func TestWatchdogDemotesActiveToUnhealthy(t *testing.T) {
	ctx := context.Background()
	repo := newTestNodeRepo()
	require.NoError(t, repo.Register(ctx, &Node{ID: "n1"}))
	stale := time.Now().UTC().Add(-100 * time.Second)
	require.NoError(t, repo.UpdateHeartbeat(ctx, "n1", stale))

	w := NewWatchdog(repo, nil, 90*time.Second, 300*time.Second)
	w.Tick(ctx)

	got, err := repo.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeUnhealthy, got.Status)
}

func TestWatchdogDemotesUnhealthyToOfflineAndFiresRecovery(t *testing.T) {
	ctx := context.Background()
	repo := newTestNodeRepo()
	require.NoError(t, repo.Register(ctx, &Node{ID: "n1"}))
	require.NoError(t, repo.UpdateHeartbeat(ctx, "n1", time.Now().UTC()))
	_, err := repo.Transition(ctx, "n1", NodeUnhealthy, "heartbeat_timeout", "test")
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-400 * time.Second)
	require.NoError(t, repo.UpdateHeartbeat(ctx, "n1", stale))

	fired := make(chan string, 1)
	w := NewWatchdog(repo, func(ctx context.Context, nodeID string, trigger RecoveryTrigger) {
		fired <- nodeID
	}, 90*time.Second, 300*time.Second)
	w.Tick(ctx)

	got, err := repo.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, NodeOffline, got.Status)

	select {
	case id := <-fired:
		assert.Equal(t, "n1", id)
	case <-time.After(time.Second):
		t.Fatal("recovery callback was not invoked")
	}
}
