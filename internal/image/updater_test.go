package image

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeFleet struct {
	mu            sync.Mutex
	images        map[string]string
	running       map[string]bool
	pullErr       error
	updateErr     map[string]error // keyed by target image
	startErr      error
	updateCalls   []string
}

func newFakeFleet(botID, initialImage string) *fakeFleet {
	return &fakeFleet{
		images:    map[string]string{botID: initialImage},
		running:   map[string]bool{botID: true},
		updateErr: make(map[string]error),
	}
}

func (f *fakeFleet) Pull(ctx context.Context, image string) error { return f.pullErr }

func (f *fakeFleet) Update(ctx context.Context, botID, newImage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls = append(f.updateCalls, newImage)
	if err := f.updateErr[newImage]; err != nil {
		return err
	}
	f.images[botID] = newImage
	return nil
}

func (f *fakeFleet) Start(ctx context.Context, botID string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.running[botID] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) Inspect(ctx context.Context, botID string) (*RunningContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &RunningContainer{RepoDigest: f.images[botID], Running: f.running[botID]}, nil
}

func (f *fakeFleet) CurrentImage(ctx context.Context, botID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[botID], nil
}

type fakeHealth struct {
	hasCheck bool
	sequence []HealthStatus
	idx      int
}

func (h *fakeHealth) CheckHealth(ctx context.Context, botID string) (bool, HealthStatus, error) {
	if !h.hasCheck {
		return false, HealthNone, nil
	}
	if h.idx >= len(h.sequence) {
		return true, h.sequence[len(h.sequence)-1], nil
	}
	s := h.sequence[h.idx]
	h.idx++
	return true, s, nil
}

func TestUpdateBotSucceedsWithNoHealthCheck(t *testing.T) {
	fleet := newFakeFleet("bot-1", "sha256:abc")
	u := NewUpdater(fleet, &fakeHealth{hasCheck: false})

	result, err := u.UpdateBot(context.Background(), "bot-1", "sha256:new")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.RolledBack)
}

func TestUpdateBotRollsBackOnUnhealthy(t *testing.T) {
	fleet := newFakeFleet("bot-1", "sha256:abc")
	health := &fakeHealth{hasCheck: true, sequence: []HealthStatus{HealthStarting, HealthUnhealthy}}
	u := NewUpdater(fleet, health)
	u.healthPollInterval = time.Millisecond

	result, err := u.UpdateBot(context.Background(), "bot-1", "sha256:new")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.True(t, result.RolledBack)

	img, err := fleet.CurrentImage(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, "sha256:abc", img)

	running, err := fleet.Inspect(context.Background(), "bot-1")
	require.NoError(t, err)
	require.True(t, running.Running)
}

func TestUpdateBotReportsDoubleFailureWhenRollbackFails(t *testing.T) {
	fleet := newFakeFleet("bot-1", "sha256:abc")
	fleet.updateErr["sha256:new"] = errors.New("recreate exploded")
	fleet.updateErr["sha256:abc"] = errors.New("rollback exploded too")
	u := NewUpdater(fleet, &fakeHealth{hasCheck: false})

	result, err := u.UpdateBot(context.Background(), "bot-1", "sha256:new")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.False(t, result.RolledBack)
	require.Contains(t, result.Error, "Rollback also failed")
}

func TestUpdateBotConcurrentCallsReturnInProgress(t *testing.T) {
	fleet := newFakeFleet("bot-1", "sha256:abc")
	health := &fakeHealth{hasCheck: true, sequence: []HealthStatus{HealthHealthy}}
	u := NewUpdater(fleet, health)

	lock := u.lockFor("bot-1")
	lock.Lock()
	defer lock.Unlock()

	_, err := u.UpdateBot(context.Background(), "bot-1", "sha256:new")
	require.ErrorIs(t, err, ErrUpdateInProgress)
}
