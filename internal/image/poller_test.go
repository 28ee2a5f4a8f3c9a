package image

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-platform-sub005/internal/profile"
)

type fakeRegistry struct {
	digest string
}

func (r *fakeRegistry) ResolveDigest(ctx context.Context, image string) (string, error) {
	return r.digest, nil
}

type fakeInspector struct {
	digest string
}

func (i *fakeInspector) Inspect(ctx context.Context, botID string) (*RunningContainer, error) {
	return &RunningContainer{RepoDigest: i.digest, Running: true}, nil
}

func TestPollOnPushFiresImmediately(t *testing.T) {
	registry := &fakeRegistry{digest: "sha256:new"}
	inspector := &fakeInspector{digest: "sha256:old"}

	var mu sync.Mutex
	var fired []string
	p := NewPoller(registry, inspector, func(ctx context.Context, botID, digest string) {
		mu.Lock()
		fired = append(fired, botID+":"+digest)
		mu.Unlock()
	})

	p.bots["bot-1"] = &trackedBot{profile: &profile.BotProfile{ID: "bot-1", Image: "acme/widget", UpdatePolicy: string(PolicyOnPush)}, stop: make(chan struct{})}
	p.poll(context.Background(), "bot-1")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"bot-1:sha256:new"}, fired)
}

func TestPollManualNeverFires(t *testing.T) {
	registry := &fakeRegistry{digest: "sha256:new"}
	inspector := &fakeInspector{digest: "sha256:old"}

	fired := false
	p := NewPoller(registry, inspector, func(ctx context.Context, botID, digest string) {
		fired = true
	})
	p.bots["bot-1"] = &trackedBot{profile: &profile.BotProfile{ID: "bot-1", Image: "acme/widget", UpdatePolicy: string(PolicyManual)}, stop: make(chan struct{})}
	p.poll(context.Background(), "bot-1")

	require.False(t, fired)
}

func TestPollNightlyFiresOncePerSlot(t *testing.T) {
	registry := &fakeRegistry{digest: "sha256:new"}
	inspector := &fakeInspector{digest: "sha256:old"}

	fires := 0
	p := NewPoller(registry, inspector, func(ctx context.Context, botID, digest string) {
		fires++
	})
	p.bots["bot-1"] = &trackedBot{
		profile:  &profile.BotProfile{ID: "bot-1", Image: "acme/widget", UpdatePolicy: string(PolicyNightly)},
		stop:     make(chan struct{}),
		lastPoll: time.Date(2026, 7, 31, 2, 50, 0, 0, time.UTC),
	}

	p.clock = func() time.Time { return time.Date(2026, 7, 31, 2, 58, 0, 0, time.UTC) }
	p.poll(context.Background(), "bot-1")
	require.Equal(t, 0, fires) // the 03:00 slot has not arrived yet

	p.clock = func() time.Time { return time.Date(2026, 7, 31, 3, 2, 0, 0, time.UTC) }
	p.poll(context.Background(), "bot-1")
	require.Equal(t, 1, fires) // slot fell between the two polls

	p.clock = func() time.Time { return time.Date(2026, 7, 31, 3, 32, 0, 0, time.UTC) }
	p.poll(context.Background(), "bot-1")
	require.Equal(t, 1, fires) // same slot, no refire
}

func TestPollNightlySlotCaughtBetweenCoarseTicks(t *testing.T) {
	// A 30-minute channel whose ticks straddle 03:00-03:05 entirely must
	// still apply that night's update.
	registry := &fakeRegistry{digest: "sha256:new"}
	inspector := &fakeInspector{digest: "sha256:old"}

	fired := false
	p := NewPoller(registry, inspector, func(ctx context.Context, botID, digest string) {
		fired = true
	})
	p.bots["bot-1"] = &trackedBot{
		profile:  &profile.BotProfile{ID: "bot-1", Image: "acme/widget", UpdatePolicy: string(PolicyNightly)},
		stop:     make(chan struct{}),
		lastPoll: time.Date(2026, 7, 31, 2, 50, 0, 0, time.UTC),
	}
	p.clock = func() time.Time { return time.Date(2026, 7, 31, 3, 20, 0, 0, time.UTC) }
	p.poll(context.Background(), "bot-1")
	require.True(t, fired)
}

func TestPollCronFiresOncePerScheduledInstant(t *testing.T) {
	registry := &fakeRegistry{digest: "sha256:new"}
	inspector := &fakeInspector{digest: "sha256:old"}

	fires := 0
	p := NewPoller(registry, inspector, func(ctx context.Context, botID, digest string) {
		fires++
	})
	schedule, err := cron.ParseStandard("0 6 * * *")
	require.NoError(t, err)
	p.bots["bot-1"] = &trackedBot{
		profile:  &profile.BotProfile{ID: "bot-1", Image: "acme/widget", UpdatePolicy: "cron:0 6 * * *"},
		cronSpec: schedule,
		stop:     make(chan struct{}),
		lastPoll: time.Date(2026, 7, 31, 5, 50, 0, 0, time.UTC),
	}

	p.clock = func() time.Time { return time.Date(2026, 7, 31, 6, 10, 0, 0, time.UTC) }
	p.poll(context.Background(), "bot-1")
	require.Equal(t, 1, fires) // 06:00 lies between the two polls

	p.clock = func() time.Time { return time.Date(2026, 7, 31, 6, 40, 0, 0, time.UTC) }
	p.poll(context.Background(), "bot-1")
	require.Equal(t, 1, fires) // next occurrence is tomorrow
}

func TestPollerDisabledForPinnedChannel(t *testing.T) {
	registry := &fakeRegistry{digest: "sha256:new"}
	inspector := &fakeInspector{digest: "sha256:old"}
	p := NewPoller(registry, inspector, nil)

	err := p.Track(context.Background(), &profile.BotProfile{ID: "bot-1", Image: "acme/widget", ReleaseChannel: profile.ChannelPinned})
	require.NoError(t, err)

	p.mu.Lock()
	_, tracked := p.bots["bot-1"]
	p.mu.Unlock()
	require.False(t, tracked)
}
