// Package image implements the image poller and updater: per-bot digest
// polling on a release-channel cadence, and a health-checked rolling update
// with rollback. The registry and container runtime are consumed through
// narrow, injected interfaces.
package image

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wopr-network/wopr-platform-sub005/internal/profile"
)

// UpdatePolicy is the closed per-bot update rule set. "cron:<expr>" is
// handled separately since it carries a schedule string.
type UpdatePolicy string

const (
	PolicyManual  UpdatePolicy = "manual"
	PolicyOnPush  UpdatePolicy = "on-push"
	PolicyNightly UpdatePolicy = "nightly"
)

const cronPolicyPrefix = "cron:"

// pollInterval is the per-release-channel cadence table. A zero duration
// means "disabled" (pinned).
func pollInterval(channel profile.ReleaseChannel) time.Duration {
	switch channel {
	case profile.ChannelCanary:
		return 5 * time.Minute
	case profile.ChannelStaging:
		return 15 * time.Minute
	case profile.ChannelStable:
		return 30 * time.Minute
	default: // pinned, or unrecognized
		return 0
	}
}

// RegistryClient resolves the current manifest digest for an image
// reference's tag.
type RegistryClient interface {
	ResolveDigest(ctx context.Context, image string) (digest string, err error)
}

// RunningContainer is the subset of inspect output the poller/updater need.
type RunningContainer struct {
	RepoDigest string // Image.RepoDigests[0] after the '@'
	Running    bool
}

// ContainerInspector reads the currently running container's state for botID.
type ContainerInspector interface {
	Inspect(ctx context.Context, botID string) (*RunningContainer, error)
}

// UpdateAvailableFunc is invoked when a digest mismatch is observed and the
// bot's update policy says to act on it now.
type UpdateAvailableFunc func(ctx context.Context, botID, newDigest string)

// trackedBot is one entry in the poller's per-bot timer set. lastPoll
// anchors the nightly/cron dispatch decision: a slot is due when it falls
// between the previous poll and this one, so a coarse tick cadence cannot
// step over it.
type trackedBot struct {
	profile  *profile.BotProfile
	cronSpec cron.Schedule
	stop     chan struct{}
	lastPoll time.Time
}

// Poller runs one independent timer per tracked bot, keyed by release
// channel cadence.
type Poller struct {
	registry RegistryClient
	inspect  ContainerInspector
	onUpdate UpdateAvailableFunc
	logger   *log.Logger

	mu    sync.Mutex
	bots  map[string]*trackedBot
	clock func() time.Time
}

func NewPoller(registry RegistryClient, inspect ContainerInspector, onUpdate UpdateAvailableFunc) *Poller {
	return &Poller{
		registry: registry,
		inspect:  inspect,
		onUpdate: onUpdate,
		logger:   log.New(os.Stderr, "[ImagePoller] ", log.LstdFlags),
		bots:     make(map[string]*trackedBot),
		clock:    time.Now,
	}
}

// Track starts (or restarts, replacing any prior timer) polling for p. A
// pinned (or unrecognized) release channel disables polling for this bot;
// every other channel polls regardless of update policy, and shouldActNow
// decides whether a detected update is acted on.
func (poller *Poller) Track(ctx context.Context, p *profile.BotProfile) error {
	poller.mu.Lock()
	if existing, ok := poller.bots[p.ID]; ok {
		close(existing.stop)
	}
	poller.mu.Unlock()

	interval := pollInterval(p.ReleaseChannel)
	if interval == 0 {
		poller.mu.Lock()
		delete(poller.bots, p.ID)
		poller.mu.Unlock()
		return nil
	}

	var schedule cron.Schedule
	if strings.HasPrefix(p.UpdatePolicy, cronPolicyPrefix) {
		expr := strings.TrimPrefix(p.UpdatePolicy, cronPolicyPrefix)
		parsed, err := cron.ParseStandard(expr)
		if err != nil {
			return fmt.Errorf("image: parse cron update policy %q for bot %s: %w", p.UpdatePolicy, p.ID, err)
		}
		schedule = parsed
	}

	tb := &trackedBot{profile: p, cronSpec: schedule, stop: make(chan struct{}), lastPoll: poller.clock()}
	poller.mu.Lock()
	poller.bots[p.ID] = tb
	poller.mu.Unlock()

	go poller.run(ctx, p.ID, interval, tb.stop)
	return nil
}

// Untrack stops polling botID.
func (poller *Poller) Untrack(botID string) {
	poller.mu.Lock()
	defer poller.mu.Unlock()
	if tb, ok := poller.bots[botID]; ok {
		close(tb.stop)
		delete(poller.bots, botID)
	}
}

func (poller *Poller) run(ctx context.Context, botID string, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			poller.poll(ctx, botID)
		}
	}
}

// poll runs a single digest-comparison pass for botID. lastPoll only
// advances on a pass that reached the dispatch decision, so a transient
// registry or inspect error cannot swallow a nightly/cron slot that fell
// inside the errored span.
func (poller *Poller) poll(ctx context.Context, botID string) {
	now := poller.clock()

	poller.mu.Lock()
	tb, ok := poller.bots[botID]
	poller.mu.Unlock()
	if !ok {
		return
	}
	lastPoll := tb.lastPoll

	latest, err := poller.registry.ResolveDigest(ctx, tb.profile.Image)
	if err != nil {
		poller.logger.Printf("bot %s: resolve digest for %s: %v", botID, tb.profile.Image, err)
		return
	}

	running, err := poller.inspect.Inspect(ctx, botID)
	if err != nil {
		poller.logger.Printf("bot %s: inspect: %v", botID, err)
		return
	}

	poller.mu.Lock()
	tb.lastPoll = now
	poller.mu.Unlock()

	if running.RepoDigest == "" || running.RepoDigest == latest {
		return
	}

	poller.logger.Printf("bot %s: update available %s -> %s", botID, running.RepoDigest, latest)
	if shouldActNow(tb.profile.UpdatePolicy, tb.cronSpec, lastPoll, now) && poller.onUpdate != nil {
		poller.onUpdate(ctx, botID, latest)
	}
}

// shouldActNow dispatches on the update policy: on-push acts immediately,
// manual never acts (the poller only logs), nightly acts once per 03:00 UTC
// slot, and cron:<expr> acts once per scheduled instant. Nightly and cron
// are both evaluated against the (lastPoll, now] span rather than the
// instant of the tick itself, so the 15/30-minute channel cadences cannot
// step over a slot that fell between two ticks.
func shouldActNow(policy string, schedule cron.Schedule, lastPoll, now time.Time) bool {
	switch {
	case policy == string(PolicyOnPush):
		return true
	case policy == string(PolicyManual):
		return false
	case policy == string(PolicyNightly):
		return nightlyDue(lastPoll, now)
	case strings.HasPrefix(policy, cronPolicyPrefix) && schedule != nil:
		next := schedule.Next(lastPoll)
		return !next.After(now)
	default:
		return false
	}
}

// nightlyDue reports whether a 03:00 UTC nightly slot lies in
// (lastPoll, now].
func nightlyDue(lastPoll, now time.Time) bool {
	u := now.UTC()
	slot := time.Date(u.Year(), u.Month(), u.Day(), 3, 0, 0, 0, time.UTC)
	if slot.After(u) {
		slot = slot.AddDate(0, 0, -1)
	}
	return slot.After(lastPoll.UTC())
}
