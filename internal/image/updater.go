package image

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// ErrUpdateInProgress is returned to a concurrent updater for a bot whose
// update is still running; callers are expected not to queue behind it.
var ErrUpdateInProgress = errors.New("image: update already in progress")

// FleetManager is the narrow runtime boundary the updater drives: pulling an
// image tag and recreating a bot's container with a new image under the
// same name.
type FleetManager interface {
	Pull(ctx context.Context, image string) error
	// Update recreates botID's container with newImage under the same name:
	// the old container is removed and a new one created. The control-plane
	// implementation attaches no volumes to the new container, so volume
	// data is not carried over.
	Update(ctx context.Context, botID, newImage string) error
	Start(ctx context.Context, botID string) error
	Inspect(ctx context.Context, botID string) (*RunningContainer, error)
	// CurrentImage returns the image reference the bot is presently
	// configured with (before any Update call), used to compute
	// previousImage for rollback.
	CurrentImage(ctx context.Context, botID string) (string, error)
}

// HealthStatus mirrors Docker's State.Health.Status vocabulary.
type HealthStatus string

const (
	HealthNone      HealthStatus = ""
	HealthStarting  HealthStatus = "starting"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthChecker polls a bot's health status during waitForHealthy.
type HealthChecker interface {
	// CheckHealth reports whether the bot has a HEALTHCHECK configured at
	// all; when it does not, the bot counts as healthy immediately.
	CheckHealth(ctx context.Context, botID string) (hasHealthCheck bool, status HealthStatus, err error)
}

// UpdateResult is UpdateBot's return shape.
type UpdateResult struct {
	Success     bool
	RolledBack  bool
	Error       string
	PreviousTag string
	NewTag      string
}

// Updater performs rolling updates: per-bot exclusive locking, pull,
// recreate, health-gated start, and rollback on any failure.
type Updater struct {
	fleet              FleetManager
	health             HealthChecker
	logger             *log.Logger
	healthPollInterval time.Duration
	healthTimeout      time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewUpdater(fleet FleetManager, health HealthChecker) *Updater {
	return &Updater{
		fleet:              fleet,
		health:             health,
		logger:             log.New(os.Stderr, "[ImageUpdater] ", log.LstdFlags),
		healthPollInterval: 5 * time.Second,
		healthTimeout:      60 * time.Second,
		locks:              make(map[string]*sync.Mutex),
	}
}

func (u *Updater) lockFor(botID string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		u.locks[botID] = l
	}
	return l
}

// UpdateBot pulls the new image, recreates the container, and health-gates
// the restart, rolling back to the previous image on any failure. A
// concurrent call for the same botID returns ErrUpdateInProgress
// immediately rather than queueing.
func (u *Updater) UpdateBot(ctx context.Context, botID, newImage string) (*UpdateResult, error) {
	lock := u.lockFor(botID)
	if !lock.TryLock() {
		return nil, ErrUpdateInProgress
	}
	defer lock.Unlock()

	// Step 1: record previousDigest/wasRunning.
	previousImage, err := u.fleet.CurrentImage(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("image: current image for bot %s: %w", botID, err)
	}
	before, err := u.fleet.Inspect(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("image: inspect bot %s before update: %w", botID, err)
	}
	wasRunning := before.Running

	// Step 2: pull.
	if err := u.fleet.Pull(ctx, newImage); err != nil {
		return u.rollback(ctx, botID, previousImage, newImage, wasRunning, fmt.Sprintf("pull failed: %v", err))
	}

	// Step 3: recreate with the new image.
	if err := u.fleet.Update(ctx, botID, newImage); err != nil {
		return u.rollback(ctx, botID, previousImage, newImage, wasRunning, fmt.Sprintf("recreate failed: %v", err))
	}

	if !wasRunning {
		return &UpdateResult{Success: true, PreviousTag: previousImage, NewTag: newImage}, nil
	}

	// Step 4: start and wait for healthy.
	if err := u.fleet.Start(ctx, botID); err != nil {
		return u.rollback(ctx, botID, previousImage, newImage, wasRunning, fmt.Sprintf("start failed: %v", err))
	}
	if err := u.waitForHealthy(ctx, botID); err != nil {
		return u.rollback(ctx, botID, previousImage, newImage, wasRunning, err.Error())
	}

	return &UpdateResult{Success: true, PreviousTag: previousImage, NewTag: newImage}, nil
}

// waitForHealthy polls inspect at healthPollInterval up to healthTimeout.
// A bot with no HEALTHCHECK configured is healthy immediately; "unhealthy" or
// exceeding the window while still "starting" are both failures.
func (u *Updater) waitForHealthy(ctx context.Context, botID string) error {
	deadline := time.Now().Add(u.healthTimeout)
	ticker := time.NewTicker(u.healthPollInterval)
	defer ticker.Stop()

	for {
		hasCheck, status, err := u.health.CheckHealth(ctx, botID)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		if !hasCheck {
			return nil
		}
		switch status {
		case HealthHealthy:
			return nil
		case HealthUnhealthy:
			return fmt.Errorf("container reported unhealthy")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("health check timed out after %s while %s", u.healthTimeout, status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rollback recreates the container with previousImage and, if the bot was
// running, restarts it. The reported error text distinguishes a clean
// rollback from a rollback that itself failed.
func (u *Updater) rollback(ctx context.Context, botID, previousImage, failedImage string, wasRunning bool, cause string) (*UpdateResult, error) {
	u.logger.Printf("bot %s: update to %s failed (%s); rolling back to %s", botID, failedImage, cause, previousImage)

	if err := u.fleet.Update(ctx, botID, previousImage); err != nil {
		return &UpdateResult{
			Success:     false,
			RolledBack:  false,
			Error:       fmt.Sprintf("%s. Rollback also failed: %v", cause, err),
			PreviousTag: previousImage,
			NewTag:      failedImage,
		}, nil
	}
	if wasRunning {
		if err := u.fleet.Start(ctx, botID); err != nil {
			return &UpdateResult{
				Success:     false,
				RolledBack:  false,
				Error:       fmt.Sprintf("%s. Rollback also failed: %v", cause, err),
				PreviousTag: previousImage,
				NewTag:      failedImage,
			}, nil
		}
	}
	return &UpdateResult{
		Success:     false,
		RolledBack:  true,
		Error:       cause,
		PreviousTag: previousImage,
		NewTag:      failedImage,
	}, nil
}
