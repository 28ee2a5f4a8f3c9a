package fleet

import (
	"context"
	"log"
	"os"
	"time"
)

// RecoveryCallback is invoked fire-and-forget when the watchdog observes a
// node cross the offline threshold.
type RecoveryCallback func(ctx context.Context, nodeID string, trigger RecoveryTrigger)

// Watchdog periodically scans active/unhealthy nodes and demotes stale
// ones through the status machine.
type Watchdog struct {
	nodes              *NodeRepository
	onRecoveryNeeded   RecoveryCallback
	unhealthyThreshold time.Duration
	offlineThreshold   time.Duration
	logger             *log.Logger
}

// NewWatchdog wires the watchdog with the default thresholds
// (unhealthy=90s, offline=300s) unless overridden.
func NewWatchdog(nodes *NodeRepository, onRecoveryNeeded RecoveryCallback, unhealthyThreshold, offlineThreshold time.Duration) *Watchdog {
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = 90 * time.Second
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 300 * time.Second
	}
	return &Watchdog{
		nodes:              nodes,
		onRecoveryNeeded:   onRecoveryNeeded,
		unhealthyThreshold: unhealthyThreshold,
		offlineThreshold:   offlineThreshold,
		logger:             log.New(os.Stderr, "[Watchdog] ", log.LstdFlags),
	}
}

// Run ticks every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one scan pass; exported so callers can drive it deterministically
// in tests instead of waiting on a real ticker.
func (w *Watchdog) Tick(ctx context.Context) {
	nodes, err := w.nodes.List(ctx)
	if err != nil {
		w.logger.Printf("list nodes: %v", err)
		return
	}
	now := time.Now().UTC()
	for _, n := range nodes {
		if n.Status != NodeActive && n.Status != NodeUnhealthy {
			continue
		}
		if n.LastHeartbeatAt == nil {
			continue
		}
		elapsed := now.Sub(*n.LastHeartbeatAt)

		switch n.Status {
		case NodeActive:
			if elapsed >= w.unhealthyThreshold {
				if _, err := w.nodes.Transition(ctx, n.ID, NodeUnhealthy, "heartbeat_timeout", "watchdog"); err != nil {
					w.logger.Printf("node %s: transition to unhealthy: %v", n.ID, err)
				}
			}
		case NodeUnhealthy:
			if elapsed >= w.offlineThreshold {
				if _, err := w.nodes.Transition(ctx, n.ID, NodeOffline, "heartbeat_timeout", "watchdog"); err != nil {
					w.logger.Printf("node %s: transition to offline: %v", n.ID, err)
					continue
				}
				if w.onRecoveryNeeded != nil {
					go w.onRecoveryNeeded(context.Background(), n.ID, TriggerHeartbeatTimeout)
				}
			}
		}
	}
}
