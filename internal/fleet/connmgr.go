package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RecoveryEventStore is the narrow slice of the recovery store the
// connection manager needs to close in-progress events on re-registration.
type RecoveryEventStore interface {
	CloseInProgressForNode(ctx context.Context, nodeID string) error
}

// OrphanCleaner is invoked exactly once per "returning" episode when a
// heartbeat frame arrives for a node still in that status.
type OrphanCleaner interface {
	Clean(ctx context.Context, nodeID string, runningContainers []string) (*CleanReport, error)
}

// HeartbeatContainer is one entry in a heartbeat frame's container
// inventory: `{type:"heartbeat", containers:[{name, memory_mb}, …]}`.
type HeartbeatContainer struct {
	Name     string `json:"name"`
	MemoryMB int64  `json:"memory_mb"`
}

// heartbeatFrame is the inbound message shape the node agent sends.
type heartbeatFrame struct {
	Type       string               `json:"type"`
	Containers []HeartbeatContainer `json:"containers"`
}

// ConnectionManager owns node registration, the live websocket per node,
// and heartbeat-triggered orphan cleanup.
type ConnectionManager struct {
	nodes      *NodeRepository
	recoveries RecoveryEventStore
	orphans    OrphanCleaner
	bus        *CommandBus
	logger     *log.Logger

	mu               sync.Mutex
	cleanedEpisode   map[string]bool // nodeID -> already cleaned this "returning" episode
}

func NewConnectionManager(nodes *NodeRepository, recoveries RecoveryEventStore, orphans OrphanCleaner, bus *CommandBus) *ConnectionManager {
	return &ConnectionManager{
		nodes:          nodes,
		recoveries:     recoveries,
		orphans:        orphans,
		bus:            bus,
		logger:         log.New(os.Stderr, "[ConnectionManager] ", log.LstdFlags),
		cleanedEpisode: make(map[string]bool),
	}
}

// RegisterNode handles a node announcing itself: unknown nodes are created
// active, offline/recovering/failed nodes come back as returning, unhealthy
// nodes go straight back to active, and an already-active node just has its
// registration details refreshed.
func (m *ConnectionManager) RegisterNode(ctx context.Context, id, host string, capacityMB int64, agentVersion string) (*Node, error) {
	existing, err := m.nodes.Get(ctx, id)
	if err != nil && err != ErrNodeNotFound {
		return nil, err
	}

	var result *Node
	switch {
	case existing == nil:
		node := &Node{ID: id, Host: host, CapacityMB: capacityMB, AgentVersion: agentVersion, Status: NodeActive}
		if err := m.nodes.Register(ctx, node); err != nil {
			return nil, err
		}
		result = node
	case existing.Status == NodeOffline || existing.Status == NodeRecovering || existing.Status == NodeFailed:
		updated, err := m.nodes.Transition(ctx, id, NodeReturning, "re_registration", "connection-manager")
		if err != nil {
			return nil, err
		}
		result = updated
	case existing.Status == NodeUnhealthy:
		updated, err := m.nodes.Transition(ctx, id, NodeActive, "heartbeat_ok", "connection-manager")
		if err != nil {
			return nil, err
		}
		result = updated
	default: // active
		existing.Host, existing.CapacityMB, existing.AgentVersion = host, capacityMB, agentVersion
		if err := m.nodes.UpdateRegistration(ctx, existing); err != nil {
			return nil, err
		}
		result = existing
	}

	if err := m.recoveries.CloseInProgressForNode(ctx, id); err != nil {
		return nil, fmt.Errorf("fleet: close in-progress recovery events for node %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.cleanedEpisode, id) // a fresh registration starts a fresh "returning" episode
	m.mu.Unlock()

	return result, nil
}

// HandleWebSocket attaches nodeID's connection to the command bus and runs
// its read loop until the socket closes or ctx is cancelled. Every inbound
// heartbeat frame updates last_heartbeat_at; while the node is "returning",
// the first heartbeat of that episode triggers orphan cleanup exactly once.
func (m *ConnectionManager) HandleWebSocket(ctx context.Context, nodeID string, ws *websocket.Conn) {
	m.bus.Attach(nodeID, ws)
	defer m.bus.Detach(nodeID)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.logger.Printf("node %s: read loop ended: %v", nodeID, err)
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			m.logger.Printf("node %s: malformed frame: %v", nodeID, err)
			continue
		}

		switch envelope.Type {
		case "heartbeat":
			var hb heartbeatFrame
			if err := json.Unmarshal(raw, &hb); err != nil {
				m.logger.Printf("node %s: malformed heartbeat: %v", nodeID, err)
				continue
			}
			names := make([]string, len(hb.Containers))
			for i, c := range hb.Containers {
				names[i] = c.Name
			}
			m.onHeartbeat(ctx, nodeID, names)
		default:
			var result CommandResult
			if err := json.Unmarshal(raw, &result); err == nil && result.ID != "" {
				m.bus.DeliverResult(nodeID, result)
			}
		}
	}
}

func (m *ConnectionManager) onHeartbeat(ctx context.Context, nodeID string, containers []string) {
	now := time.Now().UTC()
	if err := m.nodes.UpdateHeartbeat(ctx, nodeID, now); err != nil {
		m.logger.Printf("node %s: update heartbeat: %v", nodeID, err)
		return
	}

	node, err := m.nodes.Get(ctx, nodeID)
	if err != nil {
		m.logger.Printf("node %s: get after heartbeat: %v", nodeID, err)
		return
	}
	if node.Status != NodeReturning {
		return
	}

	m.mu.Lock()
	alreadyCleaned := m.cleanedEpisode[nodeID]
	if !alreadyCleaned {
		m.cleanedEpisode[nodeID] = true
	}
	m.mu.Unlock()
	if alreadyCleaned {
		return
	}

	if _, err := m.orphans.Clean(ctx, nodeID, containers); err != nil {
		m.logger.Printf("node %s: orphan cleanup failed: %v", nodeID, err)
	}
}
