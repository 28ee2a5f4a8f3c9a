package fleet

import (
	"context"
	"fmt"
	"log"
	"os"
)

// CleanReport is the result of one orphan-cleaning pass.
type CleanReport struct {
	Stopped []string
	Kept    []string
	Errors  []string
}

// OrphanCleanerService reconciles the containers actually observed on a
// returning node against the authoritative instance repository, stopping
// strays, then promotes the node back to active.
type OrphanCleanerService struct {
	instances *InstanceRepository
	nodes     *NodeRepository
	bus       *CommandBus
	logger    *log.Logger
}

func NewOrphanCleaner(instances *InstanceRepository, nodes *NodeRepository, bus *CommandBus) *OrphanCleanerService {
	return &OrphanCleanerService{
		instances: instances,
		nodes:     nodes,
		bus:       bus,
		logger:    log.New(os.Stderr, "[OrphanCleaner] ", log.LstdFlags),
	}
}

// Clean runs one reconciliation pass over the node's reported containers.
func (c *OrphanCleanerService) Clean(ctx context.Context, nodeID string, runningContainers []string) (*CleanReport, error) {
	authoritative, err := c.instances.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("fleet: orphan clean: list bots for node %s: %w", nodeID, err)
	}
	known := make(map[string]bool, len(authoritative))
	for _, inst := range authoritative {
		known[inst.ID] = true
	}

	report := &CleanReport{}
	for _, name := range runningContainers {
		if known[name] {
			report.Kept = append(report.Kept, name)
			continue
		}
		if _, err := c.bus.Send(ctx, nodeID, CommandBotStop, map[string]interface{}{"containerName": name}); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		report.Stopped = append(report.Stopped, name)
	}

	if _, err := c.nodes.Transition(ctx, nodeID, NodeActive, "orphan_cleanup_complete", "orphan-cleaner"); err != nil {
		return report, fmt.Errorf("fleet: orphan clean: promote node %s to active: %w", nodeID, err)
	}
	return report, nil
}
