package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// ErrNoCapacity means no active node has room for the requested reservation.
var ErrNoCapacity = errors.New("fleet: no node has capacity for this bot")

// Provisioner orchestrates bot creation and lifecycle: the caller writes
// the profile, the provisioner reserves capacity and commands the chosen
// node. Lifecycle operations on a single bot are serialised by a per-bot
// lock; unlike the image updater, concurrent callers queue here rather
// than being rejected.
type Provisioner struct {
	nodes     *NodeRepository
	instances *InstanceRepository
	bus       *CommandBus
	sizeFor   func(resourceTier string) int64
	logger    *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProvisioner wires the provisioner. sizeFor maps a resource tier to the
// reservation size in MB; a nil func reserves a flat 512 MB per bot.
func NewProvisioner(nodes *NodeRepository, instances *InstanceRepository, bus *CommandBus, sizeFor func(resourceTier string) int64) *Provisioner {
	if sizeFor == nil {
		sizeFor = func(string) int64 { return 512 }
	}
	return &Provisioner{
		nodes:     nodes,
		instances: instances,
		bus:       bus,
		sizeFor:   sizeFor,
		logger:    log.New(os.Stderr, "[Provisioner] ", log.LstdFlags),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (p *Provisioner) lockFor(botID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[botID] = l
	}
	return l
}

// Create places inst on the best available node, records the
// reservation, and imports the image on the node agent. The container is
// created stopped; a separate Start call runs it. When no node has capacity
// the instance is not created at all and ErrNoCapacity is returned. When
// the node command fails after the reservation was recorded, the
// reservation is released again so node_id stays set iff the bot actually
// holds a reservation.
func (p *Provisioner) Create(ctx context.Context, inst *BotInstance, image string, env map[string]string) error {
	requiredMB := p.sizeFor(inst.ResourceTier)

	nodes, err := p.nodes.List(ctx)
	if err != nil {
		return fmt.Errorf("fleet: provision %s: list nodes: %w", inst.ID, err)
	}
	targetID, ok := FindPlacement(nodes, requiredMB)
	if !ok {
		return ErrNoCapacity
	}

	inst.NodeID = targetID
	if err := p.instances.Create(ctx, inst); err != nil {
		return err
	}
	if err := p.nodes.AddCapacityUsage(ctx, targetID, requiredMB); err != nil {
		p.logger.Printf("bot %s: reserve %dMB on %s: %v", inst.ID, requiredMB, targetID, err)
	}

	if _, err := p.bus.Send(ctx, targetID, CommandBotImport, map[string]interface{}{"botId": inst.ID, "image": image, "env": env}); err != nil {
		if uerr := p.nodes.AddCapacityUsage(ctx, targetID, -requiredMB); uerr != nil {
			p.logger.Printf("bot %s: release reservation on %s: %v", inst.ID, targetID, uerr)
		}
		if uerr := p.instances.Reassign(ctx, inst.ID, ""); uerr != nil {
			p.logger.Printf("bot %s: clear reservation: %v", inst.ID, uerr)
		}
		return fmt.Errorf("fleet: provision %s on %s: %w", inst.ID, targetID, err)
	}
	return nil
}

// Start runs the bot's container on its reserved node.
func (p *Provisioner) Start(ctx context.Context, botID string) error {
	return p.lifecycle(ctx, botID, CommandBotStart)
}

// Stop stops the bot's container without releasing its reservation.
func (p *Provisioner) Stop(ctx context.Context, botID string) error {
	return p.lifecycle(ctx, botID, CommandBotStop)
}

// Restart bounces the bot's container.
func (p *Provisioner) Restart(ctx context.Context, botID string) error {
	return p.lifecycle(ctx, botID, CommandBotRestart)
}

func (p *Provisioner) lifecycle(ctx context.Context, botID string, cmd CommandType) error {
	lock := p.lockFor(botID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := p.instances.Get(ctx, botID)
	if err != nil {
		return err
	}
	if inst.NodeID == "" {
		return fmt.Errorf("fleet: bot %s has no node reservation", botID)
	}
	if _, err := p.bus.Send(ctx, inst.NodeID, cmd, map[string]interface{}{"botId": botID}); err != nil {
		return fmt.Errorf("fleet: %s bot %s: %w", cmd, botID, err)
	}
	return nil
}

// Remove tears the bot down: the container is removed on the node (best
// effort — an unreachable node is logged, not fatal, since the authoritative
// record wins and the orphan cleaner reconciles strays when the node
// returns), the reservation is released, and the instance is marked
// destroyed.
func (p *Provisioner) Remove(ctx context.Context, botID string) error {
	lock := p.lockFor(botID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := p.instances.Get(ctx, botID)
	if err != nil {
		return err
	}

	if inst.NodeID != "" {
		if _, err := p.bus.Send(ctx, inst.NodeID, CommandBotRemove, map[string]interface{}{"botId": botID}); err != nil {
			p.logger.Printf("bot %s: remove on node %s: %v", botID, inst.NodeID, err)
		}
		if err := p.nodes.AddCapacityUsage(ctx, inst.NodeID, -p.sizeFor(inst.ResourceTier)); err != nil {
			p.logger.Printf("bot %s: release reservation on %s: %v", botID, inst.NodeID, err)
		}
		if err := p.instances.Reassign(ctx, botID, ""); err != nil {
			return err
		}
	}
	return p.instances.SetBillingState(ctx, botID, BillingDestroyed)
}
