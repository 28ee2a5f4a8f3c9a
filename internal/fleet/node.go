package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/internal/dbx"
)

// NodeStore is the persistence boundary for Node + NodeTransition rows. Get
// and Transition must observe/mutate the same row atomically with respect
// to concurrent callers — the watchdog and connection manager routinely
// race on the same node.
type NodeStore interface {
	Get(ctx context.Context, id string) (*Node, error)
	Insert(ctx context.Context, node *Node) error
	// Transition atomically re-reads the node, validates from==current,
	// writes the new status plus a NodeTransition row, and returns the
	// updated node. Implementations must hold a row lock for the duration.
	Transition(ctx context.Context, id string, to NodeStatus, reason, triggeredBy string) (*Node, error)
	UpdateRegistration(ctx context.Context, node *Node) error
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	UpdateCapacityUsage(ctx context.Context, id string, usedMB int64) error
	List(ctx context.Context) ([]*Node, error)
	History(ctx context.Context, nodeID string, limit int) ([]NodeTransition, error)
}

// NodeRepository owns node records and their validated status machine.
type NodeRepository struct {
	store NodeStore
}

func NewNodeRepository(store NodeStore) *NodeRepository {
	return &NodeRepository{store: store}
}

func (r *NodeRepository) Get(ctx context.Context, id string) (*Node, error) {
	node, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fleet: get node %s: %w", id, err)
	}
	if node == nil {
		return nil, ErrNodeNotFound
	}
	return node, nil
}

func (r *NodeRepository) List(ctx context.Context) ([]*Node, error) {
	return r.store.List(ctx)
}

func (r *NodeRepository) Register(ctx context.Context, node *Node) error {
	now := time.Now().UTC()
	node.RegisteredAt = now
	node.UpdatedAt = now
	if node.Status == "" {
		node.Status = NodeActive
	}
	if err := r.store.Insert(ctx, node); err != nil {
		return fmt.Errorf("fleet: insert node %s: %w", node.ID, err)
	}
	return nil
}

// Transition validates and applies a node status change, writing a
// NodeTransition audit row. Illegal transitions are rejected without
// mutating anything.
func (r *NodeRepository) Transition(ctx context.Context, id string, to NodeStatus, reason, triggeredBy string) (*Node, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ValidateTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	updated, err := r.store.Transition(ctx, id, to, reason, triggeredBy)
	if err != nil {
		return nil, fmt.Errorf("fleet: transition node %s: %w", id, err)
	}
	return updated, nil
}

func (r *NodeRepository) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return r.store.UpdateHeartbeat(ctx, id, at)
}

func (r *NodeRepository) UpdateRegistration(ctx context.Context, node *Node) error {
	node.UpdatedAt = time.Now().UTC()
	return r.store.UpdateRegistration(ctx, node)
}

func (r *NodeRepository) AddCapacityUsage(ctx context.Context, id string, deltaMB int64) error {
	node, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return r.store.UpdateCapacityUsage(ctx, id, node.UsedMB+deltaMB)
}

func (r *NodeRepository) History(ctx context.Context, nodeID string, limit int) ([]NodeTransition, error) {
	return r.store.History(ctx, nodeID, limit)
}

// --- in-memory store ---

type MemoryNodeStore struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	transitions []NodeTransition
}

func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{nodes: make(map[string]*Node)}
}

func (s *MemoryNodeStore) Get(ctx context.Context, id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryNodeStore) Insert(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *MemoryNodeStore) Transition(ctx context.Context, id string, to NodeStatus, reason, triggeredBy string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	from := n.Status
	if !ValidateTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now().UTC()
	n.Status = to
	n.UpdatedAt = now
	s.transitions = append(s.transitions, NodeTransition{
		ID: uuid.NewString(), Node: id, From: from, To: to,
		Reason: reason, TriggeredBy: triggeredBy, CreatedAt: now,
	})
	cp := *n
	return &cp, nil
}

func (s *MemoryNodeStore) UpdateRegistration(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.nodes[node.ID]
	if !ok {
		return ErrNodeNotFound
	}
	existing.Host = node.Host
	existing.CapacityMB = node.CapacityMB
	existing.AgentVersion = node.AgentVersion
	existing.UpdatedAt = node.UpdatedAt
	return nil
}

func (s *MemoryNodeStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	t := at
	n.LastHeartbeatAt = &t
	n.UpdatedAt = at
	return nil
}

func (s *MemoryNodeStore) UpdateCapacityUsage(ctx context.Context, id string, usedMB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	n.UsedMB = usedMB
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryNodeStore) List(ctx context.Context) ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryNodeStore) History(ctx context.Context, nodeID string, limit int) ([]NodeTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NodeTransition
	for i := len(s.transitions) - 1; i >= 0 && len(out) < limit; i-- {
		if s.transitions[i].Node == nodeID {
			out = append(out, s.transitions[i])
		}
	}
	return out, nil
}

// --- Postgres store ---

type PostgresNodeStore struct {
	db *sql.DB
}

func NewPostgresNodeStore(db *sql.DB) *PostgresNodeStore {
	return &PostgresNodeStore{db: db}
}

func (s *PostgresNodeStore) Get(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at
		FROM nodes WHERE id = $1`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fleet: scan node: %w", err)
	}
	return node, nil
}

func (s *PostgresNodeStore) Insert(ctx context.Context, node *Node) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, host, status, capacity_mb, used_mb, agent_version, registered_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		node.ID, node.Host, string(node.Status), node.CapacityMB, node.UsedMB,
		node.AgentVersion, node.RegisteredAt, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("fleet: insert node: %w", err)
	}
	return nil
}

func (s *PostgresNodeStore) Transition(ctx context.Context, id string, to NodeStatus, reason, triggeredBy string) (*Node, error) {
	var result *Node
	err := dbx.WithSerializableTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM nodes WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNodeNotFound
			}
			return err
		}
		if !ValidateTransition(NodeStatus(status), to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE nodes SET status=$2, updated_at=$3 WHERE id=$1`, id, string(to), now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO node_transitions (id, node, "from", "to", reason, triggered_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			uuid.NewString(), id, status, string(to), reason, triggeredBy, now); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at
			FROM nodes WHERE id = $1`, id)
		node, err := scanNode(row)
		if err != nil {
			return err
		}
		result = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresNodeStore) UpdateRegistration(ctx context.Context, node *Node) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET host=$2, capacity_mb=$3, agent_version=$4, updated_at=$5 WHERE id=$1`,
		node.ID, node.Host, node.CapacityMB, node.AgentVersion, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("fleet: update node registration: %w", err)
	}
	return nil
}

func (s *PostgresNodeStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET last_heartbeat_at=$2, updated_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("fleet: update heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresNodeStore) UpdateCapacityUsage(ctx context.Context, id string, usedMB int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET used_mb=$2, updated_at=now() WHERE id=$1`, id, usedMB)
	if err != nil {
		return fmt.Errorf("fleet: update capacity usage: %w", err)
	}
	return nil
}

func (s *PostgresNodeStore) List(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, status, capacity_mb, used_mb, agent_version, last_heartbeat_at, registered_at, updated_at
		FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("fleet: list nodes: %w", err)
	}
	defer rows.Close()
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresNodeStore) History(ctx context.Context, nodeID string, limit int) ([]NodeTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node, "from", "to", reason, triggered_by, created_at
		FROM node_transitions WHERE node = $1 ORDER BY created_at DESC LIMIT $2`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("fleet: node history: %w", err)
	}
	defer rows.Close()
	var out []NodeTransition
	for rows.Next() {
		var t NodeTransition
		var from, to string
		if err := rows.Scan(&t.ID, &t.Node, &from, &to, &t.Reason, &t.TriggeredBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.From, t.To = NodeStatus(from), NodeStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

type nodeScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row nodeScanner) (*Node, error) {
	var n Node
	var status string
	var agentVersion sql.NullString
	var lastHeartbeat sql.NullTime
	if err := row.Scan(&n.ID, &n.Host, &status, &n.CapacityMB, &n.UsedMB, &agentVersion, &lastHeartbeat, &n.RegisteredAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Status = NodeStatus(status)
	n.AgentVersion = agentVersion.String
	if lastHeartbeat.Valid {
		n.LastHeartbeatAt = &lastHeartbeat.Time
	}
	return &n, nil
}
