package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// InstanceStore is the persistence boundary for BotInstance rows.
type InstanceStore interface {
	Get(ctx context.Context, id string) (*BotInstance, error)
	Insert(ctx context.Context, inst *BotInstance) error
	Update(ctx context.Context, inst *BotInstance) error
	ListByNode(ctx context.Context, nodeID string) ([]*BotInstance, error)
	ListByTenant(ctx context.Context, tenant string) ([]*BotInstance, error)
}

// InstanceRepository owns placement + billing state per bot. There is
// deliberately no foreign key to users — deleting a user record never
// cascades into bots.
type InstanceRepository struct {
	store           InstanceStore
	retentionWindow time.Duration
}

func NewInstanceRepository(store InstanceStore, retentionWindow time.Duration) *InstanceRepository {
	return &InstanceRepository{store: store, retentionWindow: retentionWindow}
}

func (r *InstanceRepository) Get(ctx context.Context, id string) (*BotInstance, error) {
	inst, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fleet: get bot instance %s: %w", id, err)
	}
	if inst == nil {
		return nil, ErrBotInstanceNotFound
	}
	return inst, nil
}

func (r *InstanceRepository) Create(ctx context.Context, inst *BotInstance) error {
	now := time.Now().UTC()
	inst.BillingState = BillingActive
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if err := r.store.Insert(ctx, inst); err != nil {
		return fmt.Errorf("fleet: create bot instance %s: %w", inst.ID, err)
	}
	return nil
}

// Reassign moves a bot's node reservation, e.g. during recovery.
func (r *InstanceRepository) Reassign(ctx context.Context, id, nodeID string) error {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	inst.NodeID = nodeID
	inst.UpdatedAt = time.Now().UTC()
	return r.save(ctx, inst)
}

// SetBillingState applies the suspend/reactivate timestamp rules atomically
// with the state change: suspension stamps suspended_at and schedules
// destroy_after; reactivation clears both.
func (r *InstanceRepository) SetBillingState(ctx context.Context, id string, state BillingState) error {
	inst, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	switch state {
	case BillingSuspended:
		inst.SuspendedAt = &now
		destroyAfter := now.Add(r.retentionWindow)
		inst.DestroyAfter = &destroyAfter
	case BillingActive:
		inst.SuspendedAt = nil
		inst.DestroyAfter = nil
	}
	inst.BillingState = state
	inst.UpdatedAt = now
	return r.save(ctx, inst)
}

func (r *InstanceRepository) ListByNode(ctx context.Context, nodeID string) ([]*BotInstance, error) {
	return r.store.ListByNode(ctx, nodeID)
}

func (r *InstanceRepository) ListByTenant(ctx context.Context, tenant string) ([]*BotInstance, error) {
	return r.store.ListByTenant(ctx, tenant)
}

// SuspendAllBotsForTenant implements the tenant.BotSuspender interface
// consumed by the tenant status store on every transition into
// suspended/banned.
func (r *InstanceRepository) SuspendAllBotsForTenant(ctx context.Context, tenant string) ([]string, error) {
	bots, err := r.ListByTenant(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("fleet: list bots for tenant %s: %w", tenant, err)
	}
	var suspended []string
	for _, bot := range bots {
		if bot.BillingState == BillingDestroyed {
			continue
		}
		if err := r.SetBillingState(ctx, bot.ID, BillingSuspended); err != nil {
			return nil, fmt.Errorf("fleet: suspend bot %s: %w", bot.ID, err)
		}
		suspended = append(suspended, bot.ID)
	}
	return suspended, nil
}

func (r *InstanceRepository) save(ctx context.Context, inst *BotInstance) error {
	if err := r.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("fleet: update bot instance %s: %w", inst.ID, err)
	}
	return nil
}

// --- in-memory store (tests, and a process-local fallback) ---

type MemoryInstanceStore struct {
	mu   sync.Mutex
	byID map[string]*BotInstance
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{byID: make(map[string]*BotInstance)}
}

func (s *MemoryInstanceStore) Get(ctx context.Context, id string) (*BotInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryInstanceStore) Insert(ctx context.Context, inst *BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.byID[inst.ID] = &cp
	return nil
}

func (s *MemoryInstanceStore) Update(ctx context.Context, inst *BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[inst.ID]; !ok {
		return ErrBotInstanceNotFound
	}
	cp := *inst
	s.byID[inst.ID] = &cp
	return nil
}

func (s *MemoryInstanceStore) ListByNode(ctx context.Context, nodeID string) ([]*BotInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*BotInstance
	for _, inst := range s.byID {
		if inst.NodeID == nodeID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryInstanceStore) ListByTenant(ctx context.Context, tenant string) ([]*BotInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*BotInstance
	for _, inst := range s.byID {
		if inst.Tenant == tenant {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Postgres store ---

type PostgresInstanceStore struct {
	db *sql.DB
}

func NewPostgresInstanceStore(db *sql.DB) *PostgresInstanceStore {
	return &PostgresInstanceStore{db: db}
}

func (s *PostgresInstanceStore) Get(ctx context.Context, id string) (*BotInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, name, node_id, billing_state, suspended_at, destroy_after,
		       resource_tier, storage_tier, created_by_user_id, created_at, updated_at
		FROM bot_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fleet: scan bot instance: %w", err)
	}
	return inst, nil
}

func (s *PostgresInstanceStore) Insert(ctx context.Context, inst *BotInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_instances
			(id, tenant, name, node_id, billing_state, suspended_at, destroy_after,
			 resource_tier, storage_tier, created_by_user_id, created_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)`,
		inst.ID, inst.Tenant, inst.Name, inst.NodeID, string(inst.BillingState),
		inst.SuspendedAt, inst.DestroyAfter, inst.ResourceTier, inst.StorageTier,
		inst.CreatedByUserID, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("fleet: insert bot instance: %w", err)
	}
	return nil
}

func (s *PostgresInstanceStore) Update(ctx context.Context, inst *BotInstance) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_instances SET
			name=$2, node_id=NULLIF($3,''), billing_state=$4, suspended_at=$5,
			destroy_after=$6, resource_tier=$7, storage_tier=$8, updated_at=$9
		WHERE id = $1`,
		inst.ID, inst.Name, inst.NodeID, string(inst.BillingState),
		inst.SuspendedAt, inst.DestroyAfter, inst.ResourceTier, inst.StorageTier, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("fleet: update bot instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBotInstanceNotFound
	}
	return nil
}

func (s *PostgresInstanceStore) ListByNode(ctx context.Context, nodeID string) ([]*BotInstance, error) {
	return s.query(ctx, `WHERE node_id = $1`, nodeID)
}

func (s *PostgresInstanceStore) ListByTenant(ctx context.Context, tenant string) ([]*BotInstance, error) {
	return s.query(ctx, `WHERE tenant = $1`, tenant)
}

func (s *PostgresInstanceStore) query(ctx context.Context, whereClause string, arg string) ([]*BotInstance, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant, name, node_id, billing_state, suspended_at, destroy_after,
		       resource_tier, storage_tier, created_by_user_id, created_at, updated_at
		FROM bot_instances %s`, whereClause), arg)
	if err != nil {
		return nil, fmt.Errorf("fleet: query bot instances: %w", err)
	}
	defer rows.Close()

	var out []*BotInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("fleet: scan bot instance row: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type instanceScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row instanceScanner) (*BotInstance, error) {
	var inst BotInstance
	var nodeID, resourceTier, storageTier, createdBy sql.NullString
	var billingState string
	if err := row.Scan(&inst.ID, &inst.Tenant, &inst.Name, &nodeID, &billingState,
		&inst.SuspendedAt, &inst.DestroyAfter, &resourceTier, &storageTier, &createdBy,
		&inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.NodeID = nodeID.String
	inst.BillingState = BillingState(billingState)
	inst.ResourceTier = resourceTier.String
	inst.StorageTier = storageTier.String
	inst.CreatedByUserID = createdBy.String
	return &inst, nil
}
