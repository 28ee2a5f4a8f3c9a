package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-network/wopr-platform-sub005/internal/dbx"
)

// TenantAssignment is one bot on the dead node awaiting recovery. Callers
// must pre-sort the slice by tier priority (enterprise > pro > starter >
// free) before calling TriggerRecovery — ordering is the caller's
// responsibility, not the orchestrator's.
type TenantAssignment struct {
	Tenant     string
	BotID      string
	RequiredMB int64
}

// TenantLister supplies the tenants assigned to a node.
type TenantLister interface {
	ListForNode(ctx context.Context, nodeID string) ([]TenantAssignment, error)
}

// BotProfileInfo is the subset of a BotProfile the orchestrator needs to
// recreate a bot on a new node.
type BotProfileInfo struct {
	Image string
	Env   map[string]string
}

// ProfileReader supplies image/env for a bot being recovered. Any error
// (including not-found) is treated as "profile missing": fall back to a
// default image and empty env, and warn.
type ProfileReader interface {
	Get(botID string) (*BotProfileInfo, error)
}

// RecoveryStore is the persistence boundary for RecoveryEvent/RecoveryItem
// rows.
type RecoveryStore interface {
	CreateEvent(ctx context.Context, ev *RecoveryEvent) error
	UpdateEvent(ctx context.Context, ev *RecoveryEvent) error
	GetEvent(ctx context.Context, id string) (*RecoveryEvent, error)
	CreateItem(ctx context.Context, item *RecoveryItem) error
	UpdateItem(ctx context.Context, item *RecoveryItem) error
	ListItems(ctx context.Context, eventID string) ([]*RecoveryItem, error)
	ListWaitingItems(ctx context.Context, eventID string) ([]*RecoveryItem, error)
	// CloseInProgressForNode implements the ConnectionManager's
	// RecoveryEventStore dependency too, so a single store satisfies both.
	CloseInProgressForNode(ctx context.Context, nodeID string) error
}

const defaultRecoveryImage = "ghcr.io/wopr-network/default-bot:latest"

// RecoveryOrchestrator moves tenants off a dead node onto healthy targets.
type RecoveryOrchestrator struct {
	nodes     *NodeRepository
	instances *InstanceRepository
	bus       *CommandBus
	store     RecoveryStore
	profiles  ProfileReader
	logger    *log.Logger

	// NotifyComplete is called after a recovery event finalizes, and
	// NotifyCapacityOverflow when any item lands in waiting. Both optional.
	NotifyComplete         func(ctx context.Context, event *RecoveryEvent)
	NotifyCapacityOverflow func(ctx context.Context, nodeID string, waitingCount int)
}

func NewRecoveryOrchestrator(nodes *NodeRepository, instances *InstanceRepository, bus *CommandBus, store RecoveryStore, profiles ProfileReader) *RecoveryOrchestrator {
	return &RecoveryOrchestrator{
		nodes:     nodes,
		instances: instances,
		bus:       bus,
		store:     store,
		profiles:  profiles,
		logger:    log.New(os.Stderr, "[RecoveryOrchestrator] ", log.LstdFlags),
	}
}

// TriggerRecovery moves every tenant off deadNode onto healthy targets and
// records the outcome as a recovery event.
func (o *RecoveryOrchestrator) TriggerRecovery(ctx context.Context, deadNode string, trigger RecoveryTrigger, tenants TenantLister) (*RecoveryEvent, error) {
	// Step 1: two-hop transition through the state machine. The watchdog has
	// usually demoted the node to offline already before invoking the
	// recovery callback, in which case only the second hop remains; a manual
	// trigger against a still-unhealthy node takes both.
	reason := "heartbeat_timeout"
	if trigger == TriggerManual {
		reason = "manual_recovery"
	}
	node, err := o.nodes.Get(ctx, deadNode)
	if err != nil {
		return nil, fmt.Errorf("fleet: recovery step1: %w", err)
	}
	if node.Status != NodeOffline {
		if _, err := o.nodes.Transition(ctx, deadNode, NodeOffline, reason, "recovery-orchestrator"); err != nil {
			return nil, fmt.Errorf("fleet: recovery step1 offline: %w", err)
		}
	}
	if _, err := o.nodes.Transition(ctx, deadNode, NodeRecovering, reason, "recovery-orchestrator"); err != nil {
		return nil, fmt.Errorf("fleet: recovery step1 recovering: %w", err)
	}

	// Step 2: fetch pre-sorted tenant assignments.
	assignments, err := tenants.ListForNode(ctx, deadNode)
	if err != nil {
		o.rollbackToOffline(ctx, deadNode)
		return nil, fmt.Errorf("fleet: recovery step2 list tenants: %w", err)
	}

	// Step 3: open the event.
	event := &RecoveryEvent{
		ID:           uuid.NewString(),
		Node:         deadNode,
		Trigger:      trigger,
		Status:       RecoveryInProgress,
		TenantsTotal: len(assignments),
		StartedAt:    time.Now().UTC(),
	}
	if err := o.store.CreateEvent(ctx, event); err != nil {
		o.rollbackToOffline(ctx, deadNode)
		return nil, fmt.Errorf("fleet: recovery step3 create event: %w", err)
	}

	// Step 4: recover each tenant in order.
	for _, a := range assignments {
		o.recoverTenant(ctx, event, deadNode, a)
	}

	// Step 5: recovering -> offline.
	if _, err := o.nodes.Transition(ctx, deadNode, NodeOffline, "recovery_complete", "recovery-orchestrator"); err != nil {
		o.logger.Printf("node %s: step5 transition to offline: %v", deadNode, err)
	}

	// Step 6: finalize.
	o.finalize(ctx, event)

	// Step 7: notify.
	if o.NotifyComplete != nil {
		o.NotifyComplete(ctx, event)
	}
	if event.TenantsWaiting > 0 && o.NotifyCapacityOverflow != nil {
		o.NotifyCapacityOverflow(ctx, deadNode, event.TenantsWaiting)
	}

	return event, nil
}

func (o *RecoveryOrchestrator) rollbackToOffline(ctx context.Context, nodeID string) {
	if _, err := o.nodes.Transition(ctx, nodeID, NodeOffline, "recovery_setup_failed", "recovery-orchestrator"); err != nil {
		o.logger.Printf("node %s: rollback to offline failed: %v", nodeID, err)
	}
}

// recoverTenant replays a single assignment onto the best available target.
func (o *RecoveryOrchestrator) recoverTenant(ctx context.Context, event *RecoveryEvent, deadNode string, a TenantAssignment) {
	item := &RecoveryItem{
		ID:         uuid.NewString(),
		Event:      event.ID,
		Tenant:     a.Tenant,
		BotID:      a.BotID,
		SourceNode: deadNode,
		StartedAt:  time.Now().UTC(),
	}

	targetID, ok := o.findBestTarget(ctx, deadNode, a.RequiredMB)
	if !ok {
		item.Status = ItemWaiting
		item.Reason = "no_capacity"
		o.saveItem(ctx, item)
		event.TenantsWaiting++
		return
	}
	item.TargetNode = targetID

	if _, err := o.bus.Send(ctx, targetID, CommandBackupDownload, map[string]interface{}{"botId": a.BotID}); err != nil {
		o.failItem(ctx, event, item, fmt.Sprintf("backup.download: %v", err))
		return
	}

	image, env := o.resolveProfile(a.BotID)

	if _, err := o.bus.Send(ctx, targetID, CommandBotImport, map[string]interface{}{"botId": a.BotID, "image": image, "env": env}); err != nil {
		o.failItem(ctx, event, item, fmt.Sprintf("bot.import: %v", err))
		return
	}

	if _, err := o.bus.Send(ctx, targetID, CommandBotInspect, map[string]interface{}{"botId": a.BotID}); err != nil {
		o.compensate(ctx, targetID, a.BotID)
		o.failItem(ctx, event, item, fmt.Sprintf("bot.inspect: %v", err))
		return
	}

	if err := o.instances.Reassign(ctx, a.BotID, targetID); err != nil {
		o.compensate(ctx, targetID, a.BotID)
		o.failItem(ctx, event, item, fmt.Sprintf("reassign: %v", err))
		return
	}
	if err := o.nodes.AddCapacityUsage(ctx, targetID, a.RequiredMB); err != nil {
		o.logger.Printf("bot %s: add capacity usage on %s: %v", a.BotID, targetID, err)
	}

	item.Status = ItemRecovered
	now := time.Now().UTC()
	item.CompletedAt = &now
	o.saveItem(ctx, item)
	event.TenantsRecovered++
}

func (o *RecoveryOrchestrator) resolveProfile(botID string) (string, map[string]string) {
	if o.profiles == nil {
		return defaultRecoveryImage, map[string]string{}
	}
	info, err := o.profiles.Get(botID)
	if err != nil || info == nil {
		o.logger.Printf("bot %s: profile missing, using default image: %v", botID, err)
		return defaultRecoveryImage, map[string]string{}
	}
	return info.Image, info.Env
}

func (o *RecoveryOrchestrator) findBestTarget(ctx context.Context, excludeNode string, requiredMB int64) (string, bool) {
	nodes, err := o.nodes.List(ctx)
	if err != nil {
		o.logger.Printf("list nodes for placement: %v", err)
		return "", false
	}
	var eligible []*Node
	for _, n := range nodes {
		if n.ID == excludeNode {
			continue
		}
		eligible = append(eligible, n)
	}
	return FindPlacement(eligible, requiredMB)
}

// compensate issues a best-effort bot.remove after a failure following a
// successful bot.import; errors are logged, never re-raised.
func (o *RecoveryOrchestrator) compensate(ctx context.Context, targetID, botID string) {
	if _, err := o.bus.Send(ctx, targetID, CommandBotRemove, map[string]interface{}{"botId": botID}); err != nil {
		o.logger.Printf("compensating bot.remove for %s on %s failed: %v", botID, targetID, err)
	}
}

func (o *RecoveryOrchestrator) failItem(ctx context.Context, event *RecoveryEvent, item *RecoveryItem, reason string) {
	item.Status = ItemFailed
	item.Reason = reason
	now := time.Now().UTC()
	item.CompletedAt = &now
	o.saveItem(ctx, item)
	event.TenantsFailed++
}

func (o *RecoveryOrchestrator) saveItem(ctx context.Context, item *RecoveryItem) {
	if err := o.store.CreateItem(ctx, item); err != nil {
		o.logger.Printf("save recovery item %s: %v", item.ID, err)
	}
}

// finalize settles the event's terminal status: partial while anything is
// still waiting, failed when nothing recovered and something failed, else
// completed.
func (o *RecoveryOrchestrator) finalize(ctx context.Context, event *RecoveryEvent) {
	switch {
	case event.TenantsWaiting > 0:
		event.Status = RecoveryPartial
	case event.TenantsRecovered == 0 && event.TenantsFailed > 0:
		event.Status = RecoveryFailed
	default:
		event.Status = RecoveryCompleted
	}
	now := time.Now().UTC()
	event.CompletedAt = &now
	if err := o.store.UpdateEvent(ctx, event); err != nil {
		o.logger.Printf("finalize recovery event %s: %v", event.ID, err)
	}
}

// RetryWaiting re-runs step 4 for every item still waiting on eventID.
func (o *RecoveryOrchestrator) RetryWaiting(ctx context.Context, eventID string, requiredMB func(botID string) int64) error {
	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("fleet: retry waiting: get event %s: %w", eventID, err)
	}
	if event == nil {
		return fmt.Errorf("fleet: retry waiting: event %s not found", eventID)
	}

	items, err := o.store.ListWaitingItems(ctx, eventID)
	if err != nil {
		return fmt.Errorf("fleet: retry waiting: list items: %w", err)
	}

	for _, item := range items {
		targetID, ok := o.findBestTarget(ctx, event.Node, requiredMB(item.BotID))
		if !ok {
			item.RetryCount++
			if err := o.store.UpdateItem(ctx, item); err != nil {
				o.logger.Printf("retry waiting: update item %s: %v", item.ID, err)
			}
			continue
		}

		assignment := TenantAssignment{Tenant: item.Tenant, BotID: item.BotID, RequiredMB: requiredMB(item.BotID)}
		fresh := &RecoveryItem{ID: item.ID, Event: event.ID, Tenant: item.Tenant, BotID: item.BotID, SourceNode: event.Node, StartedAt: item.StartedAt, RetryCount: item.RetryCount}
		o.recoverTenantInto(ctx, event, targetID, assignment, fresh)
		if err := o.store.UpdateItem(ctx, fresh); err != nil {
			o.logger.Printf("retry waiting: update item %s: %v", fresh.ID, err)
		}

		event.TenantsWaiting--
		switch fresh.Status {
		case ItemRecovered:
			event.TenantsRecovered++
		case ItemFailed:
			event.TenantsFailed++
		}
	}

	// No items left waiting means the event can settle into its terminal
	// status.
	if event.TenantsWaiting == 0 && event.Status == RecoveryPartial {
		o.finalize(ctx, event)
		return nil
	}
	return o.store.UpdateEvent(ctx, event)
}

// recoverTenantInto runs the recovery steps against an already-chosen target,
// used by RetryWaiting where findBestTarget has already succeeded.
func (o *RecoveryOrchestrator) recoverTenantInto(ctx context.Context, event *RecoveryEvent, targetID string, a TenantAssignment, item *RecoveryItem) {
	item.TargetNode = targetID

	if _, err := o.bus.Send(ctx, targetID, CommandBackupDownload, map[string]interface{}{"botId": a.BotID}); err != nil {
		item.Status, item.Reason = ItemFailed, err.Error()
		return
	}
	image, env := o.resolveProfile(a.BotID)
	if _, err := o.bus.Send(ctx, targetID, CommandBotImport, map[string]interface{}{"botId": a.BotID, "image": image, "env": env}); err != nil {
		item.Status, item.Reason = ItemFailed, err.Error()
		return
	}
	if _, err := o.bus.Send(ctx, targetID, CommandBotInspect, map[string]interface{}{"botId": a.BotID}); err != nil {
		o.compensate(ctx, targetID, a.BotID)
		item.Status, item.Reason = ItemFailed, err.Error()
		return
	}
	if err := o.instances.Reassign(ctx, a.BotID, targetID); err != nil {
		o.compensate(ctx, targetID, a.BotID)
		item.Status, item.Reason = ItemFailed, err.Error()
		return
	}
	_ = o.nodes.AddCapacityUsage(ctx, targetID, a.RequiredMB)
	item.Status = ItemRecovered
	now := time.Now().UTC()
	item.CompletedAt = &now
}

// --- in-memory store ---

type MemoryRecoveryStore struct {
	mu     sync.Mutex
	events map[string]*RecoveryEvent
	items  map[string]*RecoveryItem
}

func NewMemoryRecoveryStore() *MemoryRecoveryStore {
	return &MemoryRecoveryStore{events: make(map[string]*RecoveryEvent), items: make(map[string]*RecoveryItem)}
}

func (s *MemoryRecoveryStore) CreateEvent(ctx context.Context, ev *RecoveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryRecoveryStore) UpdateEvent(ctx context.Context, ev *RecoveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryRecoveryStore) GetEvent(ctx context.Context, id string) (*RecoveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryRecoveryStore) CreateItem(ctx context.Context, item *RecoveryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryRecoveryStore) UpdateItem(ctx context.Context, item *RecoveryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryRecoveryStore) ListItems(ctx context.Context, eventID string) ([]*RecoveryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RecoveryItem
	for _, it := range s.items {
		if it.Event == eventID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryRecoveryStore) ListWaitingItems(ctx context.Context, eventID string) ([]*RecoveryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RecoveryItem
	for _, it := range s.items {
		if it.Event == eventID && it.Status == ItemWaiting {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryRecoveryStore) CloseInProgressForNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, ev := range s.events {
		if ev.Node == nodeID && ev.Status == RecoveryInProgress {
			ev.Status = RecoveryCompleted
			ev.CompletedAt = &now
		}
	}
	return nil
}

// --- Postgres store ---

type PostgresRecoveryStore struct {
	db *sql.DB
}

func NewPostgresRecoveryStore(db *sql.DB) *PostgresRecoveryStore {
	return &PostgresRecoveryStore{db: db}
}

func (s *PostgresRecoveryStore) CreateEvent(ctx context.Context, ev *RecoveryEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_events
			(id, node, "trigger", status, tenants_total, tenants_recovered, tenants_failed,
			 tenants_waiting, started_at, completed_at, report)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.ID, ev.Node, string(ev.Trigger), string(ev.Status), ev.TenantsTotal,
		ev.TenantsRecovered, ev.TenantsFailed, ev.TenantsWaiting, ev.StartedAt,
		ev.CompletedAt, ev.Report)
	if err != nil {
		return fmt.Errorf("fleet: insert recovery event: %w", err)
	}
	return nil
}

func (s *PostgresRecoveryStore) UpdateEvent(ctx context.Context, ev *RecoveryEvent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_events SET
			status=$2, tenants_total=$3, tenants_recovered=$4, tenants_failed=$5,
			tenants_waiting=$6, completed_at=$7, report=$8
		WHERE id = $1`,
		ev.ID, string(ev.Status), ev.TenantsTotal, ev.TenantsRecovered,
		ev.TenantsFailed, ev.TenantsWaiting, ev.CompletedAt, ev.Report)
	if err != nil {
		return fmt.Errorf("fleet: update recovery event: %w", err)
	}
	return nil
}

func (s *PostgresRecoveryStore) GetEvent(ctx context.Context, id string) (*RecoveryEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node, "trigger", status, tenants_total, tenants_recovered, tenants_failed,
		       tenants_waiting, started_at, completed_at, report
		FROM recovery_events WHERE id = $1`, id)
	ev, err := scanRecoveryEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fleet: scan recovery event: %w", err)
	}
	return ev, nil
}

func (s *PostgresRecoveryStore) CreateItem(ctx context.Context, item *RecoveryItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_items
			(id, event, tenant, bot_id, source_node, target_node, backup_key, status,
			 reason, retry_count, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			target_node = EXCLUDED.target_node,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			retry_count = EXCLUDED.retry_count,
			completed_at = EXCLUDED.completed_at`,
		item.ID, item.Event, item.Tenant, item.BotID, item.SourceNode, item.TargetNode,
		item.BackupKey, string(item.Status), item.Reason, item.RetryCount,
		item.StartedAt, item.CompletedAt)
	if err != nil {
		return fmt.Errorf("fleet: insert recovery item: %w", err)
	}
	return nil
}

func (s *PostgresRecoveryStore) UpdateItem(ctx context.Context, item *RecoveryItem) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_items SET
			target_node=NULLIF($2,''), status=$3, reason=$4, retry_count=$5, completed_at=$6
		WHERE id = $1`,
		item.ID, item.TargetNode, string(item.Status), item.Reason, item.RetryCount,
		item.CompletedAt)
	if err != nil {
		return fmt.Errorf("fleet: update recovery item: %w", err)
	}
	return nil
}

func (s *PostgresRecoveryStore) ListItems(ctx context.Context, eventID string) ([]*RecoveryItem, error) {
	return s.queryItems(ctx, `WHERE event = $1`, eventID)
}

func (s *PostgresRecoveryStore) ListWaitingItems(ctx context.Context, eventID string) ([]*RecoveryItem, error) {
	return s.queryItems(ctx, `WHERE event = $1 AND status = 'waiting'`, eventID)
}

func (s *PostgresRecoveryStore) queryItems(ctx context.Context, whereClause, eventID string) ([]*RecoveryItem, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, event, tenant, bot_id, source_node, target_node, backup_key, status,
		       reason, retry_count, started_at, completed_at
		FROM recovery_items %s ORDER BY started_at`, whereClause), eventID)
	if err != nil {
		return nil, fmt.Errorf("fleet: query recovery items: %w", err)
	}
	defer rows.Close()

	var out []*RecoveryItem
	for rows.Next() {
		item, err := scanRecoveryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("fleet: scan recovery item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CloseInProgressForNode contends with the orchestrator's finalize on the
// same rows, so it runs under a serializable transaction with the rows
// locked for the duration.
func (s *PostgresRecoveryStore) CloseInProgressForNode(ctx context.Context, nodeID string) error {
	return dbx.WithSerializableTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM recovery_events
			WHERE node = $1 AND status = 'in_progress' FOR UPDATE`, nodeID)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE recovery_events SET status = 'completed', completed_at = $2
				WHERE id = $1`, id, now); err != nil {
				return err
			}
		}
		return nil
	})
}

type recoveryScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecoveryEvent(row recoveryScanner) (*RecoveryEvent, error) {
	var ev RecoveryEvent
	var trigger, status string
	var completedAt sql.NullTime
	var report sql.NullString
	if err := row.Scan(&ev.ID, &ev.Node, &trigger, &status, &ev.TenantsTotal,
		&ev.TenantsRecovered, &ev.TenantsFailed, &ev.TenantsWaiting, &ev.StartedAt,
		&completedAt, &report); err != nil {
		return nil, err
	}
	ev.Trigger = RecoveryTrigger(trigger)
	ev.Status = RecoveryStatus(status)
	ev.Report = report.String
	if completedAt.Valid {
		ev.CompletedAt = &completedAt.Time
	}
	return &ev, nil
}

func scanRecoveryItem(row recoveryScanner) (*RecoveryItem, error) {
	var item RecoveryItem
	var status string
	var targetNode, backupKey, reason sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.Event, &item.Tenant, &item.BotID, &item.SourceNode,
		&targetNode, &backupKey, &status, &reason, &item.RetryCount, &item.StartedAt,
		&completedAt); err != nil {
		return nil, err
	}
	item.TargetNode = targetNode.String
	item.BackupKey = backupKey.String
	item.Status = ItemStatus(status)
	item.Reason = reason.String
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	return &item, nil
}
