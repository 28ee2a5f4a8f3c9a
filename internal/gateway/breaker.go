// Package gateway implements the metered inference gateway: the per-tenant
// proxy with pre-flight credit and cap checks, the windowed spend
// aggregator, and the per-instance circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BreakerConfig holds the circuit breaker tunables.
type BreakerConfig struct {
	MaxRequestsPerWindow int
	WindowMs             int
	PauseDurationMs      int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxRequestsPerWindow: 100, WindowMs: 10_000, PauseDurationMs: 300_000}
}

// CircuitState is one instance's stored window counter and trip marker.
type CircuitState struct {
	InstanceID  string
	Count       int64
	WindowStart time.Time
	TrippedAt   *time.Time
}

// BreakerStore implements the breaker's three primitives. Each must be
// atomic against concurrent callers for the same instance id.
type BreakerStore interface {
	// IncrementOrReset resets count to 1 if now-windowStart >= windowMs,
	// else increments; returns the post-operation count.
	IncrementOrReset(ctx context.Context, instanceID string, windowMs int64, now time.Time) (count int64, err error)
	Trip(ctx context.Context, instanceID string, now time.Time) error
	Reset(ctx context.Context, instanceID string) error
	Get(ctx context.Context, instanceID string) (*CircuitState, error)
}

// OnTripFunc fires exactly once per trip episode.
type OnTripFunc func(tenant, instanceID string, count int64)

// TripResult is returned when the breaker blocks a request.
type TripResult struct {
	RetryAfterSec int
	PausedUntil   time.Time
	RemainingMs   int64
}

var ErrTripped = errors.New("gateway: circuit breaker tripped")

// Breaker is a per-instance (falling back to tenant) token-window limiter
// with auto-reset after the pause duration.
type Breaker struct {
	store   BreakerStore
	cfg     BreakerConfig
	onTrip  OnTripFunc
	logger  *log.Logger
	clock   func() time.Time

	mu      sync.Mutex
	tripped map[string]bool // local cache of "already fired onTrip for this trip episode"
}

func NewBreaker(store BreakerStore, cfg BreakerConfig, onTrip OnTripFunc) *Breaker {
	return &Breaker{
		store:   store,
		cfg:     cfg,
		onTrip:  onTrip,
		logger:  log.New(os.Stderr, "[CircuitBreaker] ", log.LstdFlags),
		clock:   time.Now,
		tripped: make(map[string]bool),
	}
}

// key picks instance_id, falling back to tenant.
func key(tenant, instanceID string) string {
	if instanceID != "" {
		return instanceID
	}
	return tenant
}

// Allow runs the per-request breaker logic. A nil return with no error
// means the request may proceed; a non-nil *TripResult means it must be
// rejected with 429.
func (b *Breaker) Allow(ctx context.Context, tenant, instanceID string) (*TripResult, error) {
	id := key(tenant, instanceID)
	now := b.clock()

	state, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("gateway: get circuit state %s: %w", id, err)
	}

	pauseDuration := time.Duration(b.cfg.PauseDurationMs) * time.Millisecond
	if state != nil && state.TrippedAt != nil {
		elapsed := now.Sub(*state.TrippedAt)
		if elapsed < pauseDuration {
			remaining := pauseDuration - elapsed
			return &TripResult{
				RetryAfterSec: int(remaining.Seconds()) + 1,
				PausedUntil:   state.TrippedAt.Add(pauseDuration),
				RemainingMs:   remaining.Milliseconds(),
			}, nil
		}
		// Cooldown elapsed: clear the trip before continuing.
		if err := b.store.Reset(ctx, id); err != nil {
			return nil, fmt.Errorf("gateway: reset circuit state %s: %w", id, err)
		}
		b.mu.Lock()
		delete(b.tripped, id)
		b.mu.Unlock()
	}

	count, err := b.store.IncrementOrReset(ctx, id, int64(b.cfg.WindowMs), now)
	if err != nil {
		return nil, fmt.Errorf("gateway: increment circuit count %s: %w", id, err)
	}

	if count > int64(b.cfg.MaxRequestsPerWindow) {
		if err := b.store.Trip(ctx, id, now); err != nil {
			return nil, fmt.Errorf("gateway: trip circuit %s: %w", id, err)
		}
		b.mu.Lock()
		alreadyFired := b.tripped[id]
		b.tripped[id] = true
		b.mu.Unlock()
		if !alreadyFired && b.onTrip != nil {
			b.onTrip(tenant, instanceID, count)
		}
		return &TripResult{
			RetryAfterSec: b.cfg.PauseDurationMs / 1000,
			PausedUntil:   now.Add(pauseDuration),
		}, nil
	}

	return nil, nil
}

// --- in-memory store (tests) ---

type memoryBreakerState struct {
	count       int64
	windowStart time.Time
	trippedAt   *time.Time
}

// MemoryBreakerStore is an in-process BreakerStore fake. Not safe for use
// across multiple processes; production uses RedisBreakerStore.
type MemoryBreakerStore struct {
	mu     sync.Mutex
	states map[string]*memoryBreakerState
}

func NewMemoryBreakerStore() *MemoryBreakerStore {
	return &MemoryBreakerStore{states: make(map[string]*memoryBreakerState)}
}

func (s *MemoryBreakerStore) IncrementOrReset(_ context.Context, id string, windowMs int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok || now.Sub(st.windowStart) >= time.Duration(windowMs)*time.Millisecond {
		st = &memoryBreakerState{count: 1, windowStart: now}
		s.states[id] = st
		return 1, nil
	}
	st.count++
	return st.count, nil
}

func (s *MemoryBreakerStore) Trip(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &memoryBreakerState{windowStart: now}
		s.states[id] = st
	}
	t := now
	st.trippedAt = &t
	return nil
}

func (s *MemoryBreakerStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func (s *MemoryBreakerStore) Get(_ context.Context, id string) (*CircuitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	return &CircuitState{InstanceID: id, Count: st.count, WindowStart: st.windowStart, TrippedAt: st.trippedAt}, nil
}

// --- Redis-backed store (production) ---

// incrementOrResetScript runs the window increment-or-reset as a single
// Lua script so two concurrent callers for the same instance_id never both
// observe the same pre-increment count.
var incrementOrResetScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])

local window_start = redis.call("HGET", key, "window_start")
local count

if window_start == false or (now_ms - tonumber(window_start)) >= window_ms then
	redis.call("HSET", key, "window_start", now_ms, "count", 1)
	count = 1
else
	count = redis.call("HINCRBY", key, "count", 1)
end

return count
`)

var tripScript = redis.NewScript(`
redis.call("HSET", KEYS[1], "tripped_at", ARGV[1])
return 1
`)

// RedisBreakerStore backs the circuit breaker's atomic primitives with Redis
// hashes + Lua scripts, so the state is shared across gateway instances.
type RedisBreakerStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisBreakerStore(client *redis.Client, keyPrefix string) *RedisBreakerStore {
	if keyPrefix == "" {
		keyPrefix = "wopr:circuit:"
	}
	return &RedisBreakerStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisBreakerStore) hashKey(id string) string {
	return s.keyPrefix + id
}

func (s *RedisBreakerStore) IncrementOrReset(ctx context.Context, id string, windowMs int64, now time.Time) (int64, error) {
	res, err := incrementOrResetScript.Run(ctx, s.client, []string{s.hashKey(id)}, windowMs, now.UnixMilli()).Result()
	if err != nil {
		return 0, fmt.Errorf("gateway: redis incrementOrReset: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("gateway: unexpected incrementOrReset result type %T", res)
	}
	return count, nil
}

func (s *RedisBreakerStore) Trip(ctx context.Context, id string, now time.Time) error {
	if _, err := tripScript.Run(ctx, s.client, []string{s.hashKey(id)}, now.UnixMilli()).Result(); err != nil {
		return fmt.Errorf("gateway: redis trip: %w", err)
	}
	return nil
}

func (s *RedisBreakerStore) Reset(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.hashKey(id)).Err(); err != nil {
		return fmt.Errorf("gateway: redis reset: %w", err)
	}
	return nil
}

func (s *RedisBreakerStore) Get(ctx context.Context, id string) (*CircuitState, error) {
	vals, err := s.client.HGetAll(ctx, s.hashKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("gateway: redis get circuit state: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	state := &CircuitState{InstanceID: id}
	if v, ok := vals["count"]; ok {
		fmt.Sscanf(v, "%d", &state.Count)
	}
	if v, ok := vals["window_start"]; ok {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		state.WindowStart = time.UnixMilli(ms)
	}
	if v, ok := vals["tripped_at"]; ok && v != "" {
		var ms int64
		fmt.Sscanf(v, "%d", &ms)
		t := time.UnixMilli(ms)
		state.TrippedAt = &t
	}
	return state, nil
}
