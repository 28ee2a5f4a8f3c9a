package auth

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store fake for tests.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (m *MemoryStore) Get(_ context.Context, keyID string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) Insert(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.KeyID] = &cp
	return nil
}

func (m *MemoryStore) Revoke(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[keyID]; ok {
		k.Revoked = true
	}
	return nil
}
