package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps durable registrations for the lifetime of the process.
// It backs the bridge when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	durables map[string]*DurableSubscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{durables: make(map[string]*DurableSubscription)}
}

func (ms *MemoryStore) GetDurable(_ context.Context, clientID, name string) (*DurableSubscription, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	sub, ok := ms.durables[DurableKey(clientID, name)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", clientID, name, ErrDurableNotFound)
	}
	c := *sub
	return &c, nil
}

func (ms *MemoryStore) SaveDurable(_ context.Context, sub *DurableSubscription) error {
	if sub.ClientID == "" {
		return ErrClientIDEmpty
	}
	c := *sub
	ms.mu.Lock()
	ms.durables[sub.Key()] = &c
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) DeleteDurable(_ context.Context, clientID, name string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	delete(ms.durables, DurableKey(clientID, name))
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) ListDurables(_ context.Context) ([]*DurableSubscription, error) {
	ms.mu.RLock()
	result := make([]*DurableSubscription, 0, len(ms.durables))
	for _, sub := range ms.durables {
		c := *sub
		result = append(result, &c)
	}
	ms.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result, nil
}
