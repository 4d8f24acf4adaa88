// Package subscription tracks which strategy wants events from which
// contract and topic. The manager's matching path is O(subscribers for
// one target), backed by a pluggable store keyed on (address, topic).
package subscription

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key identifies one subscription target. Addresses are byte values, so
// two hex spellings of the same address always collapse to one key.
type Key struct {
	Address common.Address
	Topic   common.Hash
}

// addressKey is the normalized string form used by durable stores.
func (k Key) addressKey() string { return strings.ToLower(k.Address.Hex()) }

func (k Key) topicKey() string { return k.Topic.Hex() }

// Subscription is one active binding. A binding is active exactly while
// it is present in the store; unsubscribing removes it.
type Subscription struct {
	StrategyID string
	Address    common.Address
	Topic      common.Hash
	CreatedAt  time.Time
}

// Store is the persistence capability the manager depends on. Put
// reports whether a new binding was created, Delete whether one
// existed. Subscribers must be a targeted lookup, not a scan.
type Store interface {
	Put(ctx context.Context, strategyID string, key Key, at time.Time) (bool, error)
	Delete(ctx context.Context, strategyID string, key Key) (bool, error)
	Subscribers(ctx context.Context, key Key) ([]string, error)
	All(ctx context.Context) ([]Subscription, error)
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	byTarget map[Key]map[string]time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTarget: make(map[Key]map[string]time.Time)}
}

func (m *MemoryStore) Put(_ context.Context, strategyID string, key Key, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	strategies, ok := m.byTarget[key]
	if !ok {
		strategies = make(map[string]time.Time)
		m.byTarget[key] = strategies
	}
	if _, exists := strategies[strategyID]; exists {
		return false, nil
	}
	strategies[strategyID] = at
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, strategyID string, key Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	strategies, ok := m.byTarget[key]
	if !ok {
		return false, nil
	}
	if _, exists := strategies[strategyID]; !exists {
		return false, nil
	}
	delete(strategies, strategyID)
	if len(strategies) == 0 {
		delete(m.byTarget, key)
	}
	return true, nil
}

func (m *MemoryStore) Subscribers(_ context.Context, key Key) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	strategies := m.byTarget[key]
	if len(strategies) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(strategies))
	for id := range strategies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) All(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for key, strategies := range m.byTarget {
		for id, at := range strategies {
			out = append(out, Subscription{
				StrategyID: id,
				Address:    key.Address,
				Topic:      key.Topic,
				CreatedAt:  at,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		if c := bytes.Compare(out[i].Address[:], out[j].Address[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Topic[:], out[j].Topic[:]) < 0
	})
	return out, nil
}
