package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/event"
)

// ErrStrategyRequired rejects subscribe/unsubscribe calls without a
// strategy id.
var ErrStrategyRequired = errors.New("strategy id required")

// Manager owns the subscription set. All mutation goes through
// Subscribe/Unsubscribe; Matches is the orchestrator's fan-out lookup.
type Manager struct {
	store       Store
	logger      *slog.Logger
	onSubscribe func(strategyID string)
}

// NewManager builds a manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// OnSubscribe registers a callback invoked synchronously after every
// successful Subscribe, including idempotent repeats. The orchestrator
// uses it to pre-warm the strategy's mailbox.
func (m *Manager) OnSubscribe(fn func(strategyID string)) {
	m.onSubscribe = fn
}

// Subscribe binds a strategy to (address, topic). Subscribing twice to
// the same triple is a no-op.
func (m *Manager) Subscribe(ctx context.Context, strategyID string, addr common.Address, topic common.Hash) error {
	if strategyID == "" {
		return ErrStrategyRequired
	}
	key := Key{Address: addr, Topic: topic}
	created, err := m.store.Put(ctx, strategyID, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", strategyID, err)
	}
	if created {
		m.logger.Debug("subscription added",
			"strategy", strategyID,
			"address", key.addressKey(),
			"topic", key.topicKey())
	}
	if m.onSubscribe != nil {
		m.onSubscribe(strategyID)
	}
	return nil
}

// Unsubscribe removes a binding. Removing one that does not exist is a
// no-op, not an error. Events already enqueued stay in the mailbox.
func (m *Manager) Unsubscribe(ctx context.Context, strategyID string, addr common.Address, topic common.Hash) error {
	if strategyID == "" {
		return ErrStrategyRequired
	}
	key := Key{Address: addr, Topic: topic}
	removed, err := m.store.Delete(ctx, strategyID, key)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", strategyID, err)
	}
	if removed {
		m.logger.Debug("subscription removed",
			"strategy", strategyID,
			"address", key.addressKey(),
			"topic", key.topicKey())
	}
	return nil
}

// Matches returns the strategies subscribed to the event's emitting
// address and signature topic, in stable order.
func (m *Manager) Matches(ctx context.Context, ev event.Decoded) ([]string, error) {
	key := Key{Address: ev.Address, Topic: ev.Topic0}
	ids, err := m.store.Subscribers(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("match %s/%s: %w", key.addressKey(), key.topicKey(), err)
	}
	return ids, nil
}

// Subscriptions returns every active binding, for status and export.
func (m *Manager) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return m.store.All(ctx)
}
