package subscription

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/storage"
)

// DurableStore persists bindings in the SQLite store so they survive
// restarts. Addresses are written lower-case, which keeps the
// (strategy, address, topic) uniqueness case-insensitive at the row
// level.
type DurableStore struct {
	db *storage.Store
}

// NewDurableStore wraps an opened storage handle.
func NewDurableStore(db *storage.Store) *DurableStore {
	return &DurableStore{db: db}
}

func (d *DurableStore) Put(ctx context.Context, strategyID string, key Key, _ time.Time) (bool, error) {
	return d.db.PutSubscription(ctx, strategyID, key.addressKey(), key.topicKey())
}

func (d *DurableStore) Delete(ctx context.Context, strategyID string, key Key) (bool, error) {
	return d.db.DeleteSubscription(ctx, strategyID, key.addressKey(), key.topicKey())
}

func (d *DurableStore) Subscribers(ctx context.Context, key Key) ([]string, error) {
	return d.db.SubscribersByTarget(ctx, key.addressKey(), key.topicKey())
}

func (d *DurableStore) All(ctx context.Context) ([]Subscription, error) {
	rows, err := d.db.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, Subscription{
			StrategyID: row.StrategyID,
			Address:    common.HexToAddress(row.Address),
			Topic:      common.HexToHash(row.Topic),
			CreatedAt:  row.CreatedAt,
		})
	}
	return out, nil
}
