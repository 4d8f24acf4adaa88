package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursorUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCursor(ctx, "src1", 10, "hashA"); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, hash, ok, err := store.GetCursor(ctx, "src1")
	if err != nil || !ok {
		t.Fatalf("get cursor failed err=%v ok=%v", err, ok)
	}
	if h != 10 || hash != "hashA" {
		t.Fatalf("unexpected cursor: %d %s", h, hash)
	}

	if err := store.UpsertCursor(ctx, "src1", 20, "hashB"); err != nil {
		t.Fatalf("upsert cursor update: %v", err)
	}
	h, hash, ok, err = store.GetCursor(ctx, "src1")
	if err != nil || !ok || h != 20 || hash != "hashB" {
		t.Fatalf("cursor not updated: %d %s err=%v ok=%v", h, hash, err, ok)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	put := func(sid, addr, topic string, wantCreated bool) {
		t.Helper()
		created, err := store.PutSubscription(ctx, sid, addr, topic)
		if err != nil {
			t.Fatalf("put subscription: %v", err)
		}
		if created != wantCreated {
			t.Fatalf("put %s/%s/%s created=%v, want %v", sid, addr, topic, created, wantCreated)
		}
	}
	put("alpha", "0xaaa", "0xt1", true)
	put("beta", "0xaaa", "0xt1", true)
	put("alpha", "0xbbb", "0xt2", true)

	// Repeat subscribe is a no-op, not an error.
	put("alpha", "0xaaa", "0xt1", false)

	ids, err := store.SubscribersByTarget(ctx, "0xaaa", "0xt1")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Fatalf("subscribers = %v", ids)
	}

	removed, err := store.DeleteSubscription(ctx, "beta", "0xaaa", "0xt1")
	if err != nil || !removed {
		t.Fatalf("delete subscription removed=%v err=%v", removed, err)
	}
	// Deleting an absent binding must not fail.
	removed, err = store.DeleteSubscription(ctx, "beta", "0xaaa", "0xt1")
	if err != nil || removed {
		t.Fatalf("delete missing subscription removed=%v err=%v", removed, err)
	}

	ids, err = store.SubscribersByTarget(ctx, "0xaaa", "0xt1")
	if err != nil {
		t.Fatalf("subscribers after delete: %v", err)
	}
	if len(ids) != 1 || ids[0] != "alpha" {
		t.Fatalf("subscribers after delete = %v", ids)
	}

	all, err := store.Subscriptions(ctx)
	if err != nil {
		t.Fatalf("all subscriptions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("stored bindings = %d, want 2", len(all))
	}

	n, err := store.CountSubscriptions(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count = %d err=%v", n, err)
	}
}

func TestEffectArchive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := EffectRecord{
		ActionID:   "act1",
		StrategyID: "alpha",
		ActionType: "REBALANCE",
		Target:     "0xccc",
		Status:     "pending",
		Attempts:   1,
		CreatedAt:  time.Now(),
	}
	if err := store.UpsertEffect(ctx, rec); err != nil {
		t.Fatalf("upsert effect: %v", err)
	}

	rec.Status = "confirmed"
	rec.TxHash = "0xdeadbeef"
	rec.Attempts = 2
	if err := store.UpsertEffect(ctx, rec); err != nil {
		t.Fatalf("advance effect: %v", err)
	}

	got, ok, err := store.GetEffect(ctx, "act1")
	if err != nil || !ok {
		t.Fatalf("get effect err=%v ok=%v", err, ok)
	}
	if got.Status != "confirmed" || got.TxHash != "0xdeadbeef" || got.Attempts != 2 {
		t.Fatalf("effect = %+v", got)
	}

	_, ok, err = store.GetEffect(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing effect: %v", err)
	}
	if ok {
		t.Fatal("expected missing effect to report ok=false")
	}

	if err := store.UpsertEffect(ctx, EffectRecord{ActionID: "act2", StrategyID: "beta", ActionType: "SWAP", Status: "failed", ErrorClass: "reverted"}); err != nil {
		t.Fatalf("second effect: %v", err)
	}

	list, err := store.ListEffects(ctx, "alpha", 0)
	if err != nil {
		t.Fatalf("list effects: %v", err)
	}
	if len(list) != 1 || list[0].ActionID != "act1" {
		t.Fatalf("filtered list = %+v", list)
	}

	counts, err := store.CountEffectsByStatus(ctx)
	if err != nil {
		t.Fatalf("count effects: %v", err)
	}
	if counts["confirmed"] != 1 || counts["failed"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	store.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}
