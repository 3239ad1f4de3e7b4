package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-ledger/internal/model"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, primary, mr := newCachedStore(t)
	ctx := context.Background()
	key := model.VaultKey("alice")

	b := &Batch{}
	b.Insert(&model.Vault{Key: key, Owner: "alice", Balance: 10})
	if err := cs.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, err := cs.GetVault(ctx, key); err != nil || v.Balance != 10 {
		t.Fatalf("expected balance 10, got %+v (%v)", v, err)
	}
	if !mr.Exists(recordCacheKey(key)) {
		t.Fatal("read should populate the cache")
	}

	// A write that bypasses the cache is not seen until the entry goes.
	b = &Batch{}
	b.Update(&model.Vault{Key: key, Owner: "alice", Balance: 99})
	if err := primary.Commit(ctx, b); err != nil {
		t.Fatalf("commit primary: %v", err)
	}
	if v, _ := cs.GetVault(ctx, key); v.Balance != 10 {
		t.Errorf("expected cached balance 10, got %d", v.Balance)
	}
	mr.FastForward(2 * time.Minute)
	if v, _ := cs.GetVault(ctx, key); v.Balance != 99 {
		t.Errorf("expected balance 99 after expiry, got %d", v.Balance)
	}
}

func TestCachedStore_CommitInvalidatesWrittenRecords(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()
	key := model.VaultKey("alice")

	b := &Batch{}
	b.Insert(&model.Vault{Key: key, Owner: "alice", Balance: 10})
	if err := cs.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cs.GetVault(ctx, key)

	b = &Batch{}
	b.Update(&model.Vault{Key: key, Owner: "alice", Balance: 20})
	if err := cs.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if mr.Exists(recordCacheKey(key)) {
		t.Error("commit should drop the cached record")
	}
	if v, _ := cs.GetVault(ctx, key); v.Balance != 20 {
		t.Errorf("expected balance 20, got %d", v.Balance)
	}
}

func TestCachedStore_CommitInvalidatesPositionListAndProtocol(t *testing.T) {
	cs, primary, _ := newCachedStore(t)
	ctx := context.Background()
	seedProtocol(t, primary)
	vault := model.VaultKey("alice")

	insertPosition := func(marketID string, volume uint64) {
		t.Helper()
		market := model.MarketKey(marketID)
		b := &Batch{Protocol: ProtocolDelta{Volume: volume}}
		b.Insert(&model.Position{Key: model.PositionKey(vault, market), Vault: vault, Market: market})
		if err := cs.Commit(ctx, b); err != nil {
			t.Fatalf("commit %s: %v", marketID, err)
		}
	}

	insertPosition("m1", 100)
	if list, _ := cs.ListPositionsByVault(ctx, vault); len(list) != 1 {
		t.Fatalf("expected 1 position, got %d", len(list))
	}
	if p, _ := cs.GetProtocol(ctx); p.TotalVolume != 100 {
		t.Fatalf("expected volume 100, got %d", p.TotalVolume)
	}

	insertPosition("m2", 50)
	if list, _ := cs.ListPositionsByVault(ctx, vault); len(list) != 2 {
		t.Errorf("expected 2 positions after commit, got %d", len(list))
	}
	if p, _ := cs.GetProtocol(ctx); p.TotalVolume != 150 {
		t.Errorf("expected volume 150 after commit, got %d", p.TotalVolume)
	}
}

func TestCachedStore_FailedCommitKeepsCache(t *testing.T) {
	cs, _, mr := newCachedStore(t)
	ctx := context.Background()
	key := model.VaultKey("alice")

	b := &Batch{}
	b.Insert(&model.Vault{Key: key, Owner: "alice"})
	cs.Commit(ctx, b)
	cs.GetVault(ctx, key)

	b = &Batch{}
	b.Insert(&model.Vault{Key: key, Owner: "alice"})
	if err := cs.Commit(ctx, b); err == nil {
		t.Fatal("expected duplicate insert to fail")
	}
	if !mr.Exists(recordCacheKey(key)) {
		t.Error("a failed commit should not touch the cache")
	}
}
