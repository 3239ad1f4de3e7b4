package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

func seedProtocol(t *testing.T, s *MemoryStore) {
	t.Helper()
	b := &Batch{}
	b.Insert(&model.Protocol{Key: model.ProtocolKey(), Admin: "admin", Treasury: "treasury", FeeBps: 100})
	if err := s.Commit(context.Background(), b); err != nil {
		t.Fatalf("seed protocol: %v", err)
	}
}

func TestMemoryStore_InsertAndGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := model.VaultKey("alice")

	b := &Batch{}
	b.Insert(&model.Vault{Key: key, Owner: "alice", Balance: 10})
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, err := s.GetVault(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	v.Balance = 9999

	again, _ := s.GetVault(ctx, key)
	if again.Balance != 10 {
		t.Errorf("mutating a read copy should not change the store, got %d", again.Balance)
	}
}

func TestMemoryStore_DuplicateInsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := model.OracleKey("o1")

	b := &Batch{}
	b.Insert(&model.OracleRegistration{Key: key, Authority: "o1", Active: true})
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := s.Commit(ctx, b); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	b := &Batch{}
	b.Update(&model.Market{Key: model.MarketKey("nope")})
	if err := s.Commit(context.Background(), b); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_FailedDebitAppliesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProtocol(t, s)
	if err := s.Fund(ctx, "alice", 50); err != nil {
		t.Fatalf("fund: %v", err)
	}

	key := model.VaultKey("alice")
	b := &Batch{Protocol: ProtocolDelta{Vaults: 1}}
	b.Insert(&model.Vault{Key: key, Owner: "alice", Balance: 100})
	b.Credit("treasury", 1)
	b.Debit("alice", 100)
	env, _ := events.Wrap(events.VaultCreated{Owner: "alice", Vault: key}, time.Now())
	b.Emit(env)

	if err := s.Commit(ctx, b); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := s.GetVault(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Error("vault should not exist after a rejected commit")
	}
	if bal, _ := s.CustodyBalance(ctx, "alice"); bal != 50 {
		t.Errorf("custody should be untouched, got %d", bal)
	}
	if bal, _ := s.CustodyBalance(ctx, "treasury"); bal != 0 {
		t.Errorf("treasury credit should not apply, got %d", bal)
	}
	p, _ := s.GetProtocol(ctx)
	if p.TotalVaults != 0 {
		t.Errorf("protocol delta should not apply, got %d", p.TotalVaults)
	}
	if evts, _ := s.ListEvents(ctx, key, 0); len(evts) != 0 {
		t.Errorf("no event should be logged, got %d", len(evts))
	}
}

func TestMemoryStore_MovementsApplyInOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Credit then debit of the same account within one batch.
	b := &Batch{}
	b.Credit("bob", 30)
	b.Debit("bob", 30)
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if bal, _ := s.CustodyBalance(ctx, "bob"); bal != 0 {
		t.Errorf("expected 0, got %d", bal)
	}
}

func TestMemoryStore_ProtocolDeltaAndCounterProtection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedProtocol(t, s)

	if err := s.Commit(ctx, &Batch{Protocol: ProtocolDelta{Vaults: 2, Volume: 700}}); err != nil {
		t.Fatalf("delta: %v", err)
	}

	// A full-record update never rewinds the counters.
	b := &Batch{}
	b.Update(&model.Protocol{Key: model.ProtocolKey(), Admin: "admin", Treasury: "t2", FeeBps: 100})
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("update: %v", err)
	}

	p, _ := s.GetProtocol(ctx)
	if p.TotalVaults != 2 || p.TotalVolume != 700 {
		t.Errorf("counters = (%d, %d), want (2, 700)", p.TotalVaults, p.TotalVolume)
	}
	if p.Treasury != "t2" {
		t.Errorf("treasury not updated: %s", p.Treasury)
	}
}

func TestMemoryStore_ProtocolDeltaWithoutProtocol(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Commit(context.Background(), &Batch{Protocol: ProtocolDelta{Vaults: 1}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListEventsByRef(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vault := model.VaultKey("alice")
	other := model.VaultKey("bob")

	b := &Batch{}
	for i := 1; i <= 3; i++ {
		env, _ := events.Wrap(events.Deposited{Vault: vault, Owner: "alice", Amount: uint64(i)}, time.Now())
		b.Emit(env)
	}
	env, _ := events.Wrap(events.Deposited{Vault: other, Owner: "bob", Amount: 9}, time.Now())
	b.Emit(env)
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, _ := s.ListEvents(ctx, vault, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	limited, _ := s.ListEvents(ctx, vault, 2)
	if len(limited) != 2 || limited[0].ID != all[0].ID {
		t.Errorf("limit should keep the oldest events first")
	}
}

func TestMemoryStore_ListPositionsByVault(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vault := model.VaultKey("alice")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	b := &Batch{}
	for i, id := range []string{"m1", "m2"} {
		market := model.MarketKey(id)
		b.Insert(&model.Position{
			Key:       model.PositionKey(vault, market),
			Vault:     vault,
			Market:    market,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	b.Insert(&model.Position{Key: model.PositionKey(model.VaultKey("bob"), "m1"), Vault: model.VaultKey("bob")})
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("commit: %v", err)
	}

	list, _ := s.ListPositionsByVault(ctx, vault)
	if len(list) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(list))
	}
	if list[0].Market != model.MarketKey("m1") {
		t.Error("positions should be oldest first")
	}
}

func TestMigrationFiles_Embedded(t *testing.T) {
	m := NewMigrator(nil, zerolog.Nop())
	ups, err := MigrationFiles(m.files, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	downs, _ := MigrationFiles(m.files, ".down.sql")
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired up/down migrations, got %d up and %d down", len(ups), len(downs))
	}
	if v := migrationVersion(ups[0]); v != "000001" {
		t.Errorf("unexpected version %q", v)
	}
}
