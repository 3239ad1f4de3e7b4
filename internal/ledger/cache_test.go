package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-ledger/internal/ledger"
	"github.com/atmx/vault-ledger/internal/lock"
	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/store"
)

// newCachedEngine builds an engine the way the server does with Redis
// configured: cached query reads and Redis record locks.
func newCachedEngine(t *testing.T) *ledger.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	eng := ledger.New(primary,
		ledger.WithClock(func() time.Time { return fixedNow }),
		ledger.WithCache(store.NewCachedStore(primary, rdb, time.Hour)),
		ledger.WithLocker(lock.NewRedisLocker(rdb, time.Second)),
	)

	ctx := context.Background()
	if _, err := eng.Initialize(ctx, admin, treasury, 250); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := eng.AddOracle(ctx, admin, oracle); err != nil {
		t.Fatalf("add oracle: %v", err)
	}
	if _, err := eng.RegisterMarket(ctx, admin, ledger.MarketParams{
		MarketID: marketID,
		Platform: model.PlatformKalshi,
		Oracle:   oracle,
	}); err != nil {
		t.Fatalf("register market: %v", err)
	}
	return eng
}

func TestCachedEngine_QueriesSeeEveryCommit(t *testing.T) {
	eng := newCachedEngine(t)
	ctx := context.Background()
	eng.Fund(ctx, alice, 1000)
	if _, err := eng.CreateVault(ctx, alice); err != nil {
		t.Fatalf("create vault: %v", err)
	}

	// Warm the cache before each write.
	if v, _ := eng.Vault(ctx, alice); v.Balance != 0 {
		t.Fatalf("expected empty vault, got %d", v.Balance)
	}
	if _, err := eng.Deposit(ctx, alice, 400); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if v, _ := eng.Vault(ctx, alice); v.Balance != 400 {
		t.Fatalf("expected balance 400 after deposit, got %d", v.Balance)
	}

	eng.Market(ctx, marketID)
	if _, err := eng.UpdatePrice(ctx, oracle, marketID, 4000, 6000); err != nil {
		t.Fatalf("update price: %v", err)
	}
	if m, _ := eng.Market(ctx, marketID); m.YesPrice != 4000 {
		t.Fatalf("expected yes price 4000, got %d", m.YesPrice)
	}

	eng.Positions(ctx, alice)
	if _, err := eng.OpenPosition(ctx, alice, marketID, model.SideYes, 200); err != nil {
		t.Fatalf("open: %v", err)
	}
	positions, _ := eng.Positions(ctx, alice)
	if len(positions) != 1 || positions[0].Quantity != 500 {
		t.Fatalf("expected one position of 500, got %+v", positions)
	}
	if p, _ := eng.Protocol(ctx); p.TotalVolume != 200 {
		t.Errorf("expected protocol volume 200, got %d", p.TotalVolume)
	}

	eng.Position(ctx, alice, marketID)
	if _, err := eng.ResolveMarket(ctx, oracle, marketID, model.OutcomeYes); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := eng.SettlePosition(ctx, alice, marketID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	pos, _ := eng.Position(ctx, alice, marketID)
	if !pos.Settled {
		t.Error("cached position should show the settlement")
	}
	v, _ := eng.Vault(ctx, alice)
	if v.Balance != 700 || v.PositionCount != 0 {
		t.Errorf("expected balance 700 with no open positions, got %d / %d", v.Balance, v.PositionCount)
	}
	if m, _ := eng.Market(ctx, marketID); !m.Resolved {
		t.Error("cached market should show the resolution")
	}
}
