package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate every key they
// touched; reads check Redis first then fall back to the primary.
//
// The ledger engine commits through CachedStore but reads the primary
// directly when it evaluates a transition.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped source-of-truth store.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}

	keys := make([]string, 0, len(b.Writes)+2)
	for _, k := range b.Keys() {
		keys = append(keys, recordCacheKey(k))
	}
	for _, w := range b.Writes {
		if p, ok := w.Record.(*model.Position); ok {
			keys = append(keys, positionsCacheKey(p.Vault))
		}
	}
	if !b.Protocol.IsZero() {
		keys = append(keys, recordCacheKey(model.ProtocolKey()))
	}
	if len(keys) > 0 {
		// Next read re-populates.
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) Fund(ctx context.Context, account model.Identity, amount uint64) error {
	return s.primary.Fund(ctx, account, amount)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProtocol(ctx context.Context) (*model.Protocol, error) {
	return readThrough(ctx, s, recordCacheKey(model.ProtocolKey()), func() (*model.Protocol, error) {
		return s.primary.GetProtocol(ctx)
	})
}

func (s *CachedStore) GetVault(ctx context.Context, key model.Key) (*model.Vault, error) {
	return readThrough(ctx, s, recordCacheKey(key), func() (*model.Vault, error) {
		return s.primary.GetVault(ctx, key)
	})
}

func (s *CachedStore) GetMarket(ctx context.Context, key model.Key) (*model.Market, error) {
	return readThrough(ctx, s, recordCacheKey(key), func() (*model.Market, error) {
		return s.primary.GetMarket(ctx, key)
	})
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.Key) (*model.Position, error) {
	return readThrough(ctx, s, recordCacheKey(key), func() (*model.Position, error) {
		return s.primary.GetPosition(ctx, key)
	})
}

func (s *CachedStore) GetOracle(ctx context.Context, key model.Key) (*model.OracleRegistration, error) {
	return readThrough(ctx, s, recordCacheKey(key), func() (*model.OracleRegistration, error) {
		return s.primary.GetOracle(ctx, key)
	})
}

func (s *CachedStore) ListPositionsByVault(ctx context.Context, vault model.Key) ([]model.Position, error) {
	positions, err := readThrough(ctx, s, positionsCacheKey(vault), func() (*[]model.Position, error) {
		list, err := s.primary.ListPositionsByVault(ctx, vault)
		return &list, err
	})
	if err != nil {
		return nil, err
	}
	return *positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, ref model.Key, limit int) ([]events.Envelope, error) {
	return s.primary.ListEvents(ctx, ref, limit)
}

func (s *CachedStore) CustodyBalance(ctx context.Context, account model.Identity) (uint64, error) {
	return s.primary.CustodyBalance(ctx, account)
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	// Try cache.
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

func recordCacheKey(k model.Key) string    { return fmt.Sprintf("ledger:record:%s", k) }
func positionsCacheKey(v model.Key) string { return fmt.Sprintf("ledger:positions:%s", v) }
