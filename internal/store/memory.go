package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	protocol  *model.Protocol
	vaults    map[model.Key]*model.Vault
	markets   map[model.Key]*model.Market
	positions map[model.Key]*model.Position
	oracles   map[model.Key]*model.OracleRegistration
	custody   map[model.Identity]uint64
	log       []events.Envelope
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:    make(map[model.Key]*model.Vault),
		markets:   make(map[model.Key]*model.Market),
		positions: make(map[model.Key]*model.Position),
		oracles:   make(map[model.Key]*model.OracleRegistration),
		custody:   make(map[model.Identity]uint64),
	}
}

func (s *MemoryStore) GetProtocol(_ context.Context) (*model.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.protocol == nil {
		return nil, fmt.Errorf("protocol: %w", ErrNotFound)
	}
	p := *s.protocol
	return &p, nil
}

func (s *MemoryStore) GetVault(_ context.Context, key model.Key) (*model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[key]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", key, ErrNotFound)
	}
	c := *v
	return &c, nil
}

func (s *MemoryStore) GetMarket(_ context.Context, key model.Key) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[key]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.Key) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) GetOracle(_ context.Context, key model.Key) (*model.OracleRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.oracles[key]
	if !ok {
		return nil, fmt.Errorf("oracle %s: %w", key, ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].MarketID < markets[j].MarketID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ListPositionsByVault(_ context.Context, vault model.Key) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Vault == vault {
			result = append(result, *copyPosition(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Key < result[j].Key
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, ref model.Key, limit int) ([]events.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []events.Envelope
	for _, env := range s.log {
		if !env.References(ref) {
			continue
		}
		result = append(result, env)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CustodyBalance(_ context.Context, account model.Identity) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.custody[account], nil
}

func (s *MemoryStore) Fund(_ context.Context, account model.Identity, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.custody[account]
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("fund %s: %w", account, ErrOverflow)
	}
	s.custody[account] = bal + amount
	return nil
}

// Commit validates every write and movement against the current state plus
// the batch's own earlier effects, then applies them. Nothing is applied if
// any check fails.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate writes.
	inserted := make(map[model.Key]bool)
	for _, w := range b.Writes {
		key, err := recordKey(w.Record)
		if err != nil {
			return err
		}
		exists := inserted[key] || s.has(w.Record, key)
		switch {
		case w.Insert && exists:
			return fmt.Errorf("insert %s: %w", key, ErrAlreadyExists)
		case !w.Insert && !exists:
			return fmt.Errorf("update %s: %w", key, ErrNotFound)
		}
		if w.Insert {
			inserted[key] = true
		}
	}

	// Validate the protocol delta.
	if !b.Protocol.IsZero() {
		if s.protocol == nil {
			return fmt.Errorf("protocol delta: %w", ErrNotFound)
		}
		if s.protocol.TotalVaults > math.MaxUint64-b.Protocol.Vaults ||
			s.protocol.TotalVolume > math.MaxUint64-b.Protocol.Volume {
			return fmt.Errorf("protocol delta: %w", ErrOverflow)
		}
	}

	// Validate custody movements in order on a scratch copy.
	balances := make(map[model.Identity]uint64)
	for _, mv := range b.Movements {
		bal, ok := balances[mv.Account]
		if !ok {
			bal = s.custody[mv.Account]
		}
		if mv.Credit {
			if bal > math.MaxUint64-mv.Amount {
				return fmt.Errorf("credit %s: %w", mv.Account, ErrOverflow)
			}
			bal += mv.Amount
		} else {
			if bal < mv.Amount {
				return fmt.Errorf("debit %s: %w", mv.Account, ErrInsufficientFunds)
			}
			bal -= mv.Amount
		}
		balances[mv.Account] = bal
	}

	// Apply.
	for _, w := range b.Writes {
		s.put(w.Record)
	}
	if !b.Protocol.IsZero() {
		s.protocol.TotalVaults += b.Protocol.Vaults
		s.protocol.TotalVolume += b.Protocol.Volume
	}
	for acct, bal := range balances {
		s.custody[acct] = bal
	}
	s.log = append(s.log, b.Events...)
	return nil
}

func (s *MemoryStore) has(rec any, key model.Key) bool {
	switch rec.(type) {
	case *model.Protocol:
		return s.protocol != nil
	case *model.Vault:
		_, ok := s.vaults[key]
		return ok
	case *model.Market:
		_, ok := s.markets[key]
		return ok
	case *model.Position:
		_, ok := s.positions[key]
		return ok
	case *model.OracleRegistration:
		_, ok := s.oracles[key]
		return ok
	}
	return false
}

// put stores a copy so callers cannot mutate committed state.
func (s *MemoryStore) put(rec any) {
	switch r := rec.(type) {
	case *model.Protocol:
		c := *r
		if s.protocol != nil {
			// Counters only move through ProtocolDelta.
			c.TotalVaults, c.TotalVolume = s.protocol.TotalVaults, s.protocol.TotalVolume
		}
		s.protocol = &c
	case *model.Vault:
		c := *r
		s.vaults[r.Key] = &c
	case *model.Market:
		s.markets[r.Key] = copyMarket(r)
	case *model.Position:
		s.positions[r.Key] = copyPosition(r)
	case *model.OracleRegistration:
		c := *r
		s.oracles[r.Key] = &c
	}
}

func copyMarket(m *model.Market) *model.Market {
	c := *m
	if m.Outcome != nil {
		o := *m.Outcome
		c.Outcome = &o
	}
	return &c
}

func copyPosition(p *model.Position) *model.Position {
	c := *p
	if p.SettledAt != nil {
		t := *p.SettledAt
		c.SettledAt = &t
	}
	return &c
}
