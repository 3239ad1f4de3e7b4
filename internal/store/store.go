// Package store defines the persistence interface for the vault ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for queries), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a record or custody account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when an insert collides with an existing key.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrInsufficientFunds is returned when a custody debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("store: insufficient custody funds")

	// ErrOverflow is returned when a counter or balance would exceed uint64.
	ErrOverflow = errors.New("store: counter overflow")
)

// Store is the persistence interface. Every ledger transition lands through
// a single Commit, which applies all of its writes atomically or none.
type Store interface {
	// --- Records ---

	// GetProtocol retrieves the singleton protocol record.
	GetProtocol(ctx context.Context) (*model.Protocol, error)

	GetVault(ctx context.Context, key model.Key) (*model.Vault, error)
	GetMarket(ctx context.Context, key model.Key) (*model.Market, error)
	GetPosition(ctx context.Context, key model.Key) (*model.Position, error)
	GetOracle(ctx context.Context, key model.Key) (*model.OracleRegistration, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListPositionsByVault returns a vault's positions, oldest first.
	ListPositionsByVault(ctx context.Context, vault model.Key) ([]model.Position, error)

	// --- Audit log ---

	// ListEvents returns up to limit envelopes referencing ref, oldest first.
	ListEvents(ctx context.Context, ref model.Key, limit int) ([]events.Envelope, error)

	// --- Custody ---

	// CustodyBalance returns the external funds held for account.
	// Unknown accounts have a zero balance.
	CustodyBalance(ctx context.Context, account model.Identity) (uint64, error)

	// Fund credits account outside any ledger transition.
	Fund(ctx context.Context, account model.Identity, amount uint64) error

	// --- Transitions ---

	// Commit applies b atomically.
	Commit(ctx context.Context, b *Batch) error
}

// Batch collects the effects of one ledger transition.
type Batch struct {
	Writes    []Write
	Protocol  ProtocolDelta
	Movements []Movement
	Events    []events.Envelope
}

// Write is a record insert or update. Record is one of *model.Protocol,
// *model.Vault, *model.Market, *model.Position or *model.OracleRegistration.
type Write struct {
	Insert bool
	Record any
}

// ProtocolDelta increments the protocol counters in place.
type ProtocolDelta struct {
	Vaults uint64
	Volume uint64
}

// IsZero reports whether the delta changes nothing.
func (d ProtocolDelta) IsZero() bool { return d.Vaults == 0 && d.Volume == 0 }

// Movement credits or debits a custody account.
type Movement struct {
	Account model.Identity
	Amount  uint64
	Credit  bool
}

// Insert queues a record that must not already exist.
func (b *Batch) Insert(rec any) { b.Writes = append(b.Writes, Write{Insert: true, Record: rec}) }

// Update queues a record that must already exist.
func (b *Batch) Update(rec any) { b.Writes = append(b.Writes, Write{Record: rec}) }

// Credit queues a custody credit.
func (b *Batch) Credit(account model.Identity, amount uint64) {
	b.Movements = append(b.Movements, Movement{Account: account, Amount: amount, Credit: true})
}

// Debit queues a custody debit.
func (b *Batch) Debit(account model.Identity, amount uint64) {
	b.Movements = append(b.Movements, Movement{Account: account, Amount: amount})
}

// Emit queues an audit envelope.
func (b *Batch) Emit(env events.Envelope) { b.Events = append(b.Events, env) }

// Keys returns the keys of every record the batch writes.
func (b *Batch) Keys() []model.Key {
	keys := make([]model.Key, 0, len(b.Writes))
	for _, w := range b.Writes {
		if k, err := recordKey(w.Record); err == nil {
			keys = append(keys, k)
		}
	}
	return keys
}

func recordKey(rec any) (model.Key, error) {
	switch r := rec.(type) {
	case *model.Protocol:
		return r.Key, nil
	case *model.Vault:
		return r.Key, nil
	case *model.Market:
		return r.Key, nil
	case *model.Position:
		return r.Key, nil
	case *model.OracleRegistration:
		return r.Key, nil
	default:
		return "", fmt.Errorf("store: unsupported record type %T", rec)
	}
}
