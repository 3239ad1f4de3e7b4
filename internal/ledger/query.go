package ledger

import (
	"context"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

// DefaultEventLimit caps audit-log reads when no limit is given.
const DefaultEventLimit = 100

// Protocol returns the protocol record.
func (e *Engine) Protocol(ctx context.Context) (*model.Protocol, error) {
	return loadProtocol(ctx, e.reader)
}

// Vault returns the vault of owner.
func (e *Engine) Vault(ctx context.Context, owner model.Identity) (*model.Vault, error) {
	return loadVault(ctx, e.reader, owner)
}

// Market returns a market by its external identifier.
func (e *Engine) Market(ctx context.Context, marketID string) (*model.Market, error) {
	return loadMarket(ctx, e.reader, marketID)
}

// Markets returns every registered market, newest first.
func (e *Engine) Markets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.reader.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// Oracle returns the registration of oracle.
func (e *Engine) Oracle(ctx context.Context, oracle model.Identity) (*model.OracleRegistration, error) {
	return loadOracle(ctx, e.reader, oracle)
}

// Position returns owner's position in a market.
func (e *Engine) Position(ctx context.Context, owner model.Identity, marketID string) (*model.Position, error) {
	_, _, key := positionKeys(owner, marketID)
	return loadPosition(ctx, e.reader, key)
}

// Positions returns every position of owner's vault, oldest first.
func (e *Engine) Positions(ctx context.Context, owner model.Identity) ([]model.Position, error) {
	vault, err := loadVault(ctx, e.reader, owner)
	if err != nil {
		return nil, err
	}
	positions, err := e.reader.ListPositionsByVault(ctx, vault.Key)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// Events returns the audit log entries naming ref, oldest first.
func (e *Engine) Events(ctx context.Context, ref model.Key, limit int) ([]events.Envelope, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	evts, err := e.reader.ListEvents(ctx, ref, limit)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []events.Envelope{}
	}
	return evts, nil
}

// CustodyBalance returns the external funds held for identity.
func (e *Engine) CustodyBalance(ctx context.Context, identity model.Identity) (uint64, error) {
	return e.reader.CustodyBalance(ctx, identity)
}

// Fund credits identity's custody account. Used by the development faucet
// and to seed tests; it is not a ledger transition and emits no event.
func (e *Engine) Fund(ctx context.Context, identity model.Identity, amount uint64) (uint64, error) {
	if identity == "" {
		return 0, ErrUnauthorized
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if err := e.store.Fund(ctx, identity, amount); err != nil {
		return 0, storeError(err)
	}
	return e.store.CustodyBalance(ctx, identity)
}
