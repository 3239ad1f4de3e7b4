package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/pricing"
)

// Initialize creates the protocol record with caller as admin. An empty
// treasury defaults to the admin.
func (e *Engine) Initialize(ctx context.Context, caller, treasury model.Identity, feeBps uint16) (*model.Protocol, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}
	if !pricing.ValidBps(feeBps) {
		return nil, ErrInvalidFeeRate
	}
	if treasury == "" {
		treasury = caller
	}

	var proto *model.Protocol
	key := model.ProtocolKey()
	err := e.transition(ctx, "initialize", []model.Key{key}, func(t *txn) error {
		_, err := e.store.GetProtocol(ctx)
		found, err := exists(err)
		if err != nil {
			return err
		}
		if found {
			return ErrAlreadyInitialized
		}

		proto = &model.Protocol{
			Key:      key,
			Admin:    caller,
			Treasury: treasury,
			FeeBps:   feeBps,
		}
		t.batch.Insert(proto)
		t.set("admin", caller)
		t.set("treasury", treasury)
		t.set("fee_bps", feeBps)
		return t.emit(events.ProtocolInitialized{Authority: caller, Treasury: treasury, FeeBps: feeBps})
	})
	if err != nil {
		return nil, err
	}
	return proto, nil
}

// AddOracle registers oracle as an active price and outcome reporter.
// Admin only.
func (e *Engine) AddOracle(ctx context.Context, caller, oracle model.Identity) (*model.OracleRegistration, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}

	var reg *model.OracleRegistration
	key := model.OracleKey(oracle)
	err := e.transition(ctx, "add_oracle", []model.Key{key}, func(t *txn) error {
		proto, err := loadProtocol(ctx, e.store)
		if err != nil {
			return err
		}
		if err := authorize(caller, proto.Admin); err != nil {
			return err
		}
		if oracle == "" {
			return fmt.Errorf("empty identity: %w", ErrOracleNotFound)
		}

		_, err = e.store.GetOracle(ctx, key)
		found, err := exists(err)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("oracle %s: %w", oracle, ErrAlreadyExists)
		}

		reg = &model.OracleRegistration{Key: key, Authority: oracle, Active: true}
		t.batch.Insert(reg)
		t.set("oracle", oracle)
		return t.emit(events.OracleAdded{Oracle: oracle})
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// SetOracleActive toggles an oracle registration. Admin only. Markets
// already bound to the oracle are unaffected.
func (e *Engine) SetOracleActive(ctx context.Context, caller, oracle model.Identity, active bool) (*model.OracleRegistration, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}

	var reg *model.OracleRegistration
	err := e.transition(ctx, "set_oracle_active", []model.Key{model.OracleKey(oracle)}, func(t *txn) error {
		proto, err := loadProtocol(ctx, e.store)
		if err != nil {
			return err
		}
		if err := authorize(caller, proto.Admin); err != nil {
			return err
		}
		reg, err = loadOracle(ctx, e.store, oracle)
		if err != nil {
			return err
		}

		reg.Active = active
		t.batch.Update(reg)
		t.set("oracle", oracle)
		t.set("active", active)
		return t.emit(events.OracleStatusChanged{Oracle: oracle, Active: active})
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// mathError maps pricing failures onto ledger errors.
func mathError(err error) error {
	switch {
	case errors.Is(err, pricing.ErrOverflow):
		return ErrOverflow
	case errors.Is(err, pricing.ErrZeroPrice), errors.Is(err, pricing.ErrPriceOutOfRange):
		return ErrInvalidPrice
	}
	return err
}
