package ledger

import (
	"context"
	"fmt"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/metrics"
	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/pricing"
	"github.com/atmx/vault-ledger/internal/store"
)

// Withdrawal is the result of a successful withdraw.
type Withdrawal struct {
	Vault *model.Vault `json:"vault"`
	Fee   uint64       `json:"fee"`
	Net   uint64       `json:"net"`
}

// CreateVault opens an empty vault for owner.
func (e *Engine) CreateVault(ctx context.Context, owner model.Identity) (*model.Vault, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}

	var vault *model.Vault
	key := model.VaultKey(owner)
	err := e.transition(ctx, "create_vault", []model.Key{key}, func(t *txn) error {
		if _, err := loadProtocol(ctx, e.store); err != nil {
			return err
		}
		_, err := e.store.GetVault(ctx, key)
		found, err := exists(err)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("vault of %s: %w", owner, ErrAlreadyExists)
		}

		vault = &model.Vault{Key: key, Owner: owner, CreatedAt: t.now}
		t.batch.Insert(vault)
		t.batch.Protocol = store.ProtocolDelta{Vaults: 1}
		t.set("owner", owner)
		t.set("vault", key)
		return t.emit(events.VaultCreated{Owner: owner, Vault: key})
	})
	if err != nil {
		return nil, err
	}
	return vault, nil
}

// Deposit moves amount from the owner's custody account into the vault.
func (e *Engine) Deposit(ctx context.Context, owner model.Identity, amount uint64) (*model.Vault, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	var vault *model.Vault
	err := e.transition(ctx, "deposit", []model.Key{model.VaultKey(owner)}, func(t *txn) error {
		var err error
		vault, err = loadVault(ctx, e.store, owner)
		if err != nil {
			return err
		}

		if vault.Balance, err = pricing.Add(vault.Balance, amount); err != nil {
			return mathError(err)
		}
		if vault.TotalDeposited, err = pricing.Add(vault.TotalDeposited, amount); err != nil {
			return mathError(err)
		}

		t.batch.Debit(owner, amount)
		t.batch.Update(vault)
		t.set("vault", vault.Key)
		t.set("amount", amount)
		t.set("balance", vault.Balance)
		return t.emit(events.Deposited{Vault: vault.Key, Owner: owner, Amount: amount, NewBalance: vault.Balance})
	})
	if err != nil {
		return nil, err
	}
	return vault, nil
}

// Withdraw pays amount out of the vault: the owner receives the net and the
// treasury receives the protocol fee.
func (e *Engine) Withdraw(ctx context.Context, owner model.Identity, amount uint64) (*Withdrawal, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	var res Withdrawal
	err := e.transition(ctx, "withdraw", []model.Key{model.VaultKey(owner)}, func(t *txn) error {
		vault, err := loadVault(ctx, e.store, owner)
		if err != nil {
			return err
		}
		if vault.Balance < amount {
			return fmt.Errorf("balance %d < %d: %w", vault.Balance, amount, ErrInsufficientBalance)
		}
		proto, err := loadProtocol(ctx, e.store)
		if err != nil {
			return err
		}

		fee, net, err := pricing.Fee(amount, proto.FeeBps)
		if err != nil {
			return mathError(err)
		}
		vault.Balance -= amount
		if vault.TotalWithdrawn, err = pricing.Add(vault.TotalWithdrawn, amount); err != nil {
			return mathError(err)
		}

		t.batch.Update(vault)
		if net > 0 {
			t.batch.Credit(owner, net)
		}
		if fee > 0 {
			t.batch.Credit(proto.Treasury, fee)
		}
		res = Withdrawal{Vault: vault, Fee: fee, Net: net}

		t.set("vault", vault.Key)
		t.set("amount", amount)
		t.set("fee", fee)
		t.set("balance", vault.Balance)
		return t.emit(events.Withdrawn{Vault: vault.Key, Owner: owner, Amount: net, Fee: fee, NewBalance: vault.Balance})
	})
	if err != nil {
		return nil, err
	}
	metrics.FeesCollected.Add(float64(res.Fee))
	return &res, nil
}
