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

// Receipt reports the records a position operation left behind and the
// amount it moved: the stake debited on open, or the value credited back
// on close and settle.
type Receipt struct {
	Position *model.Position `json:"position"`
	Vault    *model.Vault    `json:"vault"`
	Amount   uint64          `json:"amount"`
}

func positionKeys(owner model.Identity, marketID string) (vault, market, position model.Key) {
	vault = model.VaultKey(owner)
	market = model.MarketKey(marketID)
	return vault, market, model.PositionKey(vault, market)
}

// OpenPosition stakes amount from the owner's vault on side of a market at
// the current quote.
func (e *Engine) OpenPosition(ctx context.Context, owner model.Identity, marketID string, side model.Side, amount uint64) (*Receipt, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}
	vaultKey, marketKey, posKey := positionKeys(owner, marketID)

	var rcpt Receipt
	var platform model.Platform
	err := e.transition(ctx, "open_position", []model.Key{vaultKey, marketKey, posKey}, func(t *txn) error {
		vault, err := loadVault(ctx, e.store, owner)
		if err != nil {
			return err
		}
		if err := authorize(owner, vault.Owner); err != nil {
			return err
		}
		market, err := loadMarket(ctx, e.store, marketID)
		if err != nil {
			return err
		}

		_, err = e.store.GetPosition(ctx, posKey)
		found, err := exists(err)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("position in %q: %w", marketID, ErrAlreadyExists)
		}
		if market.Resolved {
			return fmt.Errorf("market %q: %w", marketID, ErrMarketResolved)
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		if vault.Balance < amount {
			return fmt.Errorf("balance %d < %d: %w", vault.Balance, amount, ErrInsufficientBalance)
		}
		if !side.IsValid() {
			return fmt.Errorf("%q: %w", side, ErrInvalidSide)
		}
		price := market.PriceFor(side)
		if price == 0 {
			return fmt.Errorf("%s quote is zero: %w", side, ErrInvalidPrice)
		}

		quantity, err := pricing.Quantity(amount, price)
		if err != nil {
			return mathError(err)
		}
		if market.TotalVolume, err = pricing.Add(market.TotalVolume, amount); err != nil {
			return mathError(err)
		}
		vault.Balance -= amount
		vault.PositionCount++

		pos := &model.Position{
			Key:            posKey,
			Vault:          vaultKey,
			Market:         marketKey,
			Side:           side,
			Quantity:       quantity,
			EntryPrice:     price,
			AmountInvested: amount,
			CreatedAt:      t.now,
		}
		t.batch.Insert(pos)
		t.batch.Update(vault)
		t.batch.Update(market)
		t.batch.Protocol = store.ProtocolDelta{Volume: amount}

		rcpt = Receipt{Position: pos, Vault: vault, Amount: amount}
		platform = market.Platform

		t.set("position", posKey)
		t.set("side", side)
		t.set("quantity", quantity)
		t.set("price", price)
		t.set("amount", amount)
		return t.emit(events.PositionOpened{
			Position: posKey,
			Vault:    vaultKey,
			Market:   marketKey,
			Side:     side,
			Quantity: quantity,
			Price:    price,
			Amount:   amount,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.Volume.WithLabelValues(string(platform)).Add(float64(amount))
	metrics.OpenPositions.Inc()
	return &rcpt, nil
}

// ClosePosition exits an open position early at the current quote of its
// side.
func (e *Engine) ClosePosition(ctx context.Context, owner model.Identity, marketID string) (*Receipt, error) {
	return e.exit(ctx, "close_position", owner, marketID, func(market *model.Market, pos *model.Position) (uint64, error) {
		if market.Resolved {
			return 0, fmt.Errorf("market %q: %w", marketID, ErrMarketResolved)
		}
		if pos.Settled {
			return 0, ErrAlreadySettled
		}
		value, err := pricing.Value(pos.Quantity, market.PriceFor(pos.Side))
		if err != nil {
			return 0, mathError(err)
		}
		return value, nil
	}, func(pos *model.Position, vault model.Key, credit uint64) events.Event {
		return events.PositionClosed{Position: pos.Key, Vault: vault, ValueReturned: credit, PnL: pos.PnL}
	})
}

// SettlePosition pays out a position after its market resolved: one unit
// per share when the side matches the outcome, nothing otherwise. An
// invalid outcome pays nothing to either side.
func (e *Engine) SettlePosition(ctx context.Context, owner model.Identity, marketID string) (*Receipt, error) {
	return e.exit(ctx, "settle_position", owner, marketID, func(market *model.Market, pos *model.Position) (uint64, error) {
		if !market.Resolved || market.Outcome == nil {
			return 0, fmt.Errorf("market %q: %w", marketID, ErrMarketNotResolved)
		}
		if pos.Settled {
			return 0, ErrAlreadySettled
		}
		return Payout(pos.Side, *market.Outcome, pos.Quantity), nil
	}, func(pos *model.Position, vault model.Key, credit uint64) events.Event {
		return events.PositionSettled{Position: pos.Key, Vault: vault, Payout: credit, PnL: pos.PnL}
	})
}

// Payout returns the settlement value of quantity shares of side given the
// outcome.
func Payout(side model.Side, outcome model.Outcome, quantity uint64) uint64 {
	switch {
	case side == model.SideYes && outcome == model.OutcomeYes:
		return quantity
	case side == model.SideNo && outcome == model.OutcomeNo:
		return quantity
	default:
		return 0
	}
}

// exit is the shared close/settle path. value computes the credit after
// checking the path's own preconditions.
func (e *Engine) exit(
	ctx context.Context,
	op string,
	owner model.Identity,
	marketID string,
	value func(*model.Market, *model.Position) (uint64, error),
	event func(pos *model.Position, vault model.Key, credit uint64) events.Event,
) (*Receipt, error) {
	if owner == "" {
		return nil, ErrUnauthorized
	}
	vaultKey, marketKey, posKey := positionKeys(owner, marketID)

	var rcpt Receipt
	err := e.transition(ctx, op, []model.Key{vaultKey, marketKey, posKey}, func(t *txn) error {
		vault, err := loadVault(ctx, e.store, owner)
		if err != nil {
			return err
		}
		if err := authorize(owner, vault.Owner); err != nil {
			return err
		}
		market, err := loadMarket(ctx, e.store, marketID)
		if err != nil {
			return err
		}
		pos, err := loadPosition(ctx, e.store, posKey)
		if err != nil {
			return err
		}

		credit, err := value(market, pos)
		if err != nil {
			return err
		}
		pnl, err := pricing.PnL(credit, pos.AmountInvested)
		if err != nil {
			return mathError(err)
		}
		if vault.Balance, err = pricing.Add(vault.Balance, credit); err != nil {
			return mathError(err)
		}
		if vault.TotalPnL, err = pricing.AddSigned(vault.TotalPnL, pnl); err != nil {
			return mathError(err)
		}
		vault.PositionCount--

		now := t.now
		pos.Settled = true
		pos.PnL = pnl
		pos.SettledAt = &now

		t.batch.Update(pos)
		t.batch.Update(vault)
		rcpt = Receipt{Position: pos, Vault: vault, Amount: credit}

		t.set("position", posKey)
		t.set("credit", credit)
		t.set("pnl", pnl)
		t.set("balance", vault.Balance)
		return t.emit(event(pos, vaultKey, credit))
	})
	if err != nil {
		return nil, err
	}

	path := "close"
	if op == "settle_position" {
		path = "settle"
	}
	metrics.Payouts.WithLabelValues(path).Add(float64(rcpt.Amount))
	metrics.OpenPositions.Dec()
	return &rcpt, nil
}
