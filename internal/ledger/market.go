package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/model"
)

// initialPrice is the quote of both sides when a market is registered.
const initialPrice = model.MaxBps / 2

// MarketParams describes a market to register.
type MarketParams struct {
	MarketID  string         `json:"market_id"`
	Platform  model.Platform `json:"platform"`
	Title     string         `json:"title"`
	CloseTime time.Time      `json:"close_time"`
	Oracle    model.Identity `json:"oracle"`
}

func (p MarketParams) validate() error {
	if p.MarketID == "" {
		return ErrInvalidMarketID
	}
	if len(p.MarketID) > model.MaxMarketIDLen {
		return fmt.Errorf("market id is %d bytes, max %d: %w", len(p.MarketID), model.MaxMarketIDLen, ErrStringTooLong)
	}
	if len(p.Title) > model.MaxTitleLen {
		return fmt.Errorf("title is %d bytes, max %d: %w", len(p.Title), model.MaxTitleLen, ErrStringTooLong)
	}
	if !p.Platform.IsValid() {
		return fmt.Errorf("%q: %w", p.Platform, ErrInvalidPlatform)
	}
	return nil
}

// RegisterMarket creates a market bound to an active oracle. Admin only.
func (e *Engine) RegisterMarket(ctx context.Context, caller model.Identity, p MarketParams) (*model.Market, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}

	var market *model.Market
	key := model.MarketKey(p.MarketID)
	keys := []model.Key{key, model.OracleKey(p.Oracle)}
	err := e.transition(ctx, "register_market", keys, func(t *txn) error {
		proto, err := loadProtocol(ctx, e.store)
		if err != nil {
			return err
		}
		if err := authorize(caller, proto.Admin); err != nil {
			return err
		}
		if err := p.validate(); err != nil {
			return err
		}

		oracle, err := loadOracle(ctx, e.store, p.Oracle)
		if err != nil {
			return err
		}
		if !oracle.Active {
			return fmt.Errorf("oracle %s: %w", p.Oracle, ErrOracleInactive)
		}

		_, err = e.store.GetMarket(ctx, key)
		found, err := exists(err)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("market %q: %w", p.MarketID, ErrAlreadyExists)
		}

		market = &model.Market{
			Key:       key,
			MarketID:  p.MarketID,
			Platform:  p.Platform,
			Title:     p.Title,
			YesPrice:  initialPrice,
			NoPrice:   initialPrice,
			CloseTime: p.CloseTime.UTC(),
			Oracle:    p.Oracle,
			CreatedAt: t.now,
		}
		t.batch.Insert(market)
		t.set("market", key)
		t.set("market_id", p.MarketID)
		t.set("platform", p.Platform)
		t.set("oracle", p.Oracle)
		return t.emit(events.MarketRegistered{Market: key, MarketID: p.MarketID, Platform: p.Platform})
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// UpdatePrice overwrites both quotes of a market. Only the market's oracle
// may call it. Updates after resolution are accepted and have no effect on
// settlement.
func (e *Engine) UpdatePrice(ctx context.Context, caller model.Identity, marketID string, yesPrice, noPrice uint16) (*model.Market, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}

	var market *model.Market
	err := e.transition(ctx, "update_price", []model.Key{model.MarketKey(marketID)}, func(t *txn) error {
		var err error
		market, err = loadMarket(ctx, e.store, marketID)
		if err != nil {
			return err
		}
		if err := authorize(caller, market.Oracle); err != nil {
			return err
		}
		if yesPrice > model.MaxBps || noPrice > model.MaxBps {
			return fmt.Errorf("prices %d/%d: %w", yesPrice, noPrice, ErrInvalidPrice)
		}

		market.YesPrice, market.NoPrice = yesPrice, noPrice
		t.batch.Update(market)
		t.set("market", market.Key)
		t.set("yes_price", yesPrice)
		t.set("no_price", noPrice)
		return t.emit(events.PriceUpdated{
			Market:    market.Key,
			YesPrice:  yesPrice,
			NoPrice:   noPrice,
			Timestamp: t.now.Unix(),
		})
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// ResolveMarket records the final outcome. Only the market's oracle may
// call it, and only once.
func (e *Engine) ResolveMarket(ctx context.Context, caller model.Identity, marketID string, outcome model.Outcome) (*model.Market, error) {
	if caller == "" {
		return nil, ErrUnauthorized
	}

	// The bound oracle never changes, so it can be read before locking.
	current, err := loadMarket(ctx, e.store, marketID)
	if err != nil {
		return nil, err
	}
	oracleKey := model.OracleKey(current.Oracle)

	var market *model.Market
	err = e.transition(ctx, "resolve_market", []model.Key{current.Key, oracleKey}, func(t *txn) error {
		var err error
		market, err = loadMarket(ctx, e.store, marketID)
		if err != nil {
			return err
		}
		if err := authorize(caller, market.Oracle); err != nil {
			return err
		}
		if market.Resolved {
			return fmt.Errorf("market %q: %w", marketID, ErrMarketAlreadyResolved)
		}
		if !outcome.IsValid() {
			return fmt.Errorf("%q: %w", outcome, ErrInvalidOutcome)
		}

		o := outcome
		market.Resolved = true
		market.Outcome = &o
		t.batch.Update(market)

		reg, err := e.store.GetOracle(ctx, oracleKey)
		found, err := exists(err)
		if err != nil {
			return err
		}
		if found {
			reg.MarketsResolved++
			t.batch.Update(reg)
		}

		t.set("market", market.Key)
		t.set("outcome", outcome)
		return t.emit(events.MarketResolved{Market: market.Key, Outcome: outcome, Timestamp: t.now.Unix()})
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}
