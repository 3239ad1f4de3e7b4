// Package portfolio builds the read-only view of a vault: every position,
// open positions marked to the live quote, and open exposure grouped by
// platform and side.
//
// Nothing here mutates ledger state. Marks use the same floor(qty*price/10000)
// rule as an early close, so an open position's mark value is exactly what
// closing it now would credit.
package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/pricing"
)

// Source is the read side of the ledger the portfolio is built from.
// *ledger.Engine satisfies it.
type Source interface {
	Vault(ctx context.Context, owner model.Identity) (*model.Vault, error)
	Positions(ctx context.Context, owner model.Identity) ([]model.Position, error)
	Markets(ctx context.Context) ([]model.Market, error)
}

// Holding is one position with its market context and, while open, its mark.
type Holding struct {
	model.Position
	MarketID      string         `json:"market_id"`
	Platform      model.Platform `json:"platform"`
	MarkPrice     uint16         `json:"mark_price"`
	MarkValue     uint64         `json:"mark_value"`
	UnrealizedPnL int64          `json:"unrealized_pnl"`
}

// Portfolio is the valuation of one vault.
type Portfolio struct {
	Owner              model.Identity            `json:"owner"`
	Vault              *model.Vault              `json:"vault"`
	Holdings           []Holding                 `json:"positions"`
	OpenExposure       uint64                    `json:"open_exposure"`
	ExposureByPlatform map[model.Platform]uint64 `json:"exposure_by_platform"`
	ExposureBySide     map[model.Side]uint64     `json:"exposure_by_side"`
	MarkValue          uint64                    `json:"mark_value"`
	UnrealizedPnL      int64                     `json:"unrealized_pnl"`
	RealizedPnL        int64                     `json:"realized_pnl"`
	// Utilization is open exposure as a percentage of balance plus open
	// exposure, rounded to two places.
	Utilization decimal.Decimal `json:"utilization"`
}

// Load reads owner's vault, positions and the markets they reference from
// src and builds the portfolio.
func Load(ctx context.Context, src Source, owner model.Identity) (*Portfolio, error) {
	vault, err := src.Vault(ctx, owner)
	if err != nil {
		return nil, err
	}
	positions, err := src.Positions(ctx, owner)
	if err != nil {
		return nil, err
	}
	markets, err := src.Markets(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[model.Key]model.Market, len(markets))
	for _, m := range markets {
		byKey[m.Key] = m
	}
	return Build(vault, positions, byKey)
}

// Build values positions against markets keyed by market key. Every position
// must reference a market in the map.
func Build(vault *model.Vault, positions []model.Position, markets map[model.Key]model.Market) (*Portfolio, error) {
	p := &Portfolio{
		Owner:              vault.Owner,
		Vault:              vault,
		Holdings:           make([]Holding, 0, len(positions)),
		ExposureByPlatform: make(map[model.Platform]uint64),
		ExposureBySide:     make(map[model.Side]uint64),
		Utilization:        decimal.Zero,
	}

	for _, pos := range positions {
		m, ok := markets[pos.Market]
		if !ok {
			return nil, fmt.Errorf("portfolio: position %s references unknown market %s", pos.Key, pos.Market)
		}
		h := Holding{Position: pos, MarketID: m.MarketID, Platform: m.Platform}

		if pos.Settled {
			p.RealizedPnL += pos.PnL
			p.Holdings = append(p.Holdings, h)
			continue
		}

		price := m.PriceFor(pos.Side)
		value, err := pricing.Value(pos.Quantity, price)
		if err != nil {
			return nil, fmt.Errorf("portfolio: mark %s: %w", pos.Key, err)
		}
		pnl, err := pricing.PnL(value, pos.AmountInvested)
		if err != nil {
			return nil, fmt.Errorf("portfolio: pnl %s: %w", pos.Key, err)
		}
		h.MarkPrice = price
		h.MarkValue = value
		h.UnrealizedPnL = pnl

		p.OpenExposure += pos.AmountInvested
		p.ExposureByPlatform[m.Platform] += pos.AmountInvested
		p.ExposureBySide[pos.Side] += pos.AmountInvested
		p.MarkValue += value
		p.UnrealizedPnL += pnl
		p.Holdings = append(p.Holdings, h)
	}

	if p.OpenExposure > 0 {
		exposure := decimal.NewFromUint64(p.OpenExposure)
		capital := exposure.Add(decimal.NewFromUint64(vault.Balance))
		p.Utilization = exposure.Div(capital).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return p, nil
}
