// Package model defines the core ledger entities shared across the engine.
// All monetary values are integer base units of the settlement currency;
// prices and fee rates are basis points where 10000 = 100%.
package model

import (
	"time"
)

// MaxBps is the full-unit value in basis points.
const MaxBps = 10000

// Bounds on market descriptor strings, in bytes.
const (
	MaxMarketIDLen = 64
	MaxTitleLen    = 256
)

// Identity is an authenticated caller, owner, oracle or treasury identity.
type Identity string

// Side is the outcome a position is exposed to.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// IsValid reports whether s is a recognised side.
func (s Side) IsValid() bool {
	return s == SideYes || s == SideNo
}

// Outcome is the final result of a resolved market.
type Outcome string

const (
	OutcomeYes     Outcome = "yes"
	OutcomeNo      Outcome = "no"
	OutcomeInvalid Outcome = "invalid" // voided event
)

// IsValid reports whether o is a recognised outcome.
func (o Outcome) IsValid() bool {
	return o == OutcomeYes || o == OutcomeNo || o == OutcomeInvalid
}

// Platform tags the external venue a market is tracked on.
type Platform string

const (
	PlatformKalshi     Platform = "kalshi"
	PlatformPolymarket Platform = "polymarket"
	PlatformManifold   Platform = "manifold"
)

// IsValid reports whether p is a supported platform.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformKalshi, PlatformPolymarket, PlatformManifold:
		return true
	}
	return false
}

// Protocol is the process-wide configuration record. Exactly one exists.
type Protocol struct {
	Key         Key      `json:"key" db:"key"`
	Admin       Identity `json:"admin" db:"admin"`
	Treasury    Identity `json:"treasury" db:"treasury"`
	FeeBps      uint16   `json:"fee_bps" db:"fee_bps"`
	TotalVolume uint64   `json:"total_volume" db:"total_volume"`
	TotalVaults uint64   `json:"total_vaults" db:"total_vaults"`
}

// Vault is a per-owner custody record.
type Vault struct {
	Key            Key       `json:"key" db:"key"`
	Owner          Identity  `json:"owner" db:"owner"`
	Balance        uint64    `json:"balance" db:"balance"`
	TotalDeposited uint64    `json:"total_deposited" db:"total_deposited"`
	TotalWithdrawn uint64    `json:"total_withdrawn" db:"total_withdrawn"`
	TotalPnL       int64     `json:"total_pnl" db:"total_pnl"`
	PositionCount  uint32    `json:"position_count" db:"position_count"` // unsettled positions
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Market is a tracked external binary-outcome event with a live two-sided quote.
type Market struct {
	Key         Key       `json:"key" db:"key"`
	MarketID    string    `json:"market_id" db:"market_id"`
	Platform    Platform  `json:"platform" db:"platform"`
	Title       string    `json:"title" db:"title"`
	YesPrice    uint16    `json:"yes_price" db:"yes_price"`
	NoPrice     uint16    `json:"no_price" db:"no_price"`
	TotalVolume uint64    `json:"total_volume" db:"total_volume"`
	Resolved    bool      `json:"resolved" db:"resolved"`
	Outcome     *Outcome  `json:"outcome" db:"outcome"` // nil until resolved
	CloseTime   time.Time `json:"close_time" db:"close_time"`
	Oracle      Identity  `json:"oracle" db:"oracle"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// PriceFor returns the current quote for the given side.
func (m *Market) PriceFor(s Side) uint16 {
	if s == SideYes {
		return m.YesPrice
	}
	return m.NoPrice
}

// Position is a vault's exposure to one side of one market.
// Once Settled is true the record is never mutated again.
type Position struct {
	Key            Key        `json:"key" db:"key"`
	Vault          Key        `json:"vault" db:"vault"`
	Market         Key        `json:"market" db:"market"`
	Side           Side       `json:"side" db:"side"`
	Quantity       uint64     `json:"quantity" db:"quantity"`
	EntryPrice     uint16     `json:"entry_price" db:"entry_price"`
	AmountInvested uint64     `json:"amount_invested" db:"amount_invested"`
	Settled        bool       `json:"settled" db:"settled"`
	PnL            int64      `json:"pnl" db:"pnl"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// OracleRegistration records an identity authorised to report prices and outcomes.
type OracleRegistration struct {
	Key             Key      `json:"key" db:"key"`
	Authority       Identity `json:"authority" db:"authority"`
	MarketsResolved uint64   `json:"markets_resolved" db:"markets_resolved"`
	Active          bool     `json:"active" db:"active"`
}
