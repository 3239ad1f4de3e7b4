// Package events defines the notification emitted by every successful ledger
// operation. Field sets (and their JSON names) are part of the audit-log
// format consumed by external observers and must not change.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/vault-ledger/internal/model"
)

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeProtocolInitialized
	TypeVaultCreated
	TypeDeposited
	TypeWithdrawn
	TypeMarketRegistered
	TypePriceUpdated
	TypePositionOpened
	TypePositionClosed
	TypeMarketResolved
	TypePositionSettled
	TypeOracleAdded
	TypeOracleStatusChanged
)

var typeNames = map[Type]string{
	TypeProtocolInitialized: "ProtocolInitialized",
	TypeVaultCreated:        "VaultCreated",
	TypeDeposited:           "Deposited",
	TypeWithdrawn:           "Withdrawn",
	TypeMarketRegistered:    "MarketRegistered",
	TypePriceUpdated:        "PriceUpdated",
	TypePositionOpened:      "PositionOpened",
	TypePositionClosed:      "PositionClosed",
	TypeMarketResolved:      "MarketResolved",
	TypePositionSettled:     "PositionSettled",
	TypeOracleAdded:         "OracleAdded",
	TypeOracleStatusChanged: "OracleStatusChanged",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "Unknown"
}

// ParseType is the inverse of Type.String.
func ParseType(s string) Type {
	for t, n := range typeNames {
		if n == s {
			return t
		}
	}
	return TypeUnknown
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	*t = ParseType(string(b))
	if *t == TypeUnknown {
		return fmt.Errorf("events: unknown event type %q", b)
	}
	return nil
}

// Event is implemented by every notification payload.
type Event interface {
	// EventType returns the discriminator.
	EventType() Type

	// Refs returns the keys of the entities the event names.
	Refs() []model.Key
}

// Envelope wraps a serialized event for the audit log and outbound sinks.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	Refs      []model.Key     `json:"refs"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Wrap serializes evt into a new envelope stamped with ts.
func Wrap(evt Event, ts time.Time) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return Envelope{
		ID:        uuid.New(),
		Type:      evt.EventType(),
		Refs:      evt.Refs(),
		Timestamp: ts.UTC(),
		Payload:   payload,
	}, nil
}

// References reports whether the envelope names key.
func (e Envelope) References(key model.Key) bool {
	for _, r := range e.Refs {
		if r == key {
			return true
		}
	}
	return false
}

// --- Payloads ---

type ProtocolInitialized struct {
	Authority model.Identity `json:"authority"`
	Treasury  model.Identity `json:"treasury"`
	FeeBps    uint16         `json:"fee_bps"`
}

func (ProtocolInitialized) EventType() Type   { return TypeProtocolInitialized }
func (ProtocolInitialized) Refs() []model.Key { return []model.Key{model.ProtocolKey()} }

type VaultCreated struct {
	Owner model.Identity `json:"owner"`
	Vault model.Key      `json:"vault"`
}

func (VaultCreated) EventType() Type     { return TypeVaultCreated }
func (e VaultCreated) Refs() []model.Key { return []model.Key{e.Vault} }

type Deposited struct {
	Vault      model.Key      `json:"vault"`
	Owner      model.Identity `json:"owner"`
	Amount     uint64         `json:"amount"`
	NewBalance uint64         `json:"new_balance"`
}

func (Deposited) EventType() Type     { return TypeDeposited }
func (e Deposited) Refs() []model.Key { return []model.Key{e.Vault} }

// Withdrawn carries the net amount paid to the owner in Amount.
type Withdrawn struct {
	Vault      model.Key      `json:"vault"`
	Owner      model.Identity `json:"owner"`
	Amount     uint64         `json:"amount"`
	Fee        uint64         `json:"fee"`
	NewBalance uint64         `json:"new_balance"`
}

func (Withdrawn) EventType() Type     { return TypeWithdrawn }
func (e Withdrawn) Refs() []model.Key { return []model.Key{e.Vault} }

type MarketRegistered struct {
	Market   model.Key      `json:"market"`
	MarketID string         `json:"market_id"`
	Platform model.Platform `json:"platform"`
}

func (MarketRegistered) EventType() Type     { return TypeMarketRegistered }
func (e MarketRegistered) Refs() []model.Key { return []model.Key{e.Market} }

type PriceUpdated struct {
	Market    model.Key `json:"market"`
	YesPrice  uint16    `json:"yes_price"`
	NoPrice   uint16    `json:"no_price"`
	Timestamp int64     `json:"timestamp"`
}

func (PriceUpdated) EventType() Type     { return TypePriceUpdated }
func (e PriceUpdated) Refs() []model.Key { return []model.Key{e.Market} }

type PositionOpened struct {
	Position model.Key  `json:"position"`
	Vault    model.Key  `json:"vault"`
	Market   model.Key  `json:"market"`
	Side     model.Side `json:"side"`
	Quantity uint64     `json:"quantity"`
	Price    uint16     `json:"price"`
	Amount   uint64     `json:"amount"`
}

func (PositionOpened) EventType() Type { return TypePositionOpened }
func (e PositionOpened) Refs() []model.Key {
	return []model.Key{e.Position, e.Vault, e.Market}
}

type PositionClosed struct {
	Position      model.Key `json:"position"`
	Vault         model.Key `json:"vault"`
	ValueReturned uint64    `json:"value_returned"`
	PnL           int64     `json:"pnl"`
}

func (PositionClosed) EventType() Type     { return TypePositionClosed }
func (e PositionClosed) Refs() []model.Key { return []model.Key{e.Position, e.Vault} }

type MarketResolved struct {
	Market    model.Key     `json:"market"`
	Outcome   model.Outcome `json:"outcome"`
	Timestamp int64         `json:"timestamp"`
}

func (MarketResolved) EventType() Type     { return TypeMarketResolved }
func (e MarketResolved) Refs() []model.Key { return []model.Key{e.Market} }

type PositionSettled struct {
	Position model.Key `json:"position"`
	Vault    model.Key `json:"vault"`
	Payout   uint64    `json:"payout"`
	PnL      int64     `json:"pnl"`
}

func (PositionSettled) EventType() Type     { return TypePositionSettled }
func (e PositionSettled) Refs() []model.Key { return []model.Key{e.Position, e.Vault} }

type OracleAdded struct {
	Oracle model.Identity `json:"oracle"`
}

func (OracleAdded) EventType() Type     { return TypeOracleAdded }
func (e OracleAdded) Refs() []model.Key { return []model.Key{model.OracleKey(e.Oracle)} }

type OracleStatusChanged struct {
	Oracle model.Identity `json:"oracle"`
	Active bool           `json:"active"`
}

func (OracleStatusChanged) EventType() Type     { return TypeOracleStatusChanged }
func (e OracleStatusChanged) Refs() []model.Key { return []model.Key{model.OracleKey(e.Oracle)} }
