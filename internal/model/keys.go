package model

import (
	"github.com/google/uuid"
)

// Key is the deterministic address of an entity. The same logical entity
// always derives the same key.
type Key string

// keyNamespace seeds every derived key (name-based UUID, version 5).
var keyNamespace = uuid.MustParse("6f1c7d2e-4b0a-5c3e-9a51-2d8e0f7b3c19")

// Seed prefixes, one per entity kind.
const (
	seedProtocol = "protocol"
	seedVault    = "vault/"
	seedMarket   = "market/"
	seedPosition = "position/"
	seedOracle   = "oracle/"
)

func derive(seed string) Key {
	return Key(uuid.NewSHA1(keyNamespace, []byte(seed)).String())
}

// ProtocolKey returns the singleton protocol key.
func ProtocolKey() Key { return derive(seedProtocol) }

// VaultKey returns the key of the vault owned by owner.
func VaultKey(owner Identity) Key { return derive(seedVault + string(owner)) }

// MarketKey returns the key of the market with the given external identifier.
func MarketKey(marketID string) Key { return derive(seedMarket + marketID) }

// PositionKey returns the key of the position held by vault in market.
func PositionKey(vault, market Key) Key {
	return derive(seedPosition + string(vault) + "/" + string(market))
}

// OracleKey returns the key of the registration for oracle.
func OracleKey(oracle Identity) Key { return derive(seedOracle + string(oracle)) }

func (k Key) String() string { return string(k) }
