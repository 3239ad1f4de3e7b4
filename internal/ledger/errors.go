package ledger

import (
	"errors"
)

// Validation errors
var (
	// ErrInvalidAmount is returned for a zero deposit, withdrawal or stake.
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	// ErrInvalidPrice is returned when a price exceeds 10000 bps or the quote
	// for the chosen side is zero.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidFeeRate is returned when fee_bps exceeds 10000.
	ErrInvalidFeeRate = errors.New("fee rate must be within [0, 10000] bps")

	// ErrStringTooLong is returned when a market id or title exceeds its bound.
	ErrStringTooLong = errors.New("string exceeds maximum length")

	// ErrInvalidMarketID is returned for an empty market identifier.
	ErrInvalidMarketID = errors.New("market id must not be empty")

	// ErrInvalidPlatform is returned for an unknown platform tag.
	ErrInvalidPlatform = errors.New("unsupported platform")

	// ErrInvalidSide is returned when the side is not yes or no.
	ErrInvalidSide = errors.New("side must be yes or no")

	// ErrInvalidOutcome is returned when the outcome is not yes, no or invalid.
	ErrInvalidOutcome = errors.New("outcome must be yes, no or invalid")
)

// Balance errors
var (
	// ErrInsufficientBalance is returned when a vault cannot cover a
	// withdrawal or stake.
	ErrInsufficientBalance = errors.New("insufficient vault balance")

	// ErrTransferFailed is returned when the owner's external funds cannot
	// cover a deposit.
	ErrTransferFailed = errors.New("funds transfer failed")

	// ErrOverflow is returned when an amount or counter would overflow.
	ErrOverflow = errors.New("arithmetic overflow")
)

// State conflict errors
var (
	ErrAlreadyInitialized    = errors.New("protocol is already initialized")
	ErrAlreadyExists         = errors.New("record already exists")
	ErrMarketAlreadyResolved = errors.New("market is already resolved")
	ErrMarketNotResolved     = errors.New("market is not resolved")
	ErrMarketResolved        = errors.New("market is resolved")
	ErrAlreadySettled        = errors.New("position is already settled")
	ErrOracleInactive        = errors.New("oracle is inactive")
)

// Not found errors
var (
	ErrProtocolNotInitialized = errors.New("protocol is not initialized")
	ErrVaultNotFound          = errors.New("vault not found")
	ErrMarketNotFound         = errors.New("market not found")
	ErrPositionNotFound       = errors.New("position not found")
	ErrOracleNotFound         = errors.New("oracle not found")
)

// ErrUnauthorized is returned when the caller lacks the required identity.
var ErrUnauthorized = errors.New("unauthorized")

// ──────────────────────────────────────────────────────────────────────────────
// Helper predicates
// ──────────────────────────────────────────────────────────────────────────────

var notFoundErrors = []error{
	ErrProtocolNotInitialized,
	ErrVaultNotFound,
	ErrMarketNotFound,
	ErrPositionNotFound,
	ErrOracleNotFound,
}

var conflictErrors = []error{
	ErrAlreadyInitialized,
	ErrAlreadyExists,
	ErrMarketAlreadyResolved,
	ErrMarketNotResolved,
	ErrMarketResolved,
	ErrAlreadySettled,
	ErrOracleInactive,
}

var validationErrors = []error{
	ErrInvalidAmount,
	ErrInvalidPrice,
	ErrInvalidFeeRate,
	ErrStringTooLong,
	ErrInvalidMarketID,
	ErrInvalidPlatform,
	ErrInvalidSide,
	ErrInvalidOutcome,
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound returns true when err is one of the "not found" errors.
func IsNotFound(err error) bool { return isAny(err, notFoundErrors) }

// IsConflict returns true for errors caused by the current state of a record
// (duplicates, resolution state, settlement state).
func IsConflict(err error) bool { return isAny(err, conflictErrors) }

// IsAuthError returns true when the caller was not authorized.
func IsAuthError(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsValidation returns true for malformed input.
func IsValidation(err error) bool { return isAny(err, validationErrors) }

// IsFunds returns true when a balance or custody account cannot cover an amount.
func IsFunds(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrTransferFailed)
}

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrInvalidFeeRate, "invalid_fee_rate"},
	{ErrStringTooLong, "string_too_long"},
	{ErrInvalidMarketID, "invalid_market_id"},
	{ErrInvalidPlatform, "invalid_platform"},
	{ErrInvalidSide, "invalid_side"},
	{ErrInvalidOutcome, "invalid_outcome"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrOverflow, "overflow"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrAlreadyExists, "already_exists"},
	{ErrMarketAlreadyResolved, "market_already_resolved"},
	{ErrMarketNotResolved, "market_not_resolved"},
	{ErrMarketResolved, "market_resolved"},
	{ErrAlreadySettled, "already_settled"},
	{ErrOracleInactive, "oracle_inactive"},
	{ErrProtocolNotInitialized, "protocol_not_initialized"},
	{ErrVaultNotFound, "vault_not_found"},
	{ErrMarketNotFound, "market_not_found"},
	{ErrPositionNotFound, "position_not_found"},
	{ErrOracleNotFound, "oracle_not_found"},
	{ErrUnauthorized, "unauthorized"},
}

// Kind returns a stable machine-readable code for err, or "internal".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
