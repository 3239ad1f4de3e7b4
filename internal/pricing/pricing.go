// Package pricing implements the basis-point fixed-point arithmetic of the
// ledger: withdrawal fees, share quantities at entry, mark-to-market values
// and signed P&L.
//
// Every product is computed exactly with shopspring/decimal (arbitrary
// precision) and then floored to integer base units, so intermediate values
// never overflow and rounding never favours the protocol beyond
// floor(a*b/c). Results that do not fit the target integer type return
// ErrOverflow instead of wrapping.
package pricing

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/vault-ledger/internal/model"
)

var (
	// ErrZeroPrice is returned when a zero price would be used as a divisor.
	ErrZeroPrice = errors.New("pricing: price must be positive")

	// ErrPriceOutOfRange is returned for prices or rates above MaxBps.
	ErrPriceOutOfRange = errors.New("pricing: basis points must be within [0, 10000]")

	// ErrOverflow is returned when a result does not fit its integer type.
	ErrOverflow = errors.New("pricing: arithmetic overflow")
)

var fullUnit = decimal.NewFromInt(model.MaxBps)

func fromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// mulDivFloor returns floor(a*b/c) for non-negative operands.
func mulDivFloor(a, b, c decimal.Decimal) (uint64, error) {
	q, _ := a.Mul(b).QuoRem(c, 0)
	bi := q.BigInt()
	if !bi.IsUint64() {
		return 0, ErrOverflow
	}
	return bi.Uint64(), nil
}

// ValidBps reports whether v is within [0, 10000].
func ValidBps(v uint16) bool {
	return v <= model.MaxBps
}

// Fee splits a withdrawal into the protocol fee and the net amount paid out:
//
//	fee = floor(amount * feeBps / 10000), net = amount - fee
func Fee(amount uint64, feeBps uint16) (fee, net uint64, err error) {
	if !ValidBps(feeBps) {
		return 0, 0, ErrPriceOutOfRange
	}
	fee, err = mulDivFloor(fromUint(amount), decimal.NewFromInt(int64(feeBps)), fullUnit)
	if err != nil {
		return 0, 0, err
	}
	return fee, amount - fee, nil
}

// Quantity returns the number of shares bought with amount at price:
//
//	quantity = floor(amount * 10000 / price)
func Quantity(amount uint64, price uint16) (uint64, error) {
	if price == 0 {
		return 0, ErrZeroPrice
	}
	if !ValidBps(price) {
		return 0, ErrPriceOutOfRange
	}
	return mulDivFloor(fromUint(amount), fullUnit, decimal.NewFromInt(int64(price)))
}

// Value marks quantity shares at price:
//
//	value = floor(quantity * price / 10000)
func Value(quantity uint64, price uint16) (uint64, error) {
	if !ValidBps(price) {
		return 0, ErrPriceOutOfRange
	}
	return mulDivFloor(fromUint(quantity), decimal.NewFromInt(int64(price)), fullUnit)
}

// PnL returns credited - invested as a signed amount.
func PnL(credited, invested uint64) (int64, error) {
	diff := fromUint(credited).Sub(fromUint(invested))
	bi := diff.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return bi.Int64(), nil
}

// Add returns a + b, or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// AddSigned returns a + b for signed running totals, or ErrOverflow.
func AddSigned(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}
