package coins

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a coin amount to integer base units, truncating any
// fraction below the coin's precision.
func ToBaseUnits(amount *big.Rat, decimals uint8) (uint64, error) {
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount %v", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Int).Mul(amount.Num(), scale)
	scaled.Quo(scaled, amount.Denom())
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows base units", amount.FloatString(int(decimals)))
	}
	return scaled.Uint64(), nil
}

func FromBaseUnits(units uint64, decimals uint8) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(units), scale)
}

// FormatAmount renders amount with the coin's precision.
func FormatAmount(amount *big.Rat, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.Num(), 0).
		DivRound(decimal.NewFromBigInt(amount.Denom(), 0), int32(decimals)).
		StringFixed(int32(decimals))
}

// ParseAmount parses a decimal string into an exact rational.
func ParseAmount(s string) (*big.Rat, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d.Rat(), nil
}
