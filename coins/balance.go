package coins

import (
	"context"
	"fmt"
	"math/big"
)

// CheckEnoughToTrade fails with ErrInsufficientFunds when the spendable
// balance of coin does not cover amount. Transport errors are returned as
// is.
func CheckEnoughToTrade(ctx context.Context, coin Coin, amount *big.Rat) error {
	balance, err := coin.Balance(ctx)
	if err != nil {
		return err
	}
	if balance.Spendable.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s spendable, need %s", ErrInsufficientFunds, coin.Ticker(),
			FormatAmount(balance.Spendable, coin.Decimals()), FormatAmount(amount, coin.Decimals()))
	}
	return nil
}
