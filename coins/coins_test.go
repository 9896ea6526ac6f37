package coins

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		err           error
		wantTransport bool
		wantKind      ValidationKind
	}{
		"transport": {
			err:           NewTransportError("broadcast", context.DeadlineExceeded),
			wantTransport: true,
		},
		"wrapped transport": {
			err:           fmt.Errorf("taker fee: %w", NewTransportError("get_tx", errors.New("eof"))),
			wantTransport: true,
		},
		"wrong value": {
			err:      ValidationErrorf(WrongValue, "want %d got %d", 10, 9),
			wantKind: WrongValue,
		},
		"wrapped wrong receiver": {
			err:      fmt.Errorf("maker payment: %w", ValidationErrorf(WrongReceiver, "mismatch")),
			wantKind: WrongReceiver,
		},
		"plain error": {
			err: errors.New("boom"),
		},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantTransport, IsTransport(tt.err))
			kind, ok := ValidationKindOf(tt.err)
			assert.Equal(t, tt.wantKind != 0, ok)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	err := NewTransportError("get_history", context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "get_history")
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := ValidationErrorf(WrongValue, "%w: payment of %d sat", ErrInsufficientFunds, 1000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "WrongValue: insufficient funds: payment of 1000 sat", err.Error())

	assert.Nil(t, errors.Unwrap(ValidationErrorf(InvalidSwapData, "empty swap unique data")))
}

func TestBaseUnits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		amount   *big.Rat
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{name: "one coin", amount: big.NewRat(1, 1), decimals: 8, want: 100_000_000},
		{name: "half", amount: big.NewRat(1, 2), decimals: 8, want: 50_000_000},
		{name: "truncates", amount: big.NewRat(1, 3), decimals: 2, want: 33},
		{name: "dex fee", amount: big.NewRat(1, 777), decimals: 8, want: 128700},
		{name: "negative", amount: big.NewRat(-1, 1), decimals: 8, wantErr: true},
		{name: "overflow", amount: new(big.Rat).SetInt(new(big.Int).Lsh(big.NewInt(1), 70)), decimals: 8, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ToBaseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, 0, FromBaseUnits(50_000_000, 8).Cmp(big.NewRat(1, 2)))
}

func TestFormatParseAmount(t *testing.T) {
	r, err := ParseAmount("0.00777")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Cmp(big.NewRat(777, 100000)))
	assert.Equal(t, "0.00777000", FormatAmount(r, 8))
	assert.Equal(t, "0.33", FormatAmount(big.NewRat(1, 3), 2))

	_, err = ParseAmount("1,5")
	assert.Error(t, err)
}

type tickerCoin struct {
	Coin
	ticker string
	closed bool
}

func (c *tickerCoin) Ticker() string { return c.ticker }

func (c *tickerCoin) Close() error {
	c.closed = true
	return nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := &tickerCoin{ticker: "COIN-A"}
	b := &tickerCoin{ticker: "COIN-B"}
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(a))
	assert.ErrorIs(t, r.Register(&tickerCoin{ticker: "COIN-A"}), ErrCoinAlreadyRegistered)

	got, err := r.Get("COIN-A")
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = r.Get("COIN-C")
	assert.ErrorIs(t, err, ErrCoinNotFound)

	assert.Equal(t, []string{"COIN-A", "COIN-B"}, r.Tickers())

	require.NoError(t, r.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, r.Tickers())
}

type balanceCoin struct {
	tickerCoin
	balance *Balance
	err     error
}

func (c *balanceCoin) Balance(ctx context.Context) (*Balance, error) {
	return c.balance, c.err
}

func (c *balanceCoin) Decimals() uint8 { return 8 }

func TestCheckEnoughToTrade(t *testing.T) {
	t.Parallel()
	coin := &balanceCoin{
		tickerCoin: tickerCoin{ticker: "COIN-A"},
		balance:    &Balance{Spendable: big.NewRat(1, 1), Unspendable: big.NewRat(5, 1)},
	}
	assert.NoError(t, CheckEnoughToTrade(context.Background(), coin, big.NewRat(1, 1)))

	err := CheckEnoughToTrade(context.Background(), coin, big.NewRat(3, 2))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	coin.err = NewTransportError("list_unspent", errors.New("eof"))
	err = CheckEnoughToTrade(context.Background(), coin, big.NewRat(1, 2))
	assert.True(t, IsTransport(err))
}
