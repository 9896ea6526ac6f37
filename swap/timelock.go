package swap

import (
	"fmt"
	"math/big"
	"time"

	"github.com/peerdex/peerdex/coins"
)

const (
	// BasicLockDuration is the lock time of the taker payment for coins
	// without a multiplier. The maker payment is locked twice as long.
	BasicLockDuration = 7800 * time.Second

	// DexFeeDivisor sets the taker fee to 1/777 of the taker amount.
	DexFeeDivisor = 777
)

// DexFeeAmount is the fee the taker pays for a swap of takerAmount, never
// less than the smallest amount the taker coin can send.
func DexFeeAmount(takerAmount, minTxAmount *big.Rat) *big.Rat {
	fee := new(big.Rat).Quo(takerAmount, big.NewRat(DexFeeDivisor, 1))
	if minTxAmount != nil && fee.Cmp(minTxAmount) < 0 {
		return new(big.Rat).Set(minTxAmount)
	}
	return fee
}

// paymentLocks returns the absolute lock times of both payments for a swap
// started at startedAt.
func paymentLocks(startedAt uint64, lockDuration uint64) (takerLock, makerLock uint64) {
	return startedAt + lockDuration, startedAt + 2*lockDuration
}

func safetyMargin(lockDuration uint64) uint64 {
	return lockDuration / 3
}

// confirmationWindow is the time a coin needs to bury a transaction confs
// blocks deep.
func confirmationWindow(coin coins.Coin, confs uint64) time.Duration {
	return time.Duration(atLeastOne(confs)) * coin.AvgBlockTime()
}

// lockSkew is the smallest distance the maker lock must keep from the taker
// lock: the confirmation window of the slower chain plus the safety margin.
func lockSkew(makerCoin, takerCoin coins.Coin, swap *SwapData) uint64 {
	window := confirmationWindow(makerCoin, swap.MakerCoinConfs())
	if w := confirmationWindow(takerCoin, swap.TakerCoinConfs()); w > window {
		window = w
	}
	return uint64(window/time.Second) + safetyMargin(swap.LockDuration)
}

func checkLockSkew(takerLock, makerLock, skew uint64) error {
	if takerLock+skew > makerLock {
		return fmt.Errorf("taker payment lock %d plus %d s is past maker payment lock %d", takerLock, skew, makerLock)
	}
	return nil
}

func unixTime(t uint64) time.Time {
	return time.Unix(int64(t), 0)
}

// negotiationDeadline bounds the handshake.
func (d *SwapData) negotiationDeadline(timeout time.Duration) time.Time {
	return unixTime(d.StartedAt).Add(timeout)
}

// takerFeeDeadline is when the maker stops waiting for a confirmed taker fee.
func (d *SwapData) takerFeeDeadline() time.Time {
	return unixTime(d.StartedAt + d.LockDuration/6)
}

// makerPaymentDeadline is when the taker stops waiting for the maker
// payment.
func (d *SwapData) makerPaymentDeadline() time.Time {
	return unixTime(d.StartedAt + d.LockDuration/3)
}

// takerPaymentDeadline is the last moment the taker may lock its payment.
func (d *SwapData) takerPaymentDeadline() time.Time {
	return unixTime(d.StartedAt + d.LockDuration/2)
}

// takerPaymentSpendDeadline is the last moment the maker may spend the
// taker payment. Past it the taker may already be refunding.
func (d *SwapData) takerPaymentSpendDeadline() time.Time {
	return unixTime(d.TakerPaymentLock - safetyMargin(d.LockDuration))
}
