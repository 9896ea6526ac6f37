package onchain

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/peerdex/peerdex/log"
)

const (
	// FeeTargetBlocks is the amount of blocks that is used to estimate the
	// on-chain fee.
	FeeTargetBlocks = 6

	// This defines the absolute floor of the feerate. This will be the minimum
	// feerate that will be used. The floor is set to 275 sat/kw so that we
	// always have a minimum fee rate of 1.1 sat/vb.
	floorFeeRateSatPerKw = 275

	// DustLimit is the smallest output the wallet creates. Change below it is
	// added to the fee.
	DustLimit = 546

	// Estimated sizes in vByte. A P2WPKH input is 68 vByte, a P2WPKH output
	// 31 vByte and a P2WSH output 43 vByte. The transaction overhead is 11
	// vByte.
	txOverheadVSize   = 11
	p2wpkhInputVSize  = 68
	p2wpkhOutputVSize = 31
	p2wshOutputVSize  = 43

	// HTLC spends carry the largest witness: signature, secret, an empty
	// selector and the contract. (73 + 33 + 1 + 100 + 4) / 4 rounded up,
	// plus the 41 vByte non-witness input.
	htlcInputVSize = 41 + 53
)

// GetFee returns the estimated fee in sat for a transaction of size txSize. It
// fetches the fee estimation from the backend in sat/kw and converts the
// returned fee estimation into sat/vb. The return value is in sat.
func (c *Coin) GetFee(ctx context.Context, txSize int64) (uint64, error) {
	satPerKw, err := c.backend.FeeRate(ctx, FeeTargetBlocks)
	switch {
	case err != nil:
		log.Debugf("[%s] Error fetching fee from backend: %v", c.cfg.Ticker, err)
		fallthrough
	case satPerKw == 0:
		// If we got no fee rate return we set the fee rate to the fallback
		// fee.
		satPerKw = c.cfg.FallbackFeeRateSatPerKw
	}

	// Ensure that the fee rate is at least as big as our fee floor.
	if satPerKw < floorFeeRateSatPerKw {
		log.Debugf("[%s] Estimated fee rate is below floor of %d sat/kw, take floor "+
			"instead", c.cfg.Ticker, floorFeeRateSatPerKw)
		satPerKw = floorFeeRateSatPerKw
	}

	// Convert to sat/vb. This operation is rounding down but should never be
	// below 1.0 sat/vb since the floor is above 250 sat/kw.
	satPerKb := satPerKw * btcutil.Amount(witnessScaleFactor)
	satPerVb := float64(satPerKb) / 1000

	fee := uint64(satPerVb * float64(txSize))
	log.Debugf("[%s] Using a fee rate of %.2f sat/vb for a total fee of %d", c.cfg.Ticker, satPerVb, fee)
	return fee, nil
}

const witnessScaleFactor = 4

func outputVSize(out *wire.TxOut) int64 {
	switch {
	case txscript.IsPayToWitnessScriptHash(out.PkScript):
		return p2wshOutputVSize
	case txscript.IsPayToWitnessPubKeyHash(out.PkScript):
		return p2wpkhOutputVSize
	default:
		return int64(9 + len(out.PkScript))
	}
}
