package onchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var ErrTxNotFound = errors.New("transaction not found")

// RejectedError is returned by a backend when the chain refused a
// transaction. Any other backend error is considered a transport failure.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

type TxInfo struct {
	Tx *wire.MsgTx
	// Confirmations is 0 while the transaction sits in the mempool.
	Confirmations uint32
	BlockHeight   uint32
}

type Utxo struct {
	OutPoint      wire.OutPoint
	Value         int64
	PkScript      []byte
	Confirmations uint32
}

// ChainBackend is the view of a UTXO chain a Coin needs. pkScript arguments
// name the output script the caller is interested in so that index based
// backends (electrum) can look transactions up by script hash.
type ChainBackend interface {
	// BestBlock returns the tip height and the median time past of the tip,
	// the time absolute timelocks are checked against.
	BestBlock(ctx context.Context) (uint32, time.Time, error)
	// GetTx returns ErrTxNotFound for transactions neither mined nor in the
	// mempool.
	GetTx(ctx context.Context, txid *chainhash.Hash, pkScript []byte) (*TxInfo, error)
	// Broadcast succeeds for a transaction the chain already knows.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
	ListUnspent(ctx context.Context, pkScript []byte) ([]*Utxo, error)
	// FindSpend returns the transaction spending outpoint, or nil if it is
	// unspent. Mempool spends count.
	FindSpend(ctx context.Context, outpoint wire.OutPoint, pkScript []byte) (*wire.MsgTx, error)
	// FeeRate returns the estimated fee rate in sat/kw.
	FeeRate(ctx context.Context, targetBlocks uint32) (btcutil.Amount, error)
}
