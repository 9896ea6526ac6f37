package onchain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/ratelimit"
)

// RateLimitedBackend throttles every call to the wrapped backend. Several
// swaps polling the same coin share one limiter.
type RateLimitedBackend struct {
	backend ChainBackend
	limiter ratelimit.Limiter
}

var _ ChainBackend = (*RateLimitedBackend)(nil)

func NewRateLimitedBackend(backend ChainBackend, perSecond int) *RateLimitedBackend {
	return &RateLimitedBackend{
		backend: backend,
		limiter: ratelimit.New(perSecond),
	}
}

func (b *RateLimitedBackend) BestBlock(ctx context.Context) (uint32, time.Time, error) {
	b.limiter.Take()
	return b.backend.BestBlock(ctx)
}

func (b *RateLimitedBackend) GetTx(ctx context.Context, txid *chainhash.Hash, pkScript []byte) (*TxInfo, error) {
	b.limiter.Take()
	return b.backend.GetTx(ctx, txid, pkScript)
}

func (b *RateLimitedBackend) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	b.limiter.Take()
	return b.backend.Broadcast(ctx, tx)
}

func (b *RateLimitedBackend) ListUnspent(ctx context.Context, pkScript []byte) ([]*Utxo, error) {
	b.limiter.Take()
	return b.backend.ListUnspent(ctx, pkScript)
}

func (b *RateLimitedBackend) FindSpend(ctx context.Context, outpoint wire.OutPoint, pkScript []byte) (*wire.MsgTx, error) {
	b.limiter.Take()
	return b.backend.FindSpend(ctx, outpoint, pkScript)
}

func (b *RateLimitedBackend) FeeRate(ctx context.Context, targetBlocks uint32) (btcutil.Amount, error) {
	b.limiter.Take()
	return b.backend.FeeRate(ctx, targetBlocks)
}
