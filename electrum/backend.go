package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/peerdex/peerdex/onchain"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// rejectMarkers are fragments of the messages bitcoind and electrs use when
// a transaction breaks consensus or policy rules.
var rejectMarkers = []string{
	"rejected",
	"non-final",
	"non-bip68-final",
	"missing inputs",
	"missingorspent",
	"bad-txns",
	"mandatory-script-verify",
	"non-mandatory-script-verify",
	"txn-mempool-conflict",
	"min relay fee",
	"dust",
}

var alreadyKnownMarkers = []string{
	"already in block chain",
	"txn-already-known",
	"txn-already-in-mempool",
	"transaction already in",
}

type Option func(*Backend)

func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithMedianTimeLag sets how far behind the tip time the median time past
// is assumed to be until enough headers were received.
func WithMedianTimeLag(lag time.Duration) Option {
	return func(b *Backend) {
		b.headers.lag = lag
	}
}

// Backend implements onchain.ChainBackend on top of an electrum server.
type Backend struct {
	rpc     RPC
	headers *headerTracker
	logger  *zap.Logger
}

var _ onchain.ChainBackend = (*Backend)(nil)

// NewBackend subscribes to block headers. The subscription lives as long as
// ctx.
func NewBackend(ctx context.Context, rpc RPC, opts ...Option) (*Backend, error) {
	b := &Backend{
		rpc:     rpc,
		headers: newHeaderTracker(2 * time.Hour),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	headers, err := rpc.SubscribeHeaders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe headers")
	}
	go b.watchHeaders(ctx, headers)
	return b, nil
}

func (b *Backend) watchHeaders(ctx context.Context, headers <-chan *electrum.SubscribeHeadersResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case header, ok := <-headers:
			if !ok {
				b.logger.Warn("header subscription closed")
				return
			}
			if header == nil || header.Height < 0 {
				continue
			}
			if err := b.headers.Update(uint32(header.Height), header.Hex); err != nil {
				b.logger.Warn("invalid header", zap.Int64("height", int64(header.Height)), zap.Error(err))
				continue
			}
			b.logger.Debug("new tip", zap.Int64("height", int64(header.Height)))
		}
	}
}

func (b *Backend) BestBlock(ctx context.Context) (uint32, time.Time, error) {
	height, medianTime, ok := b.headers.Tip()
	if !ok {
		return 0, time.Time{}, errors.New("no block header received yet")
	}
	return height, medianTime, nil
}

func (b *Backend) GetTx(ctx context.Context, txid *chainhash.Hash, pkScript []byte) (*onchain.TxInfo, error) {
	history, err := b.rpc.GetHistory(ctx, scriptHash(pkScript))
	if err != nil {
		return nil, err
	}
	height, found := getHeight(history, txid)
	if !found {
		return nil, onchain.ErrTxNotFound
	}
	tx, err := b.getTransaction(ctx, txid.String())
	if err != nil {
		return nil, err
	}
	info := &onchain.TxInfo{Tx: tx}
	if height.Confirmed() {
		info.BlockHeight = height.Height()
		info.Confirmations = b.confirmations(height)
	}
	return info, nil
}

func (b *Backend) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	txid, err := b.rpc.BroadcastTransaction(ctx, hex.EncodeToString(buf.Bytes()))
	if err == nil {
		b.logger.Debug("broadcast", zap.String("txid", txid))
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range alreadyKnownMarkers {
		if strings.Contains(msg, marker) {
			return nil
		}
	}
	for _, marker := range rejectMarkers {
		if strings.Contains(msg, marker) {
			return &onchain.RejectedError{Reason: err.Error()}
		}
	}
	return errors.Wrap(err, "broadcast")
}

func (b *Backend) ListUnspent(ctx context.Context, pkScript []byte) ([]*onchain.Utxo, error) {
	unspent, err := b.rpc.ListUnspent(ctx, scriptHash(pkScript))
	if err != nil {
		return nil, err
	}
	utxos := make([]*onchain.Utxo, 0, len(unspent))
	for _, u := range unspent {
		hash, err := chainhash.NewHashFromStr(u.Hash)
		if err != nil {
			return nil, errors.Wrapf(err, "utxo hash %s", u.Hash)
		}
		utxo := &onchain.Utxo{
			OutPoint: wire.OutPoint{Hash: *hash, Index: uint32(u.Position)},
			Value:    int64(u.Value),
			PkScript: pkScript,
		}
		if height := BlockHeight(u.Height); height.Confirmed() {
			utxo.Confirmations = b.confirmations(height)
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// FindSpend scans the history of the output's script for a transaction
// spending outpoint.
func (b *Backend) FindSpend(ctx context.Context, outpoint wire.OutPoint, pkScript []byte) (*wire.MsgTx, error) {
	history, err := b.rpc.GetHistory(ctx, scriptHash(pkScript))
	if err != nil {
		return nil, err
	}
	for _, h := range history {
		hash, err := chainhash.NewHashFromStr(h.Hash)
		if err != nil || hash.IsEqual(&outpoint.Hash) {
			continue
		}
		tx, err := b.getTransaction(ctx, h.Hash)
		if err != nil {
			return nil, err
		}
		for _, in := range tx.TxIn {
			if in.PreviousOutPoint == outpoint {
				return tx, nil
			}
		}
	}
	return nil, nil
}

// FeeRate converts the server's BTC/kvB estimate to sat/kw. A server
// without an estimate returns -1, reported as 0 so that the coin falls back.
func (b *Backend) FeeRate(ctx context.Context, targetBlocks uint32) (btcutil.Amount, error) {
	btcPerKvB, err := b.rpc.GetFee(ctx, targetBlocks)
	if err != nil {
		return 0, err
	}
	if btcPerKvB <= 0 {
		return 0, nil
	}
	satPerKvB, err := btcutil.NewAmount(float64(btcPerKvB))
	if err != nil {
		return 0, err
	}
	return satPerKvB / 4, nil
}

func (b *Backend) getTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	rawHex, err := b.rpc.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", txid)
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrapf(err, "deserialize %s", txid)
	}
	return tx, nil
}

func (b *Backend) confirmations(height BlockHeight) uint32 {
	tip, _, ok := b.headers.Tip()
	if !ok || tip < height.Height() {
		return 1
	}
	return tip - height.Height() + 1
}
