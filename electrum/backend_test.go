package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/checksum0/go-electrum/electrum"
	"github.com/peerdex/peerdex/electrum/mock"
	"github.com/peerdex/peerdex/onchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var testScript = []byte{txscript.OP_TRUE}

func headerHex(t *testing.T, ts time.Time) string {
	header := wire.BlockHeader{Version: 4, Timestamp: ts}
	var buf bytes.Buffer
	require.NoError(t, header.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return hex.EncodeToString(buf.Bytes())
}

// newTestBackend returns a backend whose tip is at height tip.
func newTestBackend(t *testing.T, tip int32) (*Backend, *mock.MockRPC) {
	rpc := mock.NewMockRPC(gomock.NewController(t))
	headers := make(chan *electrum.SubscribeHeadersResult, 1)
	rpc.EXPECT().SubscribeHeaders(gomock.Any()).Return(headers, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	backend, err := NewBackend(ctx, rpc, WithMedianTimeLag(time.Hour))
	require.NoError(t, err)

	headers <- &electrum.SubscribeHeadersResult{Height: tip, Hex: headerHex(t, time.Unix(1700000000, 0))}
	require.Eventually(t, func() bool {
		height, _, err := backend.BestBlock(context.Background())
		return err == nil && height == uint32(tip)
	}, time.Second, 5*time.Millisecond)
	return backend, rpc
}

func TestBackend_BestBlockUsesLagUntilEnoughHeaders(t *testing.T) {
	backend, _ := newTestBackend(t, 100)
	_, medianTime, err := backend.BestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).Add(-time.Hour), medianTime)
}

func TestHeaderTracker_MedianTimePast(t *testing.T) {
	h := newHeaderTracker(time.Hour)
	_, _, ok := h.Tip()
	assert.False(t, ok)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Update(uint32(i), headerHex(t, base.Add(time.Duration(i)*time.Minute))))
	}
	tip, medianTime, ok := h.Tip()
	require.True(t, ok)
	assert.Equal(t, uint32(19), tip)
	// Headers 9 to 19, the median is header 14.
	assert.Equal(t, base.Add(14*time.Minute), medianTime)

	// A reorg to a lower tip drops the orphaned headers.
	require.NoError(t, h.Update(15, headerHex(t, base.Add(15*time.Minute))))
	tip, _, _ = h.Tip()
	assert.Equal(t, uint32(15), tip)

	assert.Error(t, h.Update(16, "zz"))
}

func TestBackend_GetTx(t *testing.T) {
	backend, rpc := newTestBackend(t, 105)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, testScript))
	txid := tx.TxHash()

	rpc.EXPECT().GetHistory(gomock.Any(), scriptHash(testScript)).Return([]*electrum.GetMempoolResult{
		{Hash: txid.String(), Height: 100},
	}, nil)
	rpc.EXPECT().GetRawTransaction(gomock.Any(), txid.String()).Return(txHex(t, tx), nil)

	info, err := backend.GetTx(context.Background(), &txid, testScript)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), info.Confirmations)
	assert.Equal(t, uint32(100), info.BlockHeight)
	assert.Equal(t, txid, info.Tx.TxHash())

	// Mempool entries have no confirmations.
	rpc.EXPECT().GetHistory(gomock.Any(), gomock.Any()).Return([]*electrum.GetMempoolResult{
		{Hash: txid.String(), Height: 0},
	}, nil)
	rpc.EXPECT().GetRawTransaction(gomock.Any(), txid.String()).Return(txHex(t, tx), nil)
	info, err = backend.GetTx(context.Background(), &txid, testScript)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), info.Confirmations)

	rpc.EXPECT().GetHistory(gomock.Any(), gomock.Any()).Return(nil, nil)
	_, err = backend.GetTx(context.Background(), &txid, testScript)
	assert.ErrorIs(t, err, onchain.ErrTxNotFound)
}

func TestBackend_FindSpend(t *testing.T) {
	backend, rpc := newTestBackend(t, 105)

	funding := wire.NewMsgTx(2)
	funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 7}, nil, nil))
	funding.AddTxOut(wire.NewTxOut(1000, testScript))
	fundingHash := funding.TxHash()
	outpoint := wire.OutPoint{Hash: fundingHash, Index: 0}

	spender := wire.NewMsgTx(2)
	spender.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
	spender.AddTxOut(wire.NewTxOut(900, testScript))

	rpc.EXPECT().GetHistory(gomock.Any(), gomock.Any()).Return([]*electrum.GetMempoolResult{
		{Hash: fundingHash.String(), Height: 100},
		{Hash: spender.TxHash().String(), Height: 0},
	}, nil)
	rpc.EXPECT().GetRawTransaction(gomock.Any(), spender.TxHash().String()).Return(txHex(t, spender), nil)

	found, err := backend.FindSpend(context.Background(), outpoint, testScript)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, spender.TxHash(), found.TxHash())

	rpc.EXPECT().GetHistory(gomock.Any(), gomock.Any()).Return([]*electrum.GetMempoolResult{
		{Hash: fundingHash.String(), Height: 100},
	}, nil)
	found, err = backend.FindSpend(context.Background(), outpoint, testScript)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestBackend_BroadcastClassification(t *testing.T) {
	tests := map[string]struct {
		err          error
		wantRejected bool
		wantErr      bool
	}{
		"accepted": {},
		"already known": {
			err: errors.New("Transaction already in block chain"),
		},
		"non final": {
			err:          errors.New("the transaction was rejected by network rules.\n\nnon-final"),
			wantRejected: true,
			wantErr:      true,
		},
		"conflict": {
			err:          errors.New("txn-mempool-conflict"),
			wantRejected: true,
			wantErr:      true,
		},
		"connection": {
			err:     errors.New("connection reset by peer"),
			wantErr: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			backend, rpc := newTestBackend(t, 1)
			rpc.EXPECT().BroadcastTransaction(gomock.Any(), gomock.Any()).Return("txid", tt.err)

			tx := wire.NewMsgTx(2)
			tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}}, nil, nil))
			tx.AddTxOut(wire.NewTxOut(1, testScript))
			err := backend.Broadcast(context.Background(), tx)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var rejected *onchain.RejectedError
			assert.Equal(t, tt.wantRejected, errors.As(err, &rejected))
		})
	}
}

func TestBackend_ListUnspent(t *testing.T) {
	backend, rpc := newTestBackend(t, 110)
	hash := chainhash.Hash{3}
	rpc.EXPECT().ListUnspent(gomock.Any(), scriptHash(testScript)).Return([]*electrum.ListUnspentResult{
		{Hash: hash.String(), Position: 1, Value: 5000, Height: 101},
		{Hash: hash.String(), Position: 2, Value: 7000, Height: 0},
	}, nil)

	utxos, err := backend.ListUnspent(context.Background(), testScript)
	require.NoError(t, err)
	require.Len(t, utxos, 2)
	assert.Equal(t, wire.OutPoint{Hash: hash, Index: 1}, utxos[0].OutPoint)
	assert.Equal(t, int64(5000), utxos[0].Value)
	assert.Equal(t, uint32(10), utxos[0].Confirmations)
	assert.Equal(t, uint32(0), utxos[1].Confirmations)
}

func TestBackend_FeeRate(t *testing.T) {
	backend, rpc := newTestBackend(t, 1)

	rpc.EXPECT().GetFee(gomock.Any(), uint32(6)).Return(float32(0.0001), nil)
	rate, err := backend.FeeRate(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), int64(rate))

	rpc.EXPECT().GetFee(gomock.Any(), uint32(6)).Return(float32(-1), nil)
	rate, err = backend.FeeRate(context.Background(), 6)
	require.NoError(t, err)
	assert.Zero(t, rate)
}
