package simnet

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/peerdex/peerdex/onchain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anyoneCanSpend = []byte{txscript.OP_TRUE}

func spendAll(prev *wire.MsgTx, value int64) *wire.MsgTx {
	hash := prev.TxHash()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, anyoneCanSpend))
	return tx
}

func TestChain_MineAndConfirm(t *testing.T) {
	ctx := context.Background()
	chain := NewChain("TST")

	fund := chain.Fund(anyoneCanSpend, 1000)
	assert.True(t, chain.InMempool(fund.TxHash()))

	assert.Equal(t, uint32(3), chain.Mine(3))
	hash := fund.TxHash()
	info, err := chain.GetTx(ctx, &hash, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), info.Confirmations)
	assert.Equal(t, uint32(1), info.BlockHeight)

	utxos, err := chain.ListUnspent(ctx, anyoneCanSpend)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, int64(1000), utxos[0].Value)

	spend := spendAll(fund, 900)
	require.NoError(t, chain.Broadcast(ctx, spend))
	require.NoError(t, chain.Broadcast(ctx, spend))

	spender, err := chain.FindSpend(ctx, wire.OutPoint{Hash: hash, Index: 0}, nil)
	require.NoError(t, err)
	require.NotNil(t, spender)
	assert.Equal(t, spend.TxHash(), spender.TxHash())

	var rejected *onchain.RejectedError
	err = chain.Broadcast(ctx, spendAll(fund, 800))
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "txn-mempool-conflict", rejected.Reason)

	err = chain.Broadcast(ctx, spendAll(spend, 1000))
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "bad-txns-in-belowout", rejected.Reason)
}

func TestChain_MedianTimeIsMonotonic(t *testing.T) {
	chain := NewChain("TST")
	last := chain.MedianTime()
	for i := 0; i < 20; i++ {
		chain.Mine(1)
		mtp := chain.MedianTime()
		assert.False(t, mtp.Before(last))
		last = mtp
	}

	chain.AdvanceTime(time.Hour)
	chain.Mine(medianTimeBlocks)
	assert.True(t, chain.MedianTime().After(last.Add(30*time.Minute)))
}

func TestChain_TimeLockedSpend(t *testing.T) {
	ctx := context.Background()
	chain := NewChain("TST")
	fund := chain.Fund(anyoneCanSpend, 1000)
	chain.Mine(1)

	spend := spendAll(fund, 900)
	spend.LockTime = uint32(chain.MedianTime().Add(time.Minute).Unix())
	spend.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1

	var rejected *onchain.RejectedError
	require.ErrorAs(t, chain.Broadcast(ctx, spend), &rejected)
	assert.Equal(t, "non-final", rejected.Reason)

	chain.AdvanceTime(2 * time.Minute)
	chain.Mine(medianTimeBlocks)
	require.NoError(t, chain.Broadcast(ctx, spend))
}

func TestChain_Reorg(t *testing.T) {
	ctx := context.Background()
	chain := NewChain("TST")
	fund := chain.Fund(anyoneCanSpend, 1000)
	chain.Mine(1)
	spend := spendAll(fund, 900)
	require.NoError(t, chain.Broadcast(ctx, spend))
	chain.Mine(2)
	assert.Equal(t, uint32(2), chain.Confirmations(spend.TxHash()))

	chain.Reorg(2, false)
	assert.Equal(t, uint32(1), chain.Height())
	assert.True(t, chain.InMempool(spend.TxHash()))

	chain.Mine(1)
	chain.Reorg(1, true)
	hash := spend.TxHash()
	_, err := chain.GetTx(ctx, &hash, nil)
	assert.ErrorIs(t, err, onchain.ErrTxNotFound)

	fundHash := fund.TxHash()
	spender, err := chain.FindSpend(ctx, wire.OutPoint{Hash: fundHash, Index: 0}, nil)
	require.NoError(t, err)
	assert.Nil(t, spender)
}

func TestChain_FailNextCalls(t *testing.T) {
	ctx := context.Background()
	chain := NewChain("TST")
	chain.FailNextCalls(2)

	_, _, err := chain.BestBlock(ctx)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = chain.FeeRate(ctx, 6)
	assert.ErrorIs(t, err, ErrInjected)
	_, _, err = chain.BestBlock(ctx)
	assert.NoError(t, err)
}

func TestChain_StartMinesOnTicker(t *testing.T) {
	clk := clock.NewMock()
	chain := NewChain("TST", WithClock(clk))
	chain.Start(time.Second)
	defer chain.Stop()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return chain.Height() >= 3
	}, time.Second, 10*time.Millisecond)
}
