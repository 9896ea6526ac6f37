// Package simnet is an in-memory UTXO chain. It validates transactions with
// the btcd script engine, so HTLC claims and timelocked refunds behave as
// on a real segwit chain, and lets tests mine, reorganise and inject
// backend failures at will.
package simnet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/onchain"
)

// ErrInjected is returned by backend calls while FailNextCalls is in
// effect.
var ErrInjected = errors.New("simnet: injected transport failure")

const medianTimeBlocks = 11

type block struct {
	time time.Time
	txs  []*wire.MsgTx
}

type txEntry struct {
	tx *wire.MsgTx
	// height is 0 while the transaction is in the mempool.
	height uint32
}

type Option func(*Chain)

func WithClock(clk clock.Clock) Option {
	return func(c *Chain) {
		c.clock = clk
	}
}

// WithFeeRate sets the fee rate in sat/kw FeeRate reports.
func WithFeeRate(satPerKw btcutil.Amount) Option {
	return func(c *Chain) {
		c.feeRate = satPerKw
	}
}

type Chain struct {
	name  string
	clock clock.Clock

	mu         sync.Mutex
	blocks     []*block
	mempool    []*wire.MsgTx
	txs        map[chainhash.Hash]*txEntry
	utxos      map[wire.OutPoint]*wire.TxOut
	spentBy    map[wire.OutPoint]*wire.MsgTx
	funding    map[chainhash.Hash]struct{}
	fundNonce  uint64
	feeRate    btcutil.Amount
	timeOffset time.Duration
	failCalls  int

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ onchain.ChainBackend = (*Chain)(nil)

func NewChain(name string, opts ...Option) *Chain {
	c := &Chain{
		name:    name,
		clock:   clock.New(),
		feeRate: 1000,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reset()
	genesisTime := c.now().Add(-medianTimeBlocks * time.Second)
	c.blocks = []*block{{time: genesisTime}}
	return c
}

func (c *Chain) reset() {
	c.txs = map[chainhash.Hash]*txEntry{}
	c.utxos = map[wire.OutPoint]*wire.TxOut{}
	c.spentBy = map[wire.OutPoint]*wire.MsgTx{}
	if c.funding == nil {
		c.funding = map[chainhash.Hash]struct{}{}
	}
	c.mempool = nil
}

func (c *Chain) now() time.Time {
	return c.clock.Now().Add(c.timeOffset).Truncate(time.Second)
}

// Start mines a block every interval until Stop is called.
func (c *Chain) Start(interval time.Duration) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Mine(1)
			}
		}
	}()
}

func (c *Chain) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	c.wg.Wait()
}

// Mine appends n blocks holding the current mempool and returns the new tip
// height.
func (c *Chain) Mine(n int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.mineBlock()
	}
	return c.tipHeight()
}

func (c *Chain) mineBlock() {
	t := c.now()
	if prev := c.blocks[len(c.blocks)-1].time; !t.After(prev) {
		t = prev.Add(time.Second)
	}
	b := &block{time: t, txs: c.mempool}
	c.blocks = append(c.blocks, b)
	height := c.tipHeight()
	for _, tx := range b.txs {
		c.txs[tx.TxHash()].height = height
	}
	c.mempool = nil
}

// AdvanceTime shifts the timestamps of blocks mined from now on. Mine
// enough blocks afterwards to move the median time past.
func (c *Chain) AdvanceTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeOffset += d
}

// Fund creates an output of amount paying to pkScript out of thin air. The
// funding transaction enters the mempool.
func (c *Chain) Fund(pkScript []byte, amount btcutil.Amount) *wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fundNonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], c.fundNonce)
	prev := chainhash.Hash(sha256.Sum256(append([]byte(c.name), nonce[:]...)))

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))
	c.funding[tx.TxHash()] = struct{}{}
	c.accept(tx)
	return tx
}

// Reorg disconnects the last depth blocks. Their transactions go back to
// the mempool unless dropTxs is set. Mempool transactions that no longer
// validate are evicted.
func (c *Chain) Reorg(depth int, dropTxs bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth >= len(c.blocks) {
		depth = len(c.blocks) - 1
	}
	keep := len(c.blocks) - depth
	var candidates []*wire.MsgTx
	if !dropTxs {
		for _, b := range c.blocks[keep:] {
			candidates = append(candidates, b.txs...)
		}
	}
	candidates = append(candidates, c.mempool...)
	c.blocks = c.blocks[:keep]

	c.reset()
	for height, b := range c.blocks {
		for _, tx := range b.txs {
			c.accept(tx)
			c.txs[tx.TxHash()].height = uint32(height)
		}
	}
	c.mempool = nil
	for _, tx := range candidates {
		if _, ok := c.funding[tx.TxHash()]; !ok {
			if err := c.validate(tx); err != nil {
				log.Debugf("[simnet %s] reorg evicts %s: %v", c.name, tx.TxHash(), err)
				continue
			}
		}
		c.accept(tx)
	}
}

// FailNextCalls makes the next n backend calls fail with ErrInjected.
func (c *Chain) FailNextCalls(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCalls = n
}

func (c *Chain) Height() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipHeight()
}

func (c *Chain) MedianTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.medianTime()
}

// InMempool reports whether txid waits for inclusion.
func (c *Chain) InMempool(txid chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.txs[txid]
	return ok && entry.height == 0
}

// Confirmations returns 0 for unknown and mempool transactions.
func (c *Chain) Confirmations(txid chainhash.Hash) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.txs[txid]
	if !ok {
		return 0
	}
	return c.confirmations(entry)
}

func (c *Chain) tipHeight() uint32 {
	return uint32(len(c.blocks) - 1)
}

func (c *Chain) medianTime() time.Time {
	start := len(c.blocks) - medianTimeBlocks
	if start < 0 {
		start = 0
	}
	times := make([]time.Time, 0, medianTimeBlocks)
	for _, b := range c.blocks[start:] {
		times = append(times, b.time)
	}
	sort.Slice(times, func(i, j int) bool {
		return times[i].Before(times[j])
	})
	return times[len(times)/2]
}

func (c *Chain) confirmations(entry *txEntry) uint32 {
	if entry.height == 0 {
		return 0
	}
	return c.tipHeight() - entry.height + 1
}

func (c *Chain) injectedFailure() error {
	if c.failCalls > 0 {
		c.failCalls--
		return ErrInjected
	}
	return nil
}

// validate applies the consensus checks a segwit node would run on a
// mempool candidate.
func (c *Chain) validate(tx *wire.MsgTx) error {
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return &onchain.RejectedError{Reason: "bad-txns-vin-or-vout-empty"}
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	var in, out int64
	for _, txIn := range tx.TxIn {
		prev, ok := c.utxos[txIn.PreviousOutPoint]
		if !ok {
			if _, spent := c.spentBy[txIn.PreviousOutPoint]; spent {
				return &onchain.RejectedError{Reason: "txn-mempool-conflict"}
			}
			return &onchain.RejectedError{Reason: "bad-txns-inputs-missingorspent"}
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prev)
		in += prev.Value
	}
	for _, txOut := range tx.TxOut {
		if txOut.Value < 0 {
			return &onchain.RejectedError{Reason: "bad-txns-vout-negative"}
		}
		out += txOut.Value
	}
	if in < out {
		return &onchain.RejectedError{Reason: "bad-txns-in-belowout"}
	}

	if !c.isFinal(tx) {
		return &onchain.RejectedError{Reason: "non-final"}
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		vm, err := txscript.NewEngine(prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prev.Value, fetcher)
		if err != nil {
			return &onchain.RejectedError{Reason: fmt.Sprintf("script engine: %v", err)}
		}
		if err := vm.Execute(); err != nil {
			return &onchain.RejectedError{
				Reason: fmt.Sprintf("mandatory-script-verify-flag-failed (%v)", err),
			}
		}
	}
	return nil
}

// isFinal checks tx.LockTime against the next block height or the median
// time past, as the next block would.
func (c *Chain) isFinal(tx *wire.MsgTx) bool {
	if tx.LockTime == 0 {
		return true
	}
	lockTime := int64(tx.LockTime)
	var limit int64
	if lockTime < txscript.LockTimeThreshold {
		limit = int64(c.tipHeight()) + 1
	} else {
		limit = c.medianTime().Unix()
	}
	if lockTime < limit {
		return true
	}
	for _, txIn := range tx.TxIn {
		if txIn.Sequence != wire.MaxTxInSequenceNum {
			return false
		}
	}
	return true
}

func (c *Chain) accept(tx *wire.MsgTx) {
	hash := tx.TxHash()
	if _, funding := c.funding[hash]; !funding {
		for _, txIn := range tx.TxIn {
			delete(c.utxos, txIn.PreviousOutPoint)
			c.spentBy[txIn.PreviousOutPoint] = tx
		}
	}
	for i, txOut := range tx.TxOut {
		c.utxos[wire.OutPoint{Hash: hash, Index: uint32(i)}] = txOut
	}
	c.txs[hash] = &txEntry{tx: tx}
	c.mempool = append(c.mempool, tx)
}

func (c *Chain) BestBlock(ctx context.Context) (uint32, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure(); err != nil {
		return 0, time.Time{}, err
	}
	return c.tipHeight(), c.medianTime(), nil
}

func (c *Chain) GetTx(ctx context.Context, txid *chainhash.Hash, pkScript []byte) (*onchain.TxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure(); err != nil {
		return nil, err
	}
	entry, ok := c.txs[*txid]
	if !ok {
		return nil, onchain.ErrTxNotFound
	}
	return &onchain.TxInfo{
		Tx:            entry.tx.Copy(),
		Confirmations: c.confirmations(entry),
		BlockHeight:   entry.height,
	}, nil
}

func (c *Chain) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure(); err != nil {
		return err
	}
	if _, known := c.txs[tx.TxHash()]; known {
		return nil
	}
	if err := c.validate(tx); err != nil {
		log.Debugf("[simnet %s] rejected %s: %v", c.name, tx.TxHash(), err)
		return err
	}
	c.accept(tx.Copy())
	return nil
}

func (c *Chain) ListUnspent(ctx context.Context, pkScript []byte) ([]*onchain.Utxo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure(); err != nil {
		return nil, err
	}
	var utxos []*onchain.Utxo
	for op, out := range c.utxos {
		if !bytes.Equal(out.PkScript, pkScript) {
			continue
		}
		utxos = append(utxos, &onchain.Utxo{
			OutPoint:      op,
			Value:         out.Value,
			PkScript:      out.PkScript,
			Confirmations: c.confirmations(c.txs[op.Hash]),
		})
	}
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].OutPoint.String() < utxos[j].OutPoint.String()
	})
	return utxos, nil
}

func (c *Chain) FindSpend(ctx context.Context, outpoint wire.OutPoint, pkScript []byte) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure(); err != nil {
		return nil, err
	}
	spender, ok := c.spentBy[outpoint]
	if !ok {
		return nil, nil
	}
	return spender.Copy(), nil
}

func (c *Chain) FeeRate(ctx context.Context, targetBlocks uint32) (btcutil.Amount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injectedFailure(); err != nil {
		return 0, err
	}
	return c.feeRate, nil
}
