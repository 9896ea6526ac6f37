package onchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/log"
)

type Config struct {
	Ticker                  string
	Decimals                uint8
	Params                  *chaincfg.Params
	RequiredConfirmations   uint64
	AvgBlockTime            time.Duration
	MinTxAmount             *big.Rat
	FallbackFeeRateSatPerKw btcutil.Amount
	// PollInterval is the first sleep between two polls of a watcher. Every
	// further miss adds PollInterval up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// Clock drives the watchers. Swap deadlines are computed on the same
	// clock.
	Clock clock.Clock
}

func (cfg *Config) setDefaults() {
	if cfg.Decimals == 0 {
		cfg.Decimals = 8
	}
	if cfg.Params == nil {
		cfg.Params = &chaincfg.RegressionNetParams
	}
	if cfg.RequiredConfirmations == 0 {
		cfg.RequiredConfirmations = 1
	}
	if cfg.AvgBlockTime == 0 {
		cfg.AvgBlockTime = 10 * time.Minute
	}
	if cfg.MinTxAmount == nil {
		cfg.MinTxAmount = coins.FromBaseUnits(DustLimit*2, cfg.Decimals)
	}
	if cfg.FallbackFeeRateSatPerKw == 0 {
		cfg.FallbackFeeRateSatPerKw = floorFeeRateSatPerKw
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = 6 * cfg.PollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
}

// Coin implements coins.Coin for segwit UTXO chains. The wallet is a single
// P2WPKH key, swap payments are P2WSH outputs paying to HTLCScript.
type Coin struct {
	cfg          Config
	backend      ChainBackend
	key          *btcec.PrivateKey
	address      *btcutil.AddressWitnessPubKeyHash
	walletScript []byte

	// mu serializes coin selection, locked holds the outpoints spent by
	// transactions we built.
	mu     sync.Mutex
	locked map[wire.OutPoint]struct{}
}

var _ coins.Coin = (*Coin)(nil)

func NewCoin(cfg Config, backend ChainBackend, key *btcec.PrivateKey) (*Coin, error) {
	cfg.setDefaults()
	if cfg.Ticker == "" {
		return nil, fmt.Errorf("missing ticker")
	}
	address, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), cfg.Params)
	if err != nil {
		return nil, err
	}
	walletScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}
	return &Coin{
		cfg:          cfg,
		backend:      backend,
		key:          key,
		address:      address,
		walletScript: walletScript,
		locked:       map[wire.OutPoint]struct{}{},
	}, nil
}

func (c *Coin) Ticker() string {
	return c.cfg.Ticker
}

func (c *Coin) Decimals() uint8 {
	return c.cfg.Decimals
}

func (c *Coin) MinTxAmount() *big.Rat {
	return new(big.Rat).Set(c.cfg.MinTxAmount)
}

func (c *Coin) MyAddress() string {
	return c.address.EncodeAddress()
}

func (c *Coin) MyPublicKey() []byte {
	return c.key.PubKey().SerializeCompressed()
}

// WalletScript is the output script of the wallet address.
func (c *Coin) WalletScript() []byte {
	return c.walletScript
}

func (c *Coin) RequiredConfirmations() uint64 {
	return c.cfg.RequiredConfirmations
}

func (c *Coin) AvgBlockTime() time.Duration {
	return c.cfg.AvgBlockTime
}

func (c *Coin) CurrentBlock(ctx context.Context) (uint64, error) {
	height, _, err := c.backend.BestBlock(ctx)
	if err != nil {
		return 0, coins.NewTransportError("best_block", err)
	}
	return uint64(height), nil
}

func (c *Coin) Balance(ctx context.Context) (*coins.Balance, error) {
	utxos, err := c.backend.ListUnspent(ctx, c.walletScript)
	if err != nil {
		return nil, coins.NewTransportError("list_unspent", err)
	}
	var spendable, unspendable uint64
	c.mu.Lock()
	for _, u := range utxos {
		if _, ok := c.locked[u.OutPoint]; ok {
			continue
		}
		if u.Confirmations > 0 {
			spendable += uint64(u.Value)
		} else {
			unspendable += uint64(u.Value)
		}
	}
	c.mu.Unlock()
	return &coins.Balance{
		Spendable:   coins.FromBaseUnits(spendable, c.cfg.Decimals),
		Unspendable: coins.FromBaseUnits(unspendable, c.cfg.Decimals),
	}, nil
}

func (c *Coin) DeriveHTLCKeyPair(swapUniqueData []byte) (*coins.KeyPair, error) {
	priv, err := deriveHTLCKey(c.key, c.cfg.Ticker, swapUniqueData)
	if err != nil {
		return nil, err
	}
	return &coins.KeyPair{
		Public:  priv.PubKey().SerializeCompressed(),
		Private: priv.Serialize(),
	}, nil
}

func (c *Coin) SendTakerFee(ctx context.Context, feeAddr []byte, amount *big.Rat, uuid []byte) (*coins.Transaction, error) {
	feeScript, err := p2wpkhScript(feeAddr, c.cfg.Params)
	if err != nil {
		return nil, err
	}
	value, err := coins.ToBaseUnits(amount, c.cfg.Decimals)
	if err != nil {
		return nil, err
	}
	uuidScript, err := txscript.NullDataScript(uuid)
	if err != nil {
		return nil, err
	}
	tx, err := c.fundAndSign(ctx, []*wire.TxOut{
		wire.NewTxOut(int64(value), feeScript),
		wire.NewTxOut(0, uuidScript),
	})
	if err != nil {
		return nil, err
	}
	return wrapTx(tx, nil)
}

func (c *Coin) SendMakerPayment(ctx context.Context, args coins.PaymentArgs) (*coins.Transaction, error) {
	return c.sendPayment(ctx, args)
}

func (c *Coin) SendTakerPayment(ctx context.Context, args coins.PaymentArgs) (*coins.Transaction, error) {
	return c.sendPayment(ctx, args)
}

func (c *Coin) sendPayment(ctx context.Context, args coins.PaymentArgs) (*coins.Transaction, error) {
	key, err := deriveHTLCKey(c.key, c.cfg.Ticker, args.SwapUniqueData)
	if err != nil {
		return nil, err
	}
	contract, err := HTLCScript(&HTLCParams{
		LockTime:    uint32(args.TimeLock),
		SenderPub:   key.PubKey().SerializeCompressed(),
		ReceiverPub: args.OtherPub,
		SecretHash:  args.SecretHash,
	})
	if err != nil {
		return nil, err
	}
	pkScript, err := WitnessScriptHashPkScript(contract)
	if err != nil {
		return nil, err
	}
	value, err := coins.ToBaseUnits(args.Amount, c.cfg.Decimals)
	if err != nil {
		return nil, err
	}
	tx, err := c.fundAndSign(ctx, []*wire.TxOut{wire.NewTxOut(int64(value), pkScript)})
	if err != nil {
		return nil, err
	}
	return wrapTx(tx, contract)
}

func (c *Coin) SpendMakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	return c.spendHTLC(ctx, args.PaymentTx, args.SwapUniqueData, args.Secret)
}

func (c *Coin) SpendTakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	return c.spendHTLC(ctx, args.PaymentTx, args.SwapUniqueData, args.Secret)
}

func (c *Coin) RefundMakerPayment(ctx context.Context, args coins.RefundPaymentArgs) (*coins.Transaction, error) {
	return c.spendHTLC(ctx, args.PaymentTx, args.SwapUniqueData, nil)
}

func (c *Coin) RefundTakerPayment(ctx context.Context, args coins.RefundPaymentArgs) (*coins.Transaction, error) {
	return c.spendHTLC(ctx, args.PaymentTx, args.SwapUniqueData, nil)
}

// spendHTLC claims the payment with secret, or refunds it when secret is
// nil.
func (c *Coin) spendHTLC(ctx context.Context, payment *coins.Transaction, swapUniqueData, secret []byte) (*coins.Transaction, error) {
	paymentTx, err := decodeTx(payment.Raw)
	if err != nil {
		return nil, err
	}
	params, err := ParseHTLCScript(payment.Contract)
	if err != nil {
		return nil, coins.ValidationErrorf(coins.WrongPaymentScript, "%v", err)
	}
	key, err := deriveHTLCKey(c.key, c.cfg.Ticker, swapUniqueData)
	if err != nil {
		return nil, err
	}
	myPub := key.PubKey().SerializeCompressed()

	refund := secret == nil
	if refund && !bytes.Equal(params.SenderPub, myPub) {
		return nil, coins.ValidationErrorf(coins.WrongSenderAddress, "contract sender is not our htlc key")
	}
	if !refund {
		if !bytes.Equal(params.ReceiverPub, myPub) {
			return nil, coins.ValidationErrorf(coins.WrongReceiver, "contract receiver is not our htlc key")
		}
		if !bytes.Equal(btcutil.Hash160(secret), params.SecretHash) {
			return nil, coins.ValidationErrorf(coins.WrongSecretHash, "secret does not match contract")
		}
	}

	pkScript, err := WitnessScriptHashPkScript(payment.Contract)
	if err != nil {
		return nil, err
	}
	vout, ok := findOutput(paymentTx, pkScript)
	if !ok {
		return nil, coins.ValidationErrorf(coins.WrongPaymentScript, "payment has no output to the contract")
	}
	value := paymentTx.TxOut[vout].Value

	fee, err := c.GetFee(ctx, txOverheadVSize+htlcInputVSize+p2wpkhOutputVSize)
	if err != nil {
		return nil, err
	}
	if value-int64(fee) < DustLimit {
		return nil, coins.ValidationErrorf(coins.WrongValue, "%w: payment of %d sat does not cover fee of %d sat",
			coins.ErrInsufficientFunds, value, fee)
	}

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(wire.NewTxIn(wire.NewOutPoint(ptrHash(paymentTx.TxHash()), vout), nil, nil))
	spend.AddTxOut(wire.NewTxOut(value-int64(fee), c.walletScript))
	if refund {
		// A final sequence would disable the locktime.
		spend.LockTime = params.LockTime
		spend.TxIn[0].Sequence = wire.MaxTxInSequenceNum - 1
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	sigHashes := txscript.NewTxSigHashes(spend, fetcher)
	sig, err := txscript.RawTxInWitnessSignature(spend, sigHashes, 0, value, payment.Contract, txscript.SigHashAll, key)
	if err != nil {
		return nil, err
	}
	if refund {
		spend.TxIn[0].Witness = RefundWitness(sig, payment.Contract)
	} else {
		spend.TxIn[0].Witness = ClaimWitness(sig, secret, payment.Contract)
	}
	return wrapTx(spend, nil)
}

// TxFromRaw wraps a transaction received from a peer.
func (c *Coin) TxFromRaw(raw, contract []byte) (*coins.Transaction, error) {
	tx, err := decodeTx(raw)
	if err != nil {
		return nil, err
	}
	return wrapTx(tx, contract)
}

func (c *Coin) BroadcastTx(ctx context.Context, tx *coins.Transaction) error {
	msgTx, err := decodeTx(tx.Raw)
	if err != nil {
		return err
	}
	return c.broadcast(ctx, msgTx)
}

func (c *Coin) broadcast(ctx context.Context, tx *wire.MsgTx) error {
	err := c.backend.Broadcast(ctx, tx)
	if err == nil {
		return nil
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return coins.ValidationErrorf(coins.TxRejected, "%s: %s", tx.TxHash(), rejected.Reason)
	}
	return coins.NewTransportError("broadcast", err)
}

func (c *Coin) ValidateFee(ctx context.Context, args coins.ValidateFeeArgs) error {
	tx, err := decodeTx(args.FeeTx.Raw)
	if err != nil {
		return err
	}
	feeScript, err := p2wpkhScript(args.FeeAddr, c.cfg.Params)
	if err != nil {
		return err
	}
	want, err := coins.ToBaseUnits(args.Amount, c.cfg.Decimals)
	if err != nil {
		return err
	}

	vout, ok := findOutput(tx, feeScript)
	if !ok {
		return coins.ValidationErrorf(coins.WrongReceiver, "fee is not paid to the fee address")
	}
	if got := tx.TxOut[vout].Value; got < int64(want) {
		return coins.ValidationErrorf(coins.WrongValue, "fee pays %d sat, want at least %d", got, want)
	}

	var uuidFound bool
	for _, out := range tx.TxOut {
		if data, ok := nullData(out.PkScript); ok && bytes.Equal(data, args.Uuid) {
			uuidFound = true
			break
		}
	}
	if !uuidFound {
		return coins.ValidationErrorf(coins.InvalidTx, "fee does not commit to the swap uuid")
	}

	for i, in := range tx.TxIn {
		if len(in.Witness) != 2 || !bytes.Equal(in.Witness[1], args.ExpectedSender) {
			return coins.ValidationErrorf(coins.WrongSenderAddress, "fee input %d is not signed by the taker", i)
		}
	}

	info, err := c.backend.GetTx(ctx, ptrHash(tx.TxHash()), feeScript)
	if err != nil {
		return coins.NewTransportError("get_tx", err)
	}
	if info.BlockHeight != 0 && uint64(info.BlockHeight) < args.MinBlock {
		return coins.ValidationErrorf(coins.UnexpectedPaymentState,
			"fee mined at %d before swap start block %d", info.BlockHeight, args.MinBlock)
	}
	return nil
}

func (c *Coin) ValidateMakerPayment(ctx context.Context, input coins.ValidatePaymentInput) error {
	return c.validatePayment(ctx, input)
}

func (c *Coin) ValidateTakerPayment(ctx context.Context, input coins.ValidatePaymentInput) error {
	return c.validatePayment(ctx, input)
}

func (c *Coin) validatePayment(ctx context.Context, input coins.ValidatePaymentInput) error {
	tx, err := decodeTx(input.PaymentTx.Raw)
	if err != nil {
		return err
	}
	params, err := ParseHTLCScript(input.PaymentTx.Contract)
	if err != nil {
		return coins.ValidationErrorf(coins.WrongPaymentScript, "%v", err)
	}
	key, err := deriveHTLCKey(c.key, c.cfg.Ticker, input.SwapUniqueData)
	if err != nil {
		return err
	}

	switch {
	case uint64(params.LockTime) != input.TimeLock:
		return coins.ValidationErrorf(coins.WrongTimeLock, "contract locktime %d, want %d", params.LockTime, input.TimeLock)
	case !bytes.Equal(params.SecretHash, input.SecretHash):
		return coins.ValidationErrorf(coins.WrongSecretHash, "contract secret hash %x, want %x", params.SecretHash, input.SecretHash)
	case !bytes.Equal(params.SenderPub, input.OtherPub):
		return coins.ValidationErrorf(coins.WrongSenderAddress, "contract sender %x, want %x", params.SenderPub, input.OtherPub)
	case !bytes.Equal(params.ReceiverPub, key.PubKey().SerializeCompressed()):
		return coins.ValidationErrorf(coins.WrongReceiver, "contract receiver %x is not our htlc key", params.ReceiverPub)
	}

	pkScript, err := WitnessScriptHashPkScript(input.PaymentTx.Contract)
	if err != nil {
		return err
	}
	vout, ok := findOutput(tx, pkScript)
	if !ok {
		return coins.ValidationErrorf(coins.WrongPaymentScript, "payment has no output to the contract")
	}
	want, err := coins.ToBaseUnits(input.Amount, c.cfg.Decimals)
	if err != nil {
		return err
	}
	if got := tx.TxOut[vout].Value; got != int64(want) {
		return coins.ValidationErrorf(coins.WrongValue, "payment of %d sat, want %d", got, want)
	}

	if _, err := c.backend.GetTx(ctx, ptrHash(tx.TxHash()), pkScript); err != nil {
		// The counterparty may have sent us the payment before it reached
		// our backend.
		return coins.NewTransportError("get_tx", err)
	}
	spender, err := c.backend.FindSpend(ctx, wire.OutPoint{Hash: tx.TxHash(), Index: vout}, pkScript)
	if err != nil {
		return coins.NewTransportError("find_spend", err)
	}
	if spender != nil {
		return coins.ValidationErrorf(coins.UnexpectedPaymentState, "payment already spent by %s", spender.TxHash())
	}
	return nil
}

func (c *Coin) WaitForConfirmations(ctx context.Context, tx *coins.Transaction, n uint64, waitUntil time.Time) error {
	return c.poll(ctx, waitUntil, func() (bool, error) {
		confs, found, err := c.TxConfirmations(ctx, tx)
		if err != nil {
			return false, err
		}
		if !found {
			log.Debugf("[%s] %s not seen by the chain", c.cfg.Ticker, tx.Hash)
		}
		return found && confs >= n, nil
	})
}

func (c *Coin) WaitForSpend(ctx context.Context, tx *coins.Transaction, waitUntil time.Time, fromBlock uint64) (*coins.Transaction, error) {
	var spend *coins.Transaction
	err := c.poll(ctx, waitUntil, func() (bool, error) {
		var err error
		spend, err = c.FindSpend(ctx, tx)
		if err != nil {
			return false, err
		}
		return spend != nil, nil
	})
	if err != nil {
		return nil, err
	}
	return spend, nil
}

func (c *Coin) ExtractSecret(secretHash []byte, spendTx *coins.Transaction) ([]byte, error) {
	tx, err := decodeTx(spendTx.Raw)
	if err != nil {
		return nil, err
	}
	secret, ok := ExtractSecretFromTx(secretHash, tx)
	if !ok {
		return nil, coins.ErrSecretNotFound
	}
	return secret, nil
}

func (c *Coin) TxConfirmations(ctx context.Context, tx *coins.Transaction) (uint64, bool, error) {
	msgTx, err := decodeTx(tx.Raw)
	if err != nil {
		return 0, false, err
	}
	pkScript, err := watchScript(tx, msgTx)
	if err != nil {
		return 0, false, err
	}
	info, err := c.backend.GetTx(ctx, ptrHash(msgTx.TxHash()), pkScript)
	if errors.Is(err, ErrTxNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, coins.NewTransportError("get_tx", err)
	}
	return uint64(info.Confirmations), true, nil
}

func (c *Coin) FindSpend(ctx context.Context, tx *coins.Transaction) (*coins.Transaction, error) {
	msgTx, err := decodeTx(tx.Raw)
	if err != nil {
		return nil, err
	}
	pkScript, err := watchScript(tx, msgTx)
	if err != nil {
		return nil, err
	}
	vout, ok := findOutput(msgTx, pkScript)
	if !ok {
		return nil, coins.ValidationErrorf(coins.WrongPaymentScript, "transaction has no output to watch")
	}
	spender, err := c.backend.FindSpend(ctx, wire.OutPoint{Hash: msgTx.TxHash(), Index: vout}, pkScript)
	if err != nil {
		return nil, coins.NewTransportError("find_spend", err)
	}
	if spender == nil {
		return nil, nil
	}
	return wrapTx(spender, nil)
}

func (c *Coin) CanRefundHTLC(ctx context.Context, locktime uint64) (bool, error) {
	_, medianTime, err := c.backend.BestBlock(ctx)
	if err != nil {
		return false, coins.NewTransportError("best_block", err)
	}
	// A locktime is satisfied once it is strictly below the median time
	// past of the tip.
	return uint64(medianTime.Unix()) > locktime, nil
}

// fundAndSign adds wallet inputs and change to outputs and signs the result.
func (c *Coin) fundAndSign(ctx context.Context, outputs []*wire.TxOut) (*wire.MsgTx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	utxos, err := c.backend.ListUnspent(ctx, c.walletScript)
	if err != nil {
		return nil, coins.NewTransportError("list_unspent", err)
	}
	available := make([]*Utxo, 0, len(utxos))
	for _, u := range utxos {
		if _, ok := c.locked[u.OutPoint]; !ok {
			available = append(available, u)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Value > available[j].Value
	})

	var target int64
	baseSize := int64(txOverheadVSize + p2wpkhOutputVSize)
	for _, out := range outputs {
		target += out.Value
		baseSize += outputVSize(out)
	}

	var (
		selected []*Utxo
		total    int64
		fee      uint64
	)
	for _, u := range available {
		selected = append(selected, u)
		total += u.Value
		fee, err = c.GetFee(ctx, baseSize+int64(len(selected))*p2wpkhInputVSize)
		if err != nil {
			return nil, err
		}
		if total >= target+int64(fee) {
			break
		}
	}
	if total < target+int64(fee) || len(selected) == 0 {
		return nil, fmt.Errorf("%w: have %d sat, need %d sat plus fee", coins.ErrInsufficientFunds, total, target)
	}

	tx := wire.NewMsgTx(2)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, u := range selected {
		op := u.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		fetcher.AddPrevOut(op, wire.NewTxOut(u.Value, u.PkScript))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if change := total - target - int64(fee); change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, c.walletScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range selected {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, u.Value, c.walletScript,
			txscript.SigHashAll, c.key, true)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].Witness = witness
	}

	for _, u := range selected {
		c.locked[u.OutPoint] = struct{}{}
	}
	return tx, nil
}

// poll calls check until it reports done or waitUntil passes. The sleep
// between two checks grows linearly and is bounded by MaxPollInterval.
// Transport errors are logged and polled through.
func (c *Coin) poll(ctx context.Context, waitUntil time.Time, check func() (bool, error)) error {
	interval := c.cfg.PollInterval
	for {
		done, err := check()
		switch {
		case err != nil && !coins.IsTransport(err):
			return err
		case err != nil:
			log.Debugf("[%s] poll: %v", c.cfg.Ticker, err)
		case done:
			return nil
		}

		remaining := waitUntil.Sub(c.cfg.Clock.Now())
		if remaining <= 0 {
			return coins.ErrWaitTimeout
		}
		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(sleep):
		}
		interval += c.cfg.PollInterval
		if interval > c.cfg.MaxPollInterval {
			interval = c.cfg.MaxPollInterval
		}
	}
}
