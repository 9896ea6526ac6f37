// Package coins defines the capability surface the swap engine requires from
// every chain. The engine never names a chain; everything chain specific
// lives behind Coin.
package coins

import (
	"context"
	"math/big"
	"time"
)

// Transaction is an opaque chain artifact. Raw is broadcastable as is.
// Contract holds the HTLC contract a payment locks funds to, it is empty for
// every other kind of transaction.
type Transaction struct {
	Hash     string `json:"hash"`
	Raw      []byte `json:"raw"`
	Contract []byte `json:"contract,omitempty"`
}

type Balance struct {
	Spendable   *big.Rat
	Unspendable *big.Rat
}

// KeyPair is a per swap HTLC key. Only the public half leaves the coin.
type KeyPair struct {
	Public  []byte
	Private []byte
}

type PaymentArgs struct {
	TimeLock uint64
	// OtherPub is the receiver's HTLC public key.
	OtherPub       []byte
	SecretHash     []byte
	Amount         *big.Rat
	SwapUniqueData []byte
}

type SpendPaymentArgs struct {
	PaymentTx *Transaction
	TimeLock  uint64
	// OtherPub is the sender's HTLC public key.
	OtherPub       []byte
	Secret         []byte
	SecretHash     []byte
	SwapUniqueData []byte
}

type RefundPaymentArgs struct {
	PaymentTx *Transaction
	TimeLock  uint64
	// OtherPub is the receiver's HTLC public key.
	OtherPub       []byte
	SecretHash     []byte
	SwapUniqueData []byte
}

type ValidateFeeArgs struct {
	FeeTx *Transaction
	// ExpectedSender is the persistent public key of the taker.
	ExpectedSender []byte
	// FeeAddr is the public key of the fee recipient. Each coin derives its
	// own address from it.
	FeeAddr  []byte
	Amount   *big.Rat
	MinBlock uint64
	Uuid     []byte
}

type ValidatePaymentInput struct {
	PaymentTx *Transaction
	TimeLock  uint64
	// OtherPub is the sender's HTLC public key.
	OtherPub   []byte
	SecretHash []byte
	Amount     *big.Rat
	// SwapUniqueData derives the receiver key the payment must pay to.
	SwapUniqueData []byte
}

// Coin is implemented once per chain family. All methods that talk to a
// chain take a context and return either a *TransportError, a
// *ValidationError or nil, so callers can decide between retry and abort.
type Coin interface {
	Ticker() string
	Decimals() uint8
	MinTxAmount() *big.Rat
	MyAddress() string
	MyPublicKey() []byte
	CurrentBlock(ctx context.Context) (uint64, error)
	Balance(ctx context.Context) (*Balance, error)
	RequiredConfirmations() uint64
	// AvgBlockTime is used to size confirmation windows.
	AvgBlockTime() time.Duration

	// DeriveHTLCKeyPair is deterministic in swapUniqueData.
	DeriveHTLCKeyPair(swapUniqueData []byte) (*KeyPair, error)

	// The Send, Spend and Refund methods build and sign a transaction. They
	// do not broadcast it: callers journal the result and then call
	// BroadcastTx, which treats an already known transaction as success.
	SendTakerFee(ctx context.Context, feeAddr []byte, amount *big.Rat, uuid []byte) (*Transaction, error)
	SendMakerPayment(ctx context.Context, args PaymentArgs) (*Transaction, error)
	SendTakerPayment(ctx context.Context, args PaymentArgs) (*Transaction, error)
	SpendMakerPayment(ctx context.Context, args SpendPaymentArgs) (*Transaction, error)
	SpendTakerPayment(ctx context.Context, args SpendPaymentArgs) (*Transaction, error)
	RefundMakerPayment(ctx context.Context, args RefundPaymentArgs) (*Transaction, error)
	RefundTakerPayment(ctx context.Context, args RefundPaymentArgs) (*Transaction, error)
	BroadcastTx(ctx context.Context, tx *Transaction) error
	// TxFromRaw parses a transaction received from the counterparty.
	// Contract is attached unchanged.
	TxFromRaw(raw, contract []byte) (*Transaction, error)

	ValidateFee(ctx context.Context, args ValidateFeeArgs) error
	ValidateMakerPayment(ctx context.Context, input ValidatePaymentInput) error
	ValidateTakerPayment(ctx context.Context, input ValidatePaymentInput) error

	// WaitForConfirmations returns ErrWaitTimeout when waitUntil passes
	// first.
	WaitForConfirmations(ctx context.Context, tx *Transaction, n uint64, waitUntil time.Time) error
	// WaitForSpend returns the transaction spending tx's payment output.
	WaitForSpend(ctx context.Context, tx *Transaction, waitUntil time.Time, fromBlock uint64) (*Transaction, error)
	ExtractSecret(secretHash []byte, spendTx *Transaction) ([]byte, error)

	// TxConfirmations reports whether tx is known to the chain (mempool
	// included) and how deep it is buried.
	TxConfirmations(ctx context.Context, tx *Transaction) (uint64, bool, error)
	// FindSpend returns the spender of tx's payment output or nil.
	FindSpend(ctx context.Context, tx *Transaction) (*Transaction, error)
	// CanRefundHTLC reports whether the chain accepts a refund locked to
	// locktime right now.
	CanRefundHTLC(ctx context.Context, locktime uint64) (bool, error)
}
