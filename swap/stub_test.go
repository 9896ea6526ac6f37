package swap

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

var errStub = errors.New("not implemented by stub")

// stubCoin answers the static parts of the coin surface. Every chain
// operation fails.
type stubCoin struct {
	ticker    string
	blockTime time.Duration
}

var _ coins.Coin = (*stubCoin)(nil)

func (c *stubCoin) Ticker() string                                       { return c.ticker }
func (c *stubCoin) Decimals() uint8                                      { return 8 }
func (c *stubCoin) MinTxAmount() *big.Rat                                { return big.NewRat(1, 100000) }
func (c *stubCoin) MyAddress() string                                    { return "addr-" + c.ticker }
func (c *stubCoin) MyPublicKey() []byte                                  { return nil }
func (c *stubCoin) CurrentBlock(ctx context.Context) (uint64, error)     { return 100, nil }
func (c *stubCoin) Balance(ctx context.Context) (*coins.Balance, error) { return nil, errStub }
func (c *stubCoin) RequiredConfirmations() uint64                        { return 1 }
func (c *stubCoin) AvgBlockTime() time.Duration                          { return c.blockTime }

func (c *stubCoin) DeriveHTLCKeyPair(swapUniqueData []byte) (*coins.KeyPair, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &coins.KeyPair{Public: key.PubKey().SerializeCompressed(), Private: key.Serialize()}, nil
}

func (c *stubCoin) SendTakerFee(ctx context.Context, feeAddr []byte, amount *big.Rat, uuid []byte) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) SendMakerPayment(ctx context.Context, args coins.PaymentArgs) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) SendTakerPayment(ctx context.Context, args coins.PaymentArgs) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) SpendMakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) SpendTakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) RefundMakerPayment(ctx context.Context, args coins.RefundPaymentArgs) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) RefundTakerPayment(ctx context.Context, args coins.RefundPaymentArgs) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) BroadcastTx(ctx context.Context, tx *coins.Transaction) error { return errStub }
func (c *stubCoin) TxFromRaw(raw, contract []byte) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) ValidateFee(ctx context.Context, args coins.ValidateFeeArgs) error { return errStub }
func (c *stubCoin) ValidateMakerPayment(ctx context.Context, input coins.ValidatePaymentInput) error {
	return errStub
}
func (c *stubCoin) ValidateTakerPayment(ctx context.Context, input coins.ValidatePaymentInput) error {
	return errStub
}
func (c *stubCoin) WaitForConfirmations(ctx context.Context, tx *coins.Transaction, n uint64, waitUntil time.Time) error {
	return errStub
}
func (c *stubCoin) WaitForSpend(ctx context.Context, tx *coins.Transaction, waitUntil time.Time, fromBlock uint64) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) ExtractSecret(secretHash []byte, spendTx *coins.Transaction) ([]byte, error) {
	return nil, coins.ErrSecretNotFound
}
func (c *stubCoin) TxConfirmations(ctx context.Context, tx *coins.Transaction) (uint64, bool, error) {
	return 0, false, errStub
}
func (c *stubCoin) FindSpend(ctx context.Context, tx *coins.Transaction) (*coins.Transaction, error) {
	return nil, errStub
}
func (c *stubCoin) CanRefundHTLC(ctx context.Context, locktime uint64) (bool, error) {
	return false, errStub
}

type sentMessage struct {
	topic string
	raw   []byte
}

// stubNetwork signs with a real key and records what the swaps publish.
type stubNetwork struct {
	key *btcec.PrivateKey

	mu        sync.Mutex
	sent      []sentMessage
	penalized []p2p.PeerID
	handler   p2p.Handler
	// sendErr fails every publish while set.
	sendErr error
}

func (n *stubNetwork) failSends(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErr = err
}

func newStubNetwork(t *testing.T) *stubNetwork {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &stubNetwork{key: key}
}

func (n *stubNetwork) ID() p2p.PeerID {
	return p2p.PeerIDFromKey(n.key.PubKey())
}

func (n *stubNetwork) Seal(msg messages.Message) ([]byte, error) {
	raw, _, err := messages.Seal(n.key, msg)
	return raw, err
}

func (n *stubNetwork) SendMessage(ctx context.Context, topic string, envelope []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, sentMessage{topic: topic, raw: envelope})
	return nil
}

func (n *stubNetwork) Subscribe(topic string, handler p2p.Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.handler = nil
	}
}

func (n *stubNetwork) Penalize(peer p2p.PeerID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.penalized = append(n.penalized, peer)
}

func (n *stubNetwork) Penalized() []p2p.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]p2p.PeerID(nil), n.penalized...)
}

// deliver hands msg, signed by from, to the subscribed handler.
func deliver(t *testing.T, handler p2p.Handler, from *btcec.PrivateKey, id string, msg messages.Message) {
	t.Helper()
	raw, env, err := messages.Seal(from, msg)
	require.NoError(t, err)
	handler(&p2p.Message{
		Topic:    p2p.SwapTopic(id),
		From:     p2p.PeerIDFromKey(from.PubKey()),
		Envelope: env,
		Raw:      raw,
	})
}

type stubRegistry map[string]coins.Coin

func (r stubRegistry) Get(ticker string) (coins.Coin, error) {
	coin, ok := r[ticker]
	if !ok {
		return nil, coins.ErrCoinNotFound
	}
	return coin, nil
}

func newTestJournal(t *testing.T, clk clock.Clock) *journal.Journal {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "swaps.db"), 0700, nil)
	require.NoError(t, err)
	j, err := journal.New(db, journal.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = j.Close()
		_ = db.Close()
	})
	return j
}

func newStubServices(t *testing.T, clk clock.Clock) (*SwapServices, *stubNetwork) {
	t.Helper()
	network := newStubNetwork(t)
	registry := stubRegistry{
		"COIN-A": &stubCoin{ticker: "COIN-A", blockTime: 10 * time.Second},
		"COIN-B": &stubCoin{ticker: "COIN-B", blockTime: 10 * time.Second},
	}
	services := NewSwapServices(newTestJournal(t, clk), registry, network, Config{
		Clock:                clk,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     5 * time.Second,
	})
	return services, network
}
