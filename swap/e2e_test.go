package swap

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/onchain"
	"github.com/peerdex/peerdex/orderbook"
	"github.com/peerdex/peerdex/p2p"
	"github.com/peerdex/peerdex/simnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// e2eEnv runs two simulated chains and an in-memory network on a clock that
// moves on its own, step by step, so that hours of swap time pass in
// seconds.
type e2eEnv struct {
	clk     *clock.Mock
	network *p2p.MemoryNetwork
	chains  map[string]*simnet.Chain
}

func newE2EEnv(t *testing.T, step time.Duration) *e2eEnv {
	if testing.Short() {
		t.Skip("skipping swap end to end test in short mode")
	}
	clk := newTestClock()
	env := &e2eEnv{
		clk:     clk,
		network: p2p.NewMemoryNetwork(nil),
		chains:  map[string]*simnet.Chain{},
	}
	t.Cleanup(func() { _ = env.network.Close() })

	for _, ticker := range []string{"COIN-A", "COIN-B"} {
		chain := simnet.NewChain(ticker, simnet.WithClock(clk))
		chain.Start(10 * time.Second)
		t.Cleanup(chain.Stop)
		env.chains[ticker] = chain
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				clk.Add(step)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return env
}

type e2eParty struct {
	svc      *Service
	services *SwapServices
	id       p2p.PeerID
	coins    stubRegistry
}

// restart stops the swap service and resumes its swaps from the journal
// with a new one, as after a crash of the node.
func (p *e2eParty) restart(t *testing.T) {
	t.Helper()
	p.svc.Stop()
	p.svc = newTestService(t, p.services)
	_, err := p.svc.RecoverSwaps()
	require.NoError(t, err)
}

// newParty joins the network and funds the wallet with funded coins of
// every listed ticker. wrap may replace a coin to inject failures.
func (e *e2eEnv) newParty(t *testing.T, ip string, funded map[string]btcutil.Amount, wrap func(coins.Coin) coins.Coin) *e2eParty {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	id := p2p.PeerIDFromKey(key.PubKey())

	node, err := p2p.NewNode(key, e.network.Join(id, ip+":9000", false), p2p.Config{})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)

	registry := stubRegistry{}
	for ticker, chain := range e.chains {
		coin, err := onchain.NewCoin(onchain.Config{
			Ticker:                ticker,
			RequiredConfirmations: 1,
			AvgBlockTime:          10 * time.Second,
			PollInterval:          time.Second,
			MaxPollInterval:       5 * time.Second,
			Clock:                 e.clk,
		}, chain, key)
		require.NoError(t, err)
		if amount, ok := funded[ticker]; ok {
			chain.Fund(coin.WalletScript(), amount)
			chain.Mine(1)
		}
		registry[ticker] = coin
		if wrap != nil {
			registry[ticker] = wrap(coin)
		}
	}

	services := NewSwapServices(newTestJournal(t, e.clk), registry, node, Config{
		LockDuration:         time.Hour,
		NegotiationTimeout:   10 * time.Minute,
		ResendInterval:       100 * time.Millisecond,
		PollInterval:         5 * time.Second,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     5 * time.Second,
		Clock:                e.clk,
	})
	return &e2eParty{svc: newTestService(t, services), services: services, id: id, coins: registry}
}

func (p *e2eParty) balance(t *testing.T, ticker string) *big.Rat {
	balance, err := p.coins[ticker].Balance(context.Background())
	require.NoError(t, err)
	return new(big.Rat).Add(balance.Spendable, balance.Unspendable)
}

func startSwapPair(t *testing.T, maker, taker *e2eParty) string {
	t.Helper()
	return startSwapPairWithConfs(t, maker, taker, messages.ConfSettings{BaseConfs: 1, RelConfs: 1})
}

func startSwapPairWithConfs(t *testing.T, maker, taker *e2eParty, conf messages.ConfSettings) string {
	t.Helper()
	m := orderbook.Match{
		Uuid:         uuid.New(),
		MakerOrder:   uuid.New(),
		MakerCoin:    "COIN-A",
		TakerCoin:    "COIN-B",
		MakerAmount:  big.NewRat(1, 1),
		TakerAmount:  big.NewRat(2, 1),
		ConfSettings: conf,
	}
	makerMatch, takerMatch := m, m
	makerMatch.Role, makerMatch.Counterparty = orderbook.RoleMaker, taker.id
	takerMatch.Role, takerMatch.Counterparty = orderbook.RoleTaker, maker.id

	_, err := maker.svc.StartMakerSwap(context.Background(), makerMatch)
	require.NoError(t, err)
	_, err = taker.svc.StartTakerSwap(context.Background(), takerMatch)
	require.NoError(t, err)
	return m.Uuid.String()
}

func waitFinished(t *testing.T, p *e2eParty, id string) *SwapInfo {
	t.Helper()
	var info *SwapInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = p.svc.GetSwap(id)
		return err == nil && info.Finished
	}, time.Minute, 20*time.Millisecond)
	return info
}

func Test_SwapSucceeds(t *testing.T) {
	env := newE2EEnv(t, 250*time.Millisecond)
	maker := env.newParty(t, "10.0.0.1", map[string]btcutil.Amount{"COIN-A": 10 * btcutil.SatoshiPerBitcoin}, nil)
	taker := env.newParty(t, "10.0.0.2", map[string]btcutil.Amount{"COIN-B": 10 * btcutil.SatoshiPerBitcoin}, nil)

	id := startSwapPair(t, maker, taker)

	makerInfo := waitFinished(t, maker, id)
	assert.Equal(t, OutcomeSuccess, makerInfo.Outcome, makerInfo.String())
	assert.Contains(t, makerInfo.EventTypes(), Event_TakerPaymentSpent)

	takerInfo := waitFinished(t, taker, id)
	assert.Equal(t, OutcomeSuccess, takerInfo.Outcome, takerInfo.String())
	assert.Contains(t, takerInfo.EventTypes(), Event_MakerPaymentSpent)

	// Each party ends up with the other's coin, less the network fees.
	assert.Eventually(t, func() bool {
		return maker.balance(t, "COIN-B").Cmp(big.NewRat(199, 100)) > 0 &&
			taker.balance(t, "COIN-A").Cmp(big.NewRat(99, 100)) > 0
	}, 10*time.Second, 20*time.Millisecond)
}

// walletLockedCoin refuses to lock the taker payment.
type walletLockedCoin struct {
	coins.Coin
}

func (c *walletLockedCoin) SendTakerPayment(ctx context.Context, args coins.PaymentArgs) (*coins.Transaction, error) {
	return nil, errors.New("wallet locked")
}

func Test_SwapMakerRefundsWhenTakerPaymentNeverComes(t *testing.T) {
	env := newE2EEnv(t, time.Second)
	maker := env.newParty(t, "10.0.0.1", map[string]btcutil.Amount{"COIN-A": 10 * btcutil.SatoshiPerBitcoin}, nil)
	taker := env.newParty(t, "10.0.0.2", map[string]btcutil.Amount{"COIN-B": 10 * btcutil.SatoshiPerBitcoin},
		func(coin coins.Coin) coins.Coin { return &walletLockedCoin{Coin: coin} })

	id := startSwapPair(t, maker, taker)

	takerInfo := waitFinished(t, taker, id)
	assert.Equal(t, OutcomeAborted, takerInfo.Outcome, takerInfo.String())
	assert.Contains(t, takerInfo.LastErr, "wallet locked")
	assert.Contains(t, takerInfo.EventTypes(), Event_MakerPaymentValidatedAndConfirmed)

	makerInfo := waitFinished(t, maker, id)
	assert.Equal(t, OutcomeRefunded, makerInfo.Outcome, makerInfo.String())
	assert.Equal(t, []EventType{
		Event_Started,
		Event_Negotiated,
		Event_TakerFeeValidated,
		Event_MakerPaymentSent,
		Event_MakerPaymentRefundRequired,
		Event_MakerPaymentRefunded,
		Event_Finished,
	}, makerInfo.EventTypes())

	assert.Eventually(t, func() bool {
		return maker.balance(t, "COIN-A").Cmp(big.NewRat(999, 100)) > 0
	}, 10*time.Second, 20*time.Millisecond)
}

// gatedCoin holds the listed operations until ctx is done, as a node that
// hangs or crashes in the middle of them. The first held call of each
// operation is reported on reached.
type gatedCoin struct {
	coins.Coin
	mu      sync.Mutex
	held    map[string]bool
	reached chan string
}

func newGatedCoin(coin coins.Coin, ops ...string) *gatedCoin {
	held := map[string]bool{}
	for _, op := range ops {
		held[op] = true
	}
	return &gatedCoin{Coin: coin, held: held, reached: make(chan string, len(ops))}
}

func (c *gatedCoin) hold(ctx context.Context, op string) error {
	c.mu.Lock()
	held := c.held[op]
	c.mu.Unlock()
	if !held {
		return nil
	}
	select {
	case c.reached <- op:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *gatedCoin) release(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, op)
}

func (c *gatedCoin) waitReached(t *testing.T, op string) {
	t.Helper()
	select {
	case got := <-c.reached:
		require.Equal(t, op, got)
	case <-time.After(time.Minute):
		t.Fatalf("%s was never called", op)
	}
}

func (c *gatedCoin) ValidateTakerPayment(ctx context.Context, input coins.ValidatePaymentInput) error {
	if err := c.hold(ctx, "ValidateTakerPayment"); err != nil {
		return err
	}
	return c.Coin.ValidateTakerPayment(ctx, input)
}

func (c *gatedCoin) SpendMakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	if err := c.hold(ctx, "SpendMakerPayment"); err != nil {
		return nil, err
	}
	return c.Coin.SpendMakerPayment(ctx, args)
}

var (
	takerSuccessEvents = []EventType{
		Event_Started,
		Event_Negotiated,
		Event_TakerFeeSent,
		Event_MakerPaymentReceived,
		Event_MakerPaymentValidatedAndConfirmed,
		Event_TakerPaymentSent,
		Event_TakerPaymentSpent,
		Event_MakerPaymentSpent,
		Event_Finished,
	}
	takerRefundEvents = []EventType{
		Event_Started,
		Event_Negotiated,
		Event_TakerFeeSent,
		Event_MakerPaymentReceived,
		Event_MakerPaymentValidatedAndConfirmed,
		Event_TakerPaymentSent,
		Event_TakerPaymentRefundRequired,
		Event_TakerPaymentRefunded,
		Event_Finished,
	}
	makerSuccessEvents = []EventType{
		Event_Started,
		Event_Negotiated,
		Event_TakerFeeValidated,
		Event_MakerPaymentSent,
		Event_TakerPaymentReceived,
		Event_TakerPaymentConfirmed,
		Event_TakerPaymentSpent,
		Event_Finished,
	}
)

func Test_SwapTakerResumesClaimAfterRestart(t *testing.T) {
	env := newE2EEnv(t, 250*time.Millisecond)
	maker := env.newParty(t, "10.0.0.1", map[string]btcutil.Amount{"COIN-A": 10 * btcutil.SatoshiPerBitcoin}, nil)
	var gate *gatedCoin
	taker := env.newParty(t, "10.0.0.2", map[string]btcutil.Amount{"COIN-B": 10 * btcutil.SatoshiPerBitcoin},
		func(coin coins.Coin) coins.Coin {
			if coin.Ticker() != "COIN-A" {
				return coin
			}
			gate = newGatedCoin(coin, "SpendMakerPayment")
			return gate
		})
	require.NotNil(t, gate)

	id := startSwapPair(t, maker, taker)

	// The taker goes down right after it learned the secret.
	gate.waitReached(t, "SpendMakerPayment")
	taker.svc.Stop()
	stopped, err := taker.svc.GetSwap(id)
	require.NoError(t, err)
	assert.False(t, stopped.Finished)
	assert.Equal(t, Event_TakerPaymentSpent, stopped.Events[len(stopped.Events)-1].Type)

	makerInfo := waitFinished(t, maker, id)
	assert.Equal(t, OutcomeSuccess, makerInfo.Outcome, makerInfo.String())
	assert.Equal(t, makerSuccessEvents, makerInfo.EventTypes())

	gate.release("SpendMakerPayment")
	taker.restart(t)

	takerInfo := waitFinished(t, taker, id)
	assert.Equal(t, OutcomeSuccess, takerInfo.Outcome, takerInfo.String())
	assert.Equal(t, takerSuccessEvents, takerInfo.EventTypes())

	assert.Eventually(t, func() bool {
		return taker.balance(t, "COIN-A").Cmp(big.NewRat(99, 100)) > 0
	}, 10*time.Second, 20*time.Millisecond)
}

func Test_SwapBothRefundWhenMakerVanishesAfterPayment(t *testing.T) {
	env := newE2EEnv(t, time.Second)
	var gate *gatedCoin
	maker := env.newParty(t, "10.0.0.1", map[string]btcutil.Amount{"COIN-A": 10 * btcutil.SatoshiPerBitcoin},
		func(coin coins.Coin) coins.Coin {
			if coin.Ticker() != "COIN-B" {
				return coin
			}
			gate = newGatedCoin(coin, "ValidateTakerPayment")
			return gate
		})
	require.NotNil(t, gate)
	taker := env.newParty(t, "10.0.0.2", map[string]btcutil.Amount{"COIN-B": 10 * btcutil.SatoshiPerBitcoin}, nil)

	id := startSwapPair(t, maker, taker)

	// The maker disappears once its payment is out and the taker paid.
	gate.waitReached(t, "ValidateTakerPayment")
	maker.svc.Stop()

	takerInfo := waitFinished(t, taker, id)
	assert.Equal(t, OutcomeRefunded, takerInfo.Outcome, takerInfo.String())
	assert.Equal(t, takerRefundEvents, takerInfo.EventTypes())

	gate.release("ValidateTakerPayment")
	maker.restart(t)

	makerInfo := waitFinished(t, maker, id)
	assert.Equal(t, OutcomeRefunded, makerInfo.Outcome, makerInfo.String())
	assert.Equal(t, []EventType{
		Event_Started,
		Event_Negotiated,
		Event_TakerFeeValidated,
		Event_MakerPaymentSent,
		Event_MakerPaymentRefundRequired,
		Event_MakerPaymentRefunded,
		Event_Finished,
	}, makerInfo.EventTypes())

	assert.Eventually(t, func() bool {
		return maker.balance(t, "COIN-A").Cmp(big.NewRat(999, 100)) > 0 &&
			taker.balance(t, "COIN-B").Cmp(big.NewRat(999, 100)) > 0
	}, 10*time.Second, 20*time.Millisecond)
}

// spendRefusingCoin never claims the taker payment.
type spendRefusingCoin struct {
	coins.Coin
}

func (c *spendRefusingCoin) SpendTakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	return nil, errors.New("claim refused")
}

func Test_SwapBothRefundWhenMakerDoesNotClaim(t *testing.T) {
	env := newE2EEnv(t, time.Second)
	maker := env.newParty(t, "10.0.0.1", map[string]btcutil.Amount{"COIN-A": 10 * btcutil.SatoshiPerBitcoin},
		func(coin coins.Coin) coins.Coin {
			if coin.Ticker() != "COIN-B" {
				return coin
			}
			return &spendRefusingCoin{Coin: coin}
		})
	taker := env.newParty(t, "10.0.0.2", map[string]btcutil.Amount{"COIN-B": 10 * btcutil.SatoshiPerBitcoin}, nil)

	id := startSwapPair(t, maker, taker)

	takerInfo := waitFinished(t, taker, id)
	assert.Equal(t, OutcomeRefunded, takerInfo.Outcome, takerInfo.String())
	assert.Equal(t, takerRefundEvents, takerInfo.EventTypes())

	makerInfo := waitFinished(t, maker, id)
	assert.Equal(t, OutcomeRefunded, makerInfo.Outcome, makerInfo.String())
	assert.Equal(t, []EventType{
		Event_Started,
		Event_Negotiated,
		Event_TakerFeeValidated,
		Event_MakerPaymentSent,
		Event_TakerPaymentReceived,
		Event_TakerPaymentConfirmed,
		Event_MakerPaymentRefundRequired,
		Event_MakerPaymentRefunded,
		Event_Finished,
	}, makerInfo.EventTypes())

	assert.Eventually(t, func() bool {
		return maker.balance(t, "COIN-A").Cmp(big.NewRat(999, 100)) > 0 &&
			taker.balance(t, "COIN-B").Cmp(big.NewRat(999, 100)) > 0
	}, 10*time.Second, 20*time.Millisecond)
}

// reorgingCoin disconnects the blocks burying the first payment it saw
// confirmed, and records how deep each claimed payment was at claim time.
type reorgingCoin struct {
	coins.Coin
	chain *simnet.Chain

	mu         sync.Mutex
	reorged    bool
	claimConfs []uint32
}

func (c *reorgingCoin) WaitForConfirmations(ctx context.Context, tx *coins.Transaction, n uint64, waitUntil time.Time) error {
	if err := c.Coin.WaitForConfirmations(ctx, tx, n, waitUntil); err != nil || tx.Contract == nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reorged {
		c.reorged = true
		c.chain.Reorg(int(c.chain.Confirmations(txid(tx))), false)
	}
	return nil
}

func (c *reorgingCoin) SpendTakerPayment(ctx context.Context, args coins.SpendPaymentArgs) (*coins.Transaction, error) {
	c.mu.Lock()
	c.claimConfs = append(c.claimConfs, c.chain.Confirmations(txid(args.PaymentTx)))
	c.mu.Unlock()
	return c.Coin.SpendTakerPayment(ctx, args)
}

func (c *reorgingCoin) state() (bool, []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reorged, append([]uint32(nil), c.claimConfs...)
}

func txid(tx *coins.Transaction) chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(tx.Hash)
	if err != nil {
		return chainhash.Hash{}
	}
	return *hash
}

func Test_SwapMakerWaitsOutReorgBeforeClaim(t *testing.T) {
	env := newE2EEnv(t, 250*time.Millisecond)
	var reorging *reorgingCoin
	maker := env.newParty(t, "10.0.0.1", map[string]btcutil.Amount{"COIN-A": 10 * btcutil.SatoshiPerBitcoin},
		func(coin coins.Coin) coins.Coin {
			if coin.Ticker() != "COIN-B" {
				return coin
			}
			reorging = &reorgingCoin{Coin: coin, chain: env.chains["COIN-B"]}
			return reorging
		})
	require.NotNil(t, reorging)
	taker := env.newParty(t, "10.0.0.2", map[string]btcutil.Amount{"COIN-B": 10 * btcutil.SatoshiPerBitcoin}, nil)

	const required = 2
	id := startSwapPairWithConfs(t, maker, taker, messages.ConfSettings{BaseConfs: 1, RelConfs: required})

	makerInfo := waitFinished(t, maker, id)
	assert.Equal(t, OutcomeSuccess, makerInfo.Outcome, makerInfo.String())
	assert.Equal(t, makerSuccessEvents, makerInfo.EventTypes())

	reorged, claimConfs := reorging.state()
	assert.True(t, reorged)
	require.NotEmpty(t, claimConfs)
	for _, confs := range claimConfs {
		assert.GreaterOrEqual(t, confs, uint32(required))
	}

	takerInfo := waitFinished(t, taker, id)
	assert.Equal(t, OutcomeSuccess, takerInfo.Outcome, takerInfo.String())
	assert.Equal(t, takerSuccessEvents, takerInfo.EventTypes())
}
