package peerdex

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/electrum"
	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/onchain"
	"github.com/peerdex/peerdex/orderbook"
	"github.com/peerdex/peerdex/p2p"
	"github.com/peerdex/peerdex/policy"
	"github.com/peerdex/peerdex/simnet"
	"github.com/peerdex/peerdex/swap"
	"github.com/peerdex/peerdex/version"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// simnetFunding is credited to every wallet of a simnet node at start.
const simnetFunding = 100 * btcutil.SatoshiPerBitcoin

// Node is a running daemon: the p2p node, the orderbook and the swap service
// over the configured coins.
type Node struct {
	cfg    *Config
	logger *zap.Logger

	db        *bbolt.DB
	journal   *journal.Journal
	coins     *coins.Registry
	chains    []*simnet.Chain
	electrums []*electrum.Client
	p2p       *p2p.Node
	orderbook *orderbook.Orderbook
	policy    *policy.Policy
	swaps     *swap.Service
}

// NewNode opens the database and connects the coins. ctx bounds the
// lifetime of the electrum subscriptions.
func NewNode(ctx context.Context, cfg *Config, logger *zap.Logger) (_ *Node, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{cfg: cfg, logger: logger, coins: coins.NewRegistry()}
	defer func() {
		if err != nil {
			n.close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	key, err := LoadOrCreateKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}

	n.db, err = bbolt.Open(cfg.DbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cfg.DbPath)
	}
	n.journal, err = journal.New(n.db)
	if err != nil {
		return nil, err
	}
	versionService, err := version.NewVersionService(n.db)
	if err != nil {
		return nil, err
	}
	if err := versionService.SafeUpgrade(n.journal); err != nil {
		return nil, err
	}

	for i := range cfg.Coins {
		coin, err := n.newCoin(ctx, &cfg.Coins[i], key)
		if err != nil {
			return nil, fmt.Errorf("coin %s: %w", cfg.Coins[i].Ticker, err)
		}
		if err := n.coins.Register(coin); err != nil {
			return nil, err
		}
	}

	seeds := make([]p2p.HTTPPeer, 0, len(cfg.P2P.Seeds))
	for _, s := range cfg.P2P.Seeds {
		peer, err := p2p.ParseHTTPPeer(s, true)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, peer)
	}
	id := p2p.PeerIDFromKey(key.PubKey())
	wire := p2p.NewHTTPWire(p2p.HTTPWireConfig{
		ID:           id,
		ListenAddr:   cfg.P2P.ListenAddr,
		AdvertiseURL: cfg.P2P.AdvertiseURL,
		Relay:        cfg.P2P.Relay,
		Peers:        seeds,
		Logger:       logger.Named("wire"),
	})
	n.p2p, err = p2p.NewNode(key, wire, p2p.Config{
		Relay:  cfg.P2P.Relay,
		Logger: logger.Named("p2p"),
	})
	if err != nil {
		return nil, err
	}

	n.swaps, err = swap.NewService(swap.NewSwapServices(n.journal, n.coins, n.p2p, cfg.SwapConfig()))
	if err != nil {
		return nil, err
	}

	n.policy, err = policy.CreatePolicy(cfg.PolicyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "policy %s", cfg.PolicyFile)
	}
	logger.Debug("peer policy", zap.Stringer("policy", n.policy))

	store, err := orderbook.NewBboltStore(n.db)
	if err != nil {
		return nil, err
	}
	n.orderbook = orderbook.New(n.p2p, n.coins, store, orderbook.Config{
		KeepAliveInterval: time.Duration(cfg.Orderbook.KeepAliveInterval),
		OrderExpiry:       time.Duration(cfg.Orderbook.OrderExpiry),
		MatchWait:         time.Duration(cfg.Orderbook.MatchWait),
		Policy:            n.policy,
	})
	n.orderbook.OnMatch(n.swaps.OnMatch)
	return n, nil
}

func (n *Node) newCoin(ctx context.Context, cc *CoinConf, nodeKey *btcec.PrivateKey) (*onchain.Coin, error) {
	params, err := cc.Params()
	if err != nil {
		return nil, err
	}
	minTxAmount, err := cc.minTxAmount()
	if err != nil {
		return nil, err
	}
	key := nodeKey
	if cc.WIF != "" {
		wif, err := btcutil.DecodeWIF(cc.WIF)
		if err != nil {
			return nil, err
		}
		key = wif.PrivKey
	}

	var (
		backend onchain.ChainBackend
		chain   *simnet.Chain
	)
	if n.cfg.Simnet {
		chain = simnet.NewChain(cc.Ticker)
		n.chains = append(n.chains, chain)
		backend = chain
	} else {
		client, err := electrum.NewElectrumClient(ctx, cc.Electrum, cc.ElectrumTLS)
		if err != nil {
			return nil, err
		}
		n.electrums = append(n.electrums, client)
		backend, err = electrum.NewBackend(ctx, client, electrum.WithLogger(n.logger.Named(cc.Ticker)))
		if err != nil {
			return nil, err
		}
	}
	if cc.RequestsPerSecond > 0 {
		backend = onchain.NewRateLimitedBackend(backend, cc.RequestsPerSecond)
	}

	coin, err := onchain.NewCoin(onchain.Config{
		Ticker:                cc.Ticker,
		Decimals:              cc.Decimals,
		Params:                params,
		RequiredConfirmations: cc.Confirmations,
		AvgBlockTime:          time.Duration(cc.AvgBlockTime),
		MinTxAmount:           minTxAmount,
	}, backend, key)
	if err != nil {
		return nil, err
	}

	if chain != nil {
		chain.Fund(coin.WalletScript(), simnetFunding)
		chain.Mine(1)
		chain.Start(coin.AvgBlockTime())
		log.Infof("[Node] %s runs on simnet, wallet %s funded", cc.Ticker, coin.MyAddress())
	}
	return coin, nil
}

// Start connects to the network, resumes unfinished swaps and subscribes to
// the configured orderbooks.
func (n *Node) Start(ctx context.Context) error {
	if err := n.p2p.Start(ctx); err != nil {
		return err
	}
	n.swaps.Start()
	recovered, err := n.swaps.RecoverSwaps()
	if err != nil {
		return fmt.Errorf("recover swaps: %w", err)
	}
	log.Infof("[Node] %s up, resumed %d swaps", n.p2p.ID(), recovered)

	if err := n.orderbook.Start(ctx); err != nil {
		return err
	}
	for _, pair := range n.cfg.Pairs {
		base, rel, err := ParsePair(pair)
		if err != nil {
			return err
		}
		if err := n.orderbook.Subscribe(ctx, base, rel); err != nil {
			// Relays may not be reachable yet, gossip still fills the book.
			log.Warnf("[Node] backfill of %s failed: %v", pair, err)
		}
	}
	return nil
}

// Stop shuts the components down in reverse start order. Running swaps stop
// where they are and resume on the next start.
func (n *Node) Stop() {
	n.orderbook.Stop()
	n.swaps.Stop()
	n.p2p.Stop()
	n.close()
}

func (n *Node) close() {
	for _, chain := range n.chains {
		chain.Stop()
	}
	if err := n.coins.Close(); err != nil {
		log.Warnf("[Node] closing coins: %v", err)
	}
	for _, client := range n.electrums {
		_ = client.Close()
	}
	if n.journal != nil {
		_ = n.journal.Close()
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			log.Warnf("[Node] closing database: %v", err)
		}
	}
}

func (n *Node) ID() p2p.PeerID {
	return n.p2p.ID()
}

func (n *Node) Swaps() *swap.Service {
	return n.swaps
}

func (n *Node) Policy() *policy.Policy {
	return n.policy
}

func (n *Node) Orderbook() *orderbook.Orderbook {
	return n.orderbook
}

func (n *Node) Coins() *coins.Registry {
	return n.coins
}

// LoadOrCreateKey reads the hex encoded node key at path and creates it if
// the file does not exist.
func LoadOrCreateKey(path string) (*btcec.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Serialize())+"\n"), 0600); err != nil {
			return nil, errors.Wrap(err, "write node key")
		}
		return key, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read node key")
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%s does not hold a hex encoded private key", path)
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}
