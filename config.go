package peerdex

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"github.com/pelletier/go-toml/v2"
	"github.com/peerdex/peerdex/p2p"
	"github.com/peerdex/peerdex/swap"
	"github.com/shopspring/decimal"
)

const (
	defaultConfigFileName = "peerdex.conf"
	dbName                = "swaps.db"
	keyFileName           = "node.key"
	logFileName           = "dexd.log"
	policyFileName        = "policy.conf"
)

var (
	DefaultDataDir    = btcutil.AppDataDir("peerdex", false)
	DefaultListenAddr = "0.0.0.0:42080"
	DefaultLogLevel   = "info"
)

// Duration is a time.Duration written as a Go duration string ("90s") in the
// config file and on the command line.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalFlag implements flags.Unmarshaler.
func (d *Duration) UnmarshalFlag(value string) error {
	return d.UnmarshalText([]byte(value))
}

type P2PConf struct {
	ListenAddr   string   `long:"listen" description:"address the p2p wire listens on" toml:"listen"`
	AdvertiseURL string   `long:"advertise" description:"url announced to peers so they can dial back" toml:"advertise"`
	Relay        bool     `long:"relay" description:"relay gossip and answer orderbook requests" toml:"relay"`
	Seeds        []string `long:"seed" description:"relay to connect to as <peer id>@<url>, may be repeated" toml:"seeds"`
}

type SwapConf struct {
	LockDuration       Duration          `long:"lockduration" description:"taker payment lock time before coin multipliers" toml:"lockduration"`
	NegotiationTimeout Duration          `long:"negotiationtimeout" description:"time the negotiation may take" toml:"negotiationtimeout"`
	FeePub             string            `long:"feepub" description:"compressed public key the taker fee is paid to" toml:"feepub"`
	LockMultipliers    map[string]uint64 `toml:"lockmultipliers"`
}

type OrderbookConf struct {
	KeepAliveInterval Duration `long:"keepalive" description:"interval maker orders are announced at" toml:"keepalive"`
	OrderExpiry       Duration `long:"expiry" description:"silence after which a remote order is dropped" toml:"expiry"`
	MatchWait         Duration `long:"matchwait" description:"time a taker collects reservations" toml:"matchwait"`
}

// CoinConf enables one UTXO coin.
type CoinConf struct {
	Ticker string `toml:"ticker"`
	// Network is one of mainnet, testnet, signet and regtest.
	Network           string   `toml:"network"`
	Decimals          uint8    `toml:"decimals"`
	Electrum          string   `toml:"electrum"`
	ElectrumTLS       bool     `toml:"electrumtls"`
	Confirmations     uint64   `toml:"confirmations"`
	AvgBlockTime      Duration `toml:"avgblocktime"`
	MinTxAmount       string   `toml:"mintxamount"`
	LockMultiplier    uint64   `toml:"lockmultiplier"`
	RequestsPerSecond int      `toml:"requestspersecond"`
	// WIF is the wallet key. The node key is used when it is empty.
	WIF string `toml:"wif"`
}

func (c *CoinConf) Params() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "", "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", c.Network)
}

// minTxAmount returns nil when no minimum is configured.
func (c *CoinConf) minTxAmount() (*big.Rat, error) {
	if c.MinTxAmount == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(c.MinTxAmount)
	if err != nil {
		return nil, fmt.Errorf("mintxamount: %w", err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("mintxamount must be positive")
	}
	return d.Rat(), nil
}

type Config struct {
	DataDir    string   `long:"datadir" description:"peerdex data directory" toml:"datadir"`
	ConfigFile string   `long:"configfile" description:"path to the config file" toml:"-"`
	LogLevel   string   `long:"loglevel" description:"debug, info, warn or error" toml:"loglevel"`
	Simnet     bool     `long:"simnet" description:"run every coin against an in-memory chain" toml:"simnet"`
	Pairs      []string `long:"pair" description:"orderbook to subscribe to as BASE/REL, may be repeated" toml:"pairs"`
	PolicyFile string   `long:"policyfile" description:"peer allow and deny lists in ini notation" toml:"policyfile"`

	P2P       P2PConf       `group:"P2P" namespace:"p2p" toml:"p2p"`
	Swap      SwapConf      `group:"Swaps" namespace:"swap" toml:"swap"`
	Orderbook OrderbookConf `group:"Orderbook" namespace:"orderbook" toml:"orderbook"`
	Coins     []CoinConf    `toml:"coins"`

	DbPath  string `no-flag:"true" toml:"-"`
	KeyPath string `no-flag:"true" toml:"-"`
	LogPath string `no-flag:"true" toml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:  DefaultDataDir,
		LogLevel: DefaultLogLevel,
		P2P: P2PConf{
			ListenAddr: DefaultListenAddr,
		},
		Swap: SwapConf{
			LockDuration:       Duration(swap.BasicLockDuration),
			NegotiationTimeout: Duration(90 * time.Second),
			FeePub:             swap.DefaultFeePub,
		},
		Orderbook: OrderbookConf{
			KeepAliveInterval: Duration(30 * time.Second),
			OrderExpiry:       Duration(20 * time.Minute),
			MatchWait:         Duration(5 * time.Second),
		},
	}
}

func (c Config) String() string {
	coins := make([]CoinConf, len(c.Coins))
	for i, coin := range c.Coins {
		if coin.WIF != "" {
			coin.WIF = "*****"
		}
		coins[i] = coin
	}
	c.Coins = coins
	b, _ := json.Marshal(c)
	return string(b)
}

func (c *Config) configFile() (string, bool) {
	if c.ConfigFile != "" {
		return c.ConfigFile, true
	}
	return filepath.Join(c.DataDir, defaultConfigFileName), false
}

// SwapConfig returns the swap engine settings. The config must be
// validated.
func (c *Config) SwapConfig() swap.Config {
	multipliers := map[string]uint64{}
	for ticker, m := range c.Swap.LockMultipliers {
		multipliers[ticker] = m
	}
	for _, coin := range c.Coins {
		if coin.LockMultiplier > 0 {
			multipliers[coin.Ticker] = coin.LockMultiplier
		}
	}
	feePub, _ := hex.DecodeString(c.Swap.FeePub)
	return swap.Config{
		LockDuration:       time.Duration(c.Swap.LockDuration),
		LockMultipliers:    multipliers,
		NegotiationTimeout: time.Duration(c.Swap.NegotiationTimeout),
		FeePub:             feePub,
	}
}

// ParsePair splits "BASE/REL".
func ParsePair(pair string) (base, rel string, err error) {
	base, rel, ok := strings.Cut(pair, "/")
	if !ok || base == "" || rel == "" {
		return "", "", fmt.Errorf("pair %q is not of the form BASE/REL", pair)
	}
	if base == rel {
		return "", "", fmt.Errorf("pair %q trades a coin against itself", pair)
	}
	return base, rel, nil
}

// ParseFlags applies the command line. It runs before and after the config
// file is read so that the file is looked up in the right data directory
// and flags take precedence over the file.
func ParseFlags(args []string) Processor {
	return func(c *Config) (*Config, error) {
		parser := flags.NewParser(c, flags.Default)
		if _, err := parser.ParseArgs(args); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// ReadFromFile reads the TOML config file. A missing file is fine unless it
// was set explicitly.
func ReadFromFile() Processor {
	return func(c *Config) (*Config, error) {
		path, explicit := c.configFile()
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) && !explicit {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return c, nil
	}
}

// SetDataDirPaths places the database, the node key and the log file in the
// data directory.
func SetDataDirPaths() Processor {
	return func(c *Config) (*Config, error) {
		if c.DataDir == "" {
			return nil, errors.New("datadir must be set")
		}
		c.DbPath = filepath.Join(c.DataDir, dbName)
		c.KeyPath = filepath.Join(c.DataDir, keyFileName)
		c.LogPath = filepath.Join(c.DataDir, logFileName)
		if c.PolicyFile == "" {
			c.PolicyFile = filepath.Join(c.DataDir, policyFileName)
		}
		return c, nil
	}
}

func Validate() Processor {
	return func(c *Config) (*Config, error) {
		return c, c.Validate()
	}
}

func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown loglevel %q", c.LogLevel)
	}

	tickers := map[string]bool{}
	for i := range c.Coins {
		coin := &c.Coins[i]
		if coin.Ticker == "" {
			return fmt.Errorf("coin %d has no ticker", i)
		}
		if tickers[coin.Ticker] {
			return fmt.Errorf("coin %s is configured twice", coin.Ticker)
		}
		tickers[coin.Ticker] = true
		if _, err := coin.Params(); err != nil {
			return fmt.Errorf("coin %s: %w", coin.Ticker, err)
		}
		if _, err := coin.minTxAmount(); err != nil {
			return fmt.Errorf("coin %s: %w", coin.Ticker, err)
		}
		if !c.Simnet && coin.Electrum == "" {
			return fmt.Errorf("coin %s: electrum server must be set", coin.Ticker)
		}
		if coin.WIF != "" {
			if _, err := btcutil.DecodeWIF(coin.WIF); err != nil {
				return fmt.Errorf("coin %s: wif: %w", coin.Ticker, err)
			}
		}
	}

	for _, pair := range c.Pairs {
		base, rel, err := ParsePair(pair)
		if err != nil {
			return err
		}
		if !tickers[base] || !tickers[rel] {
			return fmt.Errorf("pair %s uses a coin that is not configured", pair)
		}
	}

	for _, seed := range c.P2P.Seeds {
		if _, err := p2p.ParseHTTPPeer(seed, true); err != nil {
			return err
		}
	}

	feePub, err := hex.DecodeString(c.Swap.FeePub)
	if err != nil {
		return fmt.Errorf("feepub: %w", err)
	}
	if _, err := btcec.ParsePubKey(feePub); err != nil {
		return fmt.Errorf("feepub: %w", err)
	}
	if c.Swap.LockDuration <= 0 || c.Swap.NegotiationTimeout <= 0 {
		return errors.New("swap durations must be positive")
	}
	return nil
}

// GetConfig builds the daemon config from the defaults, the config file and
// args.
func GetConfig(args []string) (*Config, error) {
	pl := &Pipeline{processors: []Processor{}}
	pl = pl.
		Add(ParseFlags(args)).
		Add(ReadFromFile()).
		Add(ParseFlags(args)).
		Add(SetDataDirPaths()).
		Add(Validate())

	return pl.Run()
}

type Processor func(*Config) (*Config, error)

type Pipeline struct {
	processors []Processor
}

func (p *Pipeline) Add(pr Processor) *Pipeline {
	p.processors = append(p.processors, pr)
	return p
}

func (p *Pipeline) Run() (*Config, error) {
	var err error
	c := DefaultConfig()
	for _, pr := range p.processors {
		c, err = pr(c)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}
