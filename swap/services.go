package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
)

// DefaultFeePub receives the taker fees unless configured otherwise.
const DefaultFeePub = "03bc2c7ba671bae4a6fc835244c9762b41647b9827d4780a89a949b984a8ddcc06"

// Network is the part of the p2p node the swaps use.
type Network interface {
	messages.Messenger
	ID() p2p.PeerID
	Seal(msg messages.Message) ([]byte, error)
	Subscribe(topic string, handler p2p.Handler) func()
	Penalize(peer p2p.PeerID, reason string)
}

type Journal interface {
	Create(ctx context.Context, h journal.Header) error
	Append(ctx context.Context, uuid, eventType string, data interface{}) (*journal.Event, error)
	Get(uuid string) (*journal.Header, error)
	Events(uuid string) ([]journal.Event, error)
	ListUnfinished() ([]*journal.Header, error)
	ListRecent(myCoin, otherCoin string, limit int) ([]*journal.Header, error)
}

type CoinRegistry interface {
	Get(ticker string) (coins.Coin, error)
}

type Config struct {
	// LockDuration is the taker payment lock time before multipliers.
	LockDuration time.Duration
	// LockMultipliers stretch the lock time of swaps involving slow coins.
	// The larger multiplier of both coins applies.
	LockMultipliers    map[string]uint64
	NegotiationTimeout time.Duration
	// MaxStartedAtDiff bounds the clock skew tolerated between both parties.
	MaxStartedAtDiff time.Duration
	// FeePub is the compressed public key the taker fee is paid to.
	FeePub []byte
	// ResendInterval is the period swap messages are published with until
	// the next message replaces them.
	ResendInterval time.Duration
	// PollInterval paces the refund and claim loops.
	PollInterval         time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	// BufferedSwaps bounds the number of unknown swaps whose messages are
	// kept until the swap starts.
	BufferedSwaps int
	Clock         clock.Clock
}

func (c *Config) setDefaults() {
	if c.LockDuration == 0 {
		c.LockDuration = BasicLockDuration
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = 90 * time.Second
	}
	if c.MaxStartedAtDiff == 0 {
		c.MaxStartedAtDiff = 60 * time.Second
	}
	if len(c.FeePub) == 0 {
		c.FeePub, _ = hex.DecodeString(DefaultFeePub)
	}
	if c.ResendInterval == 0 {
		c.ResendInterval = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = time.Second
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = time.Minute
	}
	if c.BufferedSwaps == 0 {
		c.BufferedSwaps = 256
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// lockDuration returns the lock time in seconds for a swap between both
// coins.
func (c *Config) lockDuration(makerCoin, takerCoin string) uint64 {
	multiplier := uint64(1)
	for _, ticker := range []string{makerCoin, takerCoin} {
		if m := c.LockMultipliers[ticker]; m > multiplier {
			multiplier = m
		}
	}
	return uint64(c.LockDuration/time.Second) * multiplier
}

// SwapServices bundles everything a swap action may use.
type SwapServices struct {
	journal   Journal
	coins     CoinRegistry
	network   Network
	messenger *messages.Manager
	clock     clock.Clock
	cfg       Config
}

func NewSwapServices(journal Journal, registry CoinRegistry, network Network, cfg Config) *SwapServices {
	cfg.setDefaults()
	return &SwapServices{
		journal:   journal,
		coins:     registry,
		network:   network,
		messenger: messages.NewManager(),
		clock:     cfg.Clock,
		cfg:       cfg,
	}
}

func (s *SwapServices) now() time.Time {
	return s.clock.Now()
}

func (s *SwapServices) persistentPub() []byte {
	pub, _ := hex.DecodeString(string(s.network.ID()))
	return pub
}

// swapCoins returns the maker coin and the taker coin of swap.
func (s *SwapServices) swapCoins(swap *SwapData) (coins.Coin, coins.Coin, error) {
	makerCoin, err := s.coins.Get(swap.MakerCoin())
	if err != nil {
		return nil, nil, err
	}
	takerCoin, err := s.coins.Get(swap.TakerCoin())
	if err != nil {
		return nil, nil, err
	}
	return makerCoin, takerCoin, nil
}

// send publishes msg on the swap topic until the next call to send or
// stopSending for the same swap. Transport failures are retried until
// deadline. A critical publish timeout is returned at once.
func (s *SwapServices) send(ctx context.Context, swap *SwapData, msg messages.Message, deadline time.Time) error {
	raw, err := s.network.Seal(msg)
	if err != nil {
		return err
	}
	return s.retry(ctx, deadline, "send "+msg.MessageType().String(), func() error {
		sender := messages.NewRedundantMessenger(s.network, s.cfg.ResendInterval)
		s.messenger.ReplaceSender(swap.Uuid, sender)
		err := sender.SendMessage(ctx, p2p.SwapTopic(swap.Uuid), raw)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, p2p.ErrPublishTimeout):
			return fmt.Errorf("publish %s: %w", msg.MessageType(), err)
		}
		return coins.NewTransportError("publish", err)
	})
}

func (s *SwapServices) stopSending(id string) {
	s.messenger.RemoveSender(id)
}

// receive waits for a message of msg's type from the counterparty and
// decodes it into msg. Undecodable messages and messages for another swap
// are dropped.
func (s *SwapServices) receive(ctx context.Context, swap *SwapData, msg messages.Message, deadline time.Time) error {
	for {
		env, err := swap.inbox.wait(ctx, s.clock, msg.MessageType(), deadline)
		if err != nil {
			return err
		}
		if env.SenderID() != swap.Counterparty {
			swap.inbox.drop(env.Type)
			continue
		}
		if err := env.DecodeInto(msg); err != nil {
			log.Warnf("[Swap] %s: dropping undecodable %s: %v", swap.Uuid, env.Type, err)
			swap.inbox.drop(env.Type)
			s.network.Penalize(p2p.PeerID(env.SenderID()), err.Error())
			continue
		}
		if id := messageUuid(msg); id != swap.Uuid {
			log.Warnf("[Swap] %s: dropping %s for swap %s", swap.Uuid, env.Type, id)
			swap.inbox.drop(env.Type)
			continue
		}
		return nil
	}
}

func messageUuid(msg messages.Message) string {
	var id uuid.UUID
	switch m := msg.(type) {
	case *messages.SwapNegotiation:
		id = m.Uuid
	case *messages.SwapNegotiationReply:
		id = m.Uuid
	case *messages.SwapNegotiated:
		id = m.Uuid
	case *messages.SwapTakerFee:
		id = m.Uuid
	case *messages.SwapMakerPayment:
		id = m.Uuid
	case *messages.SwapTakerPayment:
		id = m.Uuid
	default:
		return ""
	}
	return id.String()
}

// retry runs op until it succeeds, returns an error that is not a transport
// error, ctx is done or deadline passed. A zero deadline retries forever.
func (s *SwapServices) retry(ctx context.Context, deadline time.Time, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = s.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Clock = s.clock

	return backoff.RetryNotifyWithTimer(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case !coins.IsTransport(err):
			return backoff.Permanent(err)
		case !deadline.IsZero() && !s.clock.Now().Before(deadline):
			return backoff.Permanent(fmt.Errorf("deadline passed: %w", err))
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Debugf("[Swap] %s failed, retrying in %s: %v", name, next, err)
	}, &clockTimer{clock: s.clock})
}

// sleep waits d on the swap clock. It returns false if ctx is done first.
func (s *SwapServices) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// clockTimer runs backoff timers on the swap clock.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	t.timer = t.clock.Timer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
