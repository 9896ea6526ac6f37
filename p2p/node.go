package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/peerdex/peerdex/messages"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPublishTimeout is returned when a critical frame could not be
	// queued before CriticalPublishTimeout.
	ErrPublishTimeout = errors.New("publish queue full")
	ErrPeerBanned     = errors.New("peer banned")
)

type Config struct {
	// Relay nodes forward every valid frame to their other peers and answer
	// orderbook requests.
	Relay                  bool
	SeenCacheSize          int
	BanThreshold           int
	BanWindow              time.Duration
	BanDuration            time.Duration
	QueueSize              int
	CriticalPublishTimeout time.Duration
	RequestTimeout         time.Duration
	MaxParallelRequests    int
	Clock                  clock.Clock
	Logger                 *zap.Logger
}

func (c *Config) setDefaults() {
	if c.SeenCacheSize == 0 {
		c.SeenCacheSize = 10000
	}
	if c.BanThreshold == 0 {
		c.BanThreshold = 10
	}
	if c.BanWindow == 0 {
		c.BanWindow = 10 * time.Minute
	}
	if c.BanDuration == 0 {
		c.BanDuration = 30 * time.Minute
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.CriticalPublishTimeout == 0 {
		c.CriticalPublishTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.MaxParallelRequests == 0 {
		c.MaxParallelRequests = 8
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Message is a gossip message as handed to subscribers.
type Message struct {
	Topic string
	// From is the author of the envelope, Relayer the neighbour that
	// delivered it.
	From     PeerID
	Relayer  PeerID
	Envelope *messages.Envelope
	Raw      []byte
}

// Handler runs on the wire's read loop and must not block.
type Handler func(msg *Message)

// RequestHandler answers a request. A nil message is sent back as None.
type RequestHandler func(ctx context.Context, from PeerID, env *messages.Envelope) (messages.Message, error)

type PeerResponse struct {
	Peer     PeerID
	Envelope *messages.Envelope
	Err      error
}

type frame struct {
	Topics   []string `codec:"topics"`
	Envelope []byte   `codec:"envelope"`
}

type outbound struct {
	frame  []byte
	except PeerID
}

type subscription struct {
	topic   string
	handler Handler
}

type Node struct {
	cfg    Config
	key    *btcec.PrivateKey
	id     PeerID
	wire   Wire
	logger *zap.Logger
	seen   *lru.Cache[string, struct{}]
	bans   *banList

	mu          sync.RWMutex
	subs        map[uint64]*subscription
	nextSub     uint64
	reqHandlers map[messages.MessageType]RequestHandler
	breakers    map[PeerID]*gobreaker.CircuitBreaker
	addrs       map[PeerID]string
	banHandlers []func(PeerID)

	critical chan outbound
	bulk     chan outbound
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ messages.Messenger = (*Node)(nil)

func NewNode(key *btcec.PrivateKey, wire Wire, cfg Config) (*Node, error) {
	cfg.setDefaults()
	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, err
	}
	id := PeerIDFromKey(key.PubKey())
	return &Node{
		cfg:         cfg,
		key:         key,
		id:          id,
		wire:        wire,
		logger:      cfg.Logger.With(zap.String("node", string(id)[:8])),
		seen:        seen,
		bans:        newBanList(cfg.Clock, cfg.BanThreshold, cfg.BanWindow, cfg.BanDuration),
		subs:        map[uint64]*subscription{},
		reqHandlers: map[messages.MessageType]RequestHandler{},
		breakers:    map[PeerID]*gobreaker.CircuitBreaker{},
		addrs:       map[PeerID]string{},
		critical:    make(chan outbound, cfg.QueueSize),
		bulk:        make(chan outbound, cfg.QueueSize),
	}, nil
}

func PeerIDFromKey(pub *btcec.PublicKey) PeerID {
	return PeerID(fmt.Sprintf("%x", pub.SerializeCompressed()))
}

func (n *Node) ID() PeerID {
	return n.id
}

func (n *Node) IsRelay() bool {
	return n.cfg.Relay
}

// Seal signs msg with the node key.
func (n *Node) Seal(msg messages.Message) ([]byte, error) {
	raw, _, err := messages.Seal(n.key, msg)
	return raw, err
}

func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	if err := n.wire.Start(ctx, n); err != nil {
		n.cancel()
		return err
	}
	n.wg.Add(2)
	go n.sendLoop(ctx, n.critical)
	go n.sendLoop(ctx, n.bulk)
	return nil
}

func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	if err := n.wire.Close(); err != nil {
		n.logger.Debug("closing wire", zap.Error(err))
	}
}

func (n *Node) sendLoop(ctx context.Context, queue chan outbound) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-queue:
			n.broadcast(ctx, o)
		}
	}
}

func (n *Node) broadcast(ctx context.Context, o outbound) {
	for _, peer := range n.wire.Peers() {
		if peer.ID == o.except || n.bans.isBanned(peer.Addr) {
			continue
		}
		if err := n.wire.Send(ctx, peer.ID, o.frame); err != nil {
			n.logger.Debug("send failed", zap.String("peer", string(peer.ID)), zap.Error(err))
		}
	}
}

// Publish signs msg and gossips it on topics.
func (n *Node) Publish(ctx context.Context, topics []string, msg messages.Message) error {
	raw, err := n.Seal(msg)
	if err != nil {
		return err
	}
	return n.PublishFrom(ctx, topics, raw, n.id)
}

// PublishFrom gossips an envelope authored by claimedPeer, for instance an
// order rebroadcast on behalf of its maker.
func (n *Node) PublishFrom(ctx context.Context, topics []string, raw []byte, claimedPeer PeerID) error {
	env, err := messages.Open(raw)
	if err != nil {
		return err
	}
	if PeerID(env.SenderID()) != claimedPeer {
		return fmt.Errorf("envelope is signed by %s, not %s", env.SenderID(), claimedPeer)
	}
	n.seen.Add(messages.MessageID(raw), struct{}{})
	f, err := messages.Encode(&frame{Topics: topics, Envelope: raw})
	if err != nil {
		return err
	}
	return n.enqueue(ctx, outbound{frame: f}, messages.IsCritical(env.Type))
}

// SendMessage publishes a sealed envelope on topic.
func (n *Node) SendMessage(ctx context.Context, topic string, envelope []byte) error {
	return n.PublishFrom(ctx, []string{topic}, envelope, n.id)
}

func (n *Node) enqueue(ctx context.Context, o outbound, critical bool) error {
	if !critical {
		select {
		case n.bulk <- o:
		default:
			n.logger.Debug("dropping non critical frame, queue full")
		}
		return nil
	}
	timer := n.cfg.Clock.Timer(n.cfg.CriticalPublishTimeout)
	defer timer.Stop()
	select {
	case n.critical <- o:
		return nil
	case <-timer.C:
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for topic. A topic ending in "/" matches
// every topic with that prefix. The returned function unsubscribes.
func (n *Node) Subscribe(topic string, handler Handler) func() {
	n.mu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = &subscription{topic: topic, handler: handler}
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

func (n *Node) HandleRequest(msgType messages.MessageType, handler RequestHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqHandlers[msgType] = handler
}

// OnBan registers a callback fired once for every peer at a banned address.
func (n *Node) OnBan(f func(PeerID)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.banHandlers = append(n.banHandlers, f)
}

// Penalize records an offence against the address peer was last seen at.
func (n *Node) Penalize(peer PeerID, reason string) {
	addr := n.addrOf(peer)
	if addr == "" {
		n.logger.Debug("cannot penalize unknown peer", zap.String("peer", string(peer)), zap.String("reason", reason))
		return
	}
	n.logger.Info("penalize", zap.String("peer", string(peer)), zap.String("reason", reason))
	if !n.bans.offend(addr) {
		return
	}
	n.logger.Warn("banned", zap.String("addr", hostOf(addr)))

	n.mu.RLock()
	handlers := append([]func(PeerID){}, n.banHandlers...)
	var banned []PeerID
	for id, a := range n.addrs {
		if hostOf(a) == hostOf(addr) {
			banned = append(banned, id)
		}
	}
	n.mu.RUnlock()
	for _, id := range banned {
		for _, h := range handlers {
			h(id)
		}
	}
}

func (n *Node) IsBanned(peer PeerID) bool {
	addr := n.addrOf(peer)
	return addr != "" && n.bans.isBanned(addr)
}

func (n *Node) rememberAddr(peer PeerID, addr string) {
	if addr == "" {
		return
	}
	n.mu.Lock()
	n.addrs[peer] = addr
	n.mu.Unlock()
}

func (n *Node) addrOf(peer PeerID) string {
	n.mu.RLock()
	addr, ok := n.addrs[peer]
	n.mu.RUnlock()
	if ok {
		return addr
	}
	for _, p := range n.wire.Peers() {
		if p.ID == peer {
			return p.Addr
		}
	}
	return ""
}

func (n *Node) breaker(peer PeerID) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	cb, ok := n.breakers[peer]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(peer),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				n.logger.Info("peer breaker", zap.String("peer", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		})
		n.breakers[peer] = cb
	}
	return cb
}

// HandleFrame implements WireHandler.
func (n *Node) HandleFrame(from PeerID, addr string, raw []byte) {
	n.rememberAddr(from, addr)
	if n.bans.isBanned(addr) {
		return
	}
	var f frame
	if err := messages.Decode(raw, &f); err != nil || len(f.Envelope) == 0 {
		n.Penalize(from, "undecodable frame")
		return
	}
	if seen, _ := n.seen.ContainsOrAdd(messages.MessageID(f.Envelope), struct{}{}); seen {
		return
	}
	env, err := messages.Open(f.Envelope)
	if err != nil {
		n.Penalize(from, err.Error())
		return
	}

	msg := Message{
		From:     PeerID(env.SenderID()),
		Relayer:  from,
		Envelope: env,
		Raw:      f.Envelope,
	}
	n.mu.RLock()
	subs := lo.Values(n.subs)
	n.mu.RUnlock()
	for _, sub := range subs {
		topic, ok := lo.Find(f.Topics, func(t string) bool {
			return topicMatches(sub.topic, t)
		})
		if !ok {
			continue
		}
		delivered := msg
		delivered.Topic = topic
		sub.handler(&delivered)
	}

	if n.cfg.Relay {
		// Forwarded frames keep the queue of their type: swap and order
		// frames wait for room, keepalives are dropped.
		err := n.enqueue(context.Background(), outbound{frame: raw, except: from}, messages.IsCritical(env.Type))
		if err != nil {
			n.logger.Debug("not forwarding", zap.Stringer("type", env.Type), zap.Error(err))
		}
	}
}

// HandleRequestFrame implements WireHandler.
func (n *Node) HandleRequestFrame(ctx context.Context, from PeerID, addr string, raw []byte) ([]byte, error) {
	n.rememberAddr(from, addr)
	if n.bans.isBanned(addr) {
		return nil, ErrPeerBanned
	}
	env, err := messages.Open(raw)
	if err != nil {
		n.Penalize(from, err.Error())
		return nil, err
	}
	n.mu.RLock()
	handler, ok := n.reqHandlers[env.Type]
	n.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	resp, err := handler(ctx, PeerID(env.SenderID()), env)
	if err != nil || resp == nil {
		return nil, err
	}
	return n.Seal(resp)
}

// Request sends msg to peer and returns its answer, nil for None.
func (n *Node) Request(ctx context.Context, peer PeerID, msg messages.Message) (*messages.Envelope, error) {
	raw, err := n.Seal(msg)
	if err != nil {
		return nil, err
	}
	return n.request(ctx, peer, raw)
}

func (n *Node) request(ctx context.Context, peer PeerID, raw []byte) (*messages.Envelope, error) {
	if n.IsBanned(peer) {
		return nil, ErrPeerBanned
	}
	res, err := n.breaker(peer).Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, n.cfg.RequestTimeout)
		defer cancel()
		return n.wire.Request(ctx, peer, raw)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := res.([]byte)
	if len(resp) == 0 {
		return nil, nil
	}
	env, err := messages.Open(resp)
	if err != nil {
		n.Penalize(peer, err.Error())
		return nil, err
	}
	return env, nil
}

// RequestAnyRelay asks relays one after the other, in a stable order, and
// returns the first answer that is not None. It returns nil when no relay
// answered.
func (n *Node) RequestAnyRelay(ctx context.Context, msg messages.Message) (*PeerResponse, error) {
	raw, err := n.Seal(msg)
	if err != nil {
		return nil, err
	}
	relays := lo.Filter(n.wire.Peers(), func(p PeerInfo, _ int) bool {
		return p.Relay
	})
	sort.Slice(relays, func(i, j int) bool {
		return relays[i].ID < relays[j].ID
	})
	for _, relay := range relays {
		if n.bans.isBanned(relay.Addr) || n.breaker(relay.ID).State() == gobreaker.StateOpen {
			continue
		}
		env, err := n.request(ctx, relay.ID, raw)
		if err != nil {
			n.logger.Debug("relay request failed", zap.String("relay", string(relay.ID)), zap.Error(err))
			continue
		}
		if env != nil {
			return &PeerResponse{Peer: relay.ID, Envelope: env}, nil
		}
	}
	return nil, nil
}

// RequestPeers sends msg to every peer in parallel. Responses are returned
// in arrival order, failures carry Err.
func (n *Node) RequestPeers(ctx context.Context, peers []PeerID, msg messages.Message) ([]PeerResponse, error) {
	raw, err := n.Seal(msg)
	if err != nil {
		return nil, err
	}
	var (
		mu        sync.Mutex
		responses = make([]PeerResponse, 0, len(peers))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.cfg.MaxParallelRequests)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			env, err := n.request(gctx, peer, raw)
			mu.Lock()
			responses = append(responses, PeerResponse{Peer: peer, Envelope: env, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return responses, nil
}
