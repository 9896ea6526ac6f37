// Package orderbook keeps the maker orders of this node alive on the network,
// replicates the orders of other makers and runs the match handshake.
//
// All state is owned by one goroutine. Public methods and network handlers
// hand it closures through a command channel and wait for the result.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
	"github.com/peerdex/peerdex/timer"
)

var (
	ErrNotRunning    = errors.New("orderbook is not running")
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrNoMatch       = errors.New("no maker connected")
	ErrWrongMaker    = errors.New("order message not signed by its maker")
)

// Network is the part of the p2p node the orderbook uses.
type Network interface {
	ID() p2p.PeerID
	IsRelay() bool
	Seal(msg messages.Message) ([]byte, error)
	PublishFrom(ctx context.Context, topics []string, raw []byte, claimedPeer p2p.PeerID) error
	Subscribe(topic string, handler p2p.Handler) func()
	HandleRequest(msgType messages.MessageType, handler p2p.RequestHandler)
	Request(ctx context.Context, peer p2p.PeerID, msg messages.Message) (*messages.Envelope, error)
	RequestAnyRelay(ctx context.Context, msg messages.Message) (*p2p.PeerResponse, error)
	RequestPeers(ctx context.Context, peers []p2p.PeerID, msg messages.Message) ([]p2p.PeerResponse, error)
	Penalize(peer p2p.PeerID, reason string)
	OnBan(f func(p2p.PeerID))
}

type Config struct {
	KeepAliveInterval time.Duration
	// OrderExpiry is the keepalive silence after which a replica is dropped.
	OrderExpiry       time.Duration
	ReservationWindow time.Duration
	// MatchWait is how long a taker collects reservations.
	MatchWait   time.Duration
	RequestWait time.Duration
	Clock       clock.Clock
	// Policy filters the makers and takers this node matches with. Nil
	// accepts every peer.
	Policy PeerPolicy
}

type PeerPolicy interface {
	IsPeerAllowed(peer string) bool
}

func (c *Config) peerAllowed(peer p2p.PeerID) bool {
	return c.Policy == nil || c.Policy.IsPeerAllowed(string(peer))
}

func (c *Config) setDefaults() {
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.OrderExpiry == 0 {
		c.OrderExpiry = 20 * time.Minute
	}
	if c.ReservationWindow == 0 {
		c.ReservationWindow = 30 * time.Second
	}
	if c.MatchWait == 0 {
		c.MatchWait = 5 * time.Second
	}
	if c.RequestWait == 0 {
		c.RequestWait = 20 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

type command struct {
	run     func() error
	errChan chan error // buffered
}

type connection struct {
	makerOrder uuid.UUID
	taker      p2p.PeerID
	at         time.Time
}

type Orderbook struct {
	cfg      Config
	network  Network
	coins    *coins.Registry
	store    Store
	clock    clock.Clock
	timeouts *timer.TimeOutService
	onMatch  MatchHandler

	router    chan *command
	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup

	// owned by run
	myOrders      map[uuid.UUID]*myOrder
	replicas      map[uuid.UUID]*Replica
	tombstones    map[uuid.UUID]tombstone
	connected     map[uuid.UUID]connection
	lastResync    map[p2p.PeerID]time.Time
	subscriptions map[string]func()
}

func New(network Network, registry *coins.Registry, store Store, cfg Config) *Orderbook {
	cfg.setDefaults()
	ob := &Orderbook{
		cfg:           cfg,
		network:       network,
		coins:         registry,
		store:         store,
		clock:         cfg.Clock,
		router:        make(chan *command, 256),
		myOrders:      map[uuid.UUID]*myOrder{},
		replicas:      map[uuid.UUID]*Replica{},
		tombstones:    map[uuid.UUID]tombstone{},
		connected:     map[uuid.UUID]connection{},
		lastResync:    map[p2p.PeerID]time.Time{},
		subscriptions: map[string]func(){},
	}
	ob.timeouts = timer.NewTimeOutService(cfg.Clock, func(id string) func() {
		return func() {
			ob.submitAsync(func() error {
				ob.releaseReservation(id)
				return nil
			})
		}
	})
	return ob
}

// OnMatch registers the callback both sides run once a reservation is
// connected. It must be set before Start.
func (ob *Orderbook) OnMatch(h MatchHandler) {
	ob.onMatch = h
}

// Start registers the network handlers, restores the maker orders from the
// store and gossips them again.
func (ob *Orderbook) Start(ctx context.Context) error {
	ob.ctx, ob.cancelCtx = context.WithCancel(ctx)

	ob.network.HandleRequest(messages.MESSAGETYPE_GET_ORDERBOOK, ob.handleGetOrderbook)
	ob.network.HandleRequest(messages.MESSAGETYPE_TAKER_REQUEST, ob.handleTakerRequest)
	ob.network.HandleRequest(messages.MESSAGETYPE_TAKER_CONNECT, ob.handleTakerConnect)
	// Bans fire on the owner too, so the prune is queued from a goroutine.
	ob.network.OnBan(func(peer p2p.PeerID) {
		go ob.submitAsync(func() error {
			ob.pruneMaker(peer)
			return nil
		})
	})

	ob.wg.Add(1)
	go ob.run()

	if ob.network.IsRelay() {
		if err := ob.submit(ctx, func() error {
			ob.subscriptions[p2p.OrderbookPrefix] = ob.network.Subscribe(p2p.OrderbookPrefix, ob.handleGossip)
			return nil
		}); err != nil {
			return err
		}
	}

	orders, err := ob.store.ListAll()
	if err != nil {
		return err
	}
	for _, order := range orders {
		order := order
		err := ob.submit(ctx, func() error {
			return ob.restore(order)
		})
		if err != nil {
			log.Warnf("[Orderbook]\tcould not restore order %s: %v", order.Uuid, err)
		}
	}
	return nil
}

func (ob *Orderbook) Stop() {
	if ob.cancelCtx == nil {
		return
	}
	ob.cancelCtx()
	ob.wg.Wait()
	for topic, unsubscribe := range ob.subscriptions {
		unsubscribe()
		delete(ob.subscriptions, topic)
	}
}

func (ob *Orderbook) run() {
	defer ob.wg.Done()
	ticker := ob.clock.Ticker(ob.expiryCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ob.ctx.Done():
			return
		case cmd := <-ob.router:
			cmd.errChan <- cmd.run()
		case <-ticker.C:
			ob.expire()
		}
	}
}

func (ob *Orderbook) expiryCheckInterval() time.Duration {
	if d := ob.cfg.OrderExpiry / 20; d > 0 {
		return d
	}
	return time.Second
}

func (ob *Orderbook) submitAsync(run func() error) <-chan error {
	cmd := &command{run: run, errChan: make(chan error, 1)}
	if ob.ctx == nil {
		cmd.errChan <- ErrNotRunning
		return cmd.errChan
	}
	select {
	case ob.router <- cmd:
	case <-ob.ctx.Done():
		cmd.errChan <- ErrNotRunning
	}
	return cmd.errChan
}

// trySubmit queues run unless the router is full or the orderbook stopped.
func (ob *Orderbook) trySubmit(run func() error) bool {
	if ob.ctx == nil || ob.ctx.Err() != nil {
		return false
	}
	select {
	case ob.router <- &command{run: run, errChan: make(chan error, 1)}:
		return true
	default:
		return false
	}
}

func (ob *Orderbook) submit(ctx context.Context, run func() error) error {
	errChan := ob.submitAsync(run)
	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-ob.ctx.Done():
		select {
		case err := <-errChan:
			return err
		default:
			return ErrNotRunning
		}
	}
}

func pairTopics(base, rel string) []string {
	return []string{p2p.OrderbookTopic(base, rel), p2p.OrderbookTopic(rel, base)}
}

func (ob *Orderbook) nowMillis() int64 {
	return ob.clock.Now().UnixMilli()
}

// Subscribe follows a pair and backfills it from any relay. Orders of both
// orientations arrive on one topic since makers publish on both.
func (ob *Orderbook) Subscribe(ctx context.Context, base, rel string) error {
	err := ob.submit(ctx, func() error {
		topic := p2p.OrderbookTopic(base, rel)
		if _, ok := ob.subscriptions[topic]; ok {
			return nil
		}
		if _, ok := ob.subscriptions[p2p.OrderbookPrefix]; ok {
			return nil
		}
		ob.subscriptions[topic] = ob.network.Subscribe(topic, ob.handleGossip)
		return nil
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ob.cfg.RequestWait)
	defer cancel()
	resp, err := ob.network.RequestAnyRelay(ctx, messages.GetOrderbook{Base: base, Rel: rel})
	if err != nil {
		return err
	}
	if resp == nil {
		log.Debugf("[Orderbook]\tno relay knows orders of %s/%s", base, rel)
		return nil
	}
	return ob.submit(ctx, func() error {
		return ob.applySnapshot(resp.Peer, resp.Envelope)
	})
}

func (ob *Orderbook) Unsubscribe(ctx context.Context, base, rel string) error {
	return ob.submit(ctx, func() error {
		topic := p2p.OrderbookTopic(base, rel)
		if unsubscribe, ok := ob.subscriptions[topic]; ok {
			unsubscribe()
			delete(ob.subscriptions, topic)
		}
		return nil
	})
}

// Book returns the orders of a pair, own orders included.
func (ob *Orderbook) Book(ctx context.Context, base, rel string) (*Book, error) {
	book := &Book{Base: base, Rel: rel}
	err := ob.submit(ctx, func() error {
		add := func(v OrderView) {
			switch {
			case v.Base == base && v.Rel == rel:
				book.Asks = append(book.Asks, v)
			case v.Base == rel && v.Rel == base:
				v.MaxVolume = new(big.Rat).Mul(v.MaxVolume, v.Price)
				v.MinVolume = new(big.Rat).Mul(v.MinVolume, v.Price)
				v.Price = new(big.Rat).Inv(v.Price)
				book.Bids = append(book.Bids, v)
			}
		}
		for _, o := range ob.myOrders {
			add(OrderView{
				Uuid: o.Uuid, Maker: ob.network.ID(), Base: o.Base, Rel: o.Rel,
				Price: new(big.Rat).Set(o.Price), MaxVolume: o.available(), MinVolume: new(big.Rat).Set(o.MinVolume),
				ConfSettings: o.ConfSettings, CreatedAt: o.CreatedAt, IsMine: true,
			})
		}
		for _, r := range ob.replicas {
			add(OrderView{
				Uuid: r.Uuid, Maker: r.Maker, Base: r.Base, Rel: r.Rel,
				Price: new(big.Rat).Set(r.Price), MaxVolume: new(big.Rat).Set(r.MaxVolume), MinVolume: new(big.Rat).Set(r.MinVolume),
				ConfSettings: r.ConfSettings, CreatedAt: r.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortViews(book.Asks, false)
	sortViews(book.Bids, true)
	return book, nil
}

func sortViews(views []OrderView, desc bool) {
	sort.SliceStable(views, func(i, j int) bool {
		c := views[i].Price.Cmp(views[j].Price)
		if c == 0 {
			return views[i].CreatedAt < views[j].CreatedAt
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func (ob *Orderbook) handleGossip(msg *p2p.Message) {
	if !msg.Envelope.Type.IsOrderMessage() {
		return
	}
	// Runs on the p2p read loop. A replica missed here is recovered by the
	// next resync of its maker.
	queued := ob.trySubmit(func() error {
		if err := ob.applyEnvelope(msg.From, msg.Envelope, msg.Raw); err != nil {
			log.Debugf("[Orderbook]\tdropping %s from %s: %v", msg.Envelope.Type, msg.From, err)
			ob.network.Penalize(msg.From, err.Error())
		}
		return nil
	})
	if !queued {
		log.Debugf("[Orderbook]\tbusy, dropping %s from %s", msg.Envelope.Type, msg.From)
	}
}

func (ob *Orderbook) handleGetOrderbook(ctx context.Context, from p2p.PeerID, env *messages.Envelope) (messages.Message, error) {
	var req messages.GetOrderbook
	if err := env.DecodeInto(&req); err != nil {
		return nil, err
	}
	var book messages.Orderbook
	err := ob.submit(ctx, func() error {
		book = ob.snapshot(req.Base, req.Rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(book.Orders) == 0 {
		return nil, nil
	}
	return book, nil
}

func inPair(base, rel, orderBase, orderRel string) bool {
	if base == "" && rel == "" {
		return true
	}
	return (orderBase == base && orderRel == rel) || (orderBase == rel && orderRel == base)
}

func (ob *Orderbook) snapshot(base, rel string) messages.Orderbook {
	var book messages.Orderbook
	add := func(initial, update []byte) {
		s := messages.OrderSnapshot{Initial: initial}
		if update != nil {
			s.Updates = [][]byte{update}
		}
		book.Orders = append(book.Orders, s)
	}
	for _, o := range ob.myOrders {
		if o.initial != nil && inPair(base, rel, o.Base, o.Rel) {
			add(o.initial, o.update)
		}
	}
	for _, r := range ob.replicas {
		if inPair(base, rel, r.Base, r.Rel) {
			add(r.initial, r.update)
		}
	}
	return book
}

// resync asks a maker for its orders after a gap in its sequence numbers.
func (ob *Orderbook) resync(maker p2p.PeerID) {
	now := ob.clock.Now()
	if last, ok := ob.lastResync[maker]; ok && now.Sub(last) < ob.cfg.KeepAliveInterval {
		return
	}
	ob.lastResync[maker] = now

	ob.wg.Add(1)
	go func() {
		defer ob.wg.Done()
		ctx, cancel := context.WithTimeout(ob.ctx, ob.cfg.RequestWait)
		defer cancel()
		env, err := ob.network.Request(ctx, maker, messages.GetOrderbook{})
		if err != nil || env == nil {
			log.Debugf("[Orderbook]\tresync with %s failed: %v", maker, err)
			return
		}
		ob.submitAsync(func() error {
			return ob.applySnapshot(maker, env)
		})
	}()
}

func (ob *Orderbook) pruneMaker(maker p2p.PeerID) {
	for id, r := range ob.replicas {
		if r.Maker == maker {
			log.Infof("[Orderbook]\tdropping order %s of banned maker %s", id, maker)
			delete(ob.replicas, id)
		}
	}
}

func (ob *Orderbook) expire() {
	now := ob.clock.Now()
	for id, r := range ob.replicas {
		if now.Sub(r.LastSeen) > ob.cfg.OrderExpiry {
			log.Debugf("[Orderbook]\torder %s of %s expired", id, r.Maker)
			delete(ob.replicas, id)
		}
	}
	for id, t := range ob.tombstones {
		if now.Sub(t.at) > ob.cfg.OrderExpiry {
			delete(ob.tombstones, id)
		}
	}
	for id, c := range ob.connected {
		if now.Sub(c.at) > ob.cfg.OrderExpiry {
			delete(ob.connected, id)
		}
	}
	for peer, at := range ob.lastResync {
		if now.Sub(at) > ob.cfg.OrderExpiry {
			delete(ob.lastResync, peer)
		}
	}
}

func (ob *Orderbook) coin(ticker string) (coins.Coin, error) {
	c, err := ob.coins.Get(ticker)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	return c, nil
}
