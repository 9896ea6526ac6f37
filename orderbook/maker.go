package orderbook

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
)

type MakerOrderParams struct {
	Base      string
	Rel       string
	Price     *big.Rat
	MaxVolume *big.Rat
	// MinVolume defaults to MinTradingVol.
	MinVolume *big.Rat
	// ConfSettings default to the required confirmations of both coins.
	ConfSettings *messages.ConfSettings
}

// UpdateMakerOrderParams changes the fields that are not nil.
type UpdateMakerOrderParams struct {
	Uuid      uuid.UUID
	Price     *big.Rat
	MaxVolume *big.Rat
	MinVolume *big.Rat
}

// CreateMakerOrder stores a new order, gossips it on both orientations of
// the pair and keeps it alive until it is cancelled or filled.
func (ob *Orderbook) CreateMakerOrder(ctx context.Context, params MakerOrderParams) (*MakerOrder, error) {
	if params.MinVolume == nil {
		params.MinVolume = new(big.Rat).Set(MinTradingVol)
	}
	if err := validTerms(params.Base, params.Rel, params.Price, params.MaxVolume, params.MinVolume); err != nil {
		return nil, err
	}
	if params.MinVolume.Cmp(MinTradingVol) < 0 {
		return nil, fmt.Errorf("%w: min volume below %s", ErrInvalidOrder, MinTradingVol.FloatString(8))
	}
	baseCoin, err := ob.coin(params.Base)
	if err != nil {
		return nil, err
	}
	relCoin, err := ob.coin(params.Rel)
	if err != nil {
		return nil, err
	}
	if err := coins.CheckEnoughToTrade(ctx, baseCoin, params.MaxVolume); err != nil {
		return nil, err
	}
	conf := messages.ConfSettings{
		BaseConfs: baseCoin.RequiredConfirmations(),
		RelConfs:  relCoin.RequiredConfirmations(),
	}
	if params.ConfSettings != nil {
		conf = *params.ConfSettings
	}

	now := ob.nowMillis()
	order := &MakerOrder{
		Uuid:         uuid.New(),
		Base:         params.Base,
		Rel:          params.Rel,
		Price:        new(big.Rat).Set(params.Price),
		MaxVolume:    new(big.Rat).Set(params.MaxVolume),
		MinVolume:    new(big.Rat).Set(params.MinVolume),
		ConfSettings: conf,
		CreatedAt:    now,
		UpdatedAt:    now,
		Seq:          1,
	}

	var raw []byte
	err = ob.submit(ctx, func() error {
		if err := ob.store.Save(order); err != nil {
			return err
		}
		raw, err = ob.announce(order)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Orderbook]\tcreated order %s selling %s %s at %s %s",
		order.Uuid, order.MaxVolume.FloatString(8), order.Base, order.Price.FloatString(8), order.Rel)
	ob.publish(ctx, order.Base, order.Rel, raw)
	return copyOrder(order), nil
}

// restore re-announces a stored order with a bumped sequence number, so
// that replicas holding an older state take the new one.
func (ob *Orderbook) restore(order *MakerOrder) error {
	order.Seq++
	order.UpdatedAt = ob.nowMillis()
	if err := ob.store.Save(order); err != nil {
		return err
	}
	raw, err := ob.announce(order)
	if err != nil {
		return err
	}
	ob.wg.Add(1)
	go func() {
		defer ob.wg.Done()
		ob.publish(ob.ctx, order.Base, order.Rel, raw)
	}()
	log.Infof("[Orderbook]\trestored order %s", order.Uuid)
	return nil
}

// announce registers order as ours and returns the signed creation message.
// Runs on the owner.
func (ob *Orderbook) announce(order *MakerOrder) ([]byte, error) {
	raw, err := ob.network.Seal(messages.MakerOrderCreated{
		Uuid:         order.Uuid,
		Base:         order.Base,
		Rel:          order.Rel,
		Price:        messages.EncodeRat(order.Price),
		MaxVolume:    messages.EncodeRat(order.MaxVolume),
		MinVolume:    messages.EncodeRat(order.MinVolume),
		ConfSettings: order.ConfSettings,
		CreatedAt:    order.CreatedAt,
		Seq:          order.Seq,
	})
	if err != nil {
		return nil, err
	}
	ob.myOrders[order.Uuid] = &myOrder{
		MakerOrder: order,
		initial:    raw,
		stop:       ob.keepAlive(order.Uuid),
	}
	return raw, nil
}

func (ob *Orderbook) publish(ctx context.Context, base, rel string, raw []byte) {
	if raw == nil {
		return
	}
	if err := ob.network.PublishFrom(ctx, pairTopics(base, rel), raw, ob.network.ID()); err != nil {
		log.Warnf("[Orderbook]\tcould not publish order message: %v", err)
	}
}

func (ob *Orderbook) keepAlive(id uuid.UUID) func() {
	ctx, cancel := context.WithCancel(ob.ctx)
	ob.wg.Add(1)
	go func() {
		defer ob.wg.Done()
		ticker := ob.clock.Ticker(ob.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var (
				raw       []byte
				base, rel string
			)
			err := ob.submit(ctx, func() error {
				o, ok := ob.myOrders[id]
				if !ok {
					return ErrOrderNotFound
				}
				base, rel = o.Base, o.Rel
				var err error
				raw, err = ob.network.Seal(messages.MakerOrderKeepAlive{
					Uuid:      id,
					Timestamp: ob.nowMillis(),
					Seq:       o.Seq,
				})
				return err
			})
			if errors.Is(err, ErrOrderNotFound) {
				return
			}
			if err != nil {
				continue
			}
			ob.publish(ctx, base, rel, raw)
		}
	}()
	return cancel
}

func (ob *Orderbook) UpdateMakerOrder(ctx context.Context, params UpdateMakerOrderParams) (*MakerOrder, error) {
	var base string
	err := ob.submit(ctx, func() error {
		o, ok := ob.myOrders[params.Uuid]
		if !ok {
			return ErrOrderNotFound
		}
		base = o.Base
		return nil
	})
	if err != nil {
		return nil, err
	}
	if params.MaxVolume != nil {
		baseCoin, err := ob.coin(base)
		if err != nil {
			return nil, err
		}
		if err := coins.CheckEnoughToTrade(ctx, baseCoin, params.MaxVolume); err != nil {
			return nil, err
		}
	}

	var (
		updated *MakerOrder
		raw     []byte
	)
	err = ob.submit(ctx, func() error {
		o, ok := ob.myOrders[params.Uuid]
		if !ok {
			return ErrOrderNotFound
		}
		price, maxVolume, minVolume := o.Price, o.MaxVolume, o.MinVolume
		if params.Price != nil {
			price = params.Price
		}
		if params.MaxVolume != nil {
			maxVolume = params.MaxVolume
		}
		if params.MinVolume != nil {
			minVolume = params.MinVolume
		}
		if err := validTerms(o.Base, o.Rel, price, maxVolume, minVolume); err != nil {
			return err
		}
		if minVolume.Cmp(MinTradingVol) < 0 {
			return fmt.Errorf("%w: min volume below %s", ErrInvalidOrder, MinTradingVol.FloatString(8))
		}
		if o.pending != nil && maxVolume.Cmp(o.pending.baseAmount) < 0 {
			return fmt.Errorf("%w: max volume below the reserved %s", ErrInvalidOrder, o.pending.baseAmount.FloatString(8))
		}
		o.Price = new(big.Rat).Set(price)
		o.MaxVolume = new(big.Rat).Set(maxVolume)
		o.MinVolume = new(big.Rat).Set(minVolume)
		var err error
		raw, err = ob.bump(o)
		updated = copyOrder(o.MakerOrder)
		return err
	})
	if err != nil {
		return nil, err
	}
	ob.publish(ctx, updated.Base, updated.Rel, raw)
	return updated, nil
}

// bump persists o with the next sequence number and returns the signed
// update carrying its full terms. Runs on the owner.
func (ob *Orderbook) bump(o *myOrder) ([]byte, error) {
	o.Seq++
	o.UpdatedAt = ob.nowMillis()
	if err := ob.store.Save(o.MakerOrder); err != nil {
		return nil, err
	}
	price := messages.EncodeRat(o.Price)
	maxVolume := messages.EncodeRat(o.MaxVolume)
	minVolume := messages.EncodeRat(o.MinVolume)
	raw, err := ob.network.Seal(messages.MakerOrderUpdated{
		Uuid:         o.Uuid,
		NewPrice:     &price,
		NewMaxVolume: &maxVolume,
		NewMinVolume: &minVolume,
		Timestamp:    o.UpdatedAt,
		Seq:          o.Seq,
	})
	if err != nil {
		return nil, err
	}
	o.update = raw
	return raw, nil
}

func (ob *Orderbook) CancelMakerOrder(ctx context.Context, id uuid.UUID) error {
	var (
		raw       []byte
		base, rel string
	)
	err := ob.submit(ctx, func() error {
		o, ok := ob.myOrders[id]
		if !ok {
			return ErrOrderNotFound
		}
		base, rel = o.Base, o.Rel
		var err error
		raw, err = ob.cancel(o)
		return err
	})
	if err != nil {
		return err
	}
	log.Infof("[Orderbook]\tcancelled order %s", id)
	ob.publish(ctx, base, rel, raw)
	return nil
}

// CancelAllOrders cancels every maker order of this node and returns their
// uuids.
func (ob *Orderbook) CancelAllOrders(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := ob.submit(ctx, func() error {
		for id := range ob.myOrders {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var cancelled []uuid.UUID
	for _, id := range ids {
		err := ob.CancelMakerOrder(ctx, id)
		if errors.Is(err, ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

// cancel drops o and returns the signed cancellation. Runs on the owner.
func (ob *Orderbook) cancel(o *myOrder) ([]byte, error) {
	if err := ob.store.Delete(o.Uuid); err != nil && !errors.Is(err, ErrDoesNotExist) {
		return nil, err
	}
	o.stop()
	ob.timeouts.Cancel(o.Uuid.String())
	delete(ob.myOrders, o.Uuid)
	return ob.network.Seal(messages.MakerOrderCancelled{Uuid: o.Uuid, Seq: o.Seq + 1})
}

func (ob *Orderbook) MyOrders(ctx context.Context) ([]*MakerOrder, error) {
	var orders []*MakerOrder
	err := ob.submit(ctx, func() error {
		for _, o := range ob.myOrders {
			orders = append(orders, copyOrder(o.MakerOrder))
		}
		return nil
	})
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt < orders[j].CreatedAt
	})
	return orders, err
}

func copyOrder(o *MakerOrder) *MakerOrder {
	c := *o
	c.Price = new(big.Rat).Set(o.Price)
	c.MaxVolume = new(big.Rat).Set(o.MaxVolume)
	c.MinVolume = new(big.Rat).Set(o.MinVolume)
	c.Matches = append([]uuid.UUID(nil), o.Matches...)
	return &c
}

// applyEnvelope applies one maker signed order message to the replicas.
// The returned error is the author's fault. Runs on the owner.
func (ob *Orderbook) applyEnvelope(author p2p.PeerID, env *messages.Envelope, raw []byte) error {
	if author == ob.network.ID() {
		return nil
	}
	now := ob.clock.Now()
	switch env.Type {
	case messages.MESSAGETYPE_MAKER_ORDER_CREATED:
		var msg messages.MakerOrderCreated
		if err := env.DecodeInto(&msg); err != nil {
			return err
		}
		if t, ok := ob.tombstones[msg.Uuid]; ok && t.seq >= msg.Seq {
			return nil
		}
		if r, ok := ob.replicas[msg.Uuid]; ok {
			if r.Maker != author {
				return ErrWrongMaker
			}
			if r.Seq >= msg.Seq {
				r.LastSeen = now
				return nil
			}
		}
		price, err := messages.DecodeRat("price", msg.Price)
		if err != nil {
			return err
		}
		maxVolume, err := messages.DecodeRat("max_volume", msg.MaxVolume)
		if err != nil {
			return err
		}
		minVolume, err := messages.DecodeRat("min_volume", msg.MinVolume)
		if err != nil {
			return err
		}
		if err := validTerms(msg.Base, msg.Rel, price, maxVolume, minVolume); err != nil {
			return err
		}
		ob.replicas[msg.Uuid] = &Replica{
			Uuid:         msg.Uuid,
			Maker:        author,
			Base:         msg.Base,
			Rel:          msg.Rel,
			Price:        price,
			MaxVolume:    maxVolume,
			MinVolume:    minVolume,
			ConfSettings: msg.ConfSettings,
			CreatedAt:    msg.CreatedAt,
			UpdatedAt:    msg.CreatedAt,
			Seq:          msg.Seq,
			LastSeen:     now,
			initial:      raw,
		}

	case messages.MESSAGETYPE_MAKER_ORDER_UPDATED:
		var msg messages.MakerOrderUpdated
		if err := env.DecodeInto(&msg); err != nil {
			return err
		}
		r, ok := ob.replicas[msg.Uuid]
		if !ok {
			if _, gone := ob.tombstones[msg.Uuid]; !gone {
				ob.resync(author)
			}
			return nil
		}
		if r.Maker != author {
			return ErrWrongMaker
		}
		if r.Seq >= msg.Seq {
			return nil
		}
		price, maxVolume, minVolume := r.Price, r.MaxVolume, r.MinVolume
		var err error
		if msg.NewPrice != nil {
			if price, err = messages.DecodeRat("new_price", *msg.NewPrice); err != nil {
				return err
			}
		}
		if msg.NewMaxVolume != nil {
			if maxVolume, err = messages.DecodeRat("new_max_volume", *msg.NewMaxVolume); err != nil {
				return err
			}
		}
		if msg.NewMinVolume != nil {
			if minVolume, err = messages.DecodeRat("new_min_volume", *msg.NewMinVolume); err != nil {
				return err
			}
		}
		if err := validTerms(r.Base, r.Rel, price, maxVolume, minVolume); err != nil {
			return err
		}
		r.Price, r.MaxVolume, r.MinVolume = price, maxVolume, minVolume
		r.Seq = msg.Seq
		r.UpdatedAt = msg.Timestamp
		r.LastSeen = now
		r.update = raw

	case messages.MESSAGETYPE_MAKER_ORDER_KEEPALIVE:
		var msg messages.MakerOrderKeepAlive
		if err := env.DecodeInto(&msg); err != nil {
			return err
		}
		r, ok := ob.replicas[msg.Uuid]
		if !ok {
			if _, gone := ob.tombstones[msg.Uuid]; !gone {
				ob.resync(author)
			}
			return nil
		}
		if r.Maker != author {
			return ErrWrongMaker
		}
		r.LastSeen = now
		if msg.Seq > r.Seq {
			ob.resync(author)
		}

	case messages.MESSAGETYPE_MAKER_ORDER_CANCELLED:
		var msg messages.MakerOrderCancelled
		if err := env.DecodeInto(&msg); err != nil {
			return err
		}
		if r, ok := ob.replicas[msg.Uuid]; ok {
			if r.Maker != author {
				return ErrWrongMaker
			}
			if r.Seq > msg.Seq {
				return nil
			}
			delete(ob.replicas, msg.Uuid)
		}
		if t, ok := ob.tombstones[msg.Uuid]; !ok || t.seq < msg.Seq {
			ob.tombstones[msg.Uuid] = tombstone{seq: msg.Seq, at: now}
		}

	default:
		return fmt.Errorf("%s is not an order message", env.Type)
	}
	return nil
}

// applySnapshot applies an orderbook answer received from peer. Runs on the
// owner.
func (ob *Orderbook) applySnapshot(peer p2p.PeerID, env *messages.Envelope) error {
	if env.Type != messages.MESSAGETYPE_ORDERBOOK {
		ob.network.Penalize(peer, "unexpected answer "+env.Type.String())
		return nil
	}
	var book messages.Orderbook
	if err := env.DecodeInto(&book); err != nil {
		ob.network.Penalize(peer, err.Error())
		return nil
	}
	for _, order := range book.Orders {
		for _, raw := range append([][]byte{order.Initial}, order.Updates...) {
			orderEnv, err := messages.Open(raw)
			if err != nil {
				ob.network.Penalize(peer, err.Error())
				break
			}
			author := p2p.PeerID(orderEnv.SenderID())
			if err := ob.applyEnvelope(author, orderEnv, raw); err != nil {
				log.Debugf("[Orderbook]\tdropping snapshot order from %s: %v", author, err)
				ob.network.Penalize(author, err.Error())
				break
			}
		}
	}
	return nil
}
