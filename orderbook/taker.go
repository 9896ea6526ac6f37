package orderbook

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
)

// handleTakerRequest reserves volume of the best own order matching the
// request. An order holds at most one reservation at a time.
func (ob *Orderbook) handleTakerRequest(ctx context.Context, from p2p.PeerID, env *messages.Envelope) (messages.Message, error) {
	var req messages.TakerRequest
	if err := env.DecodeInto(&req); err != nil {
		return nil, err
	}
	baseAmount, err := messages.DecodeRat("base_amount", req.BaseAmount)
	if err != nil {
		return nil, err
	}
	relAmount, err := messages.DecodeRat("rel_amount", req.RelAmount)
	if err != nil {
		return nil, err
	}
	if from == ob.network.ID() {
		return nil, nil
	}
	if !ob.cfg.peerAllowed(from) {
		log.Debugf("[Orderbook]\tignoring taker request %s from %s: not allowed by policy", req.Uuid, from)
		return nil, nil
	}

	var reserved *messages.MakerReserved
	err = ob.submit(ctx, func() error {
		orders := make([]*myOrder, 0, len(ob.myOrders))
		for _, o := range ob.myOrders {
			orders = append(orders, o)
		}
		sort.Slice(orders, func(i, j int) bool {
			if c := orders[i].Price.Cmp(orders[j].Price); c != 0 {
				return c < 0
			}
			return orders[i].CreatedAt < orders[j].CreatedAt
		})
		for _, o := range orders {
			if o.pending != nil && o.pending.takerUuid == req.Uuid && o.pending.taker == from {
				reserved = o.reserved(req.Uuid)
				return nil
			}
		}
		for _, o := range orders {
			if o.pending != nil || !matchesFilter(req.MatchBy, o.Uuid, ob.network.ID()) {
				continue
			}
			t := terms{base: o.Base, rel: o.Rel, price: o.Price, minVolume: o.MinVolume, available: o.available()}
			makerBase, makerRel, ok := reservedAmounts(t, req.Action, req.Base, req.Rel, baseAmount, relAmount)
			if !ok {
				continue
			}
			o.pending = &reservation{
				takerUuid:  req.Uuid,
				taker:      from,
				baseAmount: makerBase,
				relAmount:  makerRel,
				expiresAt:  ob.clock.Now().Add(ob.cfg.ReservationWindow),
			}
			ob.timeouts.AddNewTimeOut(ob.ctx, ob.cfg.ReservationWindow, o.Uuid.String())
			reserved = o.reserved(req.Uuid)
			log.Debugf("[Orderbook]\treserved %s %s of order %s for taker %s",
				makerBase.FloatString(8), o.Base, o.Uuid, req.Uuid)
			return nil
		}
		return nil
	})
	if err != nil || reserved == nil {
		return nil, err
	}
	return *reserved, nil
}

func (o *myOrder) reserved(takerUuid uuid.UUID) *messages.MakerReserved {
	return &messages.MakerReserved{
		TakerUuid:    takerUuid,
		MakerUuid:    o.Uuid,
		Base:         o.Base,
		Rel:          o.Rel,
		BaseAmount:   messages.EncodeRat(o.pending.baseAmount),
		RelAmount:    messages.EncodeRat(o.pending.relAmount),
		ConfSettings: o.ConfSettings,
	}
}

// releaseReservation frees an order whose taker did not connect in time.
// Runs on the owner.
func (ob *Orderbook) releaseReservation(id string) {
	orderUuid, err := uuid.Parse(id)
	if err != nil {
		return
	}
	o, ok := ob.myOrders[orderUuid]
	if !ok || o.pending == nil {
		return
	}
	if ob.clock.Now().Before(o.pending.expiresAt) {
		return
	}
	log.Debugf("[Orderbook]\treservation of order %s for taker %s expired", o.Uuid, o.pending.takerUuid)
	o.pending = nil
}

// handleTakerConnect commits a reservation. The reserved volume leaves the
// order, which is cancelled when the rest falls below its min volume.
func (ob *Orderbook) handleTakerConnect(ctx context.Context, from p2p.PeerID, env *messages.Envelope) (messages.Message, error) {
	var req messages.TakerConnect
	if err := env.DecodeInto(&req); err != nil {
		return nil, err
	}
	connected := messages.MakerConnected{TakerUuid: req.TakerUuid, MakerUuid: req.MakerUuid}

	var (
		match     *Match
		raw       []byte
		base, rel string
		repeated  bool
	)
	err := ob.submit(ctx, func() error {
		if c, ok := ob.connected[req.TakerUuid]; ok {
			repeated = c.taker == from && c.makerOrder == req.MakerUuid
			return nil
		}
		o, ok := ob.myOrders[req.MakerUuid]
		if !ok || o.pending == nil || o.pending.takerUuid != req.TakerUuid || o.pending.taker != from {
			return nil
		}
		ob.timeouts.Cancel(o.Uuid.String())
		// The release timer may not have run yet.
		if !ob.clock.Now().Before(o.pending.expiresAt) {
			log.Debugf("[Orderbook]\ttaker %s connected after its reservation of order %s expired", req.TakerUuid, o.Uuid)
			o.pending = nil
			return nil
		}
		res := o.pending
		o.pending = nil
		o.MaxVolume = new(big.Rat).Sub(o.MaxVolume, res.baseAmount)
		o.Matches = append(o.Matches, req.TakerUuid)
		ob.connected[req.TakerUuid] = connection{makerOrder: o.Uuid, taker: from, at: ob.clock.Now()}
		match = &Match{
			Uuid:         req.TakerUuid,
			MakerOrder:   o.Uuid,
			Role:         RoleMaker,
			Counterparty: from,
			MakerCoin:    o.Base,
			TakerCoin:    o.Rel,
			MakerAmount:  res.baseAmount,
			TakerAmount:  res.relAmount,
			ConfSettings: o.ConfSettings,
		}
		base, rel = o.Base, o.Rel

		var err error
		if o.MaxVolume.Cmp(o.MinVolume) < 0 {
			log.Infof("[Orderbook]\torder %s is filled", o.Uuid)
			raw, err = ob.cancel(o)
		} else {
			raw, err = ob.bump(o)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if repeated {
		return connected, nil
	}
	if match == nil {
		return nil, nil
	}
	log.Infof("[Orderbook]\tmatched order %s with taker %s", match.MakerOrder, match.Uuid)
	ob.publish(ctx, base, rel, raw)
	if ob.onMatch != nil {
		ob.onMatch(*match)
	}
	return connected, nil
}

// Buy asks the makers selling order.Base for order.Rel to reserve
// order.Volume at no more than order.Price and connects to the best of them.
func (ob *Orderbook) Buy(ctx context.Context, order TakerOrder) (*Match, error) {
	return ob.take(ctx, messages.TakerActionBuy, order)
}

// Sell asks the makers selling order.Rel for order.Base to take order.Volume
// at no less than order.Price.
func (ob *Orderbook) Sell(ctx context.Context, order TakerOrder) (*Match, error) {
	return ob.take(ctx, messages.TakerActionSell, order)
}

func (ob *Orderbook) take(ctx context.Context, action messages.TakerAction, order TakerOrder) (*Match, error) {
	if order.Volume == nil || order.Volume.Cmp(MinTradingVol) < 0 {
		return nil, fmt.Errorf("%w: volume below %s", ErrInvalidOrder, MinTradingVol.FloatString(8))
	}
	if err := validTerms(order.Base, order.Rel, order.Price, order.Volume, order.Volume); err != nil {
		return nil, err
	}
	baseCoin, err := ob.coin(order.Base)
	if err != nil {
		return nil, err
	}
	relCoin, err := ob.coin(order.Rel)
	if err != nil {
		return nil, err
	}
	baseAmount := new(big.Rat).Set(order.Volume)
	relAmount := new(big.Rat).Mul(order.Volume, order.Price)

	// The taker also pays the dex fee in the coin it sends.
	sendCoin, sendAmount := relCoin, relAmount
	if action == messages.TakerActionSell {
		sendCoin, sendAmount = baseCoin, baseAmount
	}
	withFee := new(big.Rat).Add(sendAmount, new(big.Rat).Quo(sendAmount, big.NewRat(777, 1)))
	if err := coins.CheckEnoughToTrade(ctx, sendCoin, withFee); err != nil {
		return nil, err
	}

	conf := messages.ConfSettings{
		BaseConfs: baseCoin.RequiredConfirmations(),
		RelConfs:  relCoin.RequiredConfirmations(),
	}
	if order.ConfSettings != nil {
		conf = *order.ConfSettings
	}
	req := messages.TakerRequest{
		Uuid:         uuid.New(),
		Base:         order.Base,
		Rel:          order.Rel,
		BaseAmount:   messages.EncodeRat(baseAmount),
		RelAmount:    messages.EncodeRat(relAmount),
		Action:       action,
		MatchBy:      order.MatchBy,
		ConfSettings: conf,
	}

	var makers []p2p.PeerID
	err = ob.submit(ctx, func() error {
		seen := map[p2p.PeerID]bool{}
		for _, r := range ob.replicas {
			if seen[r.Maker] || !ob.cfg.peerAllowed(r.Maker) || !matchesFilter(req.MatchBy, r.Uuid, r.Maker) {
				continue
			}
			t := terms{base: r.Base, rel: r.Rel, price: r.Price, minVolume: r.MinVolume, available: r.MaxVolume}
			if _, _, ok := reservedAmounts(t, action, req.Base, req.Rel, baseAmount, relAmount); ok {
				seen[r.Maker] = true
				makers = append(makers, r.Maker)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(makers) == 0 {
		return nil, ErrNoMatch
	}
	sort.Slice(makers, func(i, j int) bool { return makers[i] < makers[j] })
	log.Infof("[Orderbook]\ttaker %s %s %s %s asking %d makers",
		req.Uuid, action, baseAmount.FloatString(8), order.Base, len(makers))

	waitCtx, cancel := context.WithTimeout(ctx, ob.cfg.MatchWait)
	responses, err := ob.network.RequestPeers(waitCtx, makers, req)
	cancel()
	if err != nil {
		return nil, err
	}

	var candidates []*candidateReservation
	for i, resp := range responses {
		if resp.Err != nil || resp.Envelope == nil {
			continue
		}
		if resp.Envelope.Type != messages.MESSAGETYPE_MAKER_RESERVED {
			ob.network.Penalize(resp.Peer, "unexpected answer "+resp.Envelope.Type.String())
			continue
		}
		var reserved messages.MakerReserved
		if err := resp.Envelope.DecodeInto(&reserved); err != nil {
			ob.network.Penalize(resp.Peer, err.Error())
			continue
		}
		makerBase, makerRel, err := acceptReservation(&req, baseAmount, relAmount, &reserved)
		if err != nil {
			log.Debugf("[Orderbook]\trejecting reservation of %s: %v", resp.Peer, err)
			ob.network.Penalize(resp.Peer, err.Error())
			continue
		}
		candidates = append(candidates, &candidateReservation{
			peer:      resp.Peer,
			reserved:  reserved,
			makerBase: makerBase,
			makerRel:  makerRel,
			arrival:   i,
		})
	}
	sortReservations(candidates)

	for _, c := range candidates {
		match, err := ob.connect(ctx, req.Uuid, c)
		if err != nil {
			log.Debugf("[Orderbook]\tconnect to %s failed: %v", c.peer, err)
			continue
		}
		log.Infof("[Orderbook]\ttaker %s connected to order %s of %s", req.Uuid, match.MakerOrder, c.peer)
		if ob.onMatch != nil {
			ob.onMatch(*match)
		}
		return match, nil
	}
	return nil, ErrNoMatch
}

func (ob *Orderbook) connect(ctx context.Context, takerUuid uuid.UUID, c *candidateReservation) (*Match, error) {
	ctx, cancel := context.WithTimeout(ctx, ob.cfg.RequestWait)
	defer cancel()
	env, err := ob.network.Request(ctx, c.peer, messages.TakerConnect{
		TakerUuid: takerUuid,
		MakerUuid: c.reserved.MakerUuid,
	})
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("maker %s did not connect", c.peer)
	}
	var connected messages.MakerConnected
	if env.Type != messages.MESSAGETYPE_MAKER_CONNECTED {
		return nil, fmt.Errorf("unexpected answer %s", env.Type)
	}
	if err := env.DecodeInto(&connected); err != nil {
		return nil, err
	}
	if connected.TakerUuid != takerUuid || connected.MakerUuid != c.reserved.MakerUuid {
		ob.network.Penalize(c.peer, "connected to another order")
		return nil, fmt.Errorf("maker %s connected to another order", c.peer)
	}
	return &Match{
		Uuid:         takerUuid,
		MakerOrder:   c.reserved.MakerUuid,
		Role:         RoleTaker,
		Counterparty: c.peer,
		MakerCoin:    c.reserved.Base,
		TakerCoin:    c.reserved.Rel,
		MakerAmount:  c.makerBase,
		TakerAmount:  c.makerRel,
		ConfSettings: c.reserved.ConfSettings,
	}, nil
}
