package swap

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/orderbook"
	"github.com/peerdex/peerdex/p2p"
	"github.com/samber/lo"
)

var (
	ErrSwapDoesNotExist  = errors.New("swap does not exist")
	ErrSwapAlreadyExists = errors.New("swap already exists")
	ErrSwapIsActive      = errors.New("swap is active")
	ErrWrongRole         = errors.New("match has the wrong role")
)

type activeSwap struct {
	sm     *SwapStateMachine
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs the swaps of this node. It starts swaps for matches, resumes
// unfinished swaps from the journal and routes swap messages to them.
type Service struct {
	swapServices *SwapServices

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sync.RWMutex
	activeSwaps map[string]*activeSwap
	// buffered holds messages of swaps that did not start yet.
	buffered    *lru.Cache[string, *inbox]
	unsubscribe func()
}

func NewService(services *SwapServices) (*Service, error) {
	buffered, err := lru.New[string, *inbox](services.cfg.BufferedSwaps)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		swapServices: services,
		ctx:          ctx,
		cancel:       cancel,
		activeSwaps:  map[string]*activeSwap{},
		buffered:     buffered,
	}, nil
}

// Start subscribes to the swap topics.
func (s *Service) Start() {
	s.Lock()
	defer s.Unlock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.swapServices.network.Subscribe(p2p.SwapPrefix, s.OnSwapMessage)
	}
}

// Stop interrupts all running swaps. They resume from the journal on the
// next RecoverSwaps.
func (s *Service) Stop() {
	s.cancel()
	s.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.Unlock()
	s.wg.Wait()
	s.swapServices.messenger.StopAll()
}

// OnSwapMessage routes a message received on a swap topic. It runs on the
// p2p read loop and never blocks.
func (s *Service) OnSwapMessage(msg *p2p.Message) {
	id, ok := p2p.SwapUuidFromTopic(msg.Topic)
	if !ok || msg.Envelope == nil || !msg.Envelope.Type.IsSwapMessage() {
		return
	}

	s.RLock()
	active, ok := s.activeSwaps[id]
	s.RUnlock()
	if ok {
		if string(msg.From) != active.sm.Data.Counterparty {
			log.Debugf("[SwapService] swap %s: %s from %s who is not the counterparty", id, msg.Envelope.Type, msg.From)
			s.swapServices.network.Penalize(msg.From, "message for a foreign swap")
			return
		}
		active.sm.Data.inbox.put(messages.MessageID(msg.Raw), msg.Envelope)
		return
	}

	s.Lock()
	defer s.Unlock()
	// The swap may have been activated meanwhile.
	if active, ok := s.activeSwaps[id]; ok {
		if string(msg.From) == active.sm.Data.Counterparty {
			active.sm.Data.inbox.put(messages.MessageID(msg.Raw), msg.Envelope)
		}
		return
	}
	ib, ok := s.buffered.Get(id)
	if !ok {
		ib = newInbox()
		s.buffered.Add(id, ib)
	}
	ib.put(messages.MessageID(msg.Raw), msg.Envelope)
}

// OnMatch starts the swap of a connected match. It is meant to be handed to
// the orderbook.
func (s *Service) OnMatch(m orderbook.Match) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		switch m.Role {
		case orderbook.RoleMaker:
			_, err = s.StartMakerSwap(s.ctx, m)
		case orderbook.RoleTaker:
			_, err = s.StartTakerSwap(s.ctx, m)
		default:
			err = ErrWrongRole
		}
		if err != nil {
			log.Errorf("[SwapService] could not start swap %s: %v", m.Uuid, err)
		}
	}()
}

func (s *Service) StartMakerSwap(ctx context.Context, m orderbook.Match) (*SwapInfo, error) {
	if m.Role != orderbook.RoleMaker {
		return nil, ErrWrongRole
	}
	return s.startSwap(ctx, SWAPROLE_MAKER, m)
}

func (s *Service) StartTakerSwap(ctx context.Context, m orderbook.Match) (*SwapInfo, error) {
	if m.Role != orderbook.RoleTaker {
		return nil, ErrWrongRole
	}
	return s.startSwap(ctx, SWAPROLE_TAKER, m)
}

func (s *Service) startSwap(ctx context.Context, role SwapRole, m orderbook.Match) (*SwapInfo, error) {
	id := m.Uuid.String()
	if m.Counterparty == "" {
		return nil, fmt.Errorf("match %s has no counterparty", id)
	}
	makerCoin, err := s.swapServices.coins.Get(m.MakerCoin)
	if err != nil {
		return nil, err
	}
	takerCoin, err := s.swapServices.coins.Get(m.TakerCoin)
	if err != nil {
		return nil, err
	}

	s.RLock()
	_, active := s.activeSwaps[id]
	s.RUnlock()
	if active {
		return nil, ErrSwapAlreadyExists
	}
	_, err = s.swapServices.journal.Get(id)
	if err == nil {
		return nil, ErrSwapAlreadyExists
	}
	if !errors.Is(err, journal.ErrDoesNotExist) {
		return nil, err
	}

	makerStartBlock, err := makerCoin.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	takerStartBlock, err := takerCoin.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}

	startedAt := uint64(s.swapServices.now().Unix())
	lockDuration := s.swapServices.cfg.lockDuration(m.MakerCoin, m.TakerCoin)
	takerLock, makerLock := paymentLocks(startedAt, lockDuration)
	conf := m.ConfSettings
	data := &EventData{
		Counterparty:        string(m.Counterparty),
		MakerOrder:          m.MakerOrder.String(),
		ConfSettings:        &conf,
		StartedAt:           startedAt,
		LockDuration:        lockDuration,
		MakerCoinStartBlock: makerStartBlock,
		TakerCoinStartBlock: takerStartBlock,
	}
	if role == SWAPROLE_MAKER {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		data.MyCoin, data.OtherCoin = m.MakerCoin, m.TakerCoin
		data.MyAmount, data.OtherAmount = m.MakerAmount, m.TakerAmount
		data.Secret = secret
		data.SecretHash = btcutil.Hash160(secret)
		data.MakerPaymentLock = makerLock
	} else {
		data.MyCoin, data.OtherCoin = m.TakerCoin, m.MakerCoin
		data.MyAmount, data.OtherAmount = m.TakerAmount, m.MakerAmount
		data.TakerPaymentLock = takerLock
	}

	err = s.swapServices.journal.Create(ctx, journal.Header{
		Uuid:      id,
		Role:      string(role),
		MyCoin:    data.MyCoin,
		OtherCoin: data.OtherCoin,
		StartedAt: startedAt,
	})
	if errors.Is(err, journal.ErrAlreadyExists) {
		return nil, ErrSwapAlreadyExists
	}
	if err != nil {
		return nil, err
	}

	sm := newSwapStateMachine(id, role, s.swapServices)
	if err := sm.transition(ctx, &SwapEvent{Type: Event_Started, Data: data}); err != nil {
		return nil, err
	}
	log.Infof("[SwapService] started %s swap %s: %s %s for %s %s with %s", role, id,
		coins.FormatAmount(data.MyAmount, 8), data.MyCoin, coins.FormatAmount(data.OtherAmount, 8), data.OtherCoin, m.Counterparty)

	if err := s.run(sm); err != nil {
		return nil, err
	}
	return sm.Info(), nil
}

// RecoverSwaps resumes every unfinished swap of the journal and returns how
// many were resumed.
func (s *Service) RecoverSwaps() (int, error) {
	headers, err := s.swapServices.journal.ListUnfinished()
	if err != nil {
		return 0, err
	}
	var recovered int
	for _, h := range headers {
		s.RLock()
		_, active := s.activeSwaps[h.Uuid]
		s.RUnlock()
		if active {
			continue
		}
		sm, err := s.load(h)
		if err != nil {
			log.Errorf("[SwapService] could not recover swap %s: %v", h.Uuid, err)
			continue
		}
		log.Infof("[SwapService] recovering swap %s in %s", h.Uuid, sm.Current)
		if err := s.run(sm); err != nil {
			log.Errorf("[SwapService] could not recover swap %s: %v", h.Uuid, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// run registers sm as active, hands it the messages buffered for it and
// drives it until it finishes or the service stops.
func (s *Service) run(sm *SwapStateMachine) error {
	swapCtx, cancel := context.WithCancel(s.ctx)
	active := &activeSwap{sm: sm, cancel: cancel, done: make(chan struct{})}

	s.Lock()
	if s.ctx.Err() != nil {
		s.Unlock()
		cancel()
		return s.ctx.Err()
	}
	if _, ok := s.activeSwaps[sm.Id]; ok {
		s.Unlock()
		cancel()
		return ErrSwapIsActive
	}
	if ib, ok := s.buffered.Get(sm.Id); ok {
		s.buffered.Remove(sm.Id)
		if dropped := ib.retain(sm.Data.Counterparty); dropped > 0 {
			log.Debugf("[SwapService] swap %s: dropped %d buffered messages of other peers", sm.Id, dropped)
		}
		sm.Data.inbox = ib
	}
	s.activeSwaps[sm.Id] = active
	s.wg.Add(1)
	s.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(active.done)
		defer cancel()

		err := sm.Recover(swapCtx)

		s.swapServices.stopSending(sm.Id)
		s.Lock()
		delete(s.activeSwaps, sm.Id)
		s.Unlock()

		switch {
		case err != nil && swapCtx.Err() == nil:
			log.Errorf("[SwapService] swap %s halted in %s: %v", sm.Id, sm.Current, err)
			sm.mutex.Lock()
			sm.Data.LastErr = err.Error()
			sm.mutex.Unlock()
		case sm.IsFinished():
			info := sm.Info()
			log.Infof("[SwapService] swap %s finished: %s", sm.Id, info.Outcome)
		}
	}()
	return nil
}

func (s *Service) load(h *journal.Header) (*SwapStateMachine, error) {
	events, err := s.swapServices.journal.Events(h.Uuid)
	if err != nil {
		return nil, err
	}
	sm := newSwapStateMachine(h.Uuid, SwapRole(h.Role), s.swapServices)
	if err := sm.Replay(events); err != nil {
		return nil, err
	}
	return sm, nil
}

// GetSwap returns the swap from the running machine or from the journal.
func (s *Service) GetSwap(id string) (*SwapInfo, error) {
	s.RLock()
	active, ok := s.activeSwaps[id]
	s.RUnlock()
	if ok {
		return active.sm.Info(), nil
	}
	h, err := s.swapServices.journal.Get(id)
	if errors.Is(err, journal.ErrDoesNotExist) {
		return nil, ErrSwapDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	sm, err := s.load(h)
	if err != nil {
		return nil, err
	}
	return sm.Info(), nil
}

// ListActiveSwaps returns the running swaps, oldest first.
func (s *Service) ListActiveSwaps() []*SwapInfo {
	s.RLock()
	infos := lo.MapToSlice(s.activeSwaps, func(_ string, a *activeSwap) *SwapInfo {
		return a.sm.Info()
	})
	s.RUnlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt == infos[j].StartedAt {
			return infos[i].Uuid < infos[j].Uuid
		}
		return infos[i].StartedAt < infos[j].StartedAt
	})
	return infos
}

// ListRecentSwaps returns up to limit swaps, newest first. Empty coins match
// every coin.
func (s *Service) ListRecentSwaps(myCoin, otherCoin string, limit int) ([]*SwapInfo, error) {
	headers, err := s.swapServices.journal.ListRecent(myCoin, otherCoin, limit)
	if err != nil {
		return nil, err
	}
	infos := make([]*SwapInfo, 0, len(headers))
	for _, h := range headers {
		info, err := s.GetSwap(h.Uuid)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ListUnfinishedSwaps returns every swap the journal holds as unfinished,
// running in this process or not.
func (s *Service) ListUnfinishedSwaps() ([]*SwapInfo, error) {
	headers, err := s.swapServices.journal.ListUnfinished()
	if err != nil {
		return nil, err
	}
	return lo.Map(headers, func(h *journal.Header, _ int) *SwapInfo {
		info, err := s.GetSwap(h.Uuid)
		if err != nil {
			return &SwapInfo{Uuid: h.Uuid, Role: SwapRole(h.Role), MyCoin: h.MyCoin, OtherCoin: h.OtherCoin,
				StartedAt: h.StartedAt, LastErr: err.Error()}
		}
		return info
	}), nil
}

// AbandonSwap stops a swap and marks it finished. Funds it locked are not
// recovered by this node anymore.
func (s *Service) AbandonSwap(ctx context.Context, id, reason string) (*SwapInfo, error) {
	s.RLock()
	active, ok := s.activeSwaps[id]
	s.RUnlock()
	if ok {
		active.cancel()
		select {
		case <-active.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h, err := s.swapServices.journal.Get(id)
	if errors.Is(err, journal.ErrDoesNotExist) {
		return nil, ErrSwapDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	sm, err := s.load(h)
	if err != nil {
		return nil, err
	}
	if err := sm.Abandon(ctx, reason); err != nil {
		return nil, err
	}
	log.Warnf("[SwapService] swap %s abandoned: %s", id, reason)
	return sm.Info(), nil
}
