package swap

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/orderbook"
	"github.com/peerdex/peerdex/p2p"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, services *SwapServices) *Service {
	t.Helper()
	svc, err := NewService(services)
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc
}

func takerMatch(maker *btcec.PrivateKey) orderbook.Match {
	return orderbook.Match{
		Uuid:         uuid.New(),
		MakerOrder:   uuid.New(),
		Role:         orderbook.RoleTaker,
		Counterparty: p2p.PeerIDFromKey(maker.PubKey()),
		MakerCoin:    "COIN-A",
		TakerCoin:    "COIN-B",
		MakerAmount:  big.NewRat(1, 1),
		TakerAmount:  big.NewRat(2, 1),
		ConfSettings: messages.ConfSettings{BaseConfs: 1, RelConfs: 1},
	}
}

func negotiationFrom(t *testing.T, maker *btcec.PrivateKey, id uuid.UUID, startedAt uint64) messages.SwapNegotiation {
	t.Helper()
	makerHtlc, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	takerHtlc, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, makerLock := paymentLocks(startedAt, 7800)
	return messages.SwapNegotiation{
		Uuid:             id,
		StartedAt:        startedAt,
		PaymentLocktime:  makerLock,
		SecretHash:       btcutil.Hash160([]byte("secret")),
		PersistentPub:    maker.PubKey().SerializeCompressed(),
		MakerCoinHtlcPub: makerHtlc.PubKey().SerializeCompressed(),
		TakerCoinHtlcPub: takerHtlc.PubKey().SerializeCompressed(),
	}
}

func (n *stubNetwork) sentTypes(topic string) []messages.MessageType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var types []messages.MessageType
	for _, s := range n.sent {
		if s.topic != topic {
			continue
		}
		env, err := messages.Open(s.raw)
		if err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func (n *stubNetwork) subscribed() p2p.Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handler
}

func Test_ServiceBuffersMessagesOfUnknownSwaps(t *testing.T) {
	clk := newTestClock()
	services, network := newStubServices(t, clk)
	svc := newTestService(t, services)
	handler := network.subscribed()
	require.NotNil(t, handler)

	maker, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	stranger, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	m := takerMatch(maker)
	id := m.Uuid.String()

	// The negotiation arrives before the taker created the swap.
	deliver(t, handler, maker, id, negotiationFrom(t, maker, m.Uuid, uint64(clk.Now().Unix())))
	deliver(t, handler, stranger, id, messages.SwapNegotiated{Uuid: m.Uuid, Ok: true})

	info, err := svc.StartTakerSwap(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, SWAPROLE_TAKER, info.Role)
	assert.Equal(t, "COIN-B", info.MyCoin)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]messages.MessageType{messages.MESSAGETYPE_SWAP_NEGOTIATION_REPLY},
			network.sentTypes(p2p.SwapTopic(id)))
	}, 5*time.Second, 10*time.Millisecond)

	// Only the counterparty may talk on the swap topic.
	deliver(t, handler, stranger, id, messages.SwapNegotiated{Uuid: m.Uuid, Ok: true})
	assert.Equal(t, []p2p.PeerID{p2p.PeerIDFromKey(stranger.PubKey())}, network.Penalized())

	deliver(t, handler, maker, id, messages.SwapNegotiated{Uuid: m.Uuid, Ok: false, Reason: "price moved"})
	require.Eventually(t, func() bool {
		info, err := svc.GetSwap(id)
		return err == nil && info.Finished
	}, 5*time.Second, 10*time.Millisecond)

	info, err = svc.GetSwap(id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, info.Outcome)
	assert.Contains(t, info.LastErr, "price moved")
	assert.Equal(t, []EventType{Event_Started, Event_StartFailed, Event_Finished}, info.EventTypes())
	require.Eventually(t, func() bool {
		return len(svc.ListActiveSwaps()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_ServiceRejectsInvalidNegotiation(t *testing.T) {
	clk := newTestClock()
	services, network := newStubServices(t, clk)
	svc := newTestService(t, services)

	maker, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	m := takerMatch(maker)
	id := m.Uuid.String()

	_, err = svc.StartTakerSwap(context.Background(), m)
	require.NoError(t, err)

	negotiation := negotiationFrom(t, maker, m.Uuid, uint64(clk.Now().Unix()))
	// A maker lock this close to the taker lock leaves no room to claim.
	negotiation.PaymentLocktime = uint64(clk.Now().Unix()) + 7800 + 60
	deliver(t, network.subscribed(), maker, id, negotiation)

	require.Eventually(t, func() bool {
		info, err := svc.GetSwap(id)
		return err == nil && info.Finished
	}, 5*time.Second, 10*time.Millisecond)
	info, err := svc.GetSwap(id)
	require.NoError(t, err)
	assert.Contains(t, info.LastErr, "negotiation rejected")
	assert.Empty(t, network.sentTypes(p2p.SwapTopic(id)))
}

func Test_ServiceRejectsDuplicateAndWrongRole(t *testing.T) {
	services, _ := newStubServices(t, newTestClock())
	svc := newTestService(t, services)
	maker, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	m := takerMatch(maker)

	_, err = svc.StartMakerSwap(context.Background(), m)
	assert.ErrorIs(t, err, ErrWrongRole)

	_, err = svc.StartTakerSwap(context.Background(), m)
	require.NoError(t, err)
	_, err = svc.StartTakerSwap(context.Background(), m)
	assert.ErrorIs(t, err, ErrSwapAlreadyExists)

	m.MakerCoin = "COIN-X"
	m.Uuid = uuid.New()
	_, err = svc.StartTakerSwap(context.Background(), m)
	assert.Error(t, err)

	_, err = svc.GetSwap(uuid.NewString())
	assert.ErrorIs(t, err, ErrSwapDoesNotExist)
}

func Test_ServiceAbandonAndRecover(t *testing.T) {
	clk := newTestClock()
	services, _ := newStubServices(t, clk)
	svc := newTestService(t, services)
	maker, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	kept := takerMatch(maker)
	abandoned := takerMatch(maker)
	for _, m := range []orderbook.Match{kept, abandoned} {
		_, err := svc.StartTakerSwap(context.Background(), m)
		require.NoError(t, err)
	}
	assert.Len(t, svc.ListActiveSwaps(), 2)

	info, err := svc.AbandonSwap(context.Background(), abandoned.Uuid.String(), "operator gave up")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, info.Outcome)
	require.Len(t, svc.ListActiveSwaps(), 1)
	assert.Equal(t, kept.Uuid.String(), svc.ListActiveSwaps()[0].Uuid)

	svc.Stop()
	assert.Empty(t, svc.ListActiveSwaps())

	// A restarted node resumes the unfinished swap only.
	restarted := newTestService(t, NewSwapServices(services.journal, services.coins, newStubNetwork(t), services.cfg))
	n, err := restarted.RecoverSwaps()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	active := restarted.ListActiveSwaps()
	require.Len(t, active, 1)
	assert.Equal(t, kept.Uuid.String(), active[0].Uuid)
	assert.Equal(t, State_Taker_Started, active[0].State)

	recent, err := restarted.ListRecentSwaps("COIN-B", "COIN-A", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	_, err = restarted.AbandonSwap(context.Background(), abandoned.Uuid.String(), "again")
	assert.Error(t, err)
}

func makerMatch(taker *btcec.PrivateKey) orderbook.Match {
	m := takerMatch(taker)
	m.Role = orderbook.RoleMaker
	return m
}

func waitSwapFinished(t *testing.T, svc *Service, id string) *SwapInfo {
	t.Helper()
	var info *SwapInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = svc.GetSwap(id)
		return err == nil && info.Finished
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func Test_ServiceAbortsWhenPublishTimesOut(t *testing.T) {
	services, network := newStubServices(t, newTestClock())
	network.failSends(p2p.ErrPublishTimeout)
	svc := newTestService(t, services)

	taker, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	m := makerMatch(taker)
	_, err = svc.StartMakerSwap(context.Background(), m)
	require.NoError(t, err)

	// no clock movement: a stalled transport ends the handshake at once
	info := waitSwapFinished(t, svc, m.Uuid.String())
	assert.Equal(t, OutcomeAborted, info.Outcome)
	assert.Contains(t, info.LastErr, p2p.ErrPublishTimeout.Error())
	assert.Equal(t, []EventType{Event_Started, Event_StartFailed, Event_Finished}, info.EventTypes())
}

func Test_ServiceRetriesPublishUntilNegotiationDeadline(t *testing.T) {
	clk := newTestClock()
	services, network := newStubServices(t, clk)
	network.failSends(errors.New("connection refused"))
	svc := newTestService(t, services)

	taker, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	m := makerMatch(taker)
	id := m.Uuid.String()
	_, err = svc.StartMakerSwap(context.Background(), m)
	require.NoError(t, err)

	info, err := svc.GetSwap(id)
	require.NoError(t, err)
	assert.False(t, info.Finished)

	require.Eventually(t, func() bool {
		clk.Add(5 * time.Second)
		cur, err := svc.GetSwap(id)
		return err == nil && cur.Finished
	}, 5*time.Second, 10*time.Millisecond)

	info, err = svc.GetSwap(id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, info.Outcome)
	assert.Contains(t, info.LastErr, "deadline passed")
	assert.Empty(t, network.sentTypes(p2p.SwapTopic(id)))
}
