package orderbook

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
	"github.com/stretchr/testify/require"
)

type stubNetwork struct {
	key *btcec.PrivateKey
	id  p2p.PeerID

	mu        sync.Mutex
	published [][]byte
	penalized []p2p.PeerID
	requested []p2p.PeerID
	handlers  map[messages.MessageType]p2p.RequestHandler
}

func newStubNetwork(t *testing.T) *stubNetwork {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &stubNetwork{
		key:      key,
		id:       p2p.PeerIDFromKey(key.PubKey()),
		handlers: map[messages.MessageType]p2p.RequestHandler{},
	}
}

func (s *stubNetwork) ID() p2p.PeerID { return s.id }
func (s *stubNetwork) IsRelay() bool  { return true }

func (s *stubNetwork) Seal(msg messages.Message) ([]byte, error) {
	raw, _, err := messages.Seal(s.key, msg)
	return raw, err
}

func (s *stubNetwork) PublishFrom(ctx context.Context, topics []string, raw []byte, claimedPeer p2p.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, raw)
	return nil
}

func (s *stubNetwork) Subscribe(topic string, handler p2p.Handler) func() {
	return func() {}
}

func (s *stubNetwork) HandleRequest(msgType messages.MessageType, handler p2p.RequestHandler) {
	s.handlers[msgType] = handler
}

func (s *stubNetwork) Request(ctx context.Context, peer p2p.PeerID, msg messages.Message) (*messages.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = append(s.requested, peer)
	return nil, nil
}

func (s *stubNetwork) RequestAnyRelay(ctx context.Context, msg messages.Message) (*p2p.PeerResponse, error) {
	return nil, nil
}

func (s *stubNetwork) RequestPeers(ctx context.Context, peers []p2p.PeerID, msg messages.Message) ([]p2p.PeerResponse, error) {
	return nil, nil
}

func (s *stubNetwork) Penalize(peer p2p.PeerID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.penalized = append(s.penalized, peer)
}

func (s *stubNetwork) OnBan(f func(p2p.PeerID)) {}

func (s *stubNetwork) requests() []p2p.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]p2p.PeerID(nil), s.requested...)
}

func (s *stubNetwork) publishedTypes(t *testing.T) []messages.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []messages.MessageType
	for _, raw := range s.published {
		env, err := messages.Open(raw)
		require.NoError(t, err)
		types = append(types, env.Type)
	}
	return types
}

type memStore struct {
	mu     sync.Mutex
	orders map[string]*MakerOrder
}

func (m *memStore) Save(order *MakerOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orders == nil {
		m.orders = map[string]*MakerOrder{}
	}
	m.orders[order.Uuid.String()] = copyOrder(order)
	return nil
}

func (m *memStore) Delete(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id.String()]; !ok {
		return ErrDoesNotExist
	}
	delete(m.orders, id.String())
	return nil
}

func (m *memStore) ListAll() ([]*MakerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []*MakerOrder
	for _, o := range m.orders {
		orders = append(orders, copyOrder(o))
	}
	return orders, nil
}

func startTestOrderbook(t *testing.T, network Network, clk clock.Clock) *Orderbook {
	t.Helper()
	ob := New(network, coins.NewRegistry(), &memStore{}, Config{Clock: clk})
	require.NoError(t, ob.Start(context.Background()))
	t.Cleanup(ob.Stop)
	return ob
}

// onOwner runs f on the owner goroutine.
func onOwner(t *testing.T, ob *Orderbook, f func() error) error {
	t.Helper()
	return ob.submit(context.Background(), f)
}

type signer struct {
	key *btcec.PrivateKey
	id  p2p.PeerID
}

func newSigner(t *testing.T) *signer {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &signer{key: key, id: p2p.PeerIDFromKey(key.PubKey())}
}

func (s *signer) seal(t *testing.T, msg messages.Message) (*messages.Envelope, []byte) {
	t.Helper()
	raw, env, err := messages.Seal(s.key, msg)
	require.NoError(t, err)
	return env, raw
}
