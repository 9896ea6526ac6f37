package p2p_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHTTPPeer(t *testing.T) {
	peer, err := p2p.ParseHTTPPeer("02ab@127.0.0.1:8080", true)
	require.NoError(t, err)
	assert.Equal(t, p2p.HTTPPeer{ID: "02ab", URL: "http://127.0.0.1:8080", Relay: true}, peer)

	_, err = p2p.ParseHTTPPeer("127.0.0.1:8080", false)
	assert.Error(t, err)
}

func newHTTPNode(t *testing.T, relay bool, peers ...p2p.HTTPPeer) (*p2p.Node, *p2p.HTTPWire) {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	id := p2p.PeerIDFromKey(key.PubKey())

	wire := p2p.NewHTTPWire(p2p.HTTPWireConfig{
		ID:         id,
		ListenAddr: "127.0.0.1:0",
		Relay:      relay,
		Peers:      peers,
	})
	node, err := p2p.NewNode(key, wire, p2p.Config{Relay: relay})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)
	return node, wire
}

func TestHTTPWire_RequestAndLearnPeer(t *testing.T) {
	relay, relayWire := newHTTPNode(t, true)
	relay.HandleRequest(messages.MESSAGETYPE_GET_ORDERBOOK, func(ctx context.Context, from p2p.PeerID, env *messages.Envelope) (messages.Message, error) {
		return messages.Orderbook{}, nil
	})

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	id := p2p.PeerIDFromKey(key.PubKey())
	wire := p2p.NewHTTPWire(p2p.HTTPWireConfig{
		ID:         id,
		ListenAddr: "127.0.0.1:0",
		Peers:      []p2p.HTTPPeer{{ID: relay.ID(), URL: "http://" + relayWire.Addr(), Relay: true}},
	})
	node, err := p2p.NewNode(key, wire, p2p.Config{})
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := node.RequestAnyRelay(ctx, messages.GetOrderbook{Base: "BTC", Rel: "LTC"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, relay.ID(), resp.Peer)
	assert.Equal(t, messages.MESSAGETYPE_ORDERBOOK, resp.Envelope.Type)

	// without an advertised url the relay cannot dial back
	assert.Empty(t, relayWire.Peers())
}

func TestHTTPWire_Gossip(t *testing.T) {
	bob, bobWire := newHTTPNode(t, false)
	var received int32
	bob.Subscribe(p2p.SwapTopic("x"), func(msg *p2p.Message) {
		atomic.AddInt32(&received, 1)
	})

	alice, _ := newHTTPNode(t, false, p2p.HTTPPeer{ID: bob.ID(), URL: "http://" + bobWire.Addr()})
	require.NoError(t, alice.Publish(context.Background(), []string{p2p.SwapTopic("x")}, messages.SwapNegotiated{Ok: true}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&received) == 1 }, 5*time.Second, 10*time.Millisecond)
}

type noneHandler struct{}

func (noneHandler) HandleFrame(p2p.PeerID, string, []byte) {}

func (noneHandler) HandleRequestFrame(context.Context, p2p.PeerID, string, []byte) ([]byte, error) {
	return nil, nil
}

func TestHTTPWire_Handler(t *testing.T) {
	wire := p2p.NewHTTPWire(p2p.HTTPWireConfig{ID: "self"})
	server := httptest.NewServer(wire.Handler(noneHandler{}))
	defer server.Close()

	tests := map[string]struct {
		method string
		path   string
		peerID string
		want   int
	}{
		"none response": {http.MethodPost, "/p2p/request", "02aa", http.StatusNoContent},
		"frame":         {http.MethodPost, "/p2p/frame", "02aa", http.StatusAccepted},
		"missing peer":  {http.MethodPost, "/p2p/frame", "", http.StatusBadRequest},
		"wrong method":  {http.MethodGet, "/p2p/frame", "02aa", http.StatusMethodNotAllowed},
	}
	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, server.URL+tt.path, strings.NewReader("frame"))
			require.NoError(t, err)
			if tt.peerID != "" {
				req.Header.Set("X-Peer-Id", tt.peerID)
			}
			res, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer res.Body.Close()
			assert.Equal(t, tt.want, res.StatusCode)
		})
	}
}

func TestHTTPWire_UnknownPeer(t *testing.T) {
	wire := p2p.NewHTTPWire(p2p.HTTPWireConfig{ID: "self"})
	err := wire.Send(context.Background(), "nobody", []byte("x"))
	assert.ErrorIs(t, err, p2p.ErrPeerUnreachable)
}
