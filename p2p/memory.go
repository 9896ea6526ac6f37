package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	metaKind        = "kind"
	metaFrom        = "from"
	metaAddr        = "addr"
	metaCorrelation = "correlation"
	metaNone        = "none"
	metaError       = "error"

	kindFrame    = "frame"
	kindRequest  = "request"
	kindResponse = "response"
)

// MemoryNetwork is a full mesh of in-process wires on top of a watermill
// go channel. Every member reads from its own topic.
type MemoryNetwork struct {
	pubSub *gochannel.GoChannel

	mu      sync.RWMutex
	members map[PeerID]PeerInfo
	down    map[PeerID]bool
}

func NewMemoryNetwork(logger watermill.LoggerAdapter) *MemoryNetwork {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &MemoryNetwork{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1024,
		}, logger),
		members: map[PeerID]PeerInfo{},
		down:    map[PeerID]bool{},
	}
}

// Join adds a member and returns its wire. addr is the address offences are
// counted against.
func (m *MemoryNetwork) Join(id PeerID, addr string, relay bool) *MemoryWire {
	info := PeerInfo{ID: id, Addr: addr, Relay: relay}
	m.mu.Lock()
	m.members[id] = info
	m.mu.Unlock()
	return &MemoryWire{
		network: m,
		self:    info,
		pending: map[string]chan memoryResponse{},
	}
}

// Disconnect cuts id off the network until Reconnect. Frames to and from it
// are lost.
func (m *MemoryNetwork) Disconnect(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[id] = true
}

func (m *MemoryNetwork) Reconnect(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.down, id)
}

func (m *MemoryNetwork) Close() error {
	return m.pubSub.Close()
}

func (m *MemoryNetwork) reachable(from, to PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[to]
	return ok && !m.down[from] && !m.down[to]
}

func (m *MemoryNetwork) peersOf(id PeerID) []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down[id] {
		return nil
	}
	var peers []PeerInfo
	for other, info := range m.members {
		if other == id || m.down[other] {
			continue
		}
		peers = append(peers, info)
	}
	return peers
}

func wireTopic(id PeerID) string {
	return "wire." + string(id)
}

type memoryResponse struct {
	frame []byte
	err   error
}

type MemoryWire struct {
	network *MemoryNetwork
	self    PeerInfo

	mu      sync.Mutex
	pending map[string]chan memoryResponse
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Wire = (*MemoryWire)(nil)

func (w *MemoryWire) Start(ctx context.Context, handler WireHandler) error {
	ctx, w.cancel = context.WithCancel(ctx)
	msgs, err := w.network.pubSub.Subscribe(ctx, wireTopic(w.self.ID))
	if err != nil {
		w.cancel()
		return err
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for msg := range msgs {
			// Acked before handling, handlers may publish themselves.
			msg.Ack()
			w.dispatch(ctx, handler, msg)
		}
	}()
	return nil
}

func (w *MemoryWire) dispatch(ctx context.Context, handler WireHandler, msg *message.Message) {
	from := PeerID(msg.Metadata.Get(metaFrom))
	if !w.network.reachable(from, w.self.ID) {
		return
	}
	addr := msg.Metadata.Get(metaAddr)
	switch msg.Metadata.Get(metaKind) {
	case kindFrame:
		handler.HandleFrame(from, addr, msg.Payload)

	case kindRequest:
		correlation := msg.Metadata.Get(metaCorrelation)
		payload := msg.Payload
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			resp, err := handler.HandleRequestFrame(ctx, from, addr, payload)
			reply := w.newMessage(kindResponse, resp)
			reply.Metadata.Set(metaCorrelation, correlation)
			switch {
			case err != nil:
				reply.Metadata.Set(metaError, err.Error())
			case resp == nil:
				reply.Metadata.Set(metaNone, "1")
			}
			if !w.network.reachable(w.self.ID, from) {
				return
			}
			_ = w.network.pubSub.Publish(wireTopic(from), reply)
		}()

	case kindResponse:
		w.mu.Lock()
		ch, ok := w.pending[msg.Metadata.Get(metaCorrelation)]
		w.mu.Unlock()
		if !ok {
			return
		}
		var resp memoryResponse
		switch {
		case msg.Metadata.Get(metaError) != "":
			resp.err = errors.New(msg.Metadata.Get(metaError))
		case msg.Metadata.Get(metaNone) == "":
			resp.frame = msg.Payload
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

func (w *MemoryWire) newMessage(kind string, payload []byte) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKind, kind)
	msg.Metadata.Set(metaFrom, string(w.self.ID))
	msg.Metadata.Set(metaAddr, w.self.Addr)
	return msg
}

func (w *MemoryWire) Peers() []PeerInfo {
	return w.network.peersOf(w.self.ID)
}

func (w *MemoryWire) Send(_ context.Context, to PeerID, frame []byte) error {
	if !w.network.reachable(w.self.ID, to) {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	return w.network.pubSub.Publish(wireTopic(to), w.newMessage(kindFrame, frame))
}

func (w *MemoryWire) Request(ctx context.Context, to PeerID, frame []byte) ([]byte, error) {
	if !w.network.reachable(w.self.ID, to) {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, to)
	}
	msg := w.newMessage(kindRequest, frame)
	correlation := watermill.NewUUID()
	msg.Metadata.Set(metaCorrelation, correlation)

	ch := make(chan memoryResponse, 1)
	w.mu.Lock()
	w.pending[correlation] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, correlation)
		w.mu.Unlock()
	}()

	if err := w.network.pubSub.Publish(wireTopic(to), msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp.frame, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *MemoryWire) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return nil
}
