// Package p2p carries signed envelopes between nodes: topic gossip with
// duplicate suppression and relaying, and request/response to a specific
// peer.
package p2p

import (
	"context"
	"errors"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mock/wire.go -package=mock github.com/peerdex/peerdex/p2p Wire

var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrWireClosed      = errors.New("wire closed")
)

// PeerID is the hex encoded compressed persistent public key of a node.
type PeerID string

type PeerInfo struct {
	ID PeerID
	// Addr is the network address offences are counted against.
	Addr  string
	Relay bool
}

// WireHandler receives what a Wire reads from its peers. from and addr
// describe the direct neighbour, not the author of the envelope inside.
type WireHandler interface {
	HandleFrame(from PeerID, addr string, frame []byte)
	// HandleRequestFrame returns nil for a None response.
	HandleRequestFrame(ctx context.Context, from PeerID, addr string, frame []byte) ([]byte, error)
}

// Wire moves opaque frames between directly connected peers.
type Wire interface {
	Start(ctx context.Context, handler WireHandler) error
	Peers() []PeerInfo
	Send(ctx context.Context, to PeerID, frame []byte) error
	// Request returns nil, nil when the peer answered None.
	Request(ctx context.Context, to PeerID, frame []byte) ([]byte, error)
	Close() error
}
