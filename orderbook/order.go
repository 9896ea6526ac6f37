package orderbook

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/peerdex/peerdex/messages"
	"github.com/peerdex/peerdex/p2p"
)

// Prices are rel per base everywhere in this package: a maker order selling
// 1 BTC for 20 LTC on BTC/LTC has price 20.

// MakerOrder is an order of this node. The maker sells MaxVolume of Base at
// Price.
type MakerOrder struct {
	Uuid         uuid.UUID             `json:"uuid"`
	Base         string                `json:"base"`
	Rel          string                `json:"rel"`
	Price        *big.Rat              `json:"price"`
	MaxVolume    *big.Rat              `json:"max_volume"`
	MinVolume    *big.Rat              `json:"min_volume"`
	ConfSettings messages.ConfSettings `json:"conf_settings"`
	CreatedAt    int64                 `json:"created_at"`
	UpdatedAt    int64                 `json:"updated_at"`
	Seq          uint64                `json:"seq"`
	// Matches lists the taker uuids this order was connected to.
	Matches []uuid.UUID `json:"matches,omitempty"`
}

// Replica is this node's view of another maker's order.
type Replica struct {
	Uuid         uuid.UUID
	Maker        p2p.PeerID
	Base         string
	Rel          string
	Price        *big.Rat
	MaxVolume    *big.Rat
	MinVolume    *big.Rat
	ConfSettings messages.ConfSettings
	CreatedAt    int64
	UpdatedAt    int64
	Seq          uint64
	LastSeen     time.Time

	// The maker signed envelopes, replayed to nodes that ask for the book.
	initial []byte
	update  []byte
}

type tombstone struct {
	seq uint64
	at  time.Time
}

// reservation holds a slice of a maker order for one taker.
type reservation struct {
	takerUuid  uuid.UUID
	taker      p2p.PeerID
	baseAmount *big.Rat
	relAmount  *big.Rat
	expiresAt  time.Time
}

type myOrder struct {
	*MakerOrder
	initial []byte
	update  []byte
	pending *reservation
	stop    func()
}

// available is the volume that can be reserved right now.
func (o *myOrder) available() *big.Rat {
	if o.pending != nil {
		return new(big.Rat).Sub(o.MaxVolume, o.pending.baseAmount)
	}
	return new(big.Rat).Set(o.MaxVolume)
}

type OrderView struct {
	Uuid         uuid.UUID
	Maker        p2p.PeerID
	Base         string
	Rel          string
	Price        *big.Rat
	MaxVolume    *big.Rat
	MinVolume    *big.Rat
	ConfSettings messages.ConfSettings
	CreatedAt    int64
	IsMine       bool
}

// Book is one pair seen from base: asks sell base, bids buy base. Bid
// prices and volumes are converted to rel per base and base.
type Book struct {
	Base string
	Rel  string
	Asks []OrderView
	Bids []OrderView
}

type MatchRole string

const (
	RoleMaker MatchRole = "maker"
	RoleTaker MatchRole = "taker"
)

// Match is a connected reservation. Both sides start a swap with Uuid, the
// uuid of the taker request.
type Match struct {
	Uuid         uuid.UUID
	MakerOrder   uuid.UUID
	Role         MatchRole
	Counterparty p2p.PeerID
	// MakerCoin is sent by the maker, TakerCoin by the taker.
	MakerCoin    string
	TakerCoin    string
	MakerAmount  *big.Rat
	TakerAmount  *big.Rat
	ConfSettings messages.ConfSettings
}

type MatchHandler func(m Match)

// TakerOrder is a buy or sell of Volume base with a limit Price in rel per
// base.
type TakerOrder struct {
	Base         string
	Rel          string
	Volume       *big.Rat
	Price        *big.Rat
	MatchBy      messages.MatchBy
	// ConfSettings default to the required confirmations of both coins.
	ConfSettings *messages.ConfSettings
}
