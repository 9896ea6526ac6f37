package messages

import (
	"errors"
	"math/big"

	"github.com/google/uuid"
)

// Rationals travel as big.Rat strings ("num/den") so that no precision is
// lost between nodes.

func EncodeRat(r *big.Rat) string {
	if r == nil {
		return ""
	}
	return r.String()
}

func DecodeRat(field, s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, &InvalidFieldError{Field: field, Err: errors.New("not a rational: " + s)}
	}
	return r, nil
}

// ConfSettings carries the confirmation requirements for both sides of a
// trade. Nota flags request notarised confirmations where a chain offers
// them.
type ConfSettings struct {
	BaseConfs uint64 `codec:"base_confs"`
	BaseNota  bool   `codec:"base_nota"`
	RelConfs  uint64 `codec:"rel_confs"`
	RelNota   bool   `codec:"rel_nota"`
}

// Total is used to rank reservations, fewer is better.
func (c ConfSettings) Total() uint64 {
	return c.BaseConfs + c.RelConfs
}

// Reversed swaps base and rel settings, used when an order is looked at
// from the reciprocal pair.
func (c ConfSettings) Reversed() ConfSettings {
	return ConfSettings{BaseConfs: c.RelConfs, BaseNota: c.RelNota, RelConfs: c.BaseConfs, RelNota: c.BaseNota}
}

type MakerOrderCreated struct {
	Uuid         uuid.UUID    `codec:"uuid"`
	Base         string       `codec:"base"`
	Rel          string       `codec:"rel"`
	Price        string       `codec:"price"`
	MaxVolume    string       `codec:"max_volume"`
	MinVolume    string       `codec:"min_volume"`
	ConfSettings ConfSettings `codec:"conf_settings"`
	CreatedAt    int64        `codec:"created_at"`
	Seq          uint64       `codec:"seq"`
}

func (m MakerOrderCreated) MessageType() MessageType {
	return MESSAGETYPE_MAKER_ORDER_CREATED
}

// MakerOrderUpdated carries the full new terms. Receivers apply the
// fields that are set, makers of this node always set all of them.
type MakerOrderUpdated struct {
	Uuid         uuid.UUID `codec:"uuid"`
	NewPrice     *string   `codec:"new_price,omitempty"`
	NewMaxVolume *string   `codec:"new_max_volume,omitempty"`
	NewMinVolume *string   `codec:"new_min_volume,omitempty"`
	Timestamp    int64     `codec:"timestamp"`
	Seq          uint64    `codec:"seq"`
}

func (m MakerOrderUpdated) MessageType() MessageType {
	return MESSAGETYPE_MAKER_ORDER_UPDATED
}

type MakerOrderKeepAlive struct {
	Uuid      uuid.UUID `codec:"uuid"`
	Timestamp int64     `codec:"timestamp"`
	Seq       uint64    `codec:"seq"`
}

func (m MakerOrderKeepAlive) MessageType() MessageType {
	return MESSAGETYPE_MAKER_ORDER_KEEPALIVE
}

type MakerOrderCancelled struct {
	Uuid uuid.UUID `codec:"uuid"`
	Seq  uint64    `codec:"seq"`
}

func (m MakerOrderCancelled) MessageType() MessageType {
	return MESSAGETYPE_MAKER_ORDER_CANCELLED
}

type TakerAction uint8

const (
	TakerActionBuy TakerAction = iota + 1
	TakerActionSell
)

func (a TakerAction) String() string {
	switch a {
	case TakerActionBuy:
		return "buy"
	case TakerActionSell:
		return "sell"
	}
	return "unknown"
}

type MatchByType uint8

const (
	MatchAny MatchByType = iota
	MatchOrders
	MatchPubkeys
)

// MatchBy restricts which maker orders a taker request may match.
type MatchBy struct {
	Type    MatchByType `codec:"type"`
	Orders  []uuid.UUID `codec:"orders,omitempty"`
	Pubkeys [][]byte    `codec:"pubkeys,omitempty"`
}

type TakerRequest struct {
	Uuid         uuid.UUID    `codec:"uuid"`
	Base         string       `codec:"base"`
	Rel          string       `codec:"rel"`
	BaseAmount   string       `codec:"base_amount"`
	RelAmount    string       `codec:"rel_amount"`
	Action       TakerAction  `codec:"action"`
	MatchBy      MatchBy      `codec:"match_by"`
	ConfSettings ConfSettings `codec:"conf_settings"`
}

func (m TakerRequest) MessageType() MessageType {
	return MESSAGETYPE_TAKER_REQUEST
}

// MakerReserved is always expressed from the maker's point of view: Base is
// the coin the maker sells.
type MakerReserved struct {
	TakerUuid    uuid.UUID    `codec:"taker_uuid"`
	MakerUuid    uuid.UUID    `codec:"maker_uuid"`
	Base         string       `codec:"base"`
	Rel          string       `codec:"rel"`
	BaseAmount   string       `codec:"base_amount"`
	RelAmount    string       `codec:"rel_amount"`
	ConfSettings ConfSettings `codec:"conf_settings"`
}

func (m MakerReserved) MessageType() MessageType {
	return MESSAGETYPE_MAKER_RESERVED
}

type TakerConnect struct {
	TakerUuid uuid.UUID `codec:"taker_uuid"`
	MakerUuid uuid.UUID `codec:"maker_uuid"`
}

func (m TakerConnect) MessageType() MessageType {
	return MESSAGETYPE_TAKER_CONNECT
}

type MakerConnected struct {
	TakerUuid uuid.UUID `codec:"taker_uuid"`
	MakerUuid uuid.UUID `codec:"maker_uuid"`
}

func (m MakerConnected) MessageType() MessageType {
	return MESSAGETYPE_MAKER_CONNECTED
}

type GetOrderbook struct {
	Base string `codec:"base"`
	Rel  string `codec:"rel"`
}

func (m GetOrderbook) MessageType() MessageType {
	return MESSAGETYPE_GET_ORDERBOOK
}

// OrderSnapshot replays the maker signed envelopes of one order: the
// creation message followed by the latest update, if any.
type OrderSnapshot struct {
	Initial []byte   `codec:"initial"`
	Updates [][]byte `codec:"updates,omitempty"`
}

type Orderbook struct {
	Orders []OrderSnapshot `codec:"orders"`
}

func (m Orderbook) MessageType() MessageType {
	return MESSAGETYPE_ORDERBOOK
}
