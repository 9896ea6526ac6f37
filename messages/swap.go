package messages

import "github.com/google/uuid"

// SwapNegotiation is sent by the maker. Locktime is the maker payment lock.
type SwapNegotiation struct {
	Uuid             uuid.UUID `codec:"uuid"`
	StartedAt        uint64    `codec:"started_at"`
	PaymentLocktime  uint64    `codec:"payment_locktime"`
	SecretHash       []byte    `codec:"secret_hash"`
	PersistentPub    []byte    `codec:"persistent_pub"`
	MakerCoinHtlcPub []byte    `codec:"maker_coin_htlc_pub"`
	TakerCoinHtlcPub []byte    `codec:"taker_coin_htlc_pub"`
}

func (m SwapNegotiation) MessageType() MessageType {
	return MESSAGETYPE_SWAP_NEGOTIATION
}

// SwapNegotiationReply is the taker's answer. Locktime is the taker payment
// lock.
type SwapNegotiationReply struct {
	Uuid             uuid.UUID `codec:"uuid"`
	StartedAt        uint64    `codec:"started_at"`
	PaymentLocktime  uint64    `codec:"payment_locktime"`
	PersistentPub    []byte    `codec:"persistent_pub"`
	MakerCoinHtlcPub []byte    `codec:"maker_coin_htlc_pub"`
	TakerCoinHtlcPub []byte    `codec:"taker_coin_htlc_pub"`
}

func (m SwapNegotiationReply) MessageType() MessageType {
	return MESSAGETYPE_SWAP_NEGOTIATION_REPLY
}

type SwapNegotiated struct {
	Uuid   uuid.UUID `codec:"uuid"`
	Ok     bool      `codec:"ok"`
	Reason string    `codec:"reason,omitempty"`
}

func (m SwapNegotiated) MessageType() MessageType {
	return MESSAGETYPE_SWAP_NEGOTIATED
}

type SwapTakerFee struct {
	Uuid uuid.UUID `codec:"uuid"`
	Tx   []byte    `codec:"tx"`
}

func (m SwapTakerFee) MessageType() MessageType {
	return MESSAGETYPE_SWAP_TAKER_FEE
}

type SwapMakerPayment struct {
	Uuid     uuid.UUID `codec:"uuid"`
	Tx       []byte    `codec:"tx"`
	Contract []byte    `codec:"contract"`
}

func (m SwapMakerPayment) MessageType() MessageType {
	return MESSAGETYPE_SWAP_MAKER_PAYMENT
}

type SwapTakerPayment struct {
	Uuid     uuid.UUID `codec:"uuid"`
	Tx       []byte    `codec:"tx"`
	Contract []byte    `codec:"contract"`
}

func (m SwapTakerPayment) MessageType() MessageType {
	return MESSAGETYPE_SWAP_TAKER_PAYMENT
}
