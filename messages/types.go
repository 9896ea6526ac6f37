package messages

import (
	"fmt"
	"strconv"
)

type MessageType uint16

const (
	// BASE_ORDER_MESSAGE_TYPE is the first message type of the
	// orderbook messages. Order messages and swap messages live
	// in separate ranges so that a relay can tell them apart
	// without decoding the payload.
	BASE_ORDER_MESSAGE_TYPE = 0x0100
	// BASE_SWAP_MESSAGE_TYPE is the first message type of the
	// messages that are exchanged on a swap/<uuid> topic.
	BASE_SWAP_MESSAGE_TYPE = 0x0200
)

const (
	MESSAGETYPE_MAKER_ORDER_CREATED MessageType = BASE_ORDER_MESSAGE_TYPE + iota
	MESSAGETYPE_MAKER_ORDER_UPDATED
	MESSAGETYPE_MAKER_ORDER_KEEPALIVE
	MESSAGETYPE_MAKER_ORDER_CANCELLED
	MESSAGETYPE_TAKER_REQUEST
	MESSAGETYPE_MAKER_RESERVED
	MESSAGETYPE_TAKER_CONNECT
	MESSAGETYPE_MAKER_CONNECTED
	MESSAGETYPE_GET_ORDERBOOK
	MESSAGETYPE_ORDERBOOK
	upperOrderMessage
)

const (
	MESSAGETYPE_SWAP_NEGOTIATION MessageType = BASE_SWAP_MESSAGE_TYPE + iota
	MESSAGETYPE_SWAP_NEGOTIATION_REPLY
	MESSAGETYPE_SWAP_NEGOTIATED
	MESSAGETYPE_SWAP_TAKER_FEE
	MESSAGETYPE_SWAP_MAKER_PAYMENT
	MESSAGETYPE_SWAP_TAKER_PAYMENT
	upperSwapMessage
)

var typeNames = map[MessageType]string{
	MESSAGETYPE_MAKER_ORDER_CREATED:    "maker_order_created",
	MESSAGETYPE_MAKER_ORDER_UPDATED:    "maker_order_updated",
	MESSAGETYPE_MAKER_ORDER_KEEPALIVE:  "maker_order_keepalive",
	MESSAGETYPE_MAKER_ORDER_CANCELLED:  "maker_order_cancelled",
	MESSAGETYPE_TAKER_REQUEST:          "taker_request",
	MESSAGETYPE_MAKER_RESERVED:         "maker_reserved",
	MESSAGETYPE_TAKER_CONNECT:          "taker_connect",
	MESSAGETYPE_MAKER_CONNECTED:        "maker_connected",
	MESSAGETYPE_GET_ORDERBOOK:          "get_orderbook",
	MESSAGETYPE_ORDERBOOK:              "orderbook",
	MESSAGETYPE_SWAP_NEGOTIATION:       "swap_negotiation",
	MESSAGETYPE_SWAP_NEGOTIATION_REPLY: "swap_negotiation_reply",
	MESSAGETYPE_SWAP_NEGOTIATED:        "swap_negotiated",
	MESSAGETYPE_SWAP_TAKER_FEE:         "swap_taker_fee",
	MESSAGETYPE_SWAP_MAKER_PAYMENT:     "swap_maker_payment",
	MESSAGETYPE_SWAP_TAKER_PAYMENT:     "swap_taker_payment",
}

func (m MessageType) String() string {
	if name, ok := typeNames[m]; ok {
		return name
	}
	return "unknown_" + MessageTypeToHexString(m)
}

// IsOrderMessage reports whether m belongs to the orderbook range.
func (m MessageType) IsOrderMessage() bool {
	return m >= MESSAGETYPE_MAKER_ORDER_CREATED && m < upperOrderMessage
}

// IsSwapMessage reports whether m belongs to the swap range.
func (m MessageType) IsSwapMessage() bool {
	return m >= MESSAGETYPE_SWAP_NEGOTIATION && m < upperSwapMessage
}

// IsCritical reports whether a message of type m must not be dropped under
// backpressure. Keepalives are the only messages that can be lost without
// consequence since the next one supersedes them.
func IsCritical(m MessageType) bool {
	return m != MESSAGETYPE_MAKER_ORDER_KEEPALIVE
}

// ParseMessageType converts a hexadecimal string representation of a message type
// to its corresponding MessageType. If the message type is not recognized, it returns an error.
func ParseMessageType(msgType string) (MessageType, error) {
	msgTypeInt, err := strconv.ParseUint(msgType, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("could not parse hex string to message type: %w", err)
	}
	m := MessageType(msgTypeInt)
	if !m.IsOrderMessage() && !m.IsSwapMessage() {
		return 0, ErrUnknownMessageType(msgType)
	}
	return m, nil
}

// MessageTypeToHexString returns the hex encoded string
// of the messagetype.
func MessageTypeToHexString(messageIndex MessageType) string {
	return strconv.FormatUint(uint64(messageIndex), 16)
}
