package swap

import (
	"math/big"

	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/messages"
)

type SwapRole string

const (
	SWAPROLE_MAKER SwapRole = "maker"
	SWAPROLE_TAKER SwapRole = "taker"
)

// SwapEvent is one journaled transition.
type SwapEvent struct {
	Type EventType
	Data *EventData
}

// EventData is the payload of every event type. Each type sets the fields it
// records and leaves the others empty.
type EventData struct {
	// Started
	MyCoin              string                 `json:"my_coin,omitempty"`
	OtherCoin           string                 `json:"other_coin,omitempty"`
	MyAmount            *big.Rat               `json:"my_amount,omitempty"`
	OtherAmount         *big.Rat               `json:"other_amount,omitempty"`
	Counterparty        string                 `json:"counterparty,omitempty"`
	MakerOrder          string                 `json:"maker_order,omitempty"`
	ConfSettings        *messages.ConfSettings `json:"conf_settings,omitempty"`
	StartedAt           uint64                 `json:"started_at,omitempty"`
	LockDuration        uint64                 `json:"lock_duration,omitempty"`
	MakerCoinStartBlock uint64                 `json:"maker_coin_start_block,omitempty"`
	TakerCoinStartBlock uint64                 `json:"taker_coin_start_block,omitempty"`

	// Started (maker), Negotiated (taker)
	SecretHash       []byte `json:"secret_hash,omitempty"`
	MakerPaymentLock uint64 `json:"maker_payment_lock,omitempty"`
	TakerPaymentLock uint64 `json:"taker_payment_lock,omitempty"`

	// Negotiated
	OtherMakerCoinHtlcPub []byte `json:"other_maker_coin_htlc_pub,omitempty"`
	OtherTakerCoinHtlcPub []byte `json:"other_taker_coin_htlc_pub,omitempty"`

	// Started (maker), TakerPaymentSpent (taker)
	Secret []byte `json:"secret,omitempty"`

	Tx *coins.Transaction `json:"tx,omitempty"`

	// Failure events and Finished
	Reason    string `json:"reason,omitempty"`
	Abandoned bool   `json:"abandoned,omitempty"`
}

type EventRecord struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

// SwapData is the state of a swap as rebuilt from its events.
type SwapData struct {
	Uuid         string
	Role         SwapRole
	MyCoin       string
	OtherCoin    string
	MyAmount     *big.Rat
	OtherAmount  *big.Rat
	Counterparty string
	MakerOrder   string
	// ConfSettings are oriented maker coin first: Base is the maker coin.
	ConfSettings messages.ConfSettings
	StartedAt    uint64
	LockDuration uint64

	MakerCoinStartBlock uint64
	TakerCoinStartBlock uint64

	Secret           []byte
	SecretHash       []byte
	MakerPaymentLock uint64
	TakerPaymentLock uint64

	OtherMakerCoinHtlcPub []byte
	OtherTakerCoinHtlcPub []byte

	TakerFee           *coins.Transaction
	MakerPayment       *coins.Transaction
	TakerPayment       *coins.Transaction
	TakerPaymentSpend  *coins.Transaction
	MakerPaymentSpend  *coins.Transaction
	MakerPaymentRefund *coins.Transaction
	TakerPaymentRefund *coins.Transaction

	Events    []EventRecord
	LastErr   string
	Abandoned bool
	Finished  bool

	inbox *inbox
}

func newSwapData(id string, role SwapRole) *SwapData {
	return &SwapData{Uuid: id, Role: role, inbox: newInbox()}
}

// apply records event on the swap. It never fails: events were validated
// before they were journaled.
func (d *SwapData) apply(event *SwapEvent, timestamp int64) {
	d.Events = append(d.Events, EventRecord{Type: event.Type, Timestamp: timestamp})
	data := event.Data
	if data == nil {
		data = &EventData{}
	}

	switch event.Type {
	case Event_Started:
		d.MyCoin = data.MyCoin
		d.OtherCoin = data.OtherCoin
		d.MyAmount = data.MyAmount
		d.OtherAmount = data.OtherAmount
		d.Counterparty = data.Counterparty
		d.MakerOrder = data.MakerOrder
		if data.ConfSettings != nil {
			d.ConfSettings = *data.ConfSettings
		}
		d.StartedAt = data.StartedAt
		d.LockDuration = data.LockDuration
		d.MakerCoinStartBlock = data.MakerCoinStartBlock
		d.TakerCoinStartBlock = data.TakerCoinStartBlock
		d.Secret = data.Secret
		d.SecretHash = data.SecretHash
		d.MakerPaymentLock = data.MakerPaymentLock
		d.TakerPaymentLock = data.TakerPaymentLock

	case Event_Negotiated:
		if data.MakerPaymentLock != 0 {
			d.MakerPaymentLock = data.MakerPaymentLock
		}
		if data.TakerPaymentLock != 0 {
			d.TakerPaymentLock = data.TakerPaymentLock
		}
		if len(data.SecretHash) > 0 {
			d.SecretHash = data.SecretHash
		}
		d.OtherMakerCoinHtlcPub = data.OtherMakerCoinHtlcPub
		d.OtherTakerCoinHtlcPub = data.OtherTakerCoinHtlcPub

	case Event_TakerFeeSent, Event_TakerFeeValidated:
		d.TakerFee = data.Tx

	case Event_MakerPaymentSent, Event_MakerPaymentReceived:
		d.MakerPayment = data.Tx

	case Event_TakerPaymentSent, Event_TakerPaymentReceived:
		d.TakerPayment = data.Tx

	case Event_TakerPaymentSpent:
		d.TakerPaymentSpend = data.Tx
		if len(data.Secret) > 0 {
			d.Secret = data.Secret
		}

	case Event_MakerPaymentSpent:
		d.MakerPaymentSpend = data.Tx

	case Event_MakerPaymentRefunded:
		d.MakerPaymentRefund = data.Tx

	case Event_TakerPaymentRefunded:
		d.TakerPaymentRefund = data.Tx

	case Event_StartFailed, Event_MakerPaymentRefundRequired, Event_TakerPaymentRefundRequired,
		Event_MakerPaymentSpendFailed:
		d.LastErr = data.Reason

	case Event_Finished:
		d.Finished = true
		d.Abandoned = data.Abandoned
		if data.Reason != "" {
			d.LastErr = data.Reason
		}
	}
}

func (d *SwapData) MakerCoin() string {
	if d.Role == SWAPROLE_MAKER {
		return d.MyCoin
	}
	return d.OtherCoin
}

func (d *SwapData) TakerCoin() string {
	if d.Role == SWAPROLE_MAKER {
		return d.OtherCoin
	}
	return d.MyCoin
}

func (d *SwapData) MakerAmount() *big.Rat {
	if d.Role == SWAPROLE_MAKER {
		return d.MyAmount
	}
	return d.OtherAmount
}

func (d *SwapData) TakerAmount() *big.Rat {
	if d.Role == SWAPROLE_MAKER {
		return d.OtherAmount
	}
	return d.MyAmount
}

func (d *SwapData) MakerCoinConfs() uint64 {
	return atLeastOne(d.ConfSettings.BaseConfs)
}

func (d *SwapData) TakerCoinConfs() uint64 {
	return atLeastOne(d.ConfSettings.RelConfs)
}

// SwapUniqueData seeds the per swap HTLC keys.
func (d *SwapData) SwapUniqueData() []byte {
	id, err := uuid.Parse(d.Uuid)
	if err != nil {
		return []byte(d.Uuid)
	}
	return id[:]
}

func (d *SwapData) hasEvent(t EventType) bool {
	for _, e := range d.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}

func atLeastOne(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	return n
}
