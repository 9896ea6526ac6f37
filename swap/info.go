package swap

import (
	"fmt"
	"strings"

	"github.com/peerdex/peerdex/coins"
	"github.com/samber/lo"
)

type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSuccess    Outcome = "success"
	OutcomeRefunded   Outcome = "refunded"
	// OutcomeAborted means the swap ended before any of our funds were
	// locked. A taker fee that was already paid is lost.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed is reached when the taker learned the secret but the
	// maker refunded its payment before the taker's claim confirmed.
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Outcome classifies a swap from its events.
func (d *SwapData) Outcome() Outcome {
	switch {
	case !d.Finished:
		return OutcomeInProgress
	case d.Abandoned:
		return OutcomeAbandoned
	case d.hasEvent(Event_MakerPaymentSpendFailed):
		return OutcomeFailed
	}
	if d.Role == SWAPROLE_MAKER {
		switch {
		case d.TakerPaymentSpend != nil:
			return OutcomeSuccess
		case d.MakerPaymentRefund != nil:
			return OutcomeRefunded
		}
		return OutcomeAborted
	}
	switch {
	case d.MakerPaymentSpend != nil:
		return OutcomeSuccess
	case d.TakerPaymentRefund != nil:
		return OutcomeRefunded
	}
	return OutcomeAborted
}

// SwapInfo is the read model of a swap handed to callers.
type SwapInfo struct {
	Uuid         string        `json:"uuid"`
	Role         SwapRole      `json:"role"`
	State        StateType     `json:"state"`
	MyCoin       string        `json:"my_coin"`
	OtherCoin    string        `json:"other_coin"`
	MyAmount     string        `json:"my_amount"`
	OtherAmount  string        `json:"other_amount"`
	Counterparty string        `json:"counterparty"`
	StartedAt    uint64        `json:"started_at"`
	Events       []EventRecord `json:"events"`
	Finished     bool          `json:"finished"`
	Outcome      Outcome       `json:"outcome"`
	LastErr      string        `json:"last_err,omitempty"`
}

func newSwapInfo(d *SwapData, state StateType) *SwapInfo {
	return &SwapInfo{
		Uuid:         d.Uuid,
		Role:         d.Role,
		State:        state,
		MyCoin:       d.MyCoin,
		OtherCoin:    d.OtherCoin,
		MyAmount:     coins.FormatAmount(d.MyAmount, 8),
		OtherAmount:  coins.FormatAmount(d.OtherAmount, 8),
		Counterparty: d.Counterparty,
		StartedAt:    d.StartedAt,
		Events:       append([]EventRecord(nil), d.Events...),
		Finished:     d.Finished,
		Outcome:      d.Outcome(),
		LastErr:      d.LastErr,
	}
}

// EventTypes lists the journaled event names in order.
func (i *SwapInfo) EventTypes() []EventType {
	return lo.Map(i.Events, func(e EventRecord, _ int) EventType {
		return e.Type
	})
}

func (i *SwapInfo) String() string {
	names := lo.Map(i.Events, func(e EventRecord, _ int) string {
		return string(e.Type)
	})
	return fmt.Sprintf("%s %s %s %s -> %s %s [%s] %s", i.Uuid, i.Role, i.MyAmount, i.MyCoin,
		i.OtherAmount, i.OtherCoin, strings.Join(names, ", "), i.Outcome)
}
