package swap

import "github.com/peerdex/peerdex/journal"

// Shared States
const (
	State_Finished StateType = "State_Finished"
)

// Maker States
const (
	State_Maker_Started                    StateType = "State_Maker_Started"
	State_Maker_Negotiated                 StateType = "State_Maker_Negotiated"
	State_Maker_TakerFeeValidated          StateType = "State_Maker_TakerFeeValidated"
	State_Maker_MakerPaymentSent           StateType = "State_Maker_MakerPaymentSent"
	State_Maker_TakerPaymentReceived       StateType = "State_Maker_TakerPaymentReceived"
	State_Maker_TakerPaymentConfirmed      StateType = "State_Maker_TakerPaymentConfirmed"
	State_Maker_TakerPaymentSpent          StateType = "State_Maker_TakerPaymentSpent"
	State_Maker_StartFailed                StateType = "State_Maker_StartFailed"
	State_Maker_MakerPaymentRefundRequired StateType = "State_Maker_MakerPaymentRefundRequired"
	State_Maker_MakerPaymentRefunded       StateType = "State_Maker_MakerPaymentRefunded"
)

// Taker States
const (
	State_Taker_Started                           StateType = "State_Taker_Started"
	State_Taker_Negotiated                        StateType = "State_Taker_Negotiated"
	State_Taker_TakerFeeSent                      StateType = "State_Taker_TakerFeeSent"
	State_Taker_MakerPaymentReceived              StateType = "State_Taker_MakerPaymentReceived"
	State_Taker_MakerPaymentValidatedAndConfirmed StateType = "State_Taker_MakerPaymentValidatedAndConfirmed"
	State_Taker_TakerPaymentSent                  StateType = "State_Taker_TakerPaymentSent"
	State_Taker_TakerPaymentSpentByMaker          StateType = "State_Taker_TakerPaymentSpentByMaker"
	State_Taker_MakerPaymentSpent                 StateType = "State_Taker_MakerPaymentSpent"
	State_Taker_MakerPaymentSpendFailed           StateType = "State_Taker_MakerPaymentSpendFailed"
	State_Taker_StartFailed                       StateType = "State_Taker_StartFailed"
	State_Taker_TakerPaymentRefundRequired        StateType = "State_Taker_TakerPaymentRefundRequired"
	State_Taker_TakerPaymentRefunded              StateType = "State_Taker_TakerPaymentRefunded"
)

// Events. The values are the names the journal records.
const (
	Event_Started     EventType = "Started"
	Event_StartFailed EventType = "StartFailed"
	Event_Negotiated  EventType = "Negotiated"

	Event_TakerFeeSent      EventType = "TakerFeeSent"
	Event_TakerFeeValidated EventType = "TakerFeeValidated"

	Event_MakerPaymentSent                  EventType = "MakerPaymentSent"
	Event_MakerPaymentReceived              EventType = "MakerPaymentReceived"
	Event_MakerPaymentValidatedAndConfirmed EventType = "MakerPaymentValidatedAndConfirmed"

	Event_TakerPaymentSent      EventType = "TakerPaymentSent"
	Event_TakerPaymentReceived  EventType = "TakerPaymentReceived"
	Event_TakerPaymentConfirmed EventType = "TakerPaymentConfirmed"

	// Event_TakerPaymentSpent carries the secret on the taker side.
	Event_TakerPaymentSpent       EventType = "TakerPaymentSpent"
	Event_MakerPaymentSpent       EventType = "MakerPaymentSpent"
	Event_MakerPaymentSpendFailed EventType = "MakerPaymentSpendFailed"

	Event_MakerPaymentRefundRequired EventType = "MakerPaymentRefundRequired"
	Event_MakerPaymentRefunded       EventType = "MakerPaymentRefunded"
	Event_TakerPaymentRefundRequired EventType = "TakerPaymentRefundRequired"
	Event_TakerPaymentRefunded       EventType = "TakerPaymentRefunded"

	Event_Finished EventType = journal.FinishedEvent
)
