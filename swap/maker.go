package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/log"
	"github.com/peerdex/peerdex/messages"
)

func getMakerStates() States {
	return States{
		Default: State{
			Events: Events{
				Event_Started:  State_Maker_Started,
				Event_Finished: State_Finished,
			},
		},
		State_Maker_Started: State{
			Action: &NegotiateWithTakerAction{},
			Events: Events{
				Event_Negotiated:  State_Maker_Negotiated,
				Event_StartFailed: State_Maker_StartFailed,
			},
		},
		State_Maker_Negotiated: State{
			Action: &ValidateTakerFeeAction{},
			Events: Events{
				Event_TakerFeeValidated: State_Maker_TakerFeeValidated,
				Event_StartFailed:       State_Maker_StartFailed,
			},
		},
		State_Maker_TakerFeeValidated: State{
			Action: &SendMakerPaymentAction{},
			Events: Events{
				Event_MakerPaymentSent: State_Maker_MakerPaymentSent,
				Event_StartFailed:      State_Maker_StartFailed,
			},
		},
		State_Maker_MakerPaymentSent: State{
			Action: &WaitForTakerPaymentAction{},
			Events: Events{
				Event_TakerPaymentReceived:       State_Maker_TakerPaymentReceived,
				Event_MakerPaymentRefundRequired: State_Maker_MakerPaymentRefundRequired,
				Event_StartFailed:                State_Maker_StartFailed,
			},
		},
		State_Maker_TakerPaymentReceived: State{
			Action: &WaitForTakerPaymentConfirmationsAction{},
			Events: Events{
				Event_TakerPaymentConfirmed:      State_Maker_TakerPaymentConfirmed,
				Event_MakerPaymentRefundRequired: State_Maker_MakerPaymentRefundRequired,
			},
		},
		State_Maker_TakerPaymentConfirmed: State{
			Action: &SpendTakerPaymentAction{},
			Events: Events{
				Event_TakerPaymentSpent:          State_Maker_TakerPaymentSpent,
				Event_MakerPaymentRefundRequired: State_Maker_MakerPaymentRefundRequired,
			},
		},
		State_Maker_TakerPaymentSpent: State{
			Action: &FinishAction{},
			Events: Events{
				Event_Finished: State_Finished,
			},
		},
		State_Maker_StartFailed: State{
			Action: &FinishAction{},
			Events: Events{
				Event_Finished: State_Finished,
			},
		},
		State_Maker_MakerPaymentRefundRequired: State{
			Action: &RefundMakerPaymentAction{},
			Events: Events{
				Event_MakerPaymentRefunded: State_Maker_MakerPaymentRefunded,
				Event_TakerPaymentSpent:    State_Maker_TakerPaymentSpent,
			},
		},
		State_Maker_MakerPaymentRefunded: State{
			Action: &FinishAction{},
			Events: Events{
				Event_Finished: State_Finished,
			},
		},
		State_Finished: State{},
	}
}

// NegotiateWithTakerAction proposes the swap parameters and checks the
// taker's answer.
type NegotiateWithTakerAction struct{}

func (a *NegotiateWithTakerAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	makerCoin, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	makerKey, err := makerCoin.DeriveHTLCKeyPair(swap.SwapUniqueData())
	if err != nil {
		return failEvent(Event_StartFailed, swap, "derive %s htlc key: %v", makerCoin.Ticker(), err)
	}
	takerKey, err := takerCoin.DeriveHTLCKeyPair(swap.SwapUniqueData())
	if err != nil {
		return failEvent(Event_StartFailed, swap, "derive %s htlc key: %v", takerCoin.Ticker(), err)
	}

	negotiationDeadline := swap.negotiationDeadline(services.cfg.NegotiationTimeout)
	err = services.send(ctx, swap, messages.SwapNegotiation{
		Uuid:             uuidOf(swap),
		StartedAt:        swap.StartedAt,
		PaymentLocktime:  swap.MakerPaymentLock,
		SecretHash:       swap.SecretHash,
		PersistentPub:    services.persistentPub(),
		MakerCoinHtlcPub: makerKey.Public,
		TakerCoinHtlcPub: takerKey.Public,
	}, negotiationDeadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "send negotiation: %v", err)
	}

	var reply messages.SwapNegotiationReply
	err = services.receive(ctx, swap, &reply, negotiationDeadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "taker did not answer the negotiation: %v", err)
	}

	if err := checkNegotiationReply(services, makerCoin, takerCoin, swap, &reply); err != nil {
		// The taker only learns why it was turned down, it does not wait for it.
		_ = services.send(ctx, swap, messages.SwapNegotiated{Uuid: uuidOf(swap), Ok: false, Reason: err.Error()}, negotiationDeadline)
		return failEvent(Event_StartFailed, swap, "negotiation rejected: %v", err)
	}

	return &SwapEvent{
		Type: Event_Negotiated,
		Data: &EventData{
			TakerPaymentLock:      reply.PaymentLocktime,
			OtherMakerCoinHtlcPub: reply.MakerCoinHtlcPub,
			OtherTakerCoinHtlcPub: reply.TakerCoinHtlcPub,
		},
	}
}

func checkNegotiationReply(services *SwapServices, makerCoin, takerCoin coins.Coin, swap *SwapData, reply *messages.SwapNegotiationReply) error {
	if err := checkStartedAt(services, swap, reply.StartedAt); err != nil {
		return err
	}
	if err := checkPersistentPub(swap, reply.PersistentPub); err != nil {
		return err
	}
	if err := checkHtlcPubs(reply.MakerCoinHtlcPub, reply.TakerCoinHtlcPub); err != nil {
		return err
	}
	if now := uint64(services.now().Unix()); reply.PaymentLocktime <= now {
		return fmt.Errorf("taker payment lock %d already passed", reply.PaymentLocktime)
	}
	return checkLockSkew(reply.PaymentLocktime, swap.MakerPaymentLock, lockSkew(makerCoin, takerCoin, swap))
}

// ValidateTakerFeeAction confirms the negotiation and waits for a valid and
// confirmed taker fee.
type ValidateTakerFeeAction struct{}

func (a *ValidateTakerFeeAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	deadline := swap.takerFeeDeadline()
	err = services.send(ctx, swap, messages.SwapNegotiated{Uuid: uuidOf(swap), Ok: true}, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "send negotiated: %v", err)
	}

	var msg messages.SwapTakerFee
	err = services.receive(ctx, swap, &msg, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "taker fee not received: %v", err)
	}
	feeTx, err := takerCoin.TxFromRaw(msg.Tx, nil)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "decode taker fee: %v", err)
	}

	err = services.retry(ctx, deadline, "validate taker fee", func() error {
		return takerCoin.ValidateFee(ctx, coins.ValidateFeeArgs{
			FeeTx:          feeTx,
			ExpectedSender: counterpartyPub(swap),
			FeeAddr:        services.cfg.FeePub,
			Amount:         DexFeeAmount(swap.TakerAmount(), takerCoin.MinTxAmount()),
			MinBlock:       swap.TakerCoinStartBlock,
			Uuid:           swap.SwapUniqueData(),
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "invalid taker fee %s: %v", feeTx.Hash, err)
	}

	err = takerCoin.WaitForConfirmations(ctx, feeTx, 1, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "taker fee %s not confirmed: %v", feeTx.Hash, err)
	}
	log.Infof("[Swap] %s: taker fee %s validated", swap.Uuid, feeTx.Hash)
	return txEvent(Event_TakerFeeValidated, feeTx)
}

// SendMakerPaymentAction builds the maker payment. It is journaled before it
// is broadcast.
type SendMakerPaymentAction struct{}

func (a *SendMakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	makerCoin, _, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	deadline := swap.makerPaymentDeadline()
	if !services.now().Before(deadline) {
		return failEvent(Event_StartFailed, swap, "too late to send the maker payment")
	}

	var payment *coins.Transaction
	err = services.retry(ctx, deadline, "create maker payment", func() error {
		var err error
		payment, err = makerCoin.SendMakerPayment(ctx, coins.PaymentArgs{
			TimeLock:       swap.MakerPaymentLock,
			OtherPub:       swap.OtherMakerCoinHtlcPub,
			SecretHash:     swap.SecretHash,
			Amount:         swap.MakerAmount(),
			SwapUniqueData: swap.SwapUniqueData(),
		})
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "create maker payment: %v", err)
	}
	return txEvent(Event_MakerPaymentSent, payment)
}

// WaitForTakerPaymentAction broadcasts the maker payment, announces it and
// waits for a valid taker payment.
type WaitForTakerPaymentAction struct{}

func (a *WaitForTakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	makerCoin, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "%v", err)
	}

	err = ensureBroadcast(ctx, services, makerCoin, swap.MakerPayment, time.Time{})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "maker payment %s rejected: %v", swap.MakerPayment.Hash, err)
	}
	log.Infof("[Swap] %s: maker payment %s broadcast", swap.Uuid, swap.MakerPayment.Hash)

	deadline := swap.takerPaymentSpendDeadline()
	err = services.send(ctx, swap, messages.SwapMakerPayment{
		Uuid:     uuidOf(swap),
		Tx:       swap.MakerPayment.Raw,
		Contract: swap.MakerPayment.Contract,
	}, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "send maker payment: %v", err)
	}

	var msg messages.SwapTakerPayment
	err = services.receive(ctx, swap, &msg, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "taker payment not received: %v", err)
	}
	payment, err := takerCoin.TxFromRaw(msg.Tx, msg.Contract)
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "decode taker payment: %v", err)
	}

	err = services.retry(ctx, deadline, "validate taker payment", func() error {
		return takerCoin.ValidateTakerPayment(ctx, coins.ValidatePaymentInput{
			PaymentTx:      payment,
			TimeLock:       swap.TakerPaymentLock,
			OtherPub:       swap.OtherTakerCoinHtlcPub,
			SecretHash:     swap.SecretHash,
			Amount:         swap.TakerAmount(),
			SwapUniqueData: swap.SwapUniqueData(),
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "invalid taker payment %s: %v", payment.Hash, err)
	}
	return txEvent(Event_TakerPaymentReceived, payment)
}

type WaitForTakerPaymentConfirmationsAction struct{}

func (a *WaitForTakerPaymentConfirmationsAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "%v", err)
	}
	err = takerCoin.WaitForConfirmations(ctx, swap.TakerPayment, swap.TakerCoinConfs(), swap.takerPaymentSpendDeadline())
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "taker payment %s not confirmed: %v", swap.TakerPayment.Hash, err)
	}
	return &SwapEvent{Type: Event_TakerPaymentConfirmed}
}

// SpendTakerPaymentAction claims the taker payment with the secret. The
// payment is checked to still be buried deep enough right before the claim
// is broadcast.
type SpendTakerPaymentAction struct{}

func (a *SpendTakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_MakerPaymentRefundRequired, swap, "%v", err)
	}
	deadline := swap.takerPaymentSpendDeadline()
	required := swap.TakerCoinConfs()

	for {
		var spender *coins.Transaction
		err := services.retry(ctx, deadline, "find taker payment spend", func() error {
			var err error
			spender, err = takerCoin.FindSpend(ctx, swap.TakerPayment)
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return failEvent(Event_MakerPaymentRefundRequired, swap, "look for taker payment spend: %v", err)
		}
		if spender != nil {
			if _, err := takerCoin.ExtractSecret(swap.SecretHash, spender); err == nil {
				return txEvent(Event_TakerPaymentSpent, spender)
			}
			return failEvent(Event_MakerPaymentRefundRequired, swap, "taker payment was refunded in %s", spender.Hash)
		}
		if !services.now().Before(deadline) {
			return failEvent(Event_MakerPaymentRefundRequired, swap, "taker payment spend deadline passed")
		}

		var confs uint64
		var found bool
		err = services.retry(ctx, deadline, "taker payment confirmations", func() error {
			var err error
			confs, found, err = takerCoin.TxConfirmations(ctx, swap.TakerPayment)
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return failEvent(Event_MakerPaymentRefundRequired, swap, "taker payment confirmations: %v", err)
		}
		if !found || confs < required {
			log.Infof("[Swap] %s: taker payment %s has %d of %d confirmations, waiting",
				swap.Uuid, swap.TakerPayment.Hash, confs, required)
			err = takerCoin.WaitForConfirmations(ctx, swap.TakerPayment, required, deadline)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return failEvent(Event_MakerPaymentRefundRequired, swap, "taker payment %s not confirmed: %v", swap.TakerPayment.Hash, err)
			}
			continue
		}

		var spend *coins.Transaction
		err = services.retry(ctx, deadline, "create taker payment spend", func() error {
			var err error
			spend, err = takerCoin.SpendTakerPayment(ctx, coins.SpendPaymentArgs{
				PaymentTx:      swap.TakerPayment,
				TimeLock:       swap.TakerPaymentLock,
				OtherPub:       swap.OtherTakerCoinHtlcPub,
				Secret:         swap.Secret,
				SecretHash:     swap.SecretHash,
				SwapUniqueData: swap.SwapUniqueData(),
			})
			return err
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return failEvent(Event_MakerPaymentRefundRequired, swap, "create taker payment spend: %v", err)
		}

		err = ensureBroadcast(ctx, services, takerCoin, spend, deadline)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			log.Infof("[Swap] %s: taker payment spent in %s", swap.Uuid, spend.Hash)
			return txEvent(Event_TakerPaymentSpent, spend)
		}
		if !isRejected(err) {
			return failEvent(Event_MakerPaymentRefundRequired, swap, "broadcast taker payment spend: %v", err)
		}
		log.Warnf("[Swap] %s: taker payment spend %s rejected: %v", swap.Uuid, spend.Hash, err)
		if !services.sleep(ctx, services.cfg.PollInterval) {
			return nil
		}
	}
}

// RefundMakerPaymentAction reclaims the maker payment once its lock expired.
// It keeps trying until the refund is on chain or the secret shows up on
// the taker chain.
type RefundMakerPaymentAction struct{}

func (a *RefundMakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	for {
		event, err := a.step(ctx, services, swap)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case event != nil:
			return event
		case coins.IsTransport(err):
			log.Debugf("[Swap] %s: refund maker payment: %v", swap.Uuid, err)
		case err != nil:
			log.Warnf("[Swap] %s: refund maker payment: %v", swap.Uuid, err)
		}
		if !services.sleep(ctx, services.cfg.PollInterval) {
			return nil
		}
	}
}

func (a *RefundMakerPaymentAction) step(ctx context.Context, services *SwapServices, swap *SwapData) (*SwapEvent, error) {
	makerCoin, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return nil, err
	}

	if swap.TakerPayment != nil {
		spender, err := takerCoin.FindSpend(ctx, swap.TakerPayment)
		if err != nil {
			return nil, err
		}
		if spender != nil {
			if _, err := takerCoin.ExtractSecret(swap.SecretHash, spender); err == nil {
				return txEvent(Event_TakerPaymentSpent, spender), nil
			}
		}
	}

	spender, err := makerCoin.FindSpend(ctx, swap.MakerPayment)
	if err != nil {
		return nil, err
	}
	if spender != nil {
		if _, err := makerCoin.ExtractSecret(swap.SecretHash, spender); errors.Is(err, coins.ErrSecretNotFound) {
			return txEvent(Event_MakerPaymentRefunded, spender), nil
		}
		return nil, fmt.Errorf("maker payment spent by the taker in %s", spender.Hash)
	}

	ok, err := makerCoin.CanRefundHTLC(ctx, swap.MakerPaymentLock)
	if err != nil || !ok {
		return nil, err
	}
	refund, err := makerCoin.RefundMakerPayment(ctx, coins.RefundPaymentArgs{
		PaymentTx:      swap.MakerPayment,
		TimeLock:       swap.MakerPaymentLock,
		OtherPub:       swap.OtherMakerCoinHtlcPub,
		SecretHash:     swap.SecretHash,
		SwapUniqueData: swap.SwapUniqueData(),
	})
	if err != nil {
		return nil, err
	}
	if err := makerCoin.BroadcastTx(ctx, refund); err != nil {
		return nil, err
	}
	log.Infof("[Swap] %s: maker payment refunded in %s", swap.Uuid, refund.Hash)
	return txEvent(Event_MakerPaymentRefunded, refund), nil
}
