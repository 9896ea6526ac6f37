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

func getTakerStates() States {
	return States{
		Default: State{
			Events: Events{
				Event_Started:  State_Taker_Started,
				Event_Finished: State_Finished,
			},
		},
		State_Taker_Started: State{
			Action: &NegotiateWithMakerAction{},
			Events: Events{
				Event_Negotiated:  State_Taker_Negotiated,
				Event_StartFailed: State_Taker_StartFailed,
			},
		},
		State_Taker_Negotiated: State{
			Action: &SendTakerFeeAction{},
			Events: Events{
				Event_TakerFeeSent: State_Taker_TakerFeeSent,
				Event_StartFailed:  State_Taker_StartFailed,
			},
		},
		State_Taker_TakerFeeSent: State{
			Action: &WaitForMakerPaymentAction{},
			Events: Events{
				Event_MakerPaymentReceived: State_Taker_MakerPaymentReceived,
				Event_StartFailed:          State_Taker_StartFailed,
			},
		},
		State_Taker_MakerPaymentReceived: State{
			Action: &ValidateMakerPaymentAction{},
			Events: Events{
				Event_MakerPaymentValidatedAndConfirmed: State_Taker_MakerPaymentValidatedAndConfirmed,
				Event_StartFailed:                       State_Taker_StartFailed,
			},
		},
		State_Taker_MakerPaymentValidatedAndConfirmed: State{
			Action: &SendTakerPaymentAction{},
			Events: Events{
				Event_TakerPaymentSent: State_Taker_TakerPaymentSent,
				Event_StartFailed:      State_Taker_StartFailed,
			},
		},
		State_Taker_TakerPaymentSent: State{
			Action: &WaitForTakerPaymentSpendAction{},
			Events: Events{
				Event_TakerPaymentSpent:          State_Taker_TakerPaymentSpentByMaker,
				Event_TakerPaymentRefundRequired: State_Taker_TakerPaymentRefundRequired,
				Event_StartFailed:                State_Taker_StartFailed,
			},
		},
		State_Taker_TakerPaymentSpentByMaker: State{
			Action: &SpendMakerPaymentAction{},
			Events: Events{
				Event_MakerPaymentSpent:       State_Taker_MakerPaymentSpent,
				Event_MakerPaymentSpendFailed: State_Taker_MakerPaymentSpendFailed,
			},
		},
		State_Taker_MakerPaymentSpent: State{
			Action: &WaitForMakerPaymentSpendConfirmedAction{},
			Events: Events{
				Event_Finished:                State_Finished,
				Event_MakerPaymentSpendFailed: State_Taker_MakerPaymentSpendFailed,
			},
		},
		State_Taker_TakerPaymentRefundRequired: State{
			Action: &RefundTakerPaymentAction{},
			Events: Events{
				Event_TakerPaymentRefunded: State_Taker_TakerPaymentRefunded,
				Event_TakerPaymentSpent:    State_Taker_TakerPaymentSpentByMaker,
			},
		},
		State_Taker_TakerPaymentRefunded: State{
			Action: &FinishAction{},
			Events: Events{
				Event_Finished: State_Finished,
			},
		},
		State_Taker_StartFailed: State{
			Action: &FinishAction{},
			Events: Events{
				Event_Finished: State_Finished,
			},
		},
		State_Taker_MakerPaymentSpendFailed: State{
			Action: &FinishAction{},
			Events: Events{
				Event_Finished: State_Finished,
			},
		},
		State_Finished: State{},
	}
}

// NegotiateWithMakerAction checks the maker's proposal and answers it.
type NegotiateWithMakerAction struct{}

func (a *NegotiateWithMakerAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	makerCoin, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}

	var negotiation messages.SwapNegotiation
	err = services.receive(ctx, swap, &negotiation, swap.negotiationDeadline(services.cfg.NegotiationTimeout))
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "maker did not start the negotiation: %v", err)
	}
	if err := checkNegotiation(services, makerCoin, takerCoin, swap, &negotiation); err != nil {
		return failEvent(Event_StartFailed, swap, "negotiation rejected: %v", err)
	}

	makerKey, err := makerCoin.DeriveHTLCKeyPair(swap.SwapUniqueData())
	if err != nil {
		return failEvent(Event_StartFailed, swap, "derive %s htlc key: %v", makerCoin.Ticker(), err)
	}
	takerKey, err := takerCoin.DeriveHTLCKeyPair(swap.SwapUniqueData())
	if err != nil {
		return failEvent(Event_StartFailed, swap, "derive %s htlc key: %v", takerCoin.Ticker(), err)
	}
	negotiatedDeadline := swap.negotiationDeadline(2 * services.cfg.NegotiationTimeout)
	err = services.send(ctx, swap, messages.SwapNegotiationReply{
		Uuid:             uuidOf(swap),
		StartedAt:        swap.StartedAt,
		PaymentLocktime:  swap.TakerPaymentLock,
		PersistentPub:    services.persistentPub(),
		MakerCoinHtlcPub: makerKey.Public,
		TakerCoinHtlcPub: takerKey.Public,
	}, negotiatedDeadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "send negotiation reply: %v", err)
	}

	var negotiated messages.SwapNegotiated
	err = services.receive(ctx, swap, &negotiated, negotiatedDeadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "maker did not confirm the negotiation: %v", err)
	}
	if !negotiated.Ok {
		return failEvent(Event_StartFailed, swap, "maker rejected the negotiation: %s", negotiated.Reason)
	}

	return &SwapEvent{
		Type: Event_Negotiated,
		Data: &EventData{
			MakerPaymentLock:      negotiation.PaymentLocktime,
			SecretHash:            negotiation.SecretHash,
			OtherMakerCoinHtlcPub: negotiation.MakerCoinHtlcPub,
			OtherTakerCoinHtlcPub: negotiation.TakerCoinHtlcPub,
		},
	}
}

func checkNegotiation(services *SwapServices, makerCoin, takerCoin coins.Coin, swap *SwapData, negotiation *messages.SwapNegotiation) error {
	if err := checkStartedAt(services, swap, negotiation.StartedAt); err != nil {
		return err
	}
	if err := checkPersistentPub(swap, negotiation.PersistentPub); err != nil {
		return err
	}
	if len(negotiation.SecretHash) != 20 {
		return fmt.Errorf("secret hash has %d bytes", len(negotiation.SecretHash))
	}
	if err := checkHtlcPubs(negotiation.MakerCoinHtlcPub, negotiation.TakerCoinHtlcPub); err != nil {
		return err
	}
	if err := checkLockSkew(swap.TakerPaymentLock, negotiation.PaymentLocktime, lockSkew(makerCoin, takerCoin, swap)); err != nil {
		return err
	}
	if limit := swap.TakerPaymentLock + 2*swap.LockDuration; negotiation.PaymentLocktime > limit {
		return fmt.Errorf("maker payment lock %d is past %d", negotiation.PaymentLocktime, limit)
	}
	return nil
}

// SendTakerFeeAction builds the dex fee payment.
type SendTakerFeeAction struct{}

func (a *SendTakerFeeAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	deadline := swap.makerPaymentDeadline()
	if !services.now().Before(deadline) {
		return failEvent(Event_StartFailed, swap, "too late to pay the taker fee")
	}

	fee := DexFeeAmount(swap.TakerAmount(), takerCoin.MinTxAmount())
	var feeTx *coins.Transaction
	err = services.retry(ctx, deadline, "create taker fee", func() error {
		var err error
		feeTx, err = takerCoin.SendTakerFee(ctx, services.cfg.FeePub, fee, swap.SwapUniqueData())
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "create taker fee: %v", err)
	}
	return txEvent(Event_TakerFeeSent, feeTx)
}

// WaitForMakerPaymentAction broadcasts and announces the taker fee, then
// waits for the maker payment.
type WaitForMakerPaymentAction struct{}

func (a *WaitForMakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	makerCoin, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	deadline := swap.makerPaymentDeadline()

	err = ensureBroadcast(ctx, services, takerCoin, swap.TakerFee, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "broadcast taker fee %s: %v", swap.TakerFee.Hash, err)
	}
	log.Infof("[Swap] %s: taker fee %s broadcast", swap.Uuid, swap.TakerFee.Hash)

	err = services.send(ctx, swap, messages.SwapTakerFee{Uuid: uuidOf(swap), Tx: swap.TakerFee.Raw}, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "send taker fee: %v", err)
	}

	var msg messages.SwapMakerPayment
	err = services.receive(ctx, swap, &msg, deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "maker payment not received: %v", err)
	}
	payment, err := makerCoin.TxFromRaw(msg.Tx, msg.Contract)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "decode maker payment: %v", err)
	}
	return txEvent(Event_MakerPaymentReceived, payment)
}

// ValidateMakerPaymentAction checks the maker payment and waits until it is
// buried deep enough.
type ValidateMakerPaymentAction struct{}

func (a *ValidateMakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	makerCoin, _, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	deadline := swap.takerPaymentDeadline()

	err = services.retry(ctx, deadline, "validate maker payment", func() error {
		return makerCoin.ValidateMakerPayment(ctx, coins.ValidatePaymentInput{
			PaymentTx:      swap.MakerPayment,
			TimeLock:       swap.MakerPaymentLock,
			OtherPub:       swap.OtherMakerCoinHtlcPub,
			SecretHash:     swap.SecretHash,
			Amount:         swap.MakerAmount(),
			SwapUniqueData: swap.SwapUniqueData(),
		})
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		if kind, ok := coins.ValidationKindOf(err); ok && kind == coins.UnexpectedPaymentState {
			log.Errorf("[Swap] %s: protocol violation by %s: maker payment %s is already spent",
				swap.Uuid, swap.Counterparty, swap.MakerPayment.Hash)
		}
		return failEvent(Event_StartFailed, swap, "invalid maker payment %s: %v", swap.MakerPayment.Hash, err)
	}

	err = makerCoin.WaitForConfirmations(ctx, swap.MakerPayment, swap.MakerCoinConfs(), deadline)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "maker payment %s not confirmed: %v", swap.MakerPayment.Hash, err)
	}
	log.Infof("[Swap] %s: maker payment %s validated", swap.Uuid, swap.MakerPayment.Hash)
	return &SwapEvent{Type: Event_MakerPaymentValidatedAndConfirmed}
}

// SendTakerPaymentAction builds the taker payment. Past the taker payment
// deadline it gives up instead, the maker may already be refunding.
type SendTakerPaymentAction struct{}

func (a *SendTakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_StartFailed, swap, "%v", err)
	}
	deadline := swap.takerPaymentDeadline()
	if !services.now().Before(deadline) {
		return failEvent(Event_StartFailed, swap, "too late to send the taker payment")
	}

	var payment *coins.Transaction
	err = services.retry(ctx, deadline, "create taker payment", func() error {
		var err error
		payment, err = takerCoin.SendTakerPayment(ctx, coins.PaymentArgs{
			TimeLock:       swap.TakerPaymentLock,
			OtherPub:       swap.OtherTakerCoinHtlcPub,
			SecretHash:     swap.SecretHash,
			Amount:         swap.TakerAmount(),
			SwapUniqueData: swap.SwapUniqueData(),
		})
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "create taker payment: %v", err)
	}
	return txEvent(Event_TakerPaymentSent, payment)
}

// WaitForTakerPaymentSpendAction broadcasts and announces the taker payment,
// then waits for the maker to claim it and reveal the secret.
type WaitForTakerPaymentSpendAction struct{}

func (a *WaitForTakerPaymentSpendAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return failEvent(Event_TakerPaymentRefundRequired, swap, "%v", err)
	}

	err = ensureBroadcast(ctx, services, takerCoin, swap.TakerPayment, time.Time{})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_StartFailed, swap, "taker payment %s rejected: %v", swap.TakerPayment.Hash, err)
	}
	log.Infof("[Swap] %s: taker payment %s broadcast", swap.Uuid, swap.TakerPayment.Hash)

	err = services.send(ctx, swap, messages.SwapTakerPayment{
		Uuid:     uuidOf(swap),
		Tx:       swap.TakerPayment.Raw,
		Contract: swap.TakerPayment.Contract,
	}, swap.takerPaymentDeadline())
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		log.Warnf("[Swap] %s: send taker payment: %v", swap.Uuid, err)
	}

	spend, err := takerCoin.WaitForSpend(ctx, swap.TakerPayment, unixTime(swap.TakerPaymentLock), swap.TakerCoinStartBlock)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return failEvent(Event_TakerPaymentRefundRequired, swap, "taker payment %s not spent: %v", swap.TakerPayment.Hash, err)
	}
	secret, err := takerCoin.ExtractSecret(swap.SecretHash, spend)
	if err != nil {
		return failEvent(Event_TakerPaymentRefundRequired, swap, "taker payment spend %s has no secret: %v", spend.Hash, err)
	}
	log.Infof("[Swap] %s: taker payment spent by the maker in %s", swap.Uuid, spend.Hash)
	return &SwapEvent{Type: Event_TakerPaymentSpent, Data: &EventData{Tx: spend, Secret: secret}}
}

// SpendMakerPaymentAction claims the maker payment with the learned secret.
type SpendMakerPaymentAction struct{}

func (a *SpendMakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	for {
		event, err := a.step(ctx, services, swap)
		if ctx.Err() != nil {
			return nil
		}
		if event != nil {
			return event
		}
		if kind, ok := coins.ValidationKindOf(err); ok && kind != coins.TxRejected {
			return failEvent(Event_MakerPaymentSpendFailed, swap, "spend maker payment: %v", err)
		}
		log.Warnf("[Swap] %s: spend maker payment: %v", swap.Uuid, err)
		alertMakerRefund(services, swap)
		if !services.sleep(ctx, services.cfg.PollInterval) {
			return nil
		}
	}
}

func (a *SpendMakerPaymentAction) step(ctx context.Context, services *SwapServices, swap *SwapData) (*SwapEvent, error) {
	makerCoin, _, err := services.swapCoins(swap)
	if err != nil {
		return nil, err
	}
	spender, err := makerCoin.FindSpend(ctx, swap.MakerPayment)
	if err != nil {
		return nil, err
	}
	if spender != nil {
		if _, err := makerCoin.ExtractSecret(swap.SecretHash, spender); err == nil {
			return txEvent(Event_MakerPaymentSpent, spender), nil
		}
		return failEvent(Event_MakerPaymentSpendFailed, swap, "maker refunded its payment in %s", spender.Hash), nil
	}

	spend, err := makerCoin.SpendMakerPayment(ctx, coins.SpendPaymentArgs{
		PaymentTx:      swap.MakerPayment,
		TimeLock:       swap.MakerPaymentLock,
		OtherPub:       swap.OtherMakerCoinHtlcPub,
		Secret:         swap.Secret,
		SecretHash:     swap.SecretHash,
		SwapUniqueData: swap.SwapUniqueData(),
	})
	if err != nil {
		return nil, err
	}
	if err := makerCoin.BroadcastTx(ctx, spend); err != nil {
		return nil, err
	}
	log.Infof("[Swap] %s: maker payment spent in %s", swap.Uuid, spend.Hash)
	return txEvent(Event_MakerPaymentSpent, spend), nil
}

// WaitForMakerPaymentSpendConfirmedAction waits for the claim of the maker
// payment to confirm and rebroadcasts it meanwhile.
type WaitForMakerPaymentSpendConfirmedAction struct{}

func (a *WaitForMakerPaymentSpendConfirmedAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	for {
		makerCoin, _, err := services.swapCoins(swap)
		if err != nil {
			log.Errorf("[Swap] %s: %v", swap.Uuid, err)
			if !services.sleep(ctx, services.cfg.PollInterval) {
				return nil
			}
			continue
		}

		window := confirmationWindow(makerCoin, 1)
		err = makerCoin.WaitForConfirmations(ctx, swap.MakerPaymentSpend, 1, services.now().Add(2*window))
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			log.Infof("[Swap] %s: maker payment spend %s confirmed", swap.Uuid, swap.MakerPaymentSpend.Hash)
			return &SwapEvent{Type: Event_Finished}
		}
		log.Debugf("[Swap] %s: maker payment spend %s: %v", swap.Uuid, swap.MakerPaymentSpend.Hash, err)
		alertMakerRefund(services, swap)

		spender, err := makerCoin.FindSpend(ctx, swap.MakerPayment)
		if err == nil && spender != nil && spender.Hash != swap.MakerPaymentSpend.Hash {
			if _, err := makerCoin.ExtractSecret(swap.SecretHash, spender); errors.Is(err, coins.ErrSecretNotFound) {
				return failEvent(Event_MakerPaymentSpendFailed, swap, "maker refunded its payment in %s", spender.Hash)
			}
		}
		if err := makerCoin.BroadcastTx(ctx, swap.MakerPaymentSpend); err != nil {
			log.Debugf("[Swap] %s: rebroadcast maker payment spend: %v", swap.Uuid, err)
		}
	}
}

// alertMakerRefund logs loudly once the maker could refund before our claim
// of its payment confirms.
func alertMakerRefund(services *SwapServices, swap *SwapData) {
	coin, err := services.coins.Get(swap.MakerCoin())
	if err != nil {
		return
	}
	window := confirmationWindow(coin, 1)
	if services.now().Add(2 * window).After(unixTime(swap.MakerPaymentLock)) {
		log.Errorf("[Swap] %s: maker payment is not claimed yet and the maker can refund it at %d",
			swap.Uuid, swap.MakerPaymentLock)
	}
}

// RefundTakerPaymentAction reclaims the taker payment once its lock expired.
// A claim by the maker seen meanwhile moves the swap on to claiming the
// maker payment.
type RefundTakerPaymentAction struct{}

func (a *RefundTakerPaymentAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	for {
		event, err := a.step(ctx, services, swap)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case event != nil:
			return event
		case coins.IsTransport(err):
			log.Debugf("[Swap] %s: refund taker payment: %v", swap.Uuid, err)
		case err != nil:
			log.Warnf("[Swap] %s: refund taker payment: %v", swap.Uuid, err)
		}
		if !services.sleep(ctx, services.cfg.PollInterval) {
			return nil
		}
	}
}

func (a *RefundTakerPaymentAction) step(ctx context.Context, services *SwapServices, swap *SwapData) (*SwapEvent, error) {
	_, takerCoin, err := services.swapCoins(swap)
	if err != nil {
		return nil, err
	}
	spender, err := takerCoin.FindSpend(ctx, swap.TakerPayment)
	if err != nil {
		return nil, err
	}
	if spender != nil {
		secret, err := takerCoin.ExtractSecret(swap.SecretHash, spender)
		if err == nil {
			log.Infof("[Swap] %s: taker payment spent by the maker in %s", swap.Uuid, spender.Hash)
			return &SwapEvent{Type: Event_TakerPaymentSpent, Data: &EventData{Tx: spender, Secret: secret}}, nil
		}
		return txEvent(Event_TakerPaymentRefunded, spender), nil
	}

	ok, err := takerCoin.CanRefundHTLC(ctx, swap.TakerPaymentLock)
	if err != nil || !ok {
		return nil, err
	}
	refund, err := takerCoin.RefundTakerPayment(ctx, coins.RefundPaymentArgs{
		PaymentTx:      swap.TakerPayment,
		TimeLock:       swap.TakerPaymentLock,
		OtherPub:       swap.OtherTakerCoinHtlcPub,
		SecretHash:     swap.SecretHash,
		SwapUniqueData: swap.SwapUniqueData(),
	})
	if err != nil {
		return nil, err
	}
	if err := takerCoin.BroadcastTx(ctx, refund); err != nil {
		return nil, err
	}
	log.Infof("[Swap] %s: taker payment refunded in %s", swap.Uuid, refund.Hash)
	return txEvent(Event_TakerPaymentRefunded, refund), nil
}
