package swap

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/log"
)

// FinishAction ends the swap.
type FinishAction struct{}

func (a *FinishAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	return &SwapEvent{Type: Event_Finished}
}

// failEvent logs reason and returns an event of type t carrying it.
func failEvent(t EventType, swap *SwapData, format string, args ...interface{}) *SwapEvent {
	reason := fmt.Sprintf(format, args...)
	log.Warnf("[Swap] %s: %s: %s", swap.Uuid, t, reason)
	return &SwapEvent{Type: t, Data: &EventData{Reason: reason}}
}

func txEvent(t EventType, tx *coins.Transaction) *SwapEvent {
	return &SwapEvent{Type: t, Data: &EventData{Tx: tx}}
}

func isRejected(err error) bool {
	kind, ok := coins.ValidationKindOf(err)
	return ok && kind == coins.TxRejected
}

// ensureBroadcast makes sure tx reached the chain. A transaction the chain
// rejects but already knows counts as broadcast. Transport errors are
// retried until deadline, a zero deadline retries forever.
func ensureBroadcast(ctx context.Context, services *SwapServices, coin coins.Coin, tx *coins.Transaction, deadline time.Time) error {
	return services.retry(ctx, deadline, "broadcast "+tx.Hash, func() error {
		err := coin.BroadcastTx(ctx, tx)
		if err == nil || !isRejected(err) {
			return err
		}
		_, found, cerr := coin.TxConfirmations(ctx, tx)
		if cerr != nil {
			return cerr
		}
		if found {
			log.Debugf("[Swap] %s already known to %s", tx.Hash, coin.Ticker())
			return nil
		}
		return err
	})
}

func uuidOf(swap *SwapData) uuid.UUID {
	id, _ := uuid.Parse(swap.Uuid)
	return id
}

func counterpartyPub(swap *SwapData) []byte {
	pub, _ := hex.DecodeString(swap.Counterparty)
	return pub
}

// checkStartedAt bounds the clock skew between both parties.
func checkStartedAt(services *SwapServices, swap *SwapData, otherStartedAt uint64) error {
	diff := int64(otherStartedAt) - int64(swap.StartedAt)
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > services.cfg.MaxStartedAtDiff {
		return fmt.Errorf("started_at %d is %d s away from ours", otherStartedAt, diff)
	}
	return nil
}

func checkPersistentPub(swap *SwapData, pub []byte) error {
	if hex.EncodeToString(pub) != swap.Counterparty {
		return fmt.Errorf("persistent pub %x is not the one of %s", pub, swap.Counterparty)
	}
	return nil
}

func checkHtlcPubs(pubs ...[]byte) error {
	for _, pub := range pubs {
		if _, err := btcec.ParsePubKey(pub); err != nil {
			return fmt.Errorf("invalid htlc pub %x: %w", pub, err)
		}
	}
	return nil
}
