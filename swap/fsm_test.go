package swap

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/peerdex/peerdex/coins"
	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	return clk
}

func startedEvent(role SwapRole) *SwapEvent {
	data := &EventData{
		MyCoin:       "COIN-A",
		OtherCoin:    "COIN-B",
		MyAmount:     big.NewRat(1, 1),
		OtherAmount:  big.NewRat(2, 1),
		Counterparty: "02aa",
		ConfSettings: &messages.ConfSettings{BaseConfs: 1, RelConfs: 2},
		StartedAt:    1_700_000_000,
		LockDuration: 7800,
	}
	if role == SWAPROLE_MAKER {
		data.Secret = []byte("secret")
		data.SecretHash = []byte("secret-hash")
		data.MakerPaymentLock = 1_700_015_600
	} else {
		data.MyCoin, data.OtherCoin = data.OtherCoin, data.MyCoin
		data.MyAmount, data.OtherAmount = data.OtherAmount, data.MyAmount
		data.TakerPaymentLock = 1_700_007_800
	}
	return &SwapEvent{Type: Event_Started, Data: data}
}

func newTestMachine(t *testing.T, services *SwapServices, role SwapRole) *SwapStateMachine {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, services.journal.Create(context.Background(), journal.Header{Uuid: id, Role: string(role)}))
	return newSwapStateMachine(id, role, services)
}

func Test_TransitionJournalsEvents(t *testing.T) {
	ctx := context.Background()
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_MAKER)

	require.NoError(t, sm.transition(ctx, startedEvent(SWAPROLE_MAKER)))
	assert.Equal(t, State_Maker_Started, sm.Current)
	assert.Equal(t, Default, sm.Previous)
	assert.Equal(t, "COIN-A", sm.Data.MakerCoin())
	assert.Equal(t, "COIN-B", sm.Data.TakerCoin())
	assert.Equal(t, uint64(2), sm.Data.TakerCoinConfs())

	events, err := services.journal.Events(sm.Id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(Event_Started), events[0].Type)
}

func Test_TransitionRejectsUnknownEvent(t *testing.T) {
	ctx := context.Background()
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_MAKER)
	require.NoError(t, sm.transition(ctx, startedEvent(SWAPROLE_MAKER)))

	err := sm.transition(ctx, &SwapEvent{Type: Event_TakerFeeSent})
	assert.ErrorIs(t, err, ErrEventRejected)
	assert.Equal(t, State_Maker_Started, sm.Current)

	events, err := services.journal.Events(sm.Id)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func Test_TransitionDoesNotApplyUnjournaledEvent(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	j := newTestJournal(t, clk)
	services := NewSwapServices(j, stubRegistry{}, newStubNetwork(t), Config{Clock: clk})
	sm := newTestMachine(t, services, SWAPROLE_TAKER)
	require.NoError(t, j.Close())

	err := sm.transition(ctx, startedEvent(SWAPROLE_TAKER))
	assert.ErrorIs(t, err, journal.ErrClosed)
	assert.Equal(t, Default, sm.Current)
	assert.Empty(t, sm.Data.MyCoin)
	assert.Empty(t, sm.Data.Events)
}

func Test_ReplayRebuildsSwap(t *testing.T) {
	ctx := context.Background()
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_TAKER)

	fee := &coins.Transaction{Hash: "fee", Raw: []byte{1}}
	for _, ev := range []*SwapEvent{
		startedEvent(SWAPROLE_TAKER),
		{Type: Event_Negotiated, Data: &EventData{
			MakerPaymentLock:      1_700_015_600,
			SecretHash:            []byte("secret-hash"),
			OtherMakerCoinHtlcPub: []byte{2},
			OtherTakerCoinHtlcPub: []byte{3},
		}},
		txEvent(Event_TakerFeeSent, fee),
		{Type: Event_StartFailed, Data: &EventData{Reason: "maker payment not received"}},
		{Type: Event_Finished},
	} {
		require.NoError(t, sm.transition(ctx, ev))
	}
	require.True(t, sm.IsFinished())

	events, err := services.journal.Events(sm.Id)
	require.NoError(t, err)
	replayed := newSwapStateMachine(sm.Id, SWAPROLE_TAKER, services)
	require.NoError(t, replayed.Replay(events))

	assert.Equal(t, State_Finished, replayed.Current)
	assert.Equal(t, State_Taker_StartFailed, replayed.Previous)
	assert.Equal(t, uint64(1_700_015_600), replayed.Data.MakerPaymentLock)
	assert.Equal(t, uint64(1_700_007_800), replayed.Data.TakerPaymentLock)
	assert.Equal(t, []byte("secret-hash"), replayed.Data.SecretHash)
	assert.Equal(t, fee, replayed.Data.TakerFee)
	assert.Equal(t, 0, big.NewRat(2, 1).Cmp(replayed.Data.MyAmount))
	assert.Equal(t, "maker payment not received", replayed.Data.LastErr)

	info := replayed.Info()
	assert.Equal(t, OutcomeAborted, info.Outcome)
	assert.Equal(t, "2.00000000", info.MyAmount)
	assert.Equal(t, []EventType{Event_Started, Event_Negotiated, Event_TakerFeeSent, Event_StartFailed, Event_Finished},
		info.EventTypes())
}

func Test_ReplayRejectsCorruptJournal(t *testing.T) {
	sm := newSwapStateMachine(uuid.NewString(), SWAPROLE_MAKER, nil)
	err := sm.Replay([]journal.Event{
		{Seq: 1, Type: string(Event_Started)},
		{Seq: 2, Type: string(Event_TakerPaymentSpent)},
	})
	assert.ErrorIs(t, err, ErrEventRejected)
}

func Test_AbandonFinishesInAnyState(t *testing.T) {
	ctx := context.Background()
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_MAKER)
	require.NoError(t, sm.transition(ctx, startedEvent(SWAPROLE_MAKER)))
	require.NoError(t, sm.transition(ctx, &SwapEvent{Type: Event_Negotiated}))

	require.NoError(t, sm.Abandon(ctx, "operator"))
	assert.True(t, sm.IsFinished())
	assert.ErrorIs(t, sm.Abandon(ctx, "again"), journal.ErrSwapFinished)

	events, err := services.journal.Events(sm.Id)
	require.NoError(t, err)
	replayed := newSwapStateMachine(sm.Id, SWAPROLE_MAKER, services)
	require.NoError(t, replayed.Replay(events))
	assert.True(t, replayed.IsFinished())
	assert.Equal(t, OutcomeAbandoned, replayed.Data.Outcome())
	assert.Equal(t, "operator", replayed.Data.LastErr)
}

func Test_RecoverFinishesSwapThatNeverStarted(t *testing.T) {
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_TAKER)

	require.NoError(t, sm.Recover(context.Background()))
	assert.True(t, sm.IsFinished())
	assert.Equal(t, OutcomeAborted, sm.Data.Outcome())
}

type eventAction struct {
	event *SwapEvent
	calls int
}

func (a *eventAction) Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent {
	a.calls++
	return a.event
}

func Test_SendEventRunsActionsUntilFinished(t *testing.T) {
	ctx := context.Background()
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_MAKER)

	negotiate := &eventAction{event: &SwapEvent{Type: Event_Negotiated}}
	fail := &eventAction{event: &SwapEvent{Type: Event_StartFailed, Data: &EventData{Reason: "no fee"}}}
	sm.States = States{
		Default:                 {Events: Events{Event_Started: State_Maker_Started}},
		State_Maker_Started:     {Action: negotiate, Events: Events{Event_Negotiated: State_Maker_Negotiated}},
		State_Maker_Negotiated:  {Action: fail, Events: Events{Event_StartFailed: State_Maker_StartFailed}},
		State_Maker_StartFailed: {Action: &FinishAction{}, Events: Events{Event_Finished: State_Finished}},
		State_Finished:          {},
	}

	require.NoError(t, sm.SendEvent(ctx, startedEvent(SWAPROLE_MAKER)))
	assert.True(t, sm.IsFinished())
	assert.Equal(t, 1, negotiate.calls)
	assert.Equal(t, 1, fail.calls)

	events, err := services.journal.Events(sm.Id)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"Started", "Negotiated", "StartFailed", "Finished"}, types)
}

func Test_SendEventStopsOnNilEvent(t *testing.T) {
	ctx := context.Background()
	services, _ := newStubServices(t, newTestClock())
	sm := newTestMachine(t, services, SWAPROLE_MAKER)

	stopped := &eventAction{}
	sm.States = States{
		Default:             {Events: Events{Event_Started: State_Maker_Started}},
		State_Maker_Started: {Action: stopped, Events: Events{Event_Negotiated: State_Maker_Negotiated}},
	}

	require.NoError(t, sm.SendEvent(ctx, startedEvent(SWAPROLE_MAKER)))
	assert.Equal(t, State_Maker_Started, sm.Current)
	assert.Equal(t, 1, stopped.calls)

	require.NoError(t, sm.Recover(ctx))
	assert.Equal(t, 2, stopped.calls)
}

func Test_StateTablesAreComplete(t *testing.T) {
	for role, states := range map[SwapRole]States{
		SWAPROLE_MAKER: getMakerStates(),
		SWAPROLE_TAKER: getTakerStates(),
	} {
		for name, state := range states {
			if name != Default && name != State_Finished {
				assert.NotNil(t, state.Action, "%s %s has no action", role, name)
			}
			for event, next := range state.Events {
				_, ok := states[next]
				assert.True(t, ok, "%s %s on %s leads to unknown %s", role, name, event, next)
			}
		}
	}
}

func Test_Outcome(t *testing.T) {
	tx := &coins.Transaction{Hash: "tx"}
	tests := map[string]struct {
		data *SwapData
		want Outcome
	}{
		"running": {
			data: &SwapData{Role: SWAPROLE_MAKER},
			want: OutcomeInProgress,
		},
		"maker spent taker payment": {
			data: &SwapData{Role: SWAPROLE_MAKER, Finished: true, TakerPaymentSpend: tx},
			want: OutcomeSuccess,
		},
		"maker refunded": {
			data: &SwapData{Role: SWAPROLE_MAKER, Finished: true, MakerPaymentRefund: tx},
			want: OutcomeRefunded,
		},
		"taker spent maker payment": {
			data: &SwapData{Role: SWAPROLE_TAKER, Finished: true, TakerPaymentSpend: tx, MakerPaymentSpend: tx},
			want: OutcomeSuccess,
		},
		"taker refunded": {
			data: &SwapData{Role: SWAPROLE_TAKER, Finished: true, TakerPaymentRefund: tx},
			want: OutcomeRefunded,
		},
		"taker lost the race": {
			data: &SwapData{Role: SWAPROLE_TAKER, Finished: true, TakerPaymentSpend: tx,
				Events: []EventRecord{{Type: Event_MakerPaymentSpendFailed}}},
			want: OutcomeFailed,
		},
		"aborted": {
			data: &SwapData{Role: SWAPROLE_TAKER, Finished: true, TakerFee: tx},
			want: OutcomeAborted,
		},
		"abandoned": {
			data: &SwapData{Role: SWAPROLE_TAKER, Finished: true, Abandoned: true, TakerPaymentRefund: tx},
			want: OutcomeAbandoned,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.data.Outcome())
		})
	}
}
