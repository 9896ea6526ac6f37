package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/peerdex/peerdex/journal"
	"github.com/peerdex/peerdex/log"
)

// ErrEventRejected is the error returned when the state machine cannot process
// an event in the state that it is in.
var ErrEventRejected = errors.New("event rejected")

// ErrFsmConfig is the error returned when the fsm configuration is invalid
// i.e. the fsm does not contain the next state
var ErrFsmConfig = errors.New("fsm config invalid")

const (
	// Default represents the state of a swap before its Started event.
	Default StateType = ""
)

// StateType represents an extensible state type in the state machine.
type StateType string

// EventType represents an extensible event type in the state machine. Event
// types are journaled as they are.
type EventType string

// Action represents the action to be executed in a given state. It returns
// the event that leaves the state, or nil when ctx was cancelled before the
// action could decide.
type Action interface {
	Execute(ctx context.Context, services *SwapServices, swap *SwapData) *SwapEvent
}

// Events represents a mapping of events and states.
type Events map[EventType]StateType

// State binds a state with an action and a set of events it can handle.
type State struct {
	Action Action
	Events Events
}

// States represents a mapping of states and their implementations.
type States map[StateType]State

// SwapStateMachine drives one swap. Every event is journaled before it is
// applied to Data, so replaying the journal always ends in Current.
type SwapStateMachine struct {
	// Id is the swap uuid.
	Id string

	Role SwapRole

	// Data holds the statemachine metadata
	Data *SwapData

	// Previous represents the previous state.
	Previous StateType

	// Current represents the current state.
	Current StateType

	// States holds the configuration of states and events handled by the state machine.
	States States

	// mutex guards Data and Current against readers outside the machine.
	mutex sync.RWMutex

	swapServices *SwapServices
}

func newSwapStateMachine(id string, role SwapRole, services *SwapServices) *SwapStateMachine {
	sm := &SwapStateMachine{
		Id:           id,
		Role:         role,
		Data:         newSwapData(id, role),
		Current:      Default,
		swapServices: services,
	}
	switch role {
	case SWAPROLE_MAKER:
		sm.States = getMakerStates()
	case SWAPROLE_TAKER:
		sm.States = getTakerStates()
	}
	return sm
}

// getNextState returns the next state for the event given the machine's current
// state, or an error if the event can't be handled in the given state.
func (s *SwapStateMachine) getNextState(event EventType) (StateType, error) {
	if state, ok := s.States[s.Current]; ok {
		if state.Events != nil {
			if next, ok := state.Events[event]; ok {
				return next, nil
			}
		}
	}
	return Default, fmt.Errorf("%w: %s in %s", ErrEventRejected, event, s.Current)
}

// transition journals event and moves the machine to the next state.
func (s *SwapStateMachine) transition(ctx context.Context, event *SwapEvent) error {
	nextState, err := s.getNextState(event.Type)
	if err != nil {
		return err
	}
	if _, ok := s.States[nextState]; !ok {
		return ErrFsmConfig
	}

	var data interface{}
	if event.Data != nil {
		data = event.Data
	}
	journaled, err := s.swapServices.journal.Append(ctx, s.Id, string(event.Type), data)
	if err != nil {
		return fmt.Errorf("journal %s: %w", event.Type, err)
	}
	log.Debugf("[FSM] id: %s, %s on %s -> %s", s.Id, event.Type, s.Current, nextState)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Data.apply(event, journaled.Timestamp)
	s.Previous = s.Current
	s.Current = nextState
	return nil
}

// SendEvent sends an event to the state machine and keeps executing the
// actions of the states it enters until a final state is reached, an error
// occurs or ctx is cancelled.
func (s *SwapStateMachine) SendEvent(ctx context.Context, event *SwapEvent) error {
	for event != nil {
		if err := s.transition(ctx, event); err != nil {
			return err
		}
		if s.IsFinished() {
			return nil
		}

		state, ok := s.States[s.Current]
		if !ok || state.Action == nil {
			// configuration error
			return ErrFsmConfig
		}
		event = state.Action.Execute(ctx, s.swapServices, s.Data)
	}
	return nil
}

// Replay applies journaled events without executing any action.
func (s *SwapStateMachine) Replay(events []journal.Event) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, e := range events {
		event := &SwapEvent{Type: EventType(e.Type)}
		if len(e.Data) > 0 {
			event.Data = &EventData{}
			if err := json.Unmarshal(e.Data, event.Data); err != nil {
				return fmt.Errorf("decode event %d (%s): %w", e.Seq, e.Type, err)
			}
		}
		nextState, err := s.getNextState(event.Type)
		if isAbandon(event) {
			nextState, err = State_Finished, nil
		}
		if err != nil {
			return fmt.Errorf("replay event %d: %w", e.Seq, err)
		}
		s.Data.apply(event, e.Timestamp)
		s.Previous = s.Current
		s.Current = nextState
	}
	return nil
}

// Recover tries to continue from the current state, by doing the associated Action
func (s *SwapStateMachine) Recover(ctx context.Context) error {
	if s.IsFinished() {
		return nil
	}
	if s.Current == Default {
		// The swap was created but its Started event never made it to the
		// journal, nothing was exchanged yet.
		return s.SendEvent(ctx, &SwapEvent{Type: Event_Finished, Data: &EventData{Reason: "swap never started"}})
	}
	state, ok := s.States[s.Current]
	if !ok || state.Action == nil {
		// configuration error
		return ErrFsmConfig
	}
	return s.SendEvent(ctx, state.Action.Execute(ctx, s.swapServices, s.Data))
}

// Abandon finishes the swap in whatever state it is in. The machine must not
// be running. Funds locked so far are left to the operator.
func (s *SwapStateMachine) Abandon(ctx context.Context, reason string) error {
	if s.IsFinished() {
		return journal.ErrSwapFinished
	}
	event := &SwapEvent{Type: Event_Finished, Data: &EventData{Reason: reason, Abandoned: true}}
	journaled, err := s.swapServices.journal.Append(ctx, s.Id, string(event.Type), event.Data)
	if err != nil {
		return fmt.Errorf("journal %s: %w", event.Type, err)
	}
	log.Infof("[FSM] id: %s, abandoned in %s: %s", s.Id, s.Current, reason)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Data.apply(event, journaled.Timestamp)
	s.Previous = s.Current
	s.Current = State_Finished
	return nil
}

func isAbandon(event *SwapEvent) bool {
	return event.Type == Event_Finished && event.Data != nil && event.Data.Abandoned
}

// IsFinished returns true if the swap is already finished
func (s *SwapStateMachine) IsFinished() bool {
	return s.Current == State_Finished
}

// Info returns a snapshot that is safe to hand out.
func (s *SwapStateMachine) Info() *SwapInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return newSwapInfo(s.Data, s.Current)
}
