package timer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type CallbackFactory func(id string) func()

// TimeOutService schedules keyed timeouts. A timeout can be cancelled by its
// id until it fired.
type TimeOutService struct {
	CallbackFactory CallbackFactory

	clock   clock.Clock
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewTimeOutService(clk clock.Clock, cbf CallbackFactory) *TimeOutService {
	if clk == nil {
		clk = clock.New()
	}
	return &TimeOutService{
		CallbackFactory: cbf,
		clock:           clk,
		cancels:         map[string]context.CancelFunc{},
	}
}

// AddNewTimeOut replaces any pending timeout registered under id.
func (s *TimeOutService) AddNewTimeOut(ctx context.Context, d time.Duration, id string) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.cancels[id]; ok {
		prev()
	}
	s.cancels[id] = cancel
	s.mu.Unlock()

	cb := s.CallbackFactory(id)
	go TimedCallback(ctx, s.clock, d, func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cb()
	})
}

// Cancel stops the pending timeout for id. It returns false if there was
// nothing to cancel.
func (s *TimeOutService) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[id]
	if !ok {
		return false
	}
	cancel()
	delete(s.cancels, id)
	return true
}

func (s *TimeOutService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}
