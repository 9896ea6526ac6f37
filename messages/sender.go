package messages

import (
	"context"
	"sync"
	"time"

	"github.com/peerdex/peerdex/log"
)

// Messenger publishes an already sealed envelope on a topic.
type Messenger interface {
	SendMessage(ctx context.Context, topic string, envelope []byte) error
}

type StoppableMessenger interface {
	Stop()
}

// RedundantMessenger keeps publishing the same envelope until it is stopped.
// Resending the identical bytes lets receivers drop the copies they already
// saw by message id.
type RedundantMessenger struct {
	messenger Messenger
	ticker    *time.Ticker
	stop      chan struct{}
	once      sync.Once
}

func NewRedundantMessenger(messenger Messenger, retryTime time.Duration) *RedundantMessenger {
	return &RedundantMessenger{
		messenger: messenger,
		ticker:    time.NewTicker(retryTime),
		stop:      make(chan struct{}),
	}
}

func (s *RedundantMessenger) SendMessage(ctx context.Context, topic string, envelope []byte) error {
	log.Debugf("[RedundantSender]\tstart sending messages to %s", topic)

	// Send one time before we go loop the send, so that we do not have to wait for the ticker.
	err := s.messenger.SendMessage(ctx, topic, envelope)
	if err != nil {
		s.Stop()
		return err
	}

	go func() {
		defer s.ticker.Stop()
		for {
			select {
			case <-s.ticker.C:
				err := s.messenger.SendMessage(ctx, topic, envelope)
				if err != nil {
					log.Debugf("[RedundantSender]\tresend to %s: %v", topic, err)
				}
			case <-ctx.Done():
				return
			case <-s.stop:
				log.Debugf("[RedundantSender]\tstop sending messages to %s", topic)
				return
			}
		}
	}()

	return nil
}

func (s *RedundantMessenger) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Manager holds at most one redundant sender per id. Swap machines use the
// swap uuid as id so that moving to the next message stops the previous one.
type Manager struct {
	sync.Mutex
	messengers map[string]StoppableMessenger
}

func NewManager() *Manager {
	return &Manager{messengers: map[string]StoppableMessenger{}}
}

func (m *Manager) AddSender(id string, messenger StoppableMessenger) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.messengers[id]; ok {
		return ErrAlreadyHasASender(id)
	}
	m.messengers[id] = messenger
	return nil
}

// ReplaceSender stops the sender registered under id, if any, and registers
// messenger in its place.
func (m *Manager) ReplaceSender(id string, messenger StoppableMessenger) {
	m.Lock()
	defer m.Unlock()
	if sender, ok := m.messengers[id]; ok {
		sender.Stop()
	}
	m.messengers[id] = messenger
}

func (m *Manager) RemoveSender(id string) {
	m.Lock()
	defer m.Unlock()
	if sender, ok := m.messengers[id]; ok {
		sender.Stop()
	}
	delete(m.messengers, id)
}

func (m *Manager) StopAll() {
	m.Lock()
	defer m.Unlock()
	for id, sender := range m.messengers {
		sender.Stop()
		delete(m.messengers, id)
	}
}
