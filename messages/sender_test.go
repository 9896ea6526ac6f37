package messages

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedundantMessenger_Stop(t *testing.T) {
	tests := []struct {
		name        string
		stop        chan struct{}
		shouldPanic bool
	}{
		{
			name:        "nil channel",
			stop:        nil,
			shouldPanic: true,
		},
		{
			name:        "non nil channel",
			stop:        make(chan struct{}),
			shouldPanic: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.shouldPanic {
				defer func() {
					require.NotNil(t, recover())
				}()
			}
			s := &RedundantMessenger{
				messenger: &MessengerStub{},
				ticker:    time.NewTicker(time.Second),
				stop:      tt.stop,
			}
			s.Stop()
			// A second stop is a no-op.
			s.Stop()
			_, ok := <-tt.stop
			assert.False(t, ok)
		})
	}
}

func TestManager_AddSender(t *testing.T) {
	t.Run("add multiple sender (different id)", func(t *testing.T) {
		m := NewManager()

		err := m.AddSender("my_id", NewRedundantMessenger(&MessengerStub{}, 1*time.Second))
		assert.Nil(t, err)

		err = m.AddSender("other_id", NewRedundantMessenger(&MessengerStub{}, 1*time.Second))
		assert.Nil(t, err)

		assert.Len(t, m.messengers, 2)
	})

	t.Run("add multiple sender (same id)", func(t *testing.T) {
		m := NewManager()

		err := m.AddSender("my_id", NewRedundantMessenger(&MessengerStub{}, 1*time.Second))
		assert.Nil(t, err)

		expectedError := ErrAlreadyHasASender("")
		err = m.AddSender("my_id", NewRedundantMessenger(&MessengerStub{}, 1*time.Second))
		assert.ErrorAs(t, err, &expectedError)

		assert.Len(t, m.messengers, 1)
	})

	t.Run("replace stops the previous sender", func(t *testing.T) {
		m := NewManager()
		first := NewRedundantMessenger(&MessengerStub{}, time.Second)
		m.ReplaceSender("swap", first)
		m.ReplaceSender("swap", NewRedundantMessenger(&MessengerStub{}, time.Second))

		_, ok := <-first.stop
		assert.False(t, ok)
		assert.Len(t, m.messengers, 1)
	})
}

func TestSendMessageWithRetry(t *testing.T) {
	tRetry := 10 * time.Millisecond
	tWait := 50 * time.Millisecond

	msgr := &MessengerStub{}
	rs := NewRedundantMessenger(msgr, tRetry)

	err := rs.SendMessage(context.Background(), "swap/abc", []byte("negotiation"))
	require.NoError(t, err)
	time.Sleep(tWait)
	rs.Stop()

	// Should have sent multiple messages.
	time.Sleep(tWait)
	nMsgs := msgr.Called()
	assert.Greater(t, nMsgs, 1)

	// Check it is not sending anymore.
	time.Sleep(tWait)
	assert.Equal(t, nMsgs, msgr.Called())
}

func TestSendMessageFirstAttemptFails(t *testing.T) {
	msgr := &MessengerStub{err: errors.New("queue full")}
	rs := NewRedundantMessenger(msgr, 10*time.Millisecond)

	err := rs.SendMessage(context.Background(), "swap/abc", []byte("negotiation"))
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, msgr.Called())
}

type MessengerStub struct {
	sync.Mutex
	called int
	err    error
}

func (s *MessengerStub) SendMessage(ctx context.Context, topic string, envelope []byte) error {
	s.Lock()
	defer s.Unlock()
	s.called++
	return s.err
}

func (s *MessengerStub) Called() int {
	s.Lock()
	defer s.Unlock()
	return s.called
}
