package swap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/peerdex/peerdex/messages"
)

var errReceiveTimeout = errors.New("message not received before deadline")

// inbox keeps the latest message of every type a swap received. Actions read
// from it without consuming, so a resumed action sees the same message
// again.
type inbox struct {
	mu     sync.Mutex
	msgs   map[messages.MessageType]*messages.Envelope
	seen   map[string]struct{}
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		msgs:   map[messages.MessageType]*messages.Envelope{},
		seen:   map[string]struct{}{},
		notify: make(chan struct{}),
	}
}

// put stores env unless a message with the same id was stored before.
func (i *inbox) put(id string, env *messages.Envelope) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[id]; ok {
		return false
	}
	i.seen[id] = struct{}{}
	i.msgs[env.Type] = env
	close(i.notify)
	i.notify = make(chan struct{})
	return true
}

func (i *inbox) get(msgType messages.MessageType) (*messages.Envelope, <-chan struct{}) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.msgs[msgType], i.notify
}

func (i *inbox) drop(msgType messages.MessageType) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.msgs, msgType)
}

// retain drops every message that was not sent by sender.
func (i *inbox) retain(sender string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	var dropped int
	for t, env := range i.msgs {
		if env.SenderID() != sender {
			delete(i.msgs, t)
			dropped++
		}
	}
	return dropped
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

// wait blocks until a message of msgType is stored, deadline passes on clk or
// ctx is done.
func (i *inbox) wait(ctx context.Context, clk clock.Clock, msgType messages.MessageType, deadline time.Time) (*messages.Envelope, error) {
	for {
		env, notify := i.get(msgType)
		if env != nil {
			return env, nil
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return nil, errReceiveTimeout
		}
		timer := clk.Timer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-notify:
			timer.Stop()
		}
	}
}
