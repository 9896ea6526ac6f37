package timer

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimer(t *testing.T) {
	t.Run("callback", func(t *testing.T) {
		t.Parallel()
		cbChan := make(chan struct{})
		ctx := context.Background()
		d := 50 * time.Millisecond
		callback := func() {
			cbChan <- struct{}{}
		}
		start := time.Now()
		go TimedCallback(ctx, clock.New(), d, callback)
		<-cbChan
		assert.GreaterOrEqual(t, time.Since(start).Milliseconds(), d.Milliseconds())
	})
	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		cbChan := make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		d := 50 * time.Millisecond
		callback := func() {
			cbChan <- struct{}{}
		}

		go TimedCallback(ctx, clock.New(), d, callback)
		cancel()

		// Check that callback was not called after timer was canceled.
		tm := time.NewTimer(2 * d)
		select {
		case <-cbChan:
			t.Error("expected callback not to be called")
			if !tm.Stop() {
				<-tm.C
			}
		case <-tm.C:
		}
	})
}

func TestTimeOutService(t *testing.T) {
	t.Run("fires on mock clock", func(t *testing.T) {
		t.Parallel()
		clk := clock.NewMock()
		fired := make(chan string, 1)
		s := NewTimeOutService(clk, func(id string) func() {
			return func() { fired <- id }
		})

		s.AddNewTimeOut(context.Background(), 30*time.Second, "order-1")
		require.Eventually(t, func() bool {
			clk.Add(time.Second)
			select {
			case id := <-fired:
				assert.Equal(t, "order-1", id)
				return true
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 0, s.Pending())
	})
	t.Run("cancel", func(t *testing.T) {
		t.Parallel()
		s := NewTimeOutService(clock.New(), func(id string) func() {
			return func() { t.Errorf("timeout %s should not fire", id) }
		})
		s.AddNewTimeOut(context.Background(), 50*time.Millisecond, "order-1")
		assert.True(t, s.Cancel("order-1"))
		assert.False(t, s.Cancel("order-1"))
		time.Sleep(100 * time.Millisecond)
	})
}
