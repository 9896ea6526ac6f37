package timer

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// TimedCallback calls callback once d has elapsed on clk, unless ctx is
// done first.
func TimedCallback(ctx context.Context, clk clock.Clock, d time.Duration, callback func()) {
	timer := clk.Timer(d)

	select {
	case <-timer.C:
		callback()
	case <-ctx.Done():
		timer.Stop()
	}
}
