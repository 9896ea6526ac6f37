package electrum

import (
	"bytes"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// medianTimeBlocks is the number of headers the median time past is taken
// over.
const medianTimeBlocks = 11

// BlockHeight is the height of a transaction as reported in a script
// history. Zero and negative heights are mempool entries.
type BlockHeight int32

func (b BlockHeight) Confirmed() bool {
	return b > 0
}

func (b BlockHeight) Height() uint32 {
	if b < 0 {
		return 0
	}
	return uint32(b)
}

// headerTracker follows the headers subscription. Electrum servers do not
// report the median time past, so it is computed from the headers seen.
type headerTracker struct {
	mu    sync.Mutex
	tip   uint32
	times map[uint32]time.Time
	// lag is subtracted from the tip time until enough headers were seen to
	// compute a real median.
	lag time.Duration
}

func newHeaderTracker(lag time.Duration) *headerTracker {
	return &headerTracker{
		times: map[uint32]time.Time{},
		lag:   lag,
	}
}

func (h *headerTracker) Update(height uint32, rawHeader string) error {
	raw, err := hex.DecodeString(rawHeader)
	if err != nil {
		return err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if height < h.tip {
		// Reorg to a shorter chain, forget the orphaned headers.
		for known := range h.times {
			if known > height {
				delete(h.times, known)
			}
		}
	}
	h.tip = height
	h.times[height] = header.Timestamp
	for known := range h.times {
		if known+medianTimeBlocks <= height {
			delete(h.times, known)
		}
	}
	return nil
}

// Tip returns the tip height and the median time past. ok is false before
// the first header arrived.
func (h *headerTracker) Tip() (height uint32, medianTime time.Time, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.times) == 0 {
		return 0, time.Time{}, false
	}
	times := make([]time.Time, 0, len(h.times))
	for _, t := range h.times {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool {
		return times[i].Before(times[j])
	})
	median := times[len(times)/2]
	if len(times) < medianTimeBlocks {
		median = times[len(times)-1].Add(-h.lag)
	}
	return h.tip, median, true
}
