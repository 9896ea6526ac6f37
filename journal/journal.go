// Package journal is the append-only swap event log. It is the only source
// of truth a node consults when it resumes swaps after a restart.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.etcd.io/bbolt"
)

var (
	swapsBucket  = []byte("swaps")
	eventsBucket = []byte("events")
	recentBucket = []byte("recent")

	ErrDoesNotExist  = fmt.Errorf("does not exist")
	ErrAlreadyExists = fmt.Errorf("swap already exist")
	ErrSwapFinished  = fmt.Errorf("swap is finished")
	ErrClosed        = fmt.Errorf("journal closed")
	ErrReadOnly      = fmt.Errorf("journal is read only")
)

// FinishedEvent is always the last event of a swap.
const FinishedEvent = "Finished"

// Header is the per swap row. It is rewritten on every append, events are
// never rewritten.
type Header struct {
	Uuid        string `json:"uuid"`
	Role        string `json:"role"`
	MyCoin      string `json:"my_coin"`
	OtherCoin   string `json:"other_coin"`
	StartedAt   uint64 `json:"started_at"`
	LastEvent   string `json:"last_event,omitempty"`
	LastEventAt int64  `json:"last_event_at,omitempty"`
	Events      uint64 `json:"events"`
	Finished    bool   `json:"finished"`
}

type Event struct {
	Seq uint64 `json:"seq"`
	// Timestamp in unix milliseconds, never smaller than the one of the
	// previous event of the same swap.
	Timestamp int64           `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Option func(*Journal)

func WithClock(clk clock.Clock) Option {
	return func(j *Journal) {
		j.clock = clk
	}
}

type writeRequest struct {
	apply  func(tx *bbolt.Tx) error
	result chan error
}

// Journal serialises all writes through one goroutine. Reads run in their
// own read transactions and may happen concurrently.
type Journal struct {
	db    *bbolt.DB
	clock clock.Clock

	mu     sync.RWMutex
	closed bool
	writes chan writeRequest
	done   chan struct{}
}

func New(db *bbolt.DB, opts ...Option) (*Journal, error) {
	j := &Journal{
		db:     db,
		clock:  clock.New(),
		writes: make(chan writeRequest, 64),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}

	if db.IsReadOnly() {
		j.closed = true
		close(j.done)
		return j, nil
	}

	tx, err := db.Begin(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, name := range [][]byte{swapsBucket, eventsBucket, recentBucket} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	go j.writer()
	return j, nil
}

func (j *Journal) writer() {
	defer close(j.done)
	for req := range j.writes {
		req.result <- j.db.Update(req.apply)
	}
}

// write hands apply to the writer. Once the writer accepted the request the
// write is completed even if ctx is cancelled meanwhile.
func (j *Journal) write(ctx context.Context, apply func(tx *bbolt.Tx) error) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		if j.db.IsReadOnly() {
			return ErrReadOnly
		}
		return ErrClosed
	}
	req := writeRequest{apply: apply, result: make(chan error, 1)}
	select {
	case j.writes <- req:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	return <-req.result
}

// Close rejects new writes, waits for the queued ones and returns.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.writes)
	}
	j.mu.Unlock()
	<-j.done
	return nil
}

// Create adds the header of a new swap.
func (j *Journal) Create(ctx context.Context, h Header) error {
	if h.Uuid == "" {
		return fmt.Errorf("missing uuid")
	}
	h.Events, h.LastEvent, h.LastEventAt, h.Finished = 0, "", 0, false
	return j.write(ctx, func(tx *bbolt.Tx) error {
		swaps := tx.Bucket(swapsBucket)
		if swaps.Get([]byte(h.Uuid)) != nil {
			return ErrAlreadyExists
		}
		if _, err := tx.Bucket(eventsBucket).CreateBucket([]byte(h.Uuid)); err != nil {
			return err
		}
		if err := tx.Bucket(recentBucket).Put(recentKey(&h), nil); err != nil {
			return err
		}
		return putHeader(swaps, &h)
	})
}

// Append journals one event. data is stored as JSON.
func (j *Journal) Append(ctx context.Context, uuid, eventType string, data interface{}) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	var ev *Event
	err := j.write(ctx, func(tx *bbolt.Tx) error {
		swaps := tx.Bucket(swapsBucket)
		h, err := getHeader(swaps, uuid)
		if err != nil {
			return err
		}
		if h.Finished {
			return ErrSwapFinished
		}
		events := tx.Bucket(eventsBucket).Bucket([]byte(uuid))
		if events == nil {
			return fmt.Errorf("events bucket of %s missing", uuid)
		}
		seq, err := events.NextSequence()
		if err != nil {
			return err
		}
		ts := j.clock.Now().UnixMilli()
		if ts < h.LastEventAt {
			ts = h.LastEventAt
		}
		e := &Event{Seq: seq, Timestamp: ts, Type: eventType, Data: raw}
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := events.Put(itob(seq), b); err != nil {
			return err
		}

		h.Events = seq
		h.LastEvent = eventType
		h.LastEventAt = ts
		h.Finished = eventType == FinishedEvent
		if err := putHeader(swaps, h); err != nil {
			return err
		}
		ev = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (j *Journal) Get(uuid string) (*Header, error) {
	var h *Header
	err := j.db.View(func(tx *bbolt.Tx) error {
		var err error
		h, err = getHeader(tx.Bucket(swapsBucket), uuid)
		return err
	})
	return h, err
}

// Events returns the events of a swap in journal order.
func (j *Journal) Events(uuid string) ([]Event, error) {
	var events []Event
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(uuid))
		if b == nil {
			return ErrDoesNotExist
		}
		return b.ForEach(func(k, v []byte) error {
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (j *Journal) ListAll() ([]*Header, error) {
	return j.list(func(*Header) bool { return true })
}

// ListUnfinished returns the swaps without a Finished event, oldest first.
func (j *Journal) ListUnfinished() ([]*Header, error) {
	return j.list(func(h *Header) bool { return !h.Finished })
}

func (j *Journal) HasUnfinishedSwaps() (bool, error) {
	unfinished, err := j.ListUnfinished()
	if err != nil {
		return false, err
	}
	return len(unfinished) > 0, nil
}

func (j *Journal) list(filter func(*Header) bool) ([]*Header, error) {
	var headers []*Header
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(swapsBucket).ForEach(func(k, v []byte) error {
			h := &Header{}
			if err := json.Unmarshal(v, h); err != nil {
				return err
			}
			if filter(h) {
				headers = append(headers, h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(headers, func(a, b int) bool {
		return headers[a].StartedAt < headers[b].StartedAt
	})
	return headers, nil
}

// ListRecent returns up to limit swaps of the pair, newest first. Empty coins
// list every pair. A limit of zero means no limit.
func (j *Journal) ListRecent(myCoin, otherCoin string, limit int) ([]*Header, error) {
	if myCoin == "" || otherCoin == "" {
		all, err := j.list(func(h *Header) bool {
			return (myCoin == "" || h.MyCoin == myCoin) && (otherCoin == "" || h.OtherCoin == otherCoin)
		})
		if err != nil {
			return nil, err
		}
		reverse(all)
		if limit > 0 && len(all) > limit {
			all = all[:limit]
		}
		return all, nil
	}

	var headers []*Header
	prefix := []byte(myCoin + "|" + otherCoin + "|")
	err := j.db.View(func(tx *bbolt.Tx) error {
		swaps := tx.Bucket(swapsBucket)
		c := tx.Bucket(recentBucket).Cursor()
		var uuids []string
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			uuids = append(uuids, string(k[len(prefix)+8:]))
		}
		for i := len(uuids) - 1; i >= 0; i-- {
			if limit > 0 && len(headers) == limit {
				break
			}
			h, err := getHeader(swaps, uuids[i])
			if err != nil {
				return err
			}
			headers = append(headers, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return headers, nil
}

func recentKey(h *Header) []byte {
	key := make([]byte, 0, len(h.MyCoin)+len(h.OtherCoin)+len(h.Uuid)+10)
	key = append(key, h.MyCoin+"|"+h.OtherCoin+"|"...)
	key = append(key, itob(h.StartedAt)...)
	return append(key, h.Uuid...)
}

func getHeader(b *bbolt.Bucket, uuid string) (*Header, error) {
	v := b.Get([]byte(uuid))
	if v == nil {
		return nil, ErrDoesNotExist
	}
	h := &Header{}
	if err := json.Unmarshal(v, h); err != nil {
		return nil, err
	}
	return h, nil
}

func putHeader(b *bbolt.Bucket, h *Header) error {
	v, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return b.Put([]byte(h.Uuid), v)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func reverse(headers []*Header) {
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
}
