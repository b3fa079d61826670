// Package transfer serializes recording downloads from feed servers
// into the local archive.
//
// The queue is a fixed circular array rather than a list:
//   - memory use is capped and auditable,
//   - completed slots double as a dedup cache of recent transfers.
//
// New requests are written at the producer cursor, the consumer
// cursor points at the next transfer to run. producer == consumer
// means empty; next(producer) == consumer means full, and full means
// drop: the notification will come back on the next discovery round.
package transfer

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/technosupport/ts-dvr/internal/events"
	"github.com/technosupport/ts-dvr/internal/metrics"
)

type state int

const (
	stateEmpty state = iota
	stateIdle
	stateActive
	stateDone
	stateFailed
)

const (
	defaultQueueSize = 128
	minQueueSize     = 16
	slowThreshold    = 120 * time.Second
)

type slot struct {
	state     state
	feed      string // base URL of the feed server
	path      string // archive-relative file path
	size      int64  // declared remote size
	offset    int64  // bytes already local, for resume
	initiated time.Time
}

// Item is one entry of the queue status, in FIFO order.
type Item struct {
	Feed  string `json:"feed"`
	Path  string `json:"path"`
	State string `json:"state,omitempty"` // empty means idle
}

// Queue is the transfer engine. At most one transfer is active at any
// time, always the slot under the consumer cursor.
type Queue struct {
	root  string
	evlog *events.Log

	client *http.Client
	now    func() time.Time

	mu       sync.Mutex
	slots    []slot
	consumer int
	producer int
}

// NewQueue allocates the slot array. Sizes under the minimum are
// clamped, matching the self-protection of the original service.
func NewQueue(size int, root string, evlog *events.Log) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if size < minQueueSize {
		size = minQueueSize
	}
	return &Queue{
		root:   root,
		evlog:  evlog,
		client: &http.Client{},
		now:    time.Now,
		slots:  make([]slot, size),
	}
}

func (q *Queue) next(i int) int {
	if i+1 >= len(q.slots) {
		return 0
	}
	return i + 1
}

// crashAndBurn reports a broken queue invariant. These are
// programming errors; a supervisor restart with a dump beats limping
// on with corrupt cursors.
func crashAndBurn(detail string) {
	log.Printf("[TRANSFER] invalid queue state: %s", detail)
	panic("transfer queue invariant violated: " + detail)
}

// Notify records that a file is available on a feed. It returns true
// when the file was newly enqueued, which the feed registry uses to
// rush the next full scan.
func (q *Queue) Notify(feed, path string, size int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	cached := false

	// Already transferred recently? Walk the history region.
	index := q.producer
	if index == q.consumer { // Empty queue: every slot is history.
		index = q.next(index)
	}
	for ; index != q.consumer; index = q.next(index) {
		cur := &q.slots[index]
		if cur.path != path {
			continue
		}
		cached = true
		switch cur.state {
		case stateDone:
			if cur.size == size {
				return false // Already done.
			}
			// File grew or changed on the peer: transfer again.
		case stateFailed:
			// Keep looking, and retry if nothing better shows up.
		default:
			crashAndBurn(fmt.Sprintf("state %d in history region", cur.state))
		}
	}

	// Already queued for transfer?
	for index = q.consumer; index != q.producer; index = q.next(index) {
		cur := &q.slots[index]
		if cur.path != path {
			continue
		}
		cached = true
		switch cur.state {
		case stateActive:
			if cur.size == size {
				return false // Already in progress.
			}
			// Size changed mid-flight: request the transfer again.
		case stateIdle:
			cur.size = size // Fold into the pending request.
			return false
		default:
			crashAndBurn(fmt.Sprintf("state %d in pending region", cur.state))
		}
	}

	if strings.Contains(path, "..") {
		return false // Security check: no arbitrary access.
	}

	full := filepath.Join(q.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		q.evlog.Trace(full, "mkdir: %v", err)
		return false
	}

	var offset int64
	if !cached {
		// Not in the recent cache: the more expensive check is the
		// local filesystem itself.
		if info, err := os.Stat(full); err == nil {
			if info.Size() == size {
				return false // Already present and whole.
			}
			if info.Size() < size {
				// Partial file from an interrupted run: resume it.
				offset = info.Size()
			}
		}
	}

	next := q.next(q.producer)
	if next == q.consumer {
		// Queue full. The notification will keep coming back.
		return false
	}
	cur := &q.slots[q.producer]
	if cur.state == stateActive || cur.state == stateIdle {
		crashAndBurn(fmt.Sprintf("state %d at producer", cur.state))
	}

	*cur = slot{
		state:  stateIdle,
		feed:   feed,
		path:   path,
		size:   size,
		offset: offset,
	}
	q.producer = next
	metrics.QueueDepth.Set(float64(q.pendingLocked()))
	return true
}

func (q *Queue) pendingLocked() int {
	n := 0
	for i := q.consumer; i != q.producer; i = q.next(i) {
		n++
	}
	return n
}

// Tick starts the next idle transfer when none is active.
func (q *Queue) Tick(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked(now)
}

func (q *Queue) startLocked(now time.Time) {
	if q.consumer == q.producer {
		return // Nothing to start.
	}
	cur := &q.slots[q.consumer]
	if cur.state == stateActive {
		return // Busy.
	}
	if cur.state != stateIdle {
		crashAndBurn(fmt.Sprintf("state %d at consumer", cur.state))
	}

	cur.state = stateActive
	cur.initiated = now

	go q.download(q.consumer, cur.feed, cur.path, cur.offset)
}

// download runs outside the lock; the slot it works on cannot move
// because the consumer cursor only advances in finish.
func (q *Queue) download(index int, feed, path string, offset int64) {
	url := feed + "/recording/" + path

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		q.evlog.Trace(url, "%v", err)
		q.finish(index, http.StatusInternalServerError, 0)
		return
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := q.client.Do(req)
	if err != nil {
		q.evlog.Trace(url, "%v", err)
		q.finish(index, http.StatusInternalServerError, 0)
		return
	}
	defer resp.Body.Close()

	var file *os.File
	full := filepath.Join(q.root, filepath.FromSlash(path))
	switch resp.StatusCode {
	case http.StatusOK:
		// Full transfer: rewrite from scratch.
		file, err = os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	case http.StatusPartialContent:
		// Partial transfer: append to the existing file.
		file, err = os.OpenFile(full, os.O_WRONLY, 0o644)
		if err == nil {
			_, err = file.Seek(offset, io.SeekStart)
		}
	default:
		q.finish(index, resp.StatusCode, 0)
		return
	}
	if err != nil {
		q.evlog.Trace(full, "%v", err)
		q.finish(index, http.StatusInternalServerError, 0)
		return
	}

	written, err := io.Copy(file, resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		q.evlog.Trace(full, "%v", err)
		q.finish(index, http.StatusInternalServerError, written)
		return
	}
	q.finish(index, resp.StatusCode, written)
}

func (q *Queue) finish(index int, status int, written int64) {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if index != q.consumer {
		crashAndBurn(fmt.Sprintf("finish at %d, consumer at %d", index, q.consumer))
	}
	cur := &q.slots[q.consumer]
	if cur.state != stateActive {
		crashAndBurn(fmt.Sprintf("finish with state %d", cur.state))
	}

	if status/100 == 2 {
		lapsed := now.Sub(cur.initiated)
		suffix := ""
		if lapsed > slowThreshold {
			suffix = " (slow)"
		} else if lapsed > time.Second {
			suffix = fmt.Sprintf(" (%ds)", int(lapsed.Seconds()))
		}
		q.evlog.Record("TRANSFER", "dvr", "COMPLETE",
			"FOR FILE %s at %s%s", cur.path, cur.feed, suffix)
		cur.state = stateDone
		metrics.TransfersTotal.WithLabelValues("done").Inc()
		metrics.TransferBytes.Add(float64(written))
	} else {
		q.evlog.Record("TRANSFER", "dvr", "FAILED",
			"CODE %d FOR FILE %s at %s", status, cur.path, cur.feed)
		cur.state = stateFailed
		metrics.TransfersTotal.WithLabelValues("failed").Inc()
	}

	q.consumer = q.next(q.consumer)
	metrics.QueueDepth.Set(float64(q.pendingLocked()))
	q.startLocked(now)
}

// Status lists the queue in FIFO order: completed history first, then
// pending and active transfers.
func (q *Queue) Status() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []Item{}

	index := q.producer
	if index == q.consumer {
		index = q.next(index)
	}
	for ; index != q.consumer; index = q.next(index) {
		cur := &q.slots[index]
		var st string
		switch cur.state {
		case stateEmpty:
			continue
		case stateFailed:
			st = "failed"
		case stateDone:
			st = "done"
		default:
			crashAndBurn(fmt.Sprintf("state %d in history region", cur.state))
		}
		out = append(out, Item{Feed: cur.feed, Path: cur.path, State: st})
	}
	for index = q.consumer; index != q.producer; index = q.next(index) {
		cur := &q.slots[index]
		var st string
		switch cur.state {
		case stateActive:
			st = "active"
		case stateIdle:
			st = ""
		default:
			crashAndBurn(fmt.Sprintf("state %d in pending region", cur.state))
		}
		out = append(out, Item{Feed: cur.feed, Path: cur.path, State: st})
	}
	return out
}
