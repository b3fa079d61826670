package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	ringSize     = 256
	traceKeys    = 512
	traceTTL     = 5 * time.Minute
	subscriberQ  = 32
)

// Event is one entry of the operational event log. Events describe
// state changes worth keeping (server added, transfer complete,
// directory deleted), not request traffic.
type Event struct {
	Time     time.Time `json:"timestamp"`
	Category string    `json:"category"`
	Object   string    `json:"object"`
	Action   string    `json:"action"`
	Detail   string    `json:"description"`
}

// Publisher forwards events to an external sink (NATS in production).
type Publisher interface {
	Publish(Event) error
}

// Log is a bounded in-memory event ring with live fan-out.
type Log struct {
	mu     sync.Mutex
	ring   [ringSize]Event
	next   int
	filled bool
	subs   map[chan Event]struct{}
	pub    Publisher

	// Failure traces are deduplicated so a flapping peer does not
	// flood the log with the same line every poll round.
	dedup *lru.Cache[string, time.Time]
}

func NewLog() *Log {
	cache, _ := lru.New[string, time.Time](traceKeys)
	return &Log{
		subs:  make(map[chan Event]struct{}),
		dedup: cache,
	}
}

// SetPublisher attaches an external sink. Pass nil to detach.
func (l *Log) SetPublisher(p Publisher) {
	l.mu.Lock()
	l.pub = p
	l.mu.Unlock()
}

// Record appends an event to the ring, logs it, and fans it out.
func (l *Log) Record(category, object, action, format string, args ...any) {
	evt := Event{
		Time:     time.Now(),
		Category: category,
		Object:   object,
		Action:   action,
		Detail:   fmt.Sprintf(format, args...),
	}
	log.Printf("[EVENT] %s %s %s %s", evt.Category, evt.Object, evt.Action, evt.Detail)

	l.mu.Lock()
	l.ring[l.next] = evt
	l.next++
	if l.next >= ringSize {
		l.next = 0
		l.filled = true
	}
	for ch := range l.subs {
		select {
		case ch <- evt:
		default: // Slow subscriber: drop rather than stall the tick loop.
		}
	}
	pub := l.pub
	l.mu.Unlock()

	if pub != nil {
		go func() {
			if err := pub.Publish(evt); err != nil {
				log.Printf("[EVENT] publish failed: %v", err)
			}
		}()
	}
}

// Trace reports a recoverable failure scoped to a peer or resource.
// Identical traces within the TTL window are suppressed.
func (l *Log) Trace(scope, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	key := scope + "|" + text

	l.mu.Lock()
	if at, ok := l.dedup.Get(key); ok && time.Since(at) < traceTTL {
		l.mu.Unlock()
		return
	}
	l.dedup.Add(key, time.Now())
	l.mu.Unlock()

	log.Printf("[TRACE] %s: %s", scope, text)
}

// Recent returns the ring content, oldest first.
func (l *Log) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	if l.filled {
		out = append(out, l.ring[l.next:]...)
	}
	out = append(out, l.ring[:l.next]...)
	return out
}

// Subscribe returns a channel of future events and a cancel function.
// The channel is buffered; events are dropped if the reader lags.
func (l *Log) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberQ)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}
	return ch, cancel
}
