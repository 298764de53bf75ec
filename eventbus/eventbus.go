// Package eventbus implements C9: a bounded-broadcast fan-out of
// RequestLog and fleet lifecycle events to many subscribers, each with its
// own bounded queue. The publisher never blocks and never drops on the
// producer side; backpressure is applied only to slow subscribers, which
// are marked lagged rather than allowed to stall the bus. Grounded on the
// teacher's app.go event-sender pattern (a fan-out to Wails' runtime event
// emitter), generalized here to Go's native idiom of one buffered channel
// per subscriber plus a dropped-count counter.
package eventbus

import (
	"sync"

	"apisim/models"
)

// EventKind classifies a published Event.
type EventKind string

const (
	KindRequestLog        EventKind = "RequestLog"
	KindServiceStarted    EventKind = "ServiceStarted"
	KindServiceStopped    EventKind = "ServiceStopped"
	KindServiceFailed     EventKind = "ServiceFailed"
	KindRecordingCaptured EventKind = "RecordingCaptured"
)

// Event is one published item. Exactly one payload field is populated,
// matching Kind.
type Event struct {
	Kind          EventKind
	RequestLog    *models.RequestLog
	ServiceName   string
	Reason        string
	SessionID     string
	CapturedCount int
}

// DefaultQueueSize is the default per-subscriber bounded queue depth.
const DefaultQueueSize = 1024

// Bus is a multi-subscriber, non-blocking-publish event bus.
type Bus struct {
	queueSize int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns a Bus whose subscribers are given a queue of queueSize (or
// DefaultQueueSize if queueSize <= 0).
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{queueSize: queueSize, subs: map[*Subscription]struct{}{}}
}

// Publish implements pipeline.Publisher by wrapping a RequestLog as an
// Event and broadcasting it.
func (b *Bus) Publish(log models.RequestLog) {
	b.broadcast(Event{Kind: KindRequestLog, RequestLog: &log})
}

// PublishEvent broadcasts an arbitrary fleet-lifecycle event.
func (b *Bus) PublishEvent(ev Event) {
	b.broadcast(ev)
}

func (b *Bus) broadcast(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		sub.deliver(ev)
	}
}

// Subscribe registers a new subscriber and returns its Subscription. The
// caller must call Close when done to release the subscriber's queue.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		bus:   b,
		queue: make(chan Event, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscription is one subscriber's bounded view of the bus. Not safe for
// concurrent Next calls from multiple goroutines.
type Subscription struct {
	bus   *Bus
	queue chan Event

	mu     sync.Mutex
	lagged int
}

// deliver enqueues ev without blocking. If the queue is full, the event is
// dropped and the lagged counter increments; the producer is never
// blocked by a slow subscriber.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.lagged++
		s.mu.Unlock()
	}
}

// Next blocks until an event is available or done is closed. If events
// were dropped since the last Next call, it first reports Lagged(n): the
// drop count n in lagged, ok true, and a zero Event; the caller should call
// Next again to retrieve the next real event.
func (s *Subscription) Next(done <-chan struct{}) (ev Event, lagged int, ok bool) {
	s.mu.Lock()
	if s.lagged > 0 {
		n := s.lagged
		s.lagged = 0
		s.mu.Unlock()
		return Event{}, n, true
	}
	s.mu.Unlock()

	select {
	case ev, open := <-s.queue:
		if !open {
			return Event{}, 0, false
		}
		return ev, 0, true
	case <-done:
		return Event{}, 0, false
	}
}

// Close unregisters the subscription and releases its queue.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}
