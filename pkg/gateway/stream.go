package gateway

import (
	"sync"
	"time"
)

// StreamEvent is published once per dispatch to every live subscriber
// (spec.md §4.4 step 5), the event SSE handlers outside this module
// would relay to clients.
type StreamEvent struct {
	EventType string
	ActionID  string
	Timestamp time.Time
	Namespace string
	Tenant    string
}

const subscriberBuffer = 64

// subscriber is one bounded mailbox. Lagged counts events dropped
// because the mailbox was full when a publish arrived — the
// non-blocking-producer contract spec.md §4.4 step 5 requires.
type subscriber struct {
	events chan StreamEvent
	lagged chan int
}

// Stream is the internal broadcast channel dispatch outcomes are
// published on. Publish never blocks on a slow subscriber; subscribers
// that fall behind are notified via Lagged rather than backpressuring
// the dispatcher.
type Stream struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// NewStream constructs an empty Stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]*subscriber)}
}

// Subscription is a live subscriber's read-only view plus its
// unsubscribe handle.
type Subscription struct {
	Events <-chan StreamEvent
	Lagged <-chan int
	id     int
	stream *Stream
}

// Unsubscribe removes this subscription and closes its channels.
func (s *Subscription) Unsubscribe() {
	s.stream.unsubscribe(s.id)
}

// Subscribe registers a new subscriber with a bounded mailbox.
func (s *Stream) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	sub := &subscriber{
		events: make(chan StreamEvent, subscriberBuffer),
		lagged: make(chan int, 1),
	}
	s.subs[id] = sub
	return &Subscription{Events: sub.events, Lagged: sub.lagged, id: id, stream: s}
}

func (s *Stream) unsubscribe(id int) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		close(sub.events)
		close(sub.lagged)
	}
}

// Publish broadcasts event to every live subscriber, never blocking on
// a full mailbox — it increments that subscriber's lag counter instead
// (spec.md §4.4 step 5).
func (s *Stream) Publish(event StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		select {
		case sub.events <- event:
		default:
			select {
			case n := <-sub.lagged:
				sub.lagged <- n + 1
			default:
				select {
				case sub.lagged <- 1:
				default:
				}
			}
		}
	}
}
