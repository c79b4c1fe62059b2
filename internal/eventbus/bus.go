// Package eventbus implements the Event Bus (spec.md §4.3): an in-process
// publish/subscribe fan-out across a small fixed set of topics, used to push
// deployment status, health, and stats updates out to the Fan-out Server's
// websocket hub without coupling publishers to the number or speed of
// subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Topic names the bus's three channels of traffic (spec.md §4.3).
const (
	TopicStats            = "stats"
	TopicDeploymentStatus = "deployment_status"
	TopicSystemHealth     = "system_health"
)

// Event is one published message. Seq is assigned per topic at publish time
// and increases monotonically, giving subscribers of a single topic a total
// order even though the bus itself makes no cross-topic ordering guarantee.
type Event struct {
	Topic   string
	Payload any
	Seq     uint64
}

// DefaultQueueDepth bounds a subscriber's backlog when none is specified.
const DefaultQueueDepth = 64

// Bus fans events out to any number of subscribers per topic. Publish never
// blocks: a subscriber whose queue is full has its oldest unread event
// dropped to make room, and its lag counter incremented, rather than
// slowing down or blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]*subscriber
	seq  map[string]uint64
	next uint64
}

type subscriber struct {
	ch  chan Event
	lag uint64 // atomic: events dropped because the queue was full
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]*subscriber),
		seq:  make(map[string]uint64),
	}
}

// Subscription is a handle to one subscriber's event stream. Callers must
// call Unsubscribe when done to release the channel.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	sub   *subscriber
}

// Events returns the channel the subscriber should range over.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Lag returns the number of events dropped for this subscriber so far
// because its queue was full when a publish arrived.
func (s *Subscription) Lag() uint64 { return atomic.LoadUint64(&s.sub.lag) }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.topic]; ok {
		if _, ok := subs[s.id]; ok {
			delete(subs, s.id)
			close(s.sub.ch)
		}
	}
}

// Subscribe registers a new subscriber for topic with the given queue
// depth (DefaultQueueDepth if depth <= 0).
func (b *Bus) Subscribe(topic string, depth int) *Subscription {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	sub := &subscriber{ch: make(chan Event, depth)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = sub

	return &Subscription{bus: b, topic: topic, id: id, sub: sub}
}

// Publish sends payload to every current subscriber of topic. It never
// blocks: a full subscriber queue has its oldest event evicted to make room
// for the new one.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	b.seq[topic]++
	ev := Event{Topic: topic, Payload: payload, Seq: b.seq[topic]}
	subs := make([]*subscriber, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		deliver(s, ev)
	}
}

// deliver attempts a non-blocking send, dropping the oldest queued event and
// retrying once if the channel is full.
func deliver(s *subscriber, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		atomic.AddUint64(&s.lag, 1)
	default:
	}

	select {
	case s.ch <- ev:
	default:
		// Another goroutine raced us and refilled the queue; count this
		// event as dropped rather than blocking the publisher.
		atomic.AddUint64(&s.lag, 1)
	}
}

// SubscriberCount reports how many subscribers are currently registered for
// topic, for diagnostics and tests.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
