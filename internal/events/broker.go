package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
)

const (
	// DefaultReplaySize is the per-topic rolling buffer retained for late
	// subscribers.
	DefaultReplaySize = 200

	// DefaultSubscriberBuffer is the per-subscriber queue depth before
	// drop-oldest kicks in.
	DefaultSubscriberBuffer = 256
)

// Broker is an in-memory, topic-indexed event broadcaster.
//
// Each subscriber owns a bounded queue; when the queue is full the oldest
// queued event is discarded and the subscriber's dropped counter is
// incremented, so a slow subscriber can never backpressure publishers.
type Broker struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	replay    map[string][]Event // topic -> rolling buffer, oldest first
	replaySz  int
	closed    bool
	logger    *logger.Logger
	published atomic.Uint64
}

// Subscription is a live attachment to the broker.
type Subscription struct {
	broker  *Broker
	topics  map[string]struct{} // empty = all topics
	ch      chan Event
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// BrokerOption customizes a Broker.
type BrokerOption func(*Broker)

// WithReplaySize overrides the per-topic replay buffer length.
func WithReplaySize(n int) BrokerOption {
	return func(b *Broker) {
		if n >= 0 {
			b.replaySz = n
		}
	}
}

// NewBroker creates an in-memory broker.
func NewBroker(log *logger.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:     make(map[*Subscription]struct{}),
		replay:   make(map[string][]Event),
		replaySz: DefaultReplaySize,
		logger:   log.WithComponent("event-broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers the event to every matching subscriber and appends it to
// the topic's replay buffer. Publish never blocks on slow subscribers.
func (b *Broker) Publish(ev Event) {
	topic := ev.Type.Topic()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	buf := append(b.replay[topic], ev)
	if len(buf) > b.replaySz {
		buf = buf[len(buf)-b.replaySz:]
	}
	b.replay[topic] = buf

	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.wants(topic) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(ev)
	}

	b.published.Add(1)
	b.logger.Debug("published event",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)),
		zap.Int("subscribers", len(subs)))
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	buffer int
	replay bool
}

// WithBuffer sets the subscriber queue depth.
func WithBuffer(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithReplay preloads the subscription with the retained events for its
// topics before any new events are delivered.
func WithReplay() SubscribeOption {
	return func(o *subscribeOptions) { o.replay = true }
}

// Subscribe attaches a subscriber for the given topics. No topics means all.
func (b *Broker) Subscribe(topics []string, opts ...SubscribeOption) *Subscription {
	o := subscribeOptions{buffer: DefaultSubscriberBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	sub := &Subscription{
		broker: b,
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, o.buffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.detach()
		return sub
	}
	if o.replay {
		for topic, buf := range b.replay {
			if !sub.wants(topic) {
				continue
			}
			for _, ev := range buf {
				sub.push(ev)
			}
		}
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Replay returns a copy of the retained events for a topic, oldest first.
func (b *Broker) Replay(topic string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := b.replay[topic]
	out := make([]Event, len(buf))
	copy(out, buf)
	return out
}

// Published returns the total number of events published.
func (b *Broker) Published() uint64 {
	return b.published.Load()
}

// Close detaches all subscribers and rejects further publishes.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.detach()
	}
	b.logger.Info("event broker closed")
}

func (s *Subscription) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// push enqueues without blocking; when the queue is full the oldest queued
// event is discarded first.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// detach marks the subscription closed and closes its channel exactly once.
func (s *Subscription) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscription or the broker is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()
	s.detach()
}
