package notify

import (
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Broadcaster fans every published value out to all current subscribers.
//
// Each subscriber owns a bounded ring; a slow subscriber loses its oldest
// values and never slows the publisher or other subscribers. Values published
// before a subscription was created are not replayed to it.
type Broadcaster[T any] struct {
	subs     *hashmap.Map[uint64, *Subscription[T]]
	nextID   atomic.Uint64
	capacity int
	closed   atomic.Bool
	name     string
	logger   *logrus.Entry
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to capacity values.
func NewBroadcaster[T any](name string, capacity int, logger *logrus.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = logrus.New()
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster[T]{
		subs:     hashmap.New[uint64, *Subscription[T]](),
		capacity: capacity,
		name:     name,
		logger:   logger.WithFields(logrus.Fields{"component": "notify", "stream": name}),
	}
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	if b.closed.Load() {
		return
	}
	b.subs.Range(func(id uint64, sub *Subscription[T]) bool {
		if sub.ring.push(v) {
			b.logger.WithField("subscriber", id).Debug("Subscriber buffer full, dropped oldest value")
		}
		return true
	})
}

// Subscribe registers a new subscriber. Subscribing to a closed broadcaster
// returns a subscription whose channel is already closed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		id:     b.nextID.Add(1),
		ring:   newRing[T](b.capacity),
		parent: b,
	}

	if b.closed.Load() {
		sub.ring.close()
		return sub
	}

	b.subs.Set(sub.id, sub)

	// Close may have run between the check and the insert.
	if b.closed.Load() {
		b.remove(sub.id)
		sub.ring.close()
	}
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	return b.subs.Len()
}

// Close closes every subscription. Further publishes are ignored.
func (b *Broadcaster[T]) Close() {
	if b.closed.Swap(true) {
		return
	}

	var ids []uint64
	b.subs.Range(func(id uint64, sub *Subscription[T]) bool {
		ids = append(ids, id)
		sub.ring.close()
		return true
	})
	for _, id := range ids {
		b.subs.Del(id)
	}
	b.logger.WithField("subscribers", len(ids)).Debug("Broadcaster closed")
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.subs.Del(id)
}

// Subscription is one consumer of a Broadcaster.
type Subscription[T any] struct {
	id     uint64
	ring   *ring[T]
	parent *Broadcaster[T]
	once   sync.Once
}

// C returns the receive channel. It is closed when the subscription or its
// broadcaster is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ring.ch
}

// Dropped returns how many values this subscriber lost to overflow.
func (s *Subscription[T]) Dropped() uint64 {
	return s.ring.dropped.Load()
}

// Delivered returns how many values were buffered for this subscriber.
func (s *Subscription[T]) Delivered() uint64 {
	return s.ring.written.Load()
}

// Len returns the number of buffered, unread values.
func (s *Subscription[T]) Len() int {
	return s.ring.len()
}

// Cap returns the buffer capacity.
func (s *Subscription[T]) Cap() int {
	return s.ring.capacity()
}

// Close unsubscribes and closes the channel. It is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.parent.remove(s.id)
		s.ring.close()
	})
}
