package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/perchworks/perch/pkg/metrics"
)

// subscriberBuffer is the per-subscriber channel capacity
const subscriberBuffer = 64

// Subscription is one consumer's handle on the notification feed
type Subscription struct {
	ID string
	C  <-chan Notification

	ch      chan Notification
	dropped int
}

// Broker fans change notifications out to subscribers. Delivery is
// bounded and non-blocking: when a subscriber's buffer fills, the
// oldest pending notifications are shed to make room and a
// BacklogDropped marker carrying their count is queued ahead of the
// new notification so the consumer knows to re-snapshot.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	eventCh     chan Notification
	stopCh      chan struct{}
	doneCh      chan struct{}
	stopped     bool
}

// NewBroker creates a new notification broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]*Subscription),
		eventCh:     make(chan Notification, 256),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and closes every subscriber channel.
// Idempotent.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

// Subscribe creates a new subscription
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	sub := &Subscription{
		ID: uuid.NewString(),
		C:  ch,
		ch: ch,
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish queues a notification for distribution. Ordering is
// preserved: notifications reach every subscriber in publish order.
func (b *Broker) Publish(n Notification) {
	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		b.deliver(sub, n)
	}
}

// deliver sends one notification without ever blocking. A full buffer
// sheds its oldest entries; the shed count rides along as a
// BacklogDropped marker ahead of newer notifications.
func (b *Broker) deliver(sub *Subscription, n Notification) {
	if sub.dropped > 0 && trySend(sub.ch, BacklogDropped{Count: sub.dropped}) {
		sub.dropped = 0
	}
	if trySend(sub.ch, n) {
		return
	}

	// Make room for the marker and the notification itself.
	for i := 0; i < 2; i++ {
		select {
		case old := <-sub.ch:
			if marker, ok := old.(BacklogDropped); ok {
				sub.dropped += marker.Count
			} else {
				sub.dropped++
				metrics.NotificationsDroppedTotal.Inc()
			}
		default:
		}
	}

	if sub.dropped > 0 && trySend(sub.ch, BacklogDropped{Count: sub.dropped}) {
		sub.dropped = 0
	}
	if !trySend(sub.ch, n) {
		sub.dropped++
		metrics.NotificationsDroppedTotal.Inc()
	}
}

func trySend(ch chan Notification, n Notification) bool {
	select {
	case ch <- n:
		return true
	default:
		return false
	}
}
