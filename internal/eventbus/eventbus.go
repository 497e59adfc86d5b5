// Package eventbus implements the event bus: an in-process broadcast
// channel from the execution engine and batcher to websocket subscribers.
// Delivery is best-effort and not globally ordered; a subscriber that falls
// QueueDepth events behind is disconnected rather than allowed to
// backpressure the publisher.
package eventbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/usda-network/ledger/internal/domain/ledger"
	"github.com/usda-network/ledger/internal/metrics"
)

// Kind identifies the shape of an Event's payload.
type Kind string

const (
	KindAccountCreated Kind = "account.created"
	KindTxPreconfirmed Kind = "tx.preconfirmed"
	KindTxExecuted     Kind = "tx.executed"
	KindTxFailed       Kind = "tx.failed"
	KindBatchSealed    Kind = "batch.sealed"
	KindBatchProven    Kind = "batch.proven"
)

// Event is a single notification broadcast to every subscriber.
type Event struct {
	Kind        Kind
	Address     *ledger.Address
	Transaction *ledger.Transaction
	Batch       *ledger.Batch
}

// QueueDepth is the bounded size of each subscriber's FIFO queue.
// A subscriber that falls this far behind is disconnected rather than
// stalling the publisher.
const QueueDepth = 128

// Bus fans events out to a dynamic set of subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*subscription
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uuid.UUID]*subscription)}
}

// subscription is a single subscriber's bounded delivery queue.
type subscription struct {
	ch chan Event
}

// Subscription is the handle returned to callers of Subscribe.
type Subscription struct {
	id     uuid.UUID
	bus    *Bus
	events <-chan Event
}

// Events returns the channel events arrive on. Closed once Unsubscribe runs.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe removes the subscription and closes its channel. Safe to call
// even if the bus already disconnected this subscriber for falling behind.
func (s *Subscription) Unsubscribe() {
	s.bus.disconnect(s.id)
}

func (b *Bus) disconnect(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New()
	sub := &subscription{ch: make(chan Event, QueueDepth)}
	b.subs[id] = sub
	return &Subscription{id: id, bus: b, events: sub.ch}
}

// Publish broadcasts event to every current subscriber. A subscriber whose
// queue is already full (QueueDepth events unread) is disconnected rather
// than risking it backpressuring the publisher; Publish never blocks.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	var stale []uuid.UUID
	for id, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stale {
		metrics.SubscriberDropsTotal.Inc()
		b.disconnect(id)
	}
}

// SubscriberCount reports the current number of live subscribers, useful for
// metrics and health checks.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
