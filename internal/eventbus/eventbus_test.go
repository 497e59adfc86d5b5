package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	bus.Publish(Event{Kind: KindAccountCreated})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindAccountCreated, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	bus := New()
	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.Publish(Event{Kind: KindBatchSealed})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, KindBatchSealed, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

func TestUnsubscribe_ClosesEventsChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestPublish_DisconnectsSubscriberPastQueueDepth(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()

	require.Equal(t, 1, bus.SubscriberCount())

	// Fill the queue past capacity without ever draining it.
	for i := 0; i < QueueDepth+1; i++ {
		bus.Publish(Event{Kind: KindTxExecuted})
	}

	assert.Equal(t, 0, bus.SubscriberCount(), "overflowing subscriber should be disconnected, not merely dropped-into")

	_, ok := <-sub.Events()
	for ok {
		_, ok = <-sub.Events()
	}
}

func TestSubscribe_NewSubscribersUnaffectedByAnothersOverflow(t *testing.T) {
	bus := New()
	slow := bus.Subscribe()
	defer func() {
		// slow may already be disconnected; Unsubscribe is a safe no-op then.
		slow.Unsubscribe()
	}()

	for i := 0; i < QueueDepth+1; i++ {
		bus.Publish(Event{Kind: KindTxExecuted})
	}

	fast := bus.Subscribe()
	defer fast.Unsubscribe()

	bus.Publish(Event{Kind: KindBatchProven})

	select {
	case ev := <-fast.Events():
		assert.Equal(t, KindBatchProven, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("fresh subscriber should still receive events")
	}
}
