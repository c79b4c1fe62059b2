package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vorsengineer/cw-rpi-deployment/internal/eventbus"
)

func TestPublishDeliversInOrderToSingleSubscriber(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicDeploymentStatus, 8)
	defer sub.Unsubscribe()

	bus.Publish(eventbus.TopicDeploymentStatus, "one")
	bus.Publish(eventbus.TopicDeploymentStatus, "two")
	bus.Publish(eventbus.TopicDeploymentStatus, "three")

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Payload.(string))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.Equal(t, []string{"one", "two", "three"}, got)
}

func TestPublishDropsOldestWhenQueueFull(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicStats, 2)
	defer sub.Unsubscribe()

	bus.Publish(eventbus.TopicStats, 1)
	bus.Publish(eventbus.TopicStats, 2)
	bus.Publish(eventbus.TopicStats, 3) // queue full, drops "1"

	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, 2, first.Payload)
	require.Equal(t, 3, second.Payload)
	require.Equal(t, uint64(1), sub.Lag())
}

func TestSubscribersAreIndependent(t *testing.T) {
	bus := eventbus.New()
	subA := bus.Subscribe(eventbus.TopicSystemHealth, 4)
	subB := bus.Subscribe(eventbus.TopicSystemHealth, 4)
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.Publish(eventbus.TopicSystemHealth, "ping")

	require.Equal(t, "ping", (<-subA.Events()).Payload)
	require.Equal(t, "ping", (<-subB.Events()).Payload)
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicStats, 4)
	require.Equal(t, 1, bus.SubscriberCount(eventbus.TopicStats))

	sub.Unsubscribe()
	require.Equal(t, 0, bus.SubscriberCount(eventbus.TopicStats))

	_, open := <-sub.Events()
	require.False(t, open)
}

func TestTopicsDoNotCrossDeliver(t *testing.T) {
	bus := eventbus.New()
	statsSub := bus.Subscribe(eventbus.TopicStats, 4)
	healthSub := bus.Subscribe(eventbus.TopicSystemHealth, 4)
	defer statsSub.Unsubscribe()
	defer healthSub.Unsubscribe()

	bus.Publish(eventbus.TopicStats, "stats-event")

	select {
	case ev := <-statsSub.Events():
		require.Equal(t, "stats-event", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected stats event")
	}

	select {
	case ev := <-healthSub.Events():
		t.Fatalf("unexpected event on system_health topic: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
