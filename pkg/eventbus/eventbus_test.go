package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Seq int
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := New[testEvent]()
	defer bus.Shutdown()

	ch, cancel := bus.Subscribe(context.Background())
	defer cancel()

	delivered := bus.Publish(testEvent{Seq: 1})
	assert.Equal(t, 1, delivered)

	select {
	case ev := <-ch:
		assert.Equal(t, 1, ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	bus := New[testEvent]()
	defer bus.Shutdown()

	assert.Equal(t, 0, bus.Publish(testEvent{Seq: 1}))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New[testEvent]()
	defer bus.Shutdown()

	ch, cancel := bus.Subscribe(context.Background())
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}

	assert.Equal(t, 0, bus.Publish(testEvent{Seq: 2}))
}

func TestContextCancellationUnsubscribes(t *testing.T) {
	bus := New[testEvent]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewWithConfig[testEvent](Config{BufferSize: 1})
	defer bus.Shutdown()

	_, cancel := bus.Subscribe(context.Background())
	defer cancel()

	// Buffer of one: the second publish cannot be delivered.
	assert.Equal(t, 1, bus.Publish(testEvent{Seq: 1}))
	assert.Equal(t, 0, bus.Publish(testEvent{Seq: 2}))

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.TotalDropped)
}

func TestShutdownIsTerminal(t *testing.T) {
	bus := New[testEvent]()
	ch, _ := bus.Subscribe(context.Background())

	bus.Shutdown()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Publish(testEvent{Seq: 1}))

	lateCh, lateCancel := bus.Subscribe(context.Background())
	defer lateCancel()
	_, open = <-lateCh
	assert.False(t, open, "post-shutdown subscriptions are closed immediately")

	assert.True(t, bus.Stats().IsShutdown)
}
