package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apisim/models"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(models.RequestLog{ServiceName: "orders"})

	ev, _, ok := sub.Next(nil)
	require.True(t, ok)
	assert.Equal(t, KindRequestLog, ev.Kind)
	assert.Equal(t, "orders", ev.RequestLog.ServiceName)
}

func TestOverflowMarksLagged(t *testing.T) {
	bus := New(2)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(models.RequestLog{ServiceName: "orders"})
	}

	_, lagged, ok := sub.Next(nil)
	require.True(t, ok)
	assert.Greater(t, lagged, 0)
}

func TestPublisherNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			bus.Publish(models.RequestLog{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-make(chan struct{}):
		t.Fatal("unreachable")
	}
}

func TestMultipleSubscribersEachGetEvents(t *testing.T) {
	bus := New(4)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	bus.Publish(models.RequestLog{ServiceName: "x"})

	_, _, okA := a.Next(nil)
	_, _, okB := b.Next(nil)
	assert.True(t, okA)
	assert.True(t, okB)
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	sub.Close()

	bus.Publish(models.RequestLog{})

	select {
	case <-sub.queue:
		t.Fatal("closed subscriber should not receive further events")
	default:
	}
}
