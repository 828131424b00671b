package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubla/slicer/pkg/errdefs"
)

func newBroker(t *testing.T) *Broker {
	t.Helper()
	broker := NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return broker
}

func TestPublishReachesSubscribers(t *testing.T) {
	broker := newBroker(t)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{Type: EventSliceDeployed, SliceID: 3})

	select {
	case event := <-sub:
		assert.Equal(t, EventSliceDeployed, event.Type)
		assert.Equal(t, 3, event.SliceID)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestAwaitSliceDeployed(t *testing.T) {
	broker := newBroker(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		broker.Publish(&Event{Type: EventSliceDeployed, SliceID: 7})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, broker.AwaitSlice(ctx, 7))
}

func TestAwaitSliceIgnoresOtherSlices(t *testing.T) {
	broker := newBroker(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		broker.Publish(&Event{Type: EventSliceDeployed, SliceID: 1})
		broker.Publish(&Event{Type: EventSliceFailed, SliceID: 2, Err: errdefs.ResourceExhausted("no free workers")})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := broker.AwaitSlice(ctx, 2)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindResourceExhausted))
}

func TestAwaitSliceSurvivesSubscriberBackpressure(t *testing.T) {
	broker := newBroker(t)

	// A subscriber nobody drains: once its buffer fills the shared
	// fan-out starts dropping events, but the waiter's keyed channel
	// must still receive the completion.
	stuck := broker.Subscribe()
	defer broker.Unsubscribe(stuck)

	wait := broker.SliceWaiter(42)

	for i := 0; i < 80; i++ {
		broker.Publish(&Event{Type: EventVMTransitioned, SliceID: 1})
	}
	broker.Publish(&Event{Type: EventSliceDeployed, SliceID: 42})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, wait(ctx))
}

func TestAwaitSliceTimesOut(t *testing.T) {
	broker := newBroker(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := broker.AwaitSlice(ctx, 99)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindDependencyUnavailable))
}
