package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

func newBroker(t *testing.T) *Broker {
	t.Helper()
	broker, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })
	return broker
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "vlan_mapping_linux", VLANMappingQueue(types.ZoneLinux))
	assert.Equal(t, "vm_placement_openstack", VMPlacementQueue(types.ZoneOpenStack))
}

func TestPublishDepth(t *testing.T) {
	q := newBroker(t).Queue("vlan_mapping_linux")

	require.NoError(t, q.Publish([]byte(`{"id_slice":1}`)))
	require.NoError(t, q.Publish([]byte(`{"id_slice":2}`)))

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestConsumeFIFO(t *testing.T) {
	q := newBroker(t).Queue("vm_placement_linux")

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Publish([]byte(body)))
	}

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Consume(ctx, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(msg.Body))
		if len(seen) == 3 {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages were not consumed")
	}

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	mu.Unlock()

	require.Eventually(t, func() bool {
		depth, err := q.Depth()
		return err == nil && depth == 0
	}, 2*time.Second, 50*time.Millisecond, "acked messages must be deleted")
}

func TestTransientErrorRequeues(t *testing.T) {
	q := newBroker(t).Queue("vlan_mapping_linux")
	require.NoError(t, q.Publish([]byte("flaky")))

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Consume(ctx, func(ctx context.Context, msg *Message) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			return errdefs.DependencyUnavailable("database hiccup")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("message was not redelivered")
	}

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()
}

func TestPermanentErrorDeadLetters(t *testing.T) {
	q := newBroker(t).Queue("vm_placement_openstack")
	require.NoError(t, q.Publish([]byte("poison")))

	processed := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	go q.Consume(ctx, func(ctx context.Context, msg *Message) error {
		once.Do(func() { close(processed) })
		return errors.New("permanently broken")
	})

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("message was never handled")
	}

	require.Eventually(t, func() bool {
		dead, err := q.DeadLetters()
		return err == nil && len(dead) == 1
	}, 5*time.Second, 50*time.Millisecond)

	depth, err := q.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "poison message must leave the queue")
}

func TestHandlerPanicDeadLetters(t *testing.T) {
	q := newBroker(t).Queue("vm_placement_linux")
	require.NoError(t, q.Publish([]byte("boom")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Consume(ctx, func(ctx context.Context, msg *Message) error {
		panic("handler bug")
	})

	require.Eventually(t, func() bool {
		dead, err := q.DeadLetters()
		return err == nil && len(dead) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBackoffShape(t *testing.T) {
	assert.Equal(t, backoffBase, backoff(1))
	assert.Equal(t, 2*backoffBase, backoff(2))
	assert.Equal(t, backoffCap, backoff(30))
}
