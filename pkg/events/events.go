package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nubla/slicer/pkg/errdefs"
)

// EventType represents the type of event
type EventType string

const (
	EventSliceValidated   EventType = "slice.validated"
	EventSliceVLANsMapped EventType = "slice.vlans_mapped"
	EventSliceDeployed    EventType = "slice.deployed"
	EventSliceFailed      EventType = "slice.failed"
	EventSliceDeleted     EventType = "slice.deleted"
	EventVMTransitioned   EventType = "vm.transitioned"
	EventImageRegistered  EventType = "image.registered"
)

// Event represents a pipeline event
type Event struct {
	ID        string
	Type      EventType
	SliceID   int
	Timestamp time.Time
	Message   string
	Err       error
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	waiters     map[int][]chan *Event
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		waiters:     make(map[int][]chan *Event),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SliceWaiter registers a completion channel for the slice and returns
// a wait function for its terminal pipeline event: deployed (nil) or
// failed (the recorded error). Registering before the triggering
// publish means the caller can never miss a fast completion, and the
// keyed channel holds one reserved slot, so backpressure on the shared
// fan-out cannot drop the completion either.
func (b *Broker) SliceWaiter(sliceID int) func(ctx context.Context) error {
	ch := make(chan *Event, 1)
	b.mu.Lock()
	b.waiters[sliceID] = append(b.waiters[sliceID], ch)
	b.mu.Unlock()

	return func(ctx context.Context) error {
		defer b.forget(sliceID, ch)

		select {
		case event := <-ch:
			if event.Type == EventSliceDeployed {
				return nil
			}
			if event.Err != nil {
				return event.Err
			}
			return errdefs.DriverFailure(event.Message)
		case <-b.stopCh:
			return errdefs.DependencyUnavailable("event broker stopped")
		case <-ctx.Done():
			return errdefs.DependencyUnavailable("timed out waiting for slice deployment").WithCause(ctx.Err())
		}
	}
}

func (b *Broker) forget(sliceID int, ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.waiters[sliceID]
	for i, c := range list {
		if c == ch {
			b.waiters[sliceID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.waiters[sliceID]) == 0 {
		delete(b.waiters, sliceID)
	}
}

// AwaitSlice blocks until the slice reaches its terminal pipeline
// event. Callers that need subscribe-before-publish ordering use
// SliceWaiter directly.
func (b *Broker) AwaitSlice(ctx context.Context, sliceID int) error {
	return b.SliceWaiter(sliceID)(ctx)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.resolve(event)
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// resolve completes the slice's registered waiters on a terminal event.
// The channels are dropped after delivery, so the single buffered slot
// is always free for the one event that matters.
func (b *Broker) resolve(event *Event) {
	if event.Type != EventSliceDeployed && event.Type != EventSliceFailed {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.waiters[event.SliceID] {
		select {
		case ch <- event:
		default:
		}
	}
	delete(b.waiters, event.SliceID)
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
