package events

import (
	"sync"
	"time"
)

// EventType represents the type of pipeline event
type EventType string

const (
	EventAssetRegistered  EventType = "asset.registered"
	EventAssetQueued      EventType = "asset.queued"
	EventAssetAssigned    EventType = "asset.assigned"
	EventAssetPublished   EventType = "asset.published"
	EventAssetFailed      EventType = "asset.failed"
	EventAssetRetried     EventType = "asset.retried"
	EventAssetRescued     EventType = "asset.rescued"
	EventWalletUnlocked   EventType = "wallet.unlocked"
	EventFailureRateHigh  EventType = "publish.failure_rate_high"
	EventQueuePaused      EventType = "queue.paused"
	EventQueueResumed     EventType = "queue.resumed"
)

// Event represents a pipeline event
type Event struct {
	Type      EventType
	Timestamp time.Time
	AssetID   int64
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// subscription pairs a channel with an optional type filter
type subscription struct {
	filter map[EventType]bool // nil means all types
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]*subscription
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]*subscription),
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
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel. With no
// types given the subscriber receives every event; otherwise only the
// listed types.
func (b *Broker) Subscribe(kinds ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	s := &subscription{}
	if len(kinds) > 0 {
		s.filter = make(map[EventType]bool, len(kinds))
		for _, k := range kinds {
			s.filter[k] = true
		}
	}
	b.subscribers[sub] = s
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all matching subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subscribers {
		if s.filter != nil && !s.filter[event.Type] {
			continue
		}
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
