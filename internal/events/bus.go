// Package events provides the in-process event bus that fans pipeline
// activity out to observers such as the websocket hub.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeStage    EventType = "stage"
	EventTypeCycle    EventType = "cycle"
	EventTypeAlert    EventType = "alert"
	EventTypePosition EventType = "position"
	EventTypeControl  EventType = "control"
)

// Event is a single published occurrence.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewEvent stamps a payload with an id and the current time.
func NewEvent(eventType EventType, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler processes an event
type EventHandler func(event Event) error

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType // empty for all events
	handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Stats tracks bus throughput.
type Stats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	EventsDropped     int64 `json:"eventsDropped"`
	ProcessingErrors  int64 `json:"processingErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// BusConfig configures the event bus
type BusConfig struct {
	BufferSize int `json:"bufferSize" validate:"gte=1"`
}

// DefaultBusConfig returns sensible defaults
func DefaultBusConfig() BusConfig {
	return BusConfig{BufferSize: 1024}
}

// Bus routes events to subscribers. A single worker delivers events in
// publish order; Publish never blocks the publisher.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*Subscription

	eventChan chan Event
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	published  atomic.Int64
	processed  atomic.Int64
	dropped    atomic.Int64
	errors     atomic.Int64
	subscribed atomic.Int64
}

// NewBus creates an event bus and starts its worker.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}

	b := &Bus{
		logger:    logger.Named("events"),
		eventChan: make(chan Event, config.BufferSize),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.worker()
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// drain what was already accepted
			for {
				select {
				case event := <-b.eventChan:
					b.dispatch(event)
				default:
					return
				}
			}
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.EventType != "" && sub.EventType != event.Type {
			continue
		}
		b.execute(sub, event)
	}
	b.processed.Add(1)
}

// execute runs a handler with panic recovery.
func (b *Bus) execute(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscriptionId", sub.ID),
				zap.String("eventType", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.errors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscriptionId", sub.ID),
			zap.String("eventType", string(event.Type)),
			zap.Error(err),
		)
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		EventType: eventType,
		handler:   handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.subscribed.Add(1)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler EventHandler) *Subscription {
	return b.Subscribe("", handler)
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub *Subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	b.subscribed.Add(-1)

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// Publish queues an event. If the buffer is full or the bus is stopped the
// event is dropped and counted. A nil bus drops silently.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		b.dropped.Add(1)
		return
	default:
	}

	select {
	case b.eventChan <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event dropped - buffer full", zap.String("eventType", string(event.Type)))
	}
}

// PublishSync delivers an event on the caller's goroutine.
func (b *Bus) PublishSync(event Event) {
	b.published.Add(1)
	b.dispatch(event)
}

// Stats returns current statistics.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsPublished:   b.published.Load(),
		EventsProcessed:   b.processed.Load(),
		EventsDropped:     b.dropped.Load(),
		ProcessingErrors:  b.errors.Load(),
		ActiveSubscribers: b.subscribed.Load(),
	}
}

// Stop delivers queued events and stops the worker, waiting at most 5s.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.logger.Info("Event bus stopped",
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("dropped", b.dropped.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
}
