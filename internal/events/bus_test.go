package events_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/atlas-desktop/trading-pipeline/internal/events"
	"go.uber.org/zap"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())

	var mu sync.Mutex
	var got []int
	bus.Subscribe(events.EventTypeCycle, func(e events.Event) error {
		mu.Lock()
		got = append(got, e.Payload.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		bus.Publish(events.NewEvent(events.EventTypeCycle, i))
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("Expected 50 events, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected event %d at position %d, got %d", i, i, v)
		}
	}
}

func TestBusFiltersByType(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())

	var alerts, all int
	bus.Subscribe(events.EventTypeAlert, func(events.Event) error { alerts++; return nil })
	bus.SubscribeAll(func(events.Event) error { all++; return nil })

	bus.PublishSync(events.NewEvent(events.EventTypeAlert, "a"))
	bus.PublishSync(events.NewEvent(events.EventTypeStage, "s"))
	bus.Stop()

	if alerts != 1 || all != 2 {
		t.Errorf("Expected 1 alert and 2 total, got %d and %d", alerts, all)
	}
}

func TestBusHandlerFailuresAreContained(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())

	var delivered int
	bus.SubscribeAll(func(events.Event) error { panic("boom") })
	bus.SubscribeAll(func(events.Event) error { return errors.New("bad") })
	bus.SubscribeAll(func(events.Event) error { delivered++; return nil })

	bus.PublishSync(events.NewEvent(events.EventTypeControl, nil))
	bus.Stop()

	if delivered != 1 {
		t.Errorf("Expected later subscriber to still run, got %d", delivered)
	}
	if stats := bus.Stats(); stats.ProcessingErrors != 2 {
		t.Errorf("Expected 2 processing errors, got %d", stats.ProcessingErrors)
	}
}

func TestBusUnsubscribeAndStop(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultBusConfig())

	var n int
	sub := bus.SubscribeAll(func(events.Event) error { n++; return nil })
	bus.Unsubscribe(sub)
	bus.PublishSync(events.NewEvent(events.EventTypeCycle, nil))
	if n != 0 || sub.IsActive() {
		t.Error("Expected unsubscribed handler not to run")
	}

	bus.Stop()
	bus.Publish(events.NewEvent(events.EventTypeCycle, nil))
	if bus.Stats().EventsDropped != 1 {
		t.Errorf("Expected publish after stop to be dropped")
	}
}
