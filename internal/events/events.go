package events

import (
	"sync"
	"time"

	"github.com/Ryan0v0/flower-profiler/internal/model"
)

// Event represents a generic event structure
type Event struct {
	Type      string
	Timestamp time.Time
	Data      interface{}
}

// RunFinishedEvent represents the event structure for a finished profiling run
type RunFinishedEvent struct {
	RunId       string
	ExitCode    int32
	ExitMessage string
}

// DeviceStateChangeEvent represents the event structure for device state change
type DeviceStateChangeEvent struct {
	DevicesAdded   []model.Device
	DevicesRemoved []model.Device
}

// EventBus represents the event bus that handles event subscription and dispatching
type EventBus struct {
	mutex       sync.RWMutex
	subscribers map[string][]chan<- Event
}

// NewEventBus creates a new instance of the event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe adds a new subscriber for a given event type
func (eb *EventBus) Subscribe(eventType string, subscriber chan<- Event) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// Unsubscribe removes a subscriber for a given event type so it no longer
// receives events
func (eb *EventBus) Unsubscribe(eventType string, subscriber chan<- Event) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscribers := eb.subscribers[eventType]
	for i, existing := range subscribers {
		if existing == subscriber {
			eb.subscribers[eventType] = append(subscribers[:i], subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers of a given event type
func (eb *EventBus) Publish(event Event) {
	eb.mutex.RLock()
	subscribers := make([]chan<- Event, len(eb.subscribers[event.Type]))
	copy(subscribers, eb.subscribers[event.Type])
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		subscriber <- event
	}
}
