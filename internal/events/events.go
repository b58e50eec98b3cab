package events

import (
	"sync"
	"time"

	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/common"
	"github.com/AIoTwin-Adaptive-FL-Orch/fl-sim/internal/monitor"
)

// Event represents a generic event structure
type Event struct {
	Type      string
	Timestamp time.Time
	Data      interface{}
}

// RoundFinishedEvent carries the mean metrics of one global round. Test is nil
// on rounds without an after-aggregation test.
type RoundFinishedEvent struct {
	RunId     string
	Round     int
	Train     monitor.Variables
	Test      monitor.Variables
	TransCost float64
}

// ExperimentFinishedEvent represents the event structure for finishing an experiment
type ExperimentFinishedEvent struct {
	RunId       string
	ExitCode    int32
	ExitMessage string
}

func NewRoundFinishedEvent(data RoundFinishedEvent) Event {
	return Event{Type: common.ROUND_FINISHED_EVENT_TYPE, Timestamp: time.Now(), Data: data}
}

func NewExperimentFinishedEvent(data ExperimentFinishedEvent) Event {
	return Event{Type: common.EXPERIMENT_FINISHED_EVENT_TYPE, Timestamp: time.Now(), Data: data}
}

// EventBus represents the event bus that handles event subscription and dispatching.
// Publish blocks until every subscriber took the event, so subscribers must
// drain their channels.
type EventBus struct {
	mu          sync.RWMutex
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
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// Unsubscribe removes subscriber from eventType
func (eb *EventBus) Unsubscribe(eventType string, subscriber chan<- Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscribers := eb.subscribers[eventType]
	for i, s := range subscribers {
		if s == subscriber {
			eb.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers of a given event type. A nil bus
// drops the event.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	subscribers := append([]chan<- Event(nil), eb.subscribers[event.Type]...)
	eb.mu.RUnlock()

	for _, subscriber := range subscribers {
		subscriber <- event
	}
}
