package workflow

import (
	"sync"
	"time"
)

// EventType classifies messages emitted while a session runs.
type EventType string

const (
	EventStage    EventType = "stage"
	EventProgress EventType = "progress"
	EventFallback EventType = "fallback"
	EventFailure  EventType = "failure"
)

// Event is a sequenced payload consumed by UI subscribers.
type Event struct {
	Seq         int64     `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id"`
	Type        EventType `json:"type"`
	Stage       Stage     `json:"stage"`
	Command     Command   `json:"command,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	Remaining   int       `json:"remaining,omitempty"`
	DelayMs     int64     `json:"delay_ms,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// EventBus stores recent events, provides incremental reads and fans out to
// live subscribers. Slow subscribers miss events rather than block publishers;
// they can catch up with Since.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[chan Event]struct{}
}

// NewEventBus creates a bounded in-memory event buffer.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = DefaultEventHistory
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[chan Event]struct{}),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe returns a channel receiving every future event and a cancel func
// that closes it.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
