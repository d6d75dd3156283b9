package monitor

import (
	"time"

	"phoneguard/internal/violation"
)

// EventType identifies a monitor notification.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionStopped    EventType = "session_stopped"
	EventViolationRecorded EventType = "violation_recorded"
)

// Event is delivered to observers after the monitor lock is released.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`

	// Violation is set for EventViolationRecorded.
	Violation *violation.Event `json:"violation,omitempty"`

	// Violations is the log length after the event. For EventSessionStopped
	// it is the number of violations drained.
	Violations int `json:"violations"`
}

// Observer receives monitor events one at a time, in the order the monitor
// produced them. The goroutine that delivers an event is not necessarily the
// one that caused it. Observers must not block for long.
type Observer func(Event)

type observerEntry struct {
	id int
	fn Observer
}

// Subscribe registers o and returns a function that removes it.
func (m *Monitor) Subscribe(o Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observerEntry{id: id, fn: o})

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, e := range m.observers {
			if e.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

func (m *Monitor) notify(events []Event) {
	m.obsMu.RLock()
	observers := make([]Observer, len(m.observers))
	for i, e := range m.observers {
		observers[i] = e.fn
	}
	m.obsMu.RUnlock()

	for _, ev := range events {
		for _, o := range observers {
			o(ev)
		}
	}
}
