// Package violation defines the classified phone-usage events produced during
// a driving session.
//
// A violation is a value: once built it is never modified. Slices of
// violations handed out by the monitor are copies, so callers may keep them.
package violation

import (
	"fmt"
	"math"
	"time"
)

// Kind classifies a violation.
type Kind string

const (
	// KindScreenInteraction is a sustained burst of taps, clicks or key presses.
	KindScreenInteraction Kind = "screen_interaction"
	// KindAppSwitch is the app being backgrounded or losing input focus.
	KindAppSwitch Kind = "app_switch"
	// KindTextInput is a single text-producing input event.
	KindTextInput Kind = "text_input"
	// KindCallAnswered is reserved for answered phone calls. Nothing emits it yet.
	KindCallAnswered Kind = "call_answered"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindScreenInteraction, KindAppSwitch, KindTextInput, KindCallAnswered}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindScreenInteraction, KindAppSwitch, KindTextInput, KindCallAnswered:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// Event is one classified violation.
type Event struct {
	Kind            Kind      `json:"type"`
	OccurredAt      time.Time `json:"timestamp"`
	DurationSeconds int       `json:"duration"`
	AppName         string    `json:"appName,omitempty"`
	Details         string    `json:"details,omitempty"`
}

// New builds an event, rounding d to whole seconds.
func New(kind Kind, at time.Time, d time.Duration, details string) Event {
	return Event{
		Kind:            kind,
		OccurredAt:      at,
		DurationSeconds: RoundSeconds(d),
		Details:         details,
	}
}

// RoundSeconds rounds d to the nearest whole second, halves away from zero.
func RoundSeconds(d time.Duration) int {
	return int(math.Round(d.Seconds()))
}

// Duration returns the rounded duration as a time.Duration.
func (e Event) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%ds) at %s", e.Kind, e.DurationSeconds, e.OccurredAt.Format(time.RFC3339))
}

// Clone returns a copy of events that shares no backing array with the input.
func Clone(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
