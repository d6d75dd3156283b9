// Package capture collects raw phone signals from the environment and feeds
// them to a single sink.
//
// Sources are registered once for the lifetime of the process. They deliver
// every signal they see; deciding whether a signal matters (for example,
// whether a session is active) is the sink's job. Nothing is buffered or
// replayed.
package capture

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a raw signal.
type Kind string

const (
	KindVisibilityHidden  Kind = "visibility_hidden"
	KindVisibilityVisible Kind = "visibility_visible"
	KindFocusLost         Kind = "focus_lost"
	KindFocusGained       Kind = "focus_gained"
	KindPointerDown       Kind = "pointer_down"
	KindClick             Kind = "click"
	KindKeyDown           Kind = "key_down"
	KindTextInput         Kind = "text_input"
)

// Class groups signal kinds by how they are classified.
type Class int

const (
	ClassUnknown Class = iota
	// ClassSwitchAway is the app being hidden or losing focus.
	ClassSwitchAway
	// ClassReturn is the app becoming visible or regaining focus.
	ClassReturn
	// ClassInteraction is a discrete touch, click or key press.
	ClassInteraction
	// ClassTextInput is any event that produces text.
	ClassTextInput
)

func (c Class) String() string {
	switch c {
	case ClassSwitchAway:
		return "switch_away"
	case ClassReturn:
		return "return"
	case ClassInteraction:
		return "interaction"
	case ClassTextInput:
		return "text_input"
	default:
		return "unknown"
	}
}

// Class returns how k is classified.
func (k Kind) Class() Class {
	switch k {
	case KindVisibilityHidden, KindFocusLost:
		return ClassSwitchAway
	case KindVisibilityVisible, KindFocusGained:
		return ClassReturn
	case KindPointerDown, KindClick, KindKeyDown:
		return ClassInteraction
	case KindTextInput:
		return ClassTextInput
	default:
		return ClassUnknown
	}
}

// Valid reports whether k is a known signal kind.
func (k Kind) Valid() bool {
	return k.Class() != ClassUnknown
}

func (k Kind) String() string {
	return string(k)
}

// ErrUnknownKind is returned by ParseKind for unrecognised names.
var ErrUnknownKind = errors.New("unknown signal kind")

// ParseKind parses a signal kind name. Matching ignores case and
// surrounding space, and accepts hyphens for underscores.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Signal is one raw environment event.
type Signal struct {
	Kind Kind `json:"kind"`
	// Source names the source that produced the signal.
	Source string `json:"source,omitempty"`
}

// Sink receives signals. Implementations must be safe for concurrent use.
type Sink interface {
	HandleSignal(Signal)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Signal)

func (f SinkFunc) HandleSignal(s Signal) { f(s) }
