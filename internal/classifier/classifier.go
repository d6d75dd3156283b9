// Package classifier turns raw phone signals into violations.
//
// Two policies run side by side:
//
//   - Sustained interaction: taps, clicks and key presses are merged into
//     bursts. A burst is decided once it has been quiet for InteractionTimeout
//     and yields at most one screen_interaction violation.
//   - Immediate events: switching away from the app and every text entry
//     produce a fixed one-second violation straight away, with no debounce.
//
// A Classifier is not safe for concurrent use. The owner must serialize signal
// delivery and scheduled decisions, normally by handing New a clock whose
// AfterFunc callbacks take the owner's lock.
package classifier

import (
	"fmt"
	"log/slog"
	"time"

	"phoneguard/internal/clock"
	"phoneguard/internal/violation"
)

// Fixed policy parameters.
const (
	// InteractionTimeout is the quiet period that closes a burst.
	InteractionTimeout = 2 * time.Second
	// ViolationThreshold is the minimum burst length that counts as a violation.
	ViolationThreshold = time.Second
	// ImmediateDuration is the duration recorded for app switches and text input.
	ImmediateDuration = time.Second
)

const (
	appSwitchDetails = "Switched away from the driving app"
	textInputDetails = "Text entered while driving"
)

// EmitFunc receives each classified violation.
type EmitFunc func(violation.Event)

type phase int

const (
	phaseIdle phase = iota
	phaseOpen
)

// burst is the undecided run of interactions.
type burst struct {
	phase phase
	start time.Time
	last  time.Time
}

// decision is a scheduled check bound to the interaction that scheduled it.
type decision struct {
	ref   time.Time
	timer clock.Timer
}

// Classifier holds the burst state machine and app-switch bookkeeping.
type Classifier struct {
	clock  clock.Clock
	emit   EmitFunc
	logger *slog.Logger

	burst     burst
	pending   *decision
	awaySince time.Time
}

// New returns an idle classifier. emit is called synchronously, on the same
// goroutine that delivered the signal or ran the decision.
func New(c clock.Clock, emit EmitFunc, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Classifier{
		clock:  c,
		emit:   emit,
		logger: logger,
	}
}

// Interaction records a discrete interaction (pointer down, click, key down)
// at time at and reschedules the burst decision.
func (c *Classifier) Interaction(at time.Time) {
	if c.burst.phase == phaseIdle {
		c.burst = burst{phase: phaseOpen, start: at}
	}
	c.burst.last = at

	c.cancelPending()
	d := &decision{ref: at}
	d.timer = c.clock.AfterFunc(InteractionTimeout, func() { c.decide(d) })
	c.pending = d
}

// decide runs when a decision's quiet period has elapsed. Only the decision
// scheduled by the most recent interaction of an open burst can act.
func (c *Classifier) decide(d *decision) {
	if c.pending != d {
		return
	}
	if c.burst.phase != phaseOpen || !c.burst.last.Equal(d.ref) {
		return
	}
	c.pending = nil

	quietAt := d.ref.Add(InteractionTimeout)
	length := quietAt.Sub(c.burst.start)
	c.burst = burst{}

	if length < ViolationThreshold {
		c.logger.Debug("burst below threshold", "length", length)
		return
	}
	secs := violation.RoundSeconds(length)
	c.emit(violation.New(
		violation.KindScreenInteraction,
		c.clock.Now(),
		length,
		fmt.Sprintf("Sustained screen interaction for %ds", secs),
	))
}

// AppSwitchAway records the app being hidden or losing focus. Every call
// emits one app_switch violation.
func (c *Classifier) AppSwitchAway(at time.Time) {
	if c.awaySince.IsZero() {
		c.awaySince = at
	}
	c.emit(violation.New(violation.KindAppSwitch, at, ImmediateDuration, appSwitchDetails))
}

// AppReturn records the app becoming visible or regaining focus. It emits
// nothing; the time spent away is only logged.
func (c *Classifier) AppReturn(at time.Time) {
	if c.awaySince.IsZero() {
		return
	}
	c.logger.Debug("returned to app", "away", at.Sub(c.awaySince))
	c.awaySince = time.Time{}
}

// TextInput emits one text_input violation for a single text entry.
func (c *Classifier) TextInput(at time.Time) {
	c.emit(violation.New(violation.KindTextInput, at, ImmediateDuration, textInputDetails))
}

// Reset cancels any pending decision and discards all burst and away state.
func (c *Classifier) Reset() {
	c.cancelPending()
	c.burst = burst{}
	c.awaySince = time.Time{}
}

// BurstOpen reports whether a burst is undecided, and its bounds if so.
func (c *Classifier) BurstOpen() (open bool, start, last time.Time) {
	if c.burst.phase != phaseOpen {
		return false, time.Time{}, time.Time{}
	}
	return true, c.burst.start, c.burst.last
}

// DecisionPending reports whether a burst decision is scheduled.
func (c *Classifier) DecisionPending() bool {
	return c.pending != nil
}

func (c *Classifier) cancelPending() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.pending = nil
}
