// Package monitor runs the violation detection engine for one driving
// session at a time.
//
// A Monitor owns the session on/off state, the in-memory violation log and
// the classifier. Every mutation happens under a single mutex: signal
// delivery, scheduled burst decisions, Start and Stop are strictly ordered
// against each other. Reports are handed to a Dispatcher and never block the
// caller.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"phoneguard/internal/capture"
	"phoneguard/internal/classifier"
	"phoneguard/internal/clock"
	"phoneguard/internal/violation"
)

// Dispatcher delivers a recorded violation somewhere outside the process.
// Dispatch must not block.
type Dispatcher interface {
	Dispatch(sessionID string, v violation.Event)
}

// Metrics receives engine counters. Implementations must be safe for
// concurrent use and cheap; they are called with the monitor lock held.
type Metrics interface {
	SignalAccepted(kind capture.Kind)
	SignalDropped(kind capture.Kind)
	ViolationRecorded(kind violation.Kind)
	SessionStarted()
	SessionStopped()
}

// Options configures a Monitor. Every field is optional.
type Options struct {
	Dispatcher Dispatcher
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    Metrics
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	IsActive        bool    `json:"isActive"`
	IsMonitoring    bool    `json:"isMonitoring"`
	ViolationsCount int     `json:"violationsCount"`
	SessionID       *string `json:"currentSessionId"`
}

// CurrentSessionID returns the session id, or "" when inactive.
func (s Status) CurrentSessionID() string {
	if s.SessionID == nil {
		return ""
	}
	return *s.SessionID
}

// Monitor is the engine. The zero value is not usable; call New.
type Monitor struct {
	clock      clock.Clock
	dispatcher Dispatcher
	metrics    Metrics
	logger     *slog.Logger

	mu         sync.Mutex
	classifier *classifier.Classifier
	active     bool
	sessionID  string
	startedAt  time.Time
	log        []violation.Event
	outbox     []Event
	delivering bool

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObsID int
}

// New returns an inactive monitor.
func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = nopDispatcher{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	m := &Monitor{
		clock:      opts.Clock,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	m.classifier = classifier.New(lockedClock{m: m}, m.record, opts.Logger.With("component", "classifier"))
	return m
}

// Start begins monitoring for sessionID. Calling Start while a session is
// active replaces it: the previous log and any undecided burst are discarded.
func (m *Monitor) Start(sessionID string) {
	m.StartSession(sessionID)
}

// StartSession is Start that also returns the id of the session it
// replaced, or "" if none was active.
func (m *Monitor) StartSession(sessionID string) (replaced string) {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if m.active {
		replaced = m.sessionID
		m.logger.Info("replacing active session",
			"previous_session_id", m.sessionID,
			"session_id", sessionID,
			"discarded_violations", len(m.log),
		)
		m.metrics.SessionStopped()
	}

	m.classifier.Reset()
	m.active = true
	m.sessionID = sessionID
	m.startedAt = m.clock.Now()
	m.log = nil

	m.metrics.SessionStarted()
	m.logger.Info("monitoring started", "session_id", sessionID)
	m.outbox = append(m.outbox, Event{
		Type:      EventSessionStarted,
		SessionID: sessionID,
		At:        m.startedAt,
	})
	return replaced
}

// Stop ends the session and returns every violation recorded since Start.
// The log is left empty. Any undecided burst is discarded. Stop on an
// inactive monitor returns an empty slice.
func (m *Monitor) Stop() []violation.Event {
	_, drained, _ := m.StopSession()
	return drained
}

// StopSession is Stop that also returns the id of the session it ended.
// ok is false, with an empty slice, when no session was active.
func (m *Monitor) StopSession() (sessionID string, drained []violation.Event, ok bool) {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if !m.active {
		return "", []violation.Event{}, false
	}

	m.classifier.Reset()
	drained = m.log
	if drained == nil {
		drained = []violation.Event{}
	}
	sessionID = m.sessionID
	now := m.clock.Now()

	m.active = false
	m.sessionID = ""
	m.log = nil

	m.metrics.SessionStopped()
	m.logger.Info("monitoring stopped",
		"session_id", sessionID,
		"violations", len(drained),
		"elapsed", now.Sub(m.startedAt),
	)
	m.outbox = append(m.outbox, Event{
		Type:       EventSessionStopped,
		SessionID:  sessionID,
		Violations: len(drained),
		At:         now,
	})
	return sessionID, drained, true
}

// Status returns a snapshot. It has no side effects.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		IsActive:        m.active,
		IsMonitoring:    m.active,
		ViolationsCount: len(m.log),
	}
	if m.active {
		id := m.sessionID
		st.SessionID = &id
	}
	return st
}

// Violations returns a copy of the current session's log without draining it.
func (m *Monitor) Violations() []violation.Event {
	_, log := m.SessionViolations()
	return log
}

// SessionViolations returns the active session id together with a copy of
// its log, read in one step. The id is "" when no session is active.
func (m *Monitor) SessionViolations() (sessionID string, log []violation.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		sessionID = m.sessionID
	}
	return sessionID, violation.Clone(m.log)
}

// HandleSignal feeds one raw signal to the classifier. Signals that arrive
// while no session is active are dropped permanently.
func (m *Monitor) HandleSignal(s capture.Signal) {
	m.mu.Lock()
	defer m.unlockAndNotify()

	if !m.active {
		m.metrics.SignalDropped(s.Kind)
		m.logger.Debug("dropping signal outside session", "kind", s.Kind, "source", s.Source)
		return
	}

	now := m.clock.Now()
	switch s.Kind.Class() {
	case capture.ClassInteraction:
		m.classifier.Interaction(now)
	case capture.ClassSwitchAway:
		m.classifier.AppSwitchAway(now)
	case capture.ClassReturn:
		m.classifier.AppReturn(now)
	case capture.ClassTextInput:
		m.classifier.TextInput(now)
	default:
		m.metrics.SignalDropped(s.Kind)
		m.logger.Debug("dropping unknown signal", "kind", s.Kind, "source", s.Source)
		return
	}
	m.metrics.SignalAccepted(s.Kind)
}

// record is the classifier's emit callback. It runs with m.mu held.
func (m *Monitor) record(v violation.Event) {
	if !m.active {
		m.logger.Debug("suppressing violation outside session", "type", v.Kind)
		return
	}

	m.log = append(m.log, v)
	m.metrics.ViolationRecorded(v.Kind)
	m.logger.Info("violation recorded",
		"session_id", m.sessionID,
		"type", v.Kind,
		"duration", v.DurationSeconds,
	)
	m.dispatcher.Dispatch(m.sessionID, v)

	ev := v
	m.outbox = append(m.outbox, Event{
		Type:       EventViolationRecorded,
		SessionID:  m.sessionID,
		Violation:  &ev,
		Violations: len(m.log),
		At:         v.OccurredAt,
	})
}

// unlockAndNotify releases m.mu and then delivers queued events, so
// observers may call back into the monitor. Only one caller delivers at a
// time: events queued while a delivery is running are handed to that
// caller, which keeps observers seeing them in the order they were queued.
func (m *Monitor) unlockAndNotify() {
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for {
		out := m.outbox
		m.outbox = nil
		if len(out) == 0 {
			m.delivering = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.notify(out)
		m.mu.Lock()
	}
}

// lockedClock hands the classifier the monitor's clock with every scheduled
// callback running under the monitor lock.
type lockedClock struct {
	m *Monitor
}

func (c lockedClock) Now() time.Time {
	return c.m.clock.Now()
}

func (c lockedClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.m.clock.AfterFunc(d, func() {
		c.m.mu.Lock()
		defer c.m.unlockAndNotify()
		f()
	})
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string, violation.Event) {}

type nopMetrics struct{}

func (nopMetrics) SignalAccepted(capture.Kind) {}
func (nopMetrics) SignalDropped(capture.Kind) {}
func (nopMetrics) ViolationRecorded(violation.Kind) {}
func (nopMetrics) SessionStarted() {}
func (nopMetrics) SessionStopped() {}
