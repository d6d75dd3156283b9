package metrics

import (
	"phoneguard/internal/capture"
	"phoneguard/internal/reporter"
	"phoneguard/internal/violation"
)

// PhoneguardMetrics holds the engine and daemon metrics.
type PhoneguardMetrics struct {
	registry *Registry

	// Counters
	SignalsTotal   *Counter
	SignalsDropped *Counter
	SessionsTotal  *Counter
	ReportsSent    *Counter
	ReportsFailed  *Counter
	violations     map[violation.Kind]*Counter

	// Gauges
	ActiveSession *Gauge

	// Histograms
	ReportDuration *Histogram
}

// NewPhoneguardMetrics registers every phoneguard metric on registry.
func NewPhoneguardMetrics(registry *Registry) *PhoneguardMetrics {
	m := &PhoneguardMetrics{
		registry: registry,

		SignalsTotal: registry.RegisterCounter(
			"signals_total",
			"Signals accepted during an active session",
			nil,
		),
		SignalsDropped: registry.RegisterCounter(
			"signals_dropped_total",
			"Signals discarded because no session was active or the kind was unknown",
			nil,
		),
		SessionsTotal: registry.RegisterCounter(
			"sessions_started_total",
			"Monitoring sessions started",
			nil,
		),
		ReportsSent: registry.RegisterCounter(
			"reports_sent_total",
			"Violation reports accepted by the collector",
			nil,
		),
		ReportsFailed: registry.RegisterCounter(
			"reports_failed_total",
			"Violation reports that failed and were dropped",
			nil,
		),
		violations: make(map[violation.Kind]*Counter),

		ActiveSession: registry.RegisterGauge(
			"active_session",
			"1 while a monitoring session is active",
			nil,
		),

		ReportDuration: registry.RegisterHistogram(
			"report_duration_seconds",
			"Time taken to deliver one violation report",
			nil,
			DurationBuckets,
		),
	}

	for _, k := range violation.Kinds() {
		m.violations[k] = registry.RegisterCounter(
			"violations_total",
			"Violations recorded, by type",
			Labels{"kind": string(k)},
		)
	}
	return m
}

// TrackConnections exposes a live connection count, read at scrape time.
func (m *PhoneguardMetrics) TrackConnections(name string, count func() int) {
	m.registry.RegisterGaugeFunc(
		name+"_connections",
		"Open "+name+" connections",
		nil,
		func() int64 { return int64(count()) },
	)
}

// TrackDroppedEvents exposes how many events name could not deliver to slow
// subscribers, read at scrape time.
func (m *PhoneguardMetrics) TrackDroppedEvents(name string, count func() uint64) {
	m.registry.RegisterGaugeFunc(
		name+"_events_dropped",
		"Events "+name+" discarded because a subscriber queue was full",
		nil,
		func() int64 { return int64(count()) },
	)
}

// Registry returns the registry the metrics live in.
func (m *PhoneguardMetrics) Registry() *Registry {
	return m.registry
}

// SignalReceived counts a valid signal by the source that produced it,
// whether or not a session is active.
func (m *PhoneguardMetrics) SignalReceived(s capture.Signal) {
	m.registry.RegisterCounter(
		"signals_received_total",
		"Signals received from capture sources, by source",
		Labels{"source": s.Source},
	).Inc()
}

// SignalAccepted counts a signal that reached the classifier.
func (m *PhoneguardMetrics) SignalAccepted(capture.Kind) {
	m.SignalsTotal.Inc()
}

// SignalDropped counts a discarded signal.
func (m *PhoneguardMetrics) SignalDropped(capture.Kind) {
	m.SignalsDropped.Inc()
}

// ViolationRecorded counts a violation of kind k.
func (m *PhoneguardMetrics) ViolationRecorded(k violation.Kind) {
	if c, ok := m.violations[k]; ok {
		c.Inc()
	}
}

// ViolationCount returns the number of violations of kind k recorded so far.
func (m *PhoneguardMetrics) ViolationCount(k violation.Kind) uint64 {
	if c, ok := m.violations[k]; ok {
		return c.Value()
	}
	return 0
}

// SessionStarted records a session start.
func (m *PhoneguardMetrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.ActiveSession.Set(1)
}

// SessionStopped records a session end.
func (m *PhoneguardMetrics) SessionStopped() {
	m.ActiveSession.Set(0)
}

// ObserveReport records the outcome of one dispatched report.
func (m *PhoneguardMetrics) ObserveReport(res reporter.Result) {
	m.ReportDuration.ObserveDuration(res.Elapsed)
	if res.OK() {
		m.ReportsSent.Inc()
	} else {
		m.ReportsFailed.Inc()
	}
}
