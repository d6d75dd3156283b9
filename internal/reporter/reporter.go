// Package reporter delivers classified violations to the remote collector.
//
// Delivery is fire-and-forget: a report that fails is logged and dropped.
// There is no retry, queue or backoff. A violation whose report was lost is
// still present in the session log returned by the monitor on stop.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"phoneguard/internal/violation"
)

// Reporter sends one violation for a session.
type Reporter interface {
	Report(ctx context.Context, sessionID string, v violation.Event) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, sessionID string, v violation.Event) error

func (f ReporterFunc) Report(ctx context.Context, sessionID string, v violation.Event) error {
	return f(ctx, sessionID, v)
}

// Payload is the JSON body posted to the collector.
type Payload struct {
	SessionID string         `json:"sessionId"`
	Type      violation.Kind `json:"type"`
	Duration  int            `json:"duration"`
	Timestamp string         `json:"timestamp"`
	Details   string         `json:"details,omitempty"`
	AppName   string         `json:"appName,omitempty"`
}

// NewPayload builds the collector body for v. Timestamps are RFC 3339 in UTC
// with millisecond precision.
func NewPayload(sessionID string, v violation.Event) Payload {
	return Payload{
		SessionID: sessionID,
		Type:      v.Kind,
		Duration:  v.DurationSeconds,
		Timestamp: v.OccurredAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Details:   v.Details,
		AppName:   v.AppName,
	}
}

// ErrNoSession is returned when a report is attempted without a session id.
var ErrNoSession = errors.New("reporter: no session id")

// StatusError is returned when the collector answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.StatusCode, e.Body)
}

// NopReporter discards every report. Used when no collector endpoint is configured.
type NopReporter struct{}

func (NopReporter) Report(context.Context, string, violation.Event) error { return nil }

// Result describes the outcome of one dispatched report.
type Result struct {
	SessionID string
	Event     violation.Event
	Err       error
	Elapsed   time.Duration
}

// OK reports whether the collector accepted the report.
func (r Result) OK() bool {
	return r.Err == nil
}
