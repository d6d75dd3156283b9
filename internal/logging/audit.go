package logging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"phoneguard/internal/violation"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditSessionStart AuditEventType = "session_start"
	AuditSessionEnd   AuditEventType = "session_end"
	AuditViolation    AuditEventType = "violation"
	AuditStartup      AuditEventType = "startup"
	AuditShutdown     AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp  time.Time        `json:"timestamp"`
	EventType  AuditEventType   `json:"event_type"`
	SessionID  string           `json:"session_id,omitempty"`
	Violation  *violation.Event `json:"violation,omitempty"`
	Violations int              `json:"violations,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   DefaultLogPath("audit.jsonl"),
		MaxSize:    20,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
	}
}

// AuditLogger appends session lifecycle and violation records to a
// rotated JSON-lines file, one object per line.
type AuditLogger struct {
	rotator *FileRotator
	mu      sync.Mutex
	now     func() time.Time
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{rotator: rotator, now: time.Now}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if _, err := a.rotator.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSessionStart records the start of a monitoring session.
func (a *AuditLogger) LogSessionStart(sessionID string, at time.Time) error {
	return a.Log(AuditEvent{Timestamp: at, EventType: AuditSessionStart, SessionID: sessionID})
}

// LogSessionEnd records the end of a session and how many violations it
// produced.
func (a *AuditLogger) LogSessionEnd(sessionID string, at time.Time, violations int) error {
	return a.Log(AuditEvent{
		Timestamp:  at,
		EventType:  AuditSessionEnd,
		SessionID:  sessionID,
		Violations: violations,
	})
}

// LogViolation records one violation.
func (a *AuditLogger) LogViolation(sessionID string, v violation.Event) error {
	return a.Log(AuditEvent{
		Timestamp: v.OccurredAt,
		EventType: AuditViolation,
		SessionID: sessionID,
		Violation: &v,
	})
}

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(version string) error {
	return a.Log(AuditEvent{EventType: AuditStartup, Detail: version})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(reason string) error {
	return a.Log(AuditEvent{EventType: AuditShutdown, Detail: reason})
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	return a.rotator.Close()
}

// Sync flushes the audit log to disk.
func (a *AuditLogger) Sync() error {
	return a.rotator.Sync()
}
