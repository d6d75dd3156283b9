package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"phoneguard/internal/violation"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		hasError bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"xml", FormatText, true},
	}

	for _, test := range tests {
		f, err := ParseFormat(test.input)
		if (err != nil) != test.hasError {
			t.Errorf("ParseFormat(%q) error = %v", test.input, err)
		}
		if f != test.expected {
			t.Errorf("ParseFormat(%q) = %v, want %v", test.input, f, test.expected)
		}
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v, %v", level, parsed, err)
		}
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Writer = &buf
	cfg.Format = format
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatJSON)

	logger.Info("session started", "session_id", "trip-42", "auth_token", "s3cret")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "session started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "phoneguard" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["session_id"] != "trip-42" {
		t.Errorf("session_id should not be redacted, got %v", entry["session_id"])
	}
	if entry["auth_token"] != "[REDACTED]" {
		t.Errorf("auth_token = %v", entry["auth_token"])
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"AuthToken", true},
		{"collector_secret", true},
		{"authorization", true},
		{"session_id", false},
		{"kind", false},
		{"duration", false},
		{"endpoint", false},
	}

	for _, test := range tests {
		if got := shouldRedact(test.key); got != test.expected {
			t.Errorf("shouldRedact(%q) = %v, want %v", test.key, got, test.expected)
		}
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	logger, buf := newBufferLogger(t, FormatText)
	child := logger.WithComponent("monitor")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	if logger.Level() != LevelDebug {
		t.Errorf("Level() = %v", logger.Level())
	}
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") || !strings.Contains(buf.String(), "component=monitor") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("empty context gave %q", got)
	}
	//nolint:staticcheck // nil context is handled explicitly
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("nil context gave %q", got)
	}

	logger, buf := newBufferLogger(t, FormatText)
	logger.WithContext(ctx).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("request id missing: %s", buf.String())
	}
}

func TestFileRotator(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(dir, "nested", "phoneguard.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Sync(); err != nil {
		t.Errorf("Sync: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file content: %s", data)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRotator(&Config{
		FilePath:   filepath.Join(dir, "pg.log"),
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}

	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	step := 0
	r.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 5; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatalf("Backups: %v", err)
	}
	if len(backups) != 2 {
		t.Errorf("expected 2 backups after pruning, got %d: %v", len(backups), backups)
	}
	info, err := os.Stat(filepath.Join(dir, "pg.log"))
	if err != nil {
		t.Fatalf("stat live file: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("live file size = %d", info.Size())
	}
}

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := NewAuditLogger(&AuditLoggerConfig{FilePath: path, MaxSize: 10})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	start := time.Date(2026, 5, 4, 17, 30, 0, 0, time.UTC)
	v := violation.New(violation.KindTextInput, start.Add(time.Second), time.Second, "Text entered while driving")

	if err := audit.LogStartup("test"); err != nil {
		t.Fatal(err)
	}
	if err := audit.LogSessionStart("trip-1", start); err != nil {
		t.Fatal(err)
	}
	if err := audit.LogViolation("trip-1", v); err != nil {
		t.Fatal(err)
	}
	if err := audit.LogSessionEnd("trip-1", start.Add(time.Minute), 1); err != nil {
		t.Fatal(err)
	}
	if err := audit.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}

	if len(events) != 4 {
		t.Fatalf("expected 4 audit lines, got %d", len(events))
	}
	want := []AuditEventType{AuditStartup, AuditSessionStart, AuditViolation, AuditSessionEnd}
	for i, e := range events {
		if e.EventType != want[i] {
			t.Errorf("line %d type = %s, want %s", i, e.EventType, want[i])
		}
	}
	if events[0].Timestamp.IsZero() {
		t.Error("startup timestamp not filled in")
	}
	if events[2].Violation == nil || events[2].Violation.Kind != violation.KindTextInput {
		t.Errorf("violation line = %+v", events[2])
	}
	if events[3].Violations != 1 || events[3].SessionID != "trip-1" {
		t.Errorf("session end line = %+v", events[3])
	}
}
