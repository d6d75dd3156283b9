package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every section and returns all problems joined into one
// error, or nil.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateCollector()...)
	errs = append(errs, c.validateCapture()...)
	errs = append(errs, c.validateHTTP()...)
	errs = append(errs, c.validateIPC()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateMetrics()...)
	return errors.Join(errs...)
}

func (c *Config) validateCollector() []error {
	var errs []error
	if ep := c.Collector.Endpoint; ep != "" {
		u, err := url.Parse(ep)
		switch {
		case err != nil:
			errs = append(errs, invalid("collector.endpoint", "%v", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, invalid("collector.endpoint", "scheme must be http or https, got %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, invalid("collector.endpoint", "missing host"))
		}
	}
	if c.Collector.TimeoutSec <= 0 {
		errs = append(errs, invalid("collector.timeout_sec", "must be positive"))
	}
	return errs
}

func (c *Config) validateCapture() []error {
	var errs []error
	ws := c.Capture.WebSocket
	if ws.Enabled {
		if !strings.HasPrefix(ws.Path, "/") {
			errs = append(errs, invalid("capture.websocket.path", "must start with /"))
		}
		if !c.HTTP.Enabled {
			errs = append(errs, invalid("capture.websocket.enabled", "requires http.enabled"))
		}
	}
	if ws.MaxFrameBytes < 0 {
		errs = append(errs, invalid("capture.websocket.max_frame_bytes", "must not be negative"))
	}
	if c.Capture.IBus.Enabled && c.Capture.IBus.BusName == "" {
		errs = append(errs, invalid("capture.ibus.bus_name", "required when ibus is enabled"))
	}
	return errs
}

func (c *Config) validateHTTP() []error {
	if !c.HTTP.Enabled {
		return nil
	}
	var errs []error
	if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
		errs = append(errs, invalid("http.listen", "%v", err))
	}
	if c.HTTP.ShutdownTimeoutSec < 0 {
		errs = append(errs, invalid("http.shutdown_timeout_sec", "must not be negative"))
	}
	return errs
}

func (c *Config) validateIPC() []error {
	if !c.IPC.Enabled {
		return nil
	}
	var errs []error
	if c.IPC.SocketPath == "" {
		errs = append(errs, invalid("ipc.socket_path", "required when ipc is enabled"))
	}
	if _, err := c.SocketMode(); err != nil {
		errs = append(errs, invalid("ipc.permissions", "must be an octal file mode"))
	}
	if c.IPC.MaxConnections <= 0 {
		errs = append(errs, invalid("ipc.max_connections", "must be positive"))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, invalid("logging.level", "unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, invalid("logging.format", "unknown format %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, invalid("logging.output", "unknown output %q", c.Logging.Output))
	}
	return errs
}

func (c *Config) validateMetrics() []error {
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return []error{invalid("metrics.path", "must start with /")}
	}
	return nil
}
