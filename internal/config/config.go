// Package config handles configuration loading, validation, and hot reload
// for phoneguard.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// PHONEGUARD_COLLECTOR_ENDPOINT.
const EnvPrefix = "PHONEGUARD_"

// Config holds the complete daemon configuration.
type Config struct {
	// Collector is where violation reports are sent.
	Collector CollectorConfig `toml:"collector" json:"collector" yaml:"collector" envPrefix:"COLLECTOR_"`

	// Capture selects the signal sources.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture" envPrefix:"CAPTURE_"`

	// HTTP configures the daemon's HTTP surface.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http" envPrefix:"HTTP_"`

	// IPC configures the local control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc" envPrefix:"IPC_"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// CollectorConfig holds the remote collector settings.
type CollectorConfig struct {
	// Endpoint is the URL violation reports are POSTed to. Empty disables
	// reporting.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`

	// TimeoutSec bounds a single report.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec" env:"TIMEOUT_SEC"`

	// AuthToken is sent as a bearer token when set.
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token" env:"AUTH_TOKEN"`

	// UserAgent overrides the default User-Agent header.
	UserAgent string `toml:"user_agent" json:"user_agent" yaml:"user_agent" env:"USER_AGENT"`
}

// CaptureConfig selects and tunes the signal sources.
type CaptureConfig struct {
	WebSocket WebSocketConfig `toml:"websocket" json:"websocket" yaml:"websocket" envPrefix:"WS_"`
	IBus      IBusConfig      `toml:"ibus" json:"ibus" yaml:"ibus" envPrefix:"IBUS_"`
}

// WebSocketConfig configures the WebSocket ingestion endpoint.
type WebSocketConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Path is mounted on the HTTP router.
	Path string `toml:"path" json:"path" yaml:"path" env:"PATH"`

	// MaxFrameBytes caps a single inbound frame.
	MaxFrameBytes int64 `toml:"max_frame_bytes" json:"max_frame_bytes" yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`

	// AuthToken, when set, is required from every client.
	AuthToken string `toml:"auth_token" json:"auth_token" yaml:"auth_token" env:"AUTH_TOKEN"`

	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// IBusConfig configures the IBus engine source (Linux only).
type IBusConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	BusName string `toml:"bus_name" json:"bus_name" yaml:"bus_name" env:"BUS_NAME"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen" env:"LISTEN"`

	ReadHeaderTimeoutSec int `toml:"read_header_timeout_sec" json:"read_header_timeout_sec" yaml:"read_header_timeout_sec" env:"READ_HEADER_TIMEOUT_SEC"`
	IdleTimeoutSec       int `toml:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec" env:"IDLE_TIMEOUT_SEC"`
	ShutdownTimeoutSec   int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" env:"SHUTDOWN_TIMEOUT_SEC"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether the control socket is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path" env:"SOCKET_PATH"`

	// Permissions is the octal file mode for the socket.
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions" env:"PERMISSIONS"`

	// MaxConnections is the maximum number of concurrent clients.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections" env:"MAX_CONNECTIONS"`

	// TimeoutSec is the idle timeout per connection.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec" env:"TIMEOUT_SEC"`

	// RequireSameUser rejects peers whose uid differs from the daemon's.
	// Only enforced where peer credentials are available.
	RequireSameUser bool `toml:"require_same_user" json:"require_same_user" yaml:"require_same_user" env:"REQUIRE_SAME_USER"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path" env:"FILE_PATH"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" env:"MAX_AGE_DAYS"`

	// AuditPath, when set, receives a JSON-lines record of every session
	// and violation.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path" env:"AUDIT_PATH"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace" env:"NAMESPACE"`
	Path      string `toml:"path" json:"path" yaml:"path" env:"PATH"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Collector: CollectorConfig{
			TimeoutSec: 10,
			UserAgent:  "phoneguard/1.0",
		},
		Capture: CaptureConfig{
			WebSocket: WebSocketConfig{
				Enabled:       true,
				Path:          "/v1/signals",
				MaxFrameBytes: 4096,
			},
			IBus: IBusConfig{
				Enabled: false,
				BusName: "dev.phoneguard.IBus",
			},
		},
		HTTP: HTTPConfig{
			Enabled:              true,
			Listen:               "127.0.0.1:8765",
			ReadHeaderTimeoutSec: 5,
			IdleTimeoutSec:       60,
			ShutdownTimeoutSec:   10,
		},
		IPC: IPCConfig{
			Enabled:         true,
			SocketPath:      defaultSocketPath(),
			Permissions:     "0600",
			MaxConnections:  10,
			TimeoutSec:      300,
			RequireSameUser: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "phoneguard",
			Path:      "/metrics",
		},
	}
}

// Dir returns the phoneguard configuration directory.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "phoneguard")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".phoneguard")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(Dir(), "config.toml")
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.TempDir(), "phoneguard.sock")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "phoneguard.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("phoneguard-%d.sock", os.Getuid()))
}

// CollectorTimeout returns Collector.TimeoutSec as a duration.
func (c *Config) CollectorTimeout() time.Duration {
	return time.Duration(c.Collector.TimeoutSec) * time.Second
}

// SocketMode parses IPC.Permissions.
func (c *Config) SocketMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("ipc permissions %q: %w", c.IPC.Permissions, err)
	}
	return os.FileMode(mode), nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	if c.Capture.WebSocket.AllowedOrigins != nil {
		out.Capture.WebSocket.AllowedOrigins = append([]string(nil), c.Capture.WebSocket.AllowedOrigins...)
	}
	return &out
}

// Save writes the configuration to path, choosing the encoding from the
// extension. Anything other than .json or .yaml/.yml is written as TOML.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
