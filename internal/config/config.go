// Package config loads the rtmpcam configuration: defaults, an optional YAML
// file, then environment overrides, validated section by section.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Output modes.
const (
	OutputSHM     = "shm"
	OutputSurface = "surface"
)

// Config is the complete service configuration.
type Config struct {
	RTMP    RTMPConfig    `yaml:"rtmp"`
	Auth    AuthConfig    `yaml:"auth"`
	Output  OutputConfig  `yaml:"output"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

// RTMPConfig controls the ingest listener and the values announced to
// publishers.
type RTMPConfig struct {
	Addr          string `yaml:"addr"`
	ReadBuffer    int    `yaml:"read_buffer"`
	ChunkSize     uint32 `yaml:"chunk_size"`
	WindowAckSize uint32 `yaml:"window_ack_size"`
	PeerBandwidth uint32 `yaml:"peer_bandwidth"`
}

// AuthConfig selects the publish policies.
type AuthConfig struct {
	// StreamKey, when set, is the only stream key allowed to publish.
	StreamKey string `yaml:"stream_key"`
	// SinglePublisher refuses a publish while any stream is live.
	SinglePublisher bool `yaml:"single_publisher"`
}

// OutputConfig selects where decoded frames go.
type OutputConfig struct {
	Mode        string `yaml:"mode"`
	ShmPath     string `yaml:"shm_path"`
	MaxWidth    int    `yaml:"max_width"`
	MaxHeight   int    `yaml:"max_height"`
	RingSize    int    `yaml:"ring_size"`
	StrideAlign int    `yaml:"stride_align"`
}

// APIConfig controls the status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	HTTP3   bool   `yaml:"http3"`
	// Hosts are extra names for the self-signed certificate.
	Hosts []string `yaml:"hosts"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RTMP: RTMPConfig{
			Addr:          ":1935",
			ReadBuffer:    64 * 1024,
			ChunkSize:     4096,
			WindowAckSize: 2_500_000,
			PeerBandwidth: 2_500_000,
		},
		Output: OutputConfig{
			Mode:        OutputSHM,
			ShmPath:     "/dev/shm/rtmpcam",
			MaxWidth:    1920,
			MaxHeight:   1080,
			RingSize:    8,
			StrideAlign: 1,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":4443",
			HTTP3:   true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from Default, the YAML file at path (if
// path is non-empty) and the process environment.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.RTMP.Addr = envOr(getenv, "RTMP_ADDR", c.RTMP.Addr)
	c.API.Addr = envOr(getenv, "API_ADDR", c.API.Addr)
	c.Output.ShmPath = envOr(getenv, "SHM_PATH", c.Output.ShmPath)
	c.Output.Mode = envOr(getenv, "OUTPUT_MODE", c.Output.Mode)
	c.Auth.StreamKey = envOr(getenv, "STREAM_KEY", c.Auth.StreamKey)
	c.Logging.Level = envOr(getenv, "LOG_LEVEL", c.Logging.Level)
	if v := getenv("DEBUG"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG: %w", err)
		}
		if on {
			c.Logging.Level = "debug"
		}
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	return errors.Join(
		prefix("rtmp", c.RTMP.Validate()),
		prefix("output", c.Output.Validate()),
		prefix("api", c.API.Validate()),
		prefix("logging", c.Logging.Validate()),
	)
}

func prefix(section string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s config: %w", section, err)
}

func validAddr(addr string) error {
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return err
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// Validate validates the RTMP section.
func (r *RTMPConfig) Validate() error {
	if err := validAddr(r.Addr); err != nil {
		return fmt.Errorf("addr %q: %w", r.Addr, err)
	}
	if r.ReadBuffer < 1024 {
		return fmt.Errorf("read_buffer must be at least 1024 bytes, got %d", r.ReadBuffer)
	}
	if r.ChunkSize < 128 || r.ChunkSize > 0x7FFFFFFF {
		return fmt.Errorf("chunk_size must be between 128 and 2147483647, got %d", r.ChunkSize)
	}
	if r.WindowAckSize == 0 {
		return errors.New("window_ack_size must be positive")
	}
	if r.PeerBandwidth == 0 {
		return errors.New("peer_bandwidth must be positive")
	}
	return nil
}

// Validate validates the output section.
func (o *OutputConfig) Validate() error {
	switch o.Mode {
	case OutputSHM:
		if o.ShmPath == "" {
			return errors.New("shm_path cannot be empty in shm mode")
		}
	case OutputSurface:
		if o.RingSize < 2 {
			return fmt.Errorf("ring_size must be at least 2, got %d", o.RingSize)
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", OutputSHM, OutputSurface, o.Mode)
	}
	if o.MaxWidth < 16 || o.MaxWidth > 8192 || o.MaxWidth%2 != 0 {
		return fmt.Errorf("max_width must be even and between 16 and 8192, got %d", o.MaxWidth)
	}
	if o.MaxHeight < 16 || o.MaxHeight > 8192 || o.MaxHeight%2 != 0 {
		return fmt.Errorf("max_height must be even and between 16 and 8192, got %d", o.MaxHeight)
	}
	if o.StrideAlign < 1 || o.StrideAlign&(o.StrideAlign-1) != 0 {
		return fmt.Errorf("stride_align must be a power of two, got %d", o.StrideAlign)
	}
	return nil
}

// Validate validates the API section.
func (a *APIConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if err := validAddr(a.Addr); err != nil {
		return fmt.Errorf("addr %q: %w", a.Addr, err)
	}
	return nil
}

// Validate validates the logging section.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be 'json' or 'text', got %q", l.Format)
	}
	return nil
}
