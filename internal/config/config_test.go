package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtmpcam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":1935", cfg.RTMP.Addr)
	assert.Equal(t, uint32(4096), cfg.RTMP.ChunkSize)
	assert.Equal(t, OutputSHM, cfg.Output.Mode)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Parallel()
	cfg, err := load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `
rtmp:
  addr: "127.0.0.1:19350"
  chunk_size: 8192
auth:
  stream_key: cam-secret
  single_publisher: true
output:
  mode: surface
  ring_size: 4
  max_width: 1280
  max_height: 720
  stride_align: 64
api:
  enabled: false
logging:
  format: json
`)
	cfg, err := load(path, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:19350", cfg.RTMP.Addr)
	assert.Equal(t, uint32(8192), cfg.RTMP.ChunkSize)
	assert.Equal(t, 64*1024, cfg.RTMP.ReadBuffer, "unset keys keep defaults")
	assert.Equal(t, "cam-secret", cfg.Auth.StreamKey)
	assert.True(t, cfg.Auth.SinglePublisher)
	assert.Equal(t, OutputSurface, cfg.Output.Mode)
	assert.Equal(t, 4, cfg.Output.RingSize)
	assert.Equal(t, 1280, cfg.Output.MaxWidth)
	assert.Equal(t, 64, cfg.Output.StrideAlign)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "rtmp:\n  addr: \":1936\"\nlogging:\n  level: warn\n")
	cfg, err := load(path, env(map[string]string{
		"RTMP_ADDR":   ":2935",
		"API_ADDR":    "127.0.0.1:9443",
		"SHM_PATH":    "/tmp/frames",
		"STREAM_KEY":  "k",
		"OUTPUT_MODE": "shm",
		"DEBUG":       "1",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":2935", cfg.RTMP.Addr)
	assert.Equal(t, "127.0.0.1:9443", cfg.API.Addr)
	assert.Equal(t, "/tmp/frames", cfg.Output.ShmPath)
	assert.Equal(t, "k", cfg.Auth.StreamKey)
	assert.Equal(t, "debug", cfg.Logging.Level, "DEBUG wins over the file level")
}

func TestLogLevelEnv(t *testing.T) {
	t.Parallel()
	cfg, err := load("", env(map[string]string{"LOG_LEVEL": "error", "DEBUG": "false"}))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")

	_, err = load(writeFile(t, "rtmp: [not, a, map"), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")

	_, err = load("", env(map[string]string{"DEBUG": "maybe"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEBUG")

	_, err = load("", env(map[string]string{"OUTPUT_MODE": "window"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output config")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad rtmp addr", func(c *Config) { c.RTMP.Addr = "1935" }, "rtmp config"},
		{"bad rtmp port", func(c *Config) { c.RTMP.Addr = ":99999" }, "invalid port"},
		{"small read buffer", func(c *Config) { c.RTMP.ReadBuffer = 10 }, "read_buffer"},
		{"small chunk size", func(c *Config) { c.RTMP.ChunkSize = 64 }, "chunk_size"},
		{"zero window", func(c *Config) { c.RTMP.WindowAckSize = 0 }, "window_ack_size"},
		{"zero bandwidth", func(c *Config) { c.RTMP.PeerBandwidth = 0 }, "peer_bandwidth"},
		{"unknown mode", func(c *Config) { c.Output.Mode = "x" }, "mode must be"},
		{"empty shm path", func(c *Config) { c.Output.ShmPath = "" }, "shm_path"},
		{"tiny ring", func(c *Config) { c.Output.Mode = OutputSurface; c.Output.RingSize = 1 }, "ring_size"},
		{"odd width", func(c *Config) { c.Output.MaxWidth = 1921 }, "max_width"},
		{"huge height", func(c *Config) { c.Output.MaxHeight = 10000 }, "max_height"},
		{"stride not power of two", func(c *Config) { c.Output.StrideAlign = 48 }, "stride_align"},
		{"bad api addr", func(c *Config) { c.API.Addr = "nope" }, "api config"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "level must be"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "format must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsEverySection(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.RTMP.ReadBuffer = 0
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rtmp config")
	assert.Contains(t, err.Error(), "logging config")
}

func TestDisabledAPISkipsAddrCheck(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.API.Enabled = false
	cfg.API.Addr = ""
	assert.NoError(t, cfg.Validate())
}
