package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval.Std())
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL.Std())
	assert.Equal(t, 64, cfg.SendBuffer)
	assert.Equal(t, int64(1<<20), cfg.MaxMessageBytes)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout.Std())
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout.Std())
	assert.False(t, cfg.NotifyOnDisconnect)
	assert.Equal(t, "relay:sessions", cfg.Redis.Channel)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestDecodeYAML(t *testing.T) {
	cfg := Default()
	err := cfg.Decode(strings.NewReader(`
host: 127.0.0.1
port: 9000
sweep_interval: 1m
session_ttl: 1d
notify_on_disconnect: true
log:
  format: json
  level: debug
redis:
  url: redis://localhost:6379/0
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, time.Minute, cfg.SweepInterval.Std())
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL.Std())
	assert.True(t, cfg.NotifyOnDisconnect)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "relay:sessions", cfg.Redis.Channel, "unset keys keep the default")
	assert.Equal(t, 64, cfg.SendBuffer)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "prot: 9000\n"},
		{"bad duration", "session_ttl: forever\n"},
		{"wrong type", "port: [1]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Default().Decode(strings.NewReader(tt.yaml)))
		})
	}
}

func TestDecodeEmpty(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Decode(strings.NewReader("  \n")))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"RELAY_PORT":                 "9090",
		"RELAY_SWEEP_INTERVAL":       "30s",
		"RELAY_SESSION_TTL":          "2h",
		"RELAY_SEND_BUFFER":          "8",
		"RELAY_MAX_MESSAGE_BYTES":    "4096",
		"RELAY_NOTIFY_ON_DISCONNECT": "true",
		"RELAY_LOG_FORMAT":           "json",
		"RELAY_LOG_LEVEL":            "warn",
		"RELAY_LOG_FILE":             "/var/log/relay.log",
		"RELAY_LOG_FILE_LEVEL":       "trace",
		"RELAY_REDIS_URL":            "redis://cache:6379",
		"RELAY_OTLP_URL":             "https://otlp.example.com",
		"RELAY_HOST":                 "",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval.Std())
	assert.Equal(t, 2*time.Hour, cfg.SessionTTL.Std())
	assert.Equal(t, 8, cfg.SendBuffer)
	assert.Equal(t, int64(4096), cfg.MaxMessageBytes)
	assert.True(t, cfg.NotifyOnDisconnect)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/var/log/relay.log", cfg.Log.File)
	assert.Equal(t, "trace", cfg.Log.FileLevel)
	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
	assert.Equal(t, "https://otlp.example.com", cfg.Telemetry.URL)
	assert.Equal(t, "", cfg.Host)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvErrors(t *testing.T) {
	for key, val := range map[string]string{
		"RELAY_PORT":                 "eighty",
		"RELAY_SESSION_TTL":          "soon",
		"RELAY_MAX_MESSAGE_BYTES":    "1MB",
		"RELAY_NOTIFY_ON_DISCONNECT": "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			err := Default().ApplyEnv(envMap(map[string]string{key: val}))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		msg    string
	}{
		{"port", func(c *Config) { c.Port = 70000 }, "port"},
		{"sweep", func(c *Config) { c.SweepInterval = 0 }, "sweep_interval"},
		{"ttl", func(c *Config) { c.SessionTTL = -1 }, "session_ttl"},
		{"buffer", func(c *Config) { c.SendBuffer = 0 }, "send_buffer"},
		{"message size", func(c *Config) { c.MaxMessageBytes = 0 }, "max_message_bytes"},
		{"write timeout", func(c *Config) { c.WriteTimeout = 0 }, "write_timeout"},
		{"shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"log file level", func(c *Config) { c.Log.File = "relay.log"; c.Log.FileLevel = "loud" }, "log file level"},
		{"redis channel", func(c *Config) { c.Redis.URL = "redis://x"; c.Redis.Channel = "" }, "channel"},
		{"otlp url", func(c *Config) { c.Telemetry.URL = "otlp.example.com" }, "telemetry url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\nsession_ttl: 10m\n"), 0o600))

	t.Setenv("RELAY_SESSION_TTL", "20m")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 20*time.Minute, cfg.SessionTTL.Std(), "environment wins over the file")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("RELAY_SEND_BUFFER", "0")
	_, err = Load("")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration(" 1w ")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	_, err = ParseDuration("later")
	assert.Error(t, err)
}
