// Package config loads the relay server configuration. Values come from the
// built in defaults, then an optional YAML file, then RELAY_* environment
// variables. Command line flags are applied last by the caller.
package config

import (
	"bytes"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/go-relay/logger"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultPort            = 8080
	DefaultSweepInterval   = 5 * time.Minute
	DefaultSessionTTL      = 30 * time.Minute
	DefaultSendBuffer      = 64
	DefaultMaxMessageBytes = 1 << 20
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
	DefaultEventChannel    = "relay:sessions"
	DefaultServiceName     = "relay"
)

// Duration is a time.Duration that reads "30m", "1d" or "1w2d" style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ParseDuration accepts Go duration syntax plus day and week units.
func ParseDuration(s string) (time.Duration, error) {
	v, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return v, nil
}

type LogConfig struct {
	// Format is console or json.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	// File, when set, receives a plain-text copy of every entry at FileLevel
	// or above.
	File      string `yaml:"file"`
	FileLevel string `yaml:"file_level"`
}

type RedisConfig struct {
	// URL enables lifecycle event publishing, e.g. redis://localhost:6379/0.
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type TelemetryConfig struct {
	// URL of the OTLP HTTP collector. Telemetry is disabled when empty.
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	Host               string          `yaml:"host"`
	Port               int             `yaml:"port"`
	SweepInterval      Duration        `yaml:"sweep_interval"`
	SessionTTL         Duration        `yaml:"session_ttl"`
	SendBuffer         int             `yaml:"send_buffer"`
	MaxMessageBytes    int64           `yaml:"max_message_bytes"`
	WriteTimeout       Duration        `yaml:"write_timeout"`
	ShutdownTimeout    Duration        `yaml:"shutdown_timeout"`
	NotifyOnDisconnect bool            `yaml:"notify_on_disconnect"`
	Log                LogConfig       `yaml:"log"`
	Redis              RedisConfig     `yaml:"redis"`
	Telemetry          TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:            DefaultPort,
		SweepInterval:   Duration(DefaultSweepInterval),
		SessionTTL:      Duration(DefaultSessionTTL),
		SendBuffer:      DefaultSendBuffer,
		MaxMessageBytes: DefaultMaxMessageBytes,
		WriteTimeout:    Duration(DefaultWriteTimeout),
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		Log: LogConfig{
			Format:    "console",
			Level:     "info",
			FileLevel: "debug",
		},
		Redis: RedisConfig{
			Channel: DefaultEventChannel,
		},
		Telemetry: TelemetryConfig{
			ServiceName: DefaultServiceName,
		},
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load builds a config from the defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	return LoadWithLookup(path, os.LookupEnv)
}

// LoadWithLookup is Load with the environment read through lookup.
func LoadWithLookup(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "open config %s", path)
		}
		defer f.Close()
		if err := cfg.Decode(f); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays YAML from r onto c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays RELAY_* variables found through lookup onto c.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "%s", key)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "%s", key)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("RELAY_HOST", &c.Host)
	if err := num("RELAY_PORT", &c.Port); err != nil {
		return err
	}
	if err := dur("RELAY_SWEEP_INTERVAL", &c.SweepInterval); err != nil {
		return err
	}
	if err := dur("RELAY_SESSION_TTL", &c.SessionTTL); err != nil {
		return err
	}
	if err := num("RELAY_SEND_BUFFER", &c.SendBuffer); err != nil {
		return err
	}
	if v, ok := lookup("RELAY_MAX_MESSAGE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "RELAY_MAX_MESSAGE_BYTES")
		}
		c.MaxMessageBytes = n
	}
	if err := dur("RELAY_WRITE_TIMEOUT", &c.WriteTimeout); err != nil {
		return err
	}
	if err := dur("RELAY_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout); err != nil {
		return err
	}
	if v, ok := lookup("RELAY_NOTIFY_ON_DISCONNECT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "RELAY_NOTIFY_ON_DISCONNECT")
		}
		c.NotifyOnDisconnect = b
	}
	str("RELAY_LOG_FORMAT", &c.Log.Format)
	str(logger.EnvLogLevel, &c.Log.Level)
	str("RELAY_LOG_FILE", &c.Log.File)
	str("RELAY_LOG_FILE_LEVEL", &c.Log.FileLevel)
	str("RELAY_REDIS_URL", &c.Redis.URL)
	str("RELAY_EVENT_CHANNEL", &c.Redis.Channel)
	str("RELAY_OTLP_URL", &c.Telemetry.URL)
	str("RELAY_OTLP_TOKEN", &c.Telemetry.Token)
	str("RELAY_SERVICE_NAME", &c.Telemetry.ServiceName)
	return nil
}

func invalid(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return invalid("port %d out of range", c.Port)
	}
	if c.SweepInterval <= 0 {
		return invalid("sweep_interval must be positive")
	}
	if c.SessionTTL <= 0 {
		return invalid("session_ttl must be positive")
	}
	if c.SendBuffer <= 0 {
		return invalid("send_buffer must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return invalid("max_message_bytes must be positive")
	}
	if c.WriteTimeout <= 0 {
		return invalid("write_timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return invalid("log format %q is not console or json", c.Log.Format)
	}
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return invalid("unknown log level %q", c.Log.Level)
	}
	if _, ok := logger.ParseLevel(c.Log.FileLevel); c.Log.File != "" && !ok {
		return invalid("unknown log file level %q", c.Log.FileLevel)
	}
	if c.Redis.URL != "" {
		if c.Redis.Channel == "" {
			return invalid("redis channel is required when redis is enabled")
		}
	}
	if c.Telemetry.URL != "" {
		u, err := url.Parse(c.Telemetry.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("telemetry url %q must be an absolute http(s) url", c.Telemetry.URL)
		}
	}
	return nil
}
