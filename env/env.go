// Package env reads settings for the relay command from flags, the process
// environment and optional dotenv files.
package env

import (
	"bufio"
	"bytes"
	"os"
	"strings"

	"github.com/agentuity/go-relay/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ParseEnvBuffer parses KEY=VALUE lines. Blank lines and # comments are
// skipped, an optional "export " prefix is accepted and matching quotes
// around the value are removed. A later key overrides an earlier one.
func ParseEnvBuffer(buf []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Newf("line %d: expected KEY=VALUE", lineno)
		}
		out[key] = dequote(strings.TrimSpace(val))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseEnvFile parses a dotenv file. A missing file yields an empty map.
func ParseEnvFile(filename string) (map[string]string, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	vals, err := ParseEnvBuffer(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", filename)
	}
	return vals, nil
}

// Lookup resolves keys from the process environment first and falls back to
// file values.
func Lookup(file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if f := cmd.Flags().Lookup(flagName); f != nil && f.Changed {
		return f.Value.String()
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	if f := cmd.Flags().Lookup(flagName); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	return defaultValue
}

// LogLevel reads --log-level, then RELAY_LOG_LEVEL, defaulting to info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"))
	return level
}

// NewLogger returns a logger in the given format at the level chosen by LogLevel.
func NewLogger(cmd *cobra.Command, format string) logger.Logger {
	return logger.New(format, LogLevel(cmd))
}
