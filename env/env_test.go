package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentuity/go-relay/logger"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvBuffer(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected map[string]string
		wantErr  bool
	}{
		{
			name:     "empty",
			content:  "",
			expected: map[string]string{},
		},
		{
			name: "values",
			content: `
RELAY_PORT=9000
RELAY_REDIS_URL="redis://localhost:6379"
RELAY_LOG_LEVEL='debug'
# comment
export RELAY_SESSION_TTL = 1h
RELAY_EMPTY=
`,
			expected: map[string]string{
				"RELAY_PORT":        "9000",
				"RELAY_REDIS_URL":   "redis://localhost:6379",
				"RELAY_LOG_LEVEL":   "debug",
				"RELAY_SESSION_TTL": "1h",
				"RELAY_EMPTY":       "",
			},
		},
		{
			name:     "later wins",
			content:  "A=1\nA=2\n",
			expected: map[string]string{"A": "2"},
		},
		{
			name:    "missing equals",
			content: "RELAY_PORT\n",
			wantErr: true,
		},
		{
			name:    "missing key",
			content: "=value\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEnvBuffer([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseEnvFile(t *testing.T) {
	dir := t.TempDir()
	got, err := ParseEnvFile(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Empty(t, got)

	path := filepath.Join(dir, "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_PORT=7000\n"), 0o600))
	got, err = ParseEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", got["RELAY_PORT"])

	require.NoError(t, os.WriteFile(path, []byte("broken\n"), 0o600))
	_, err = ParseEnvFile(path)
	assert.ErrorContains(t, err, "line 1")
}

func TestLookupPrefersProcessEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "from-env")
	lookup := Lookup(map[string]string{"RELAY_TEST_KEY": "from-file", "RELAY_TEST_OTHER": "file-only"})

	v, ok := lookup("RELAY_TEST_KEY")
	assert.True(t, ok)
	assert.Equal(t, "from-env", v)

	v, ok = lookup("RELAY_TEST_OTHER")
	assert.True(t, ok)
	assert.Equal(t, "file-only", v)

	_, ok = lookup("RELAY_TEST_NOPE")
	assert.False(t, ok)
}

func TestFlagOrEnv(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("addr", "", "")
		cmd.Flags().String("log-level", "", "")
		return cmd
	}

	cmd := newCmd()
	assert.Equal(t, "localhost:8080", FlagOrEnv(cmd, "addr", "RELAY_TEST_ADDR", "localhost:8080"))

	t.Setenv("RELAY_TEST_ADDR", "relay:9000")
	assert.Equal(t, "relay:9000", FlagOrEnv(cmd, "addr", "RELAY_TEST_ADDR", "localhost:8080"))

	require.NoError(t, cmd.Flags().Set("addr", "flag:1"))
	assert.Equal(t, "flag:1", FlagOrEnv(cmd, "addr", "RELAY_TEST_ADDR", "localhost:8080"))

	assert.Equal(t, "x", FlagOrEnv(cmd, "undefined", "RELAY_TEST_UNSET", "x"))
}

func TestLogLevel(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")

	t.Setenv(logger.EnvLogLevel, "")
	assert.Equal(t, logger.LevelInfo, LogLevel(cmd))

	t.Setenv(logger.EnvLogLevel, "error")
	assert.Equal(t, logger.LevelError, LogLevel(cmd))

	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	assert.Equal(t, logger.LevelDebug, LogLevel(cmd))
	assert.NotNil(t, NewLogger(cmd, "json"))
}
