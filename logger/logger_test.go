package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/noop"
)

type testSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *testSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *testSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		level LogLevel
		ok    bool
	}{
		{"trace", LevelTrace, true},
		{"DEBUG", LevelDebug, true},
		{" info ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"off", LevelNone, true},
		{"", LevelInfo, false},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	assert.Equal(t, LevelError, GetLevelFromEnv())
	t.Setenv(EnvLogLevel, "")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestWithKV(t *testing.T) {
	testLogger := NewTestLogger()
	kvLogger, ok := WithKV(testLogger, "session", "s1").(*TestLogger)
	require.True(t, ok)
	assert.Equal(t, "s1", kvLogger.metadata["session"])

	kvLogger.Info("hello %s", "world")
	logs := testLogger.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "hello world", logs[0].String())
}

func TestTestLoggerConcurrent(t *testing.T) {
	log := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.With(map[string]interface{}{"i": 1}).Debug("tick")
		}()
	}
	wg.Wait()
	assert.Len(t, log.Logs(), 50)
	assert.True(t, log.Contains("DEBUG", "tick"))
	assert.False(t, log.Contains("ERROR", "tick"))
}

func TestJSONLoggerSink(t *testing.T) {
	sink := &testSink{}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewJSONLoggerWithSink(sink, LevelDebug).(*jsonLogger)
	l.ts = &ts

	l.WithPrefix("[relay]").With(map[string]interface{}{"session": "s1"}).Info("paired %d", 2)
	l.Trace("dropped")

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	require.Len(t, lines, 1)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "paired 2", entry.Message)
	assert.Equal(t, "INFO", entry.Severity)
	assert.Equal(t, "relay", entry.Component)
	assert.Equal(t, "s1", entry.Metadata["session"])
	assert.True(t, ts.Equal(entry.Timestamp))
}

func TestJSONLoggerComponentMetadata(t *testing.T) {
	sink := &testSink{}
	l := NewJSONLoggerWithSink(sink, LevelTrace)
	l.With(map[string]interface{}{"component": "sweeper"}).Warn("reaped")

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(sink.String())), &entry))
	assert.Equal(t, "sweeper", entry.Component)
	assert.Nil(t, entry.Metadata)
	assert.Equal(t, "WARN", entry.Severity)
}

func TestConsoleLoggerSinkStripsColor(t *testing.T) {
	sink := &testSink{}
	l := NewConsoleLogger(LevelNone)
	l.SetSink(sink, LevelInfo)
	l.WithPrefix("[server]").Info("listening on %s", ":8080")
	l.Debug("hidden")

	out := sink.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[server] listening on :8080")
	assert.NotContains(t, out, "\x1b[")
	assert.NotContains(t, out, "hidden")
}

func TestStackForwardsToChild(t *testing.T) {
	child := NewTestLogger()
	l := NewConsoleLogger(LevelNone).Stack(child)
	l.Warn("careful")
	assert.True(t, child.Contains("WARNING", "careful"))
}

func TestOtelLoggerWithMergesMetadata(t *testing.T) {
	base := NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelTrace)

	extended := base.With(map[string]interface{}{
		"base_key": "base_value",
		"shared":   "from_base",
	}).With(map[string]interface{}{
		"extra_key": "extra_value",
		"shared":    "from_extended",
	}).(*otelLogger)

	assert.Len(t, extended.metadata, 3)
	assert.Equal(t, "from_extended", extended.metadata["shared"].AsString())
	assert.Equal(t, log.KindString, extended.metadata["base_key"].Kind())
}

func TestOtelLoggerPrefixAndContext(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	l := NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelInfo).
		WithPrefix("[relay]").
		WithPrefix("[relay]").
		WithContext(ctx).(*otelLogger)

	assert.Equal(t, []string{"[relay]"}, l.prefixes)
	assert.Equal(t, "v", l.context.Value(ctxKey{}))
	l.Info("no panic on noop provider")
}
