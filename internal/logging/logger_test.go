package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewWritesJSONRecordsWithRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(WithDir(dir), WithRunID(" run-42 "), WithLevel("debug"))
	require.NoError(t, err)

	logger.Logger.Debug("probe", "step", "build")
	require.NoError(t, logger.Close())

	assert.Equal(t, dir, filepath.Dir(logger.Path()))
	assert.True(t, strings.HasSuffix(logger.Path(), "-run-42.log"))

	records := readRecords(t, logger.Path())
	require.Len(t, records, 2)
	assert.Equal(t, "logger initialized", records[0]["msg"])
	assert.Equal(t, "probe", records[1]["msg"])
	assert.Equal(t, "run-42", records[1]["run_id"])
	assert.Equal(t, "build", records[1]["step"])
	assert.NotContains(t, records[1], "trace_id")
}

func TestWithTraceContextStampsSpanIDs(t *testing.T) {
	t.Parallel()

	logger, err := New(WithDir(t.TempDir()), WithRunID("run-7"))
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	logger.WithTraceContext(ctx).Logger.Info("workflow started")
	logger.WithTraceContext(context.Background()).Logger.Info("after span")
	require.NoError(t, logger.Close())

	records := readRecords(t, logger.Path())
	require.Len(t, records, 3)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", records[1]["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", records[1]["span_id"])
	assert.Equal(t, "run-7", records[1]["run_id"])
	assert.NotContains(t, records[2], "trace_id")
}

func TestNewPrunesOldestLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("tcflow-2026100%d-000000.log", i+1))
		require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
		modTime := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(path, modTime, modTime))
	}
	unrelated := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(unrelated, []byte("keep"), 0o600))

	logger, err := New(WithDir(dir), WithRetention(3))
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Len(t, names, 4)
	assert.Contains(t, names, "notes.txt")
	assert.Contains(t, names, "tcflow-20261003-000000.log")
	assert.Contains(t, names, "tcflow-20261004-000000.log")
	assert.Contains(t, names, filepath.Base(logger.Path()))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(WithDir(t.TempDir()), WithLevel("chatty"))
	require.EqualError(t, err, `unknown log level "chatty"`)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]log.Level{
		"":        log.InfoLevel,
		"DEBUG":   log.DebugLevel,
		"warning": log.WarnLevel,
		" error ": log.ErrorLevel,
	}
	for input, want := range tests {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", input)
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	assert.Nil(t, logger.WithTraceContext(context.Background()))
	assert.NoError(t, logger.Close())
	assert.Empty(t, logger.Path())
	Discard().Info("dropped")
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	records := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		record := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		records = append(records, record)
	}
	return records
}
