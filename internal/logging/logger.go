// Package logging writes the per-run JSON log that bug reports collect.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRetention is how many run logs are kept in the log directory.
	DefaultRetention = 20

	filePrefix = "tcflow-"
	fileSuffix = ".log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir       string
	level     string
	runID     string
	retention int
	now       func() time.Time
}

// WithDir overrides the log directory. The default is ~/.tcflow/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level: debug, info, warn, or error.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithRunID names the run in the file name and in every record.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithRetention keeps the newest n run logs, the new one included. Zero or
// less disables pruning.
func WithRetention(n int) Option {
	return func(opts *newOptions) {
		opts.retention = n
	}
}

// RuntimeLogger owns the log file of one CLI run. Logger carries run_id,
// trace_id and span_id on every record.
type RuntimeLogger struct {
	Logger *log.Logger

	file    *os.File
	path    string
	base    *log.Logger
	runID   string
	traceID string
	spanID  string
}

// New opens a JSON log file for this run and prunes old ones.
func New(options ...Option) (*RuntimeLogger, error) {
	resolved := newOptions{retention: DefaultRetention, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".tcflow", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	level, err := ParseLevel(resolved.level)
	if err != nil {
		return nil, err
	}

	name := filePrefix + resolved.now().UTC().Format("20060102-150405")
	if resolved.runID != "" {
		name += "-" + resolved.runID
	}
	filePath := filepath.Join(logDir, name+fileSuffix)
	// #nosec G304 -- filePath is built from the log directory and a generated name.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	base := log.NewWithOptions(file, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	base.SetFormatter(log.JSONFormatter)

	r := &RuntimeLogger{file: file, path: filePath, base: base, runID: resolved.runID}
	r.rebuild()

	pruned, pruneErr := pruneLogs(logDir, filePath, resolved.retention)
	r.Logger.With("log_file", filePath, "pruned", pruned).Info("logger initialized")
	if pruneErr != nil {
		r.Logger.Warn("prune old logs failed", "err", pruneErr)
	}
	return r, nil
}

// ParseLevel maps a config level name onto a charm log level. Empty is info.
func ParseLevel(value string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level %q", value)
	}
}

// Discard returns a logger that drops every record.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// WithTraceContext stamps later records with the span active in ctx.
func (r *RuntimeLogger) WithTraceContext(ctx context.Context) *RuntimeLogger {
	if r == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		r.traceID = sc.TraceID().String()
		r.spanID = sc.SpanID().String()
	} else {
		r.traceID, r.spanID = "", ""
	}
	r.rebuild()
	return r
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuild() {
	fields := []any{"run_id", r.runID}
	if r.traceID != "" {
		fields = append(fields, "trace_id", r.traceID, "span_id", r.spanID)
	}
	r.Logger = r.base.With(fields...)
}

// pruneLogs removes the oldest run logs so at most keep remain. current is
// never removed.
func pruneLogs(dir, current string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	files := make([]logFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(dir, name)
		if path == current {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: path, modTime: info.ModTime()})
	}
	if len(files) < keep {
		return 0, nil
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})

	removed := 0
	for _, file := range files[keep-1:] {
		if err := os.Remove(file.path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", file.path, err)
		}
		removed++
	}
	return removed, nil
}
