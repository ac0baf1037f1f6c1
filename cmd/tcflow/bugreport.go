package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcflow/tcflow/internal/redact"
)

const (
	bugreportLogLimit = 3
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
)

// bugreportSources are the run artifacts outside the state directory.
type bugreportSources struct {
	// ResultPath is the last workflow result; empty skips it.
	ResultPath string
	// ListHosts returns the host directory snapshot.
	ListHosts func(ctx context.Context) (any, error)
}

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			listHosts := func(ctx context.Context) (any, error) {
				pool, closeFn, err := a.openHosts(ctx, a)
				if err != nil {
					return nil, err
				}
				defer closeFn()
				return pool.List(ctx)
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), bugreportSources{
				ResultPath: a.lastResultPath(),
				ListHosts:  listHosts,
			})
		},
	}
}

func runBugReport(ctx context.Context, out io.Writer, sources bugreportSources) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf("tcflow-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "tcflow-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir) //nolint:errcheck // temp dir cleanup

	report, err := collectBugreportArtifacts(ctx, homeDir, stagingDir, sources)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	TraceID   string
	Warnings  []string
}

func collectBugreportArtifacts(ctx context.Context, homeDir, stagingDir string, sources bugreportSources) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}
	stateDir := filepath.Join(homeDir, ".tcflow")

	logFiles, warnings := copyRecentLogs(filepath.Join(stateDir, "logs"), stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.TraceID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.TraceID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/trace_id found in copied logs")
	}

	content := fmt.Sprintf("run_id: %s\ntrace_id: %s\n", summary.RunID, summary.TraceID)
	if err := writeStaged(stagingDir, "last-run.txt", []byte(content)); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeStaged(stagingDir, "version.txt", []byte(fmt.Sprintf("tcflow version: %s\n", summary.Version))); err != nil {
		return bugreportSummary{}, err
	}

	configData, err := os.ReadFile(filepath.Join(stateDir, "config.toml"))
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read config: %v", err))
		configData = []byte("# config unavailable\n")
	}
	if err := writeStaged(stagingDir, "config.toml", []byte(redact.ConfigText(string(configData)))); err != nil {
		return bugreportSummary{}, err
	}

	lastResult, err := readOptional(sources.ResultPath)
	if err != nil {
		summary.Warnings = append(summary.Warnings, "no workflow result found")
		lastResult = []byte("{}\n")
	}
	if err := writeStaged(stagingDir, lastResultFile, lastResult); err != nil {
		return bugreportSummary{}, err
	}

	hosts := []byte("[]\n")
	if sources.ListHosts != nil {
		if statuses, err := sources.ListHosts(ctx); err != nil {
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to list host instances: %v", err))
		} else if encoded, err := json.MarshalIndent(statuses, "", "  "); err == nil {
			hosts = append(encoded, '\n')
		}
	}
	if err := writeStaged(stagingDir, "hosts.json", hosts); err != nil {
		return bugreportSummary{}, err
	}

	return summary, nil
}

func readOptional(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrNotExist
	}
	// #nosec G304 -- path is derived from the configured host directory.
	return os.ReadFile(path)
}

func writeStaged(stagingDir, name string, data []byte) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func copyRecentLogs(logsDir, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copiedPaths := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the tcflow log directory listing.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copiedPaths = append(copiedPaths, file.path)
	}
	return copiedPaths, warnings
}

// extractLastCorrelation returns the ids of the newest JSON log record that
// carries one. Logs are ordered newest first.
func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			runID := asString(record["run_id"])
			traceID := asString(record["trace_id"])
			if runID == "" && traceID == "" {
				continue
			}
			return runID, traceID
		}
	}
	return "", ""
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("tcflow Bug Report\n")
	builder.WriteString("=================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("run_id: %s\n", summary.RunID))
	builder.WriteString(fmt.Sprintf("trace_id: %s\n\n", summary.TraceID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString("- logs/ (up to last 3 log files)\n")
	builder.WriteString("- config.toml (redacted)\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-run.txt\n")
	builder.WriteString("- " + lastResultFile + "\n")
	builder.WriteString("- hosts.json\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return writeStaged(stagingDir, "README.txt", []byte(builder.String()))
}

func archiveBugreport(stagingDir, destination string) error {
	// #nosec G304 -- destination is generated in the working directory with a fixed name pattern.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer archiveFile.Close() //nolint:errcheck // closed after the writers flush

	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close() //nolint:errcheck // read-only
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("finish archive compression: %w", err)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
