// Package directory is the running-host directory: a small SQLite table of
// automation host instances launched by tcflow, keyed by display name.
//
// It plays the role a running-object table plays on the host machine.
// Sessions are discovered by enumerating it, and out-of-band disposal prunes
// entries whose process is gone.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// DisplayNamePrefix marks host instances created by tcflow.
	DisplayNamePrefix = "tcflow-host-"

	dirPermissions    = 0o750
	filePermissions   = 0o600
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second
)

// ErrNotFound indicates no entry exists for a display name.
var ErrNotFound = errors.New("directory entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	display_name TEXT PRIMARY KEY,
	pid          INTEGER NOT NULL,
	address      TEXT NOT NULL,
	headless     INTEGER NOT NULL,
	project_path TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
)`

// Entry describes one registered host instance.
type Entry struct {
	DisplayName string    `json:"displayName"`
	PID         int       `json:"pid"`
	Address     string    `json:"address"`
	Headless    bool      `json:"headless"`
	ProjectPath string    `json:"projectPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the SQLite-backed directory.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the directory database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("directory path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create directory folder: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("verify directory database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("create directory schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	return &Store{db: db, path: path, now: time.Now}, nil
}

// NewDisplayName returns a fresh display name for a host instance.
func NewDisplayName() string {
	return DisplayNamePrefix + uuid.NewString()
}

// Register inserts or replaces an entry. CreatedAt defaults to now.
func (s *Store) Register(ctx context.Context, entry Entry) error {
	if s == nil || s.db == nil {
		return errors.New("directory store is nil")
	}
	entry.DisplayName = strings.TrimSpace(entry.DisplayName)
	if entry.DisplayName == "" {
		return errors.New("display name is required")
	}
	if entry.PID <= 0 {
		return fmt.Errorf("register %s: pid must be > 0", entry.DisplayName)
	}
	if strings.TrimSpace(entry.Address) == "" {
		return fmt.Errorf("register %s: address is required", entry.DisplayName)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO hosts (display_name, pid, address, headless, project_path, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(display_name) DO UPDATE SET
	pid = excluded.pid,
	address = excluded.address,
	headless = excluded.headless,
	project_path = excluded.project_path`,
		entry.DisplayName,
		entry.PID,
		strings.TrimSpace(entry.Address),
		boolToInt(entry.Headless),
		strings.TrimSpace(entry.ProjectPath),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", entry.DisplayName, err)
	}
	return nil
}

// SetProject records the project an instance has open.
func (s *Store) SetProject(ctx context.Context, displayName, projectPath string) error {
	if s == nil || s.db == nil {
		return errors.New("directory store is nil")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET project_path = ? WHERE display_name = ?`,
		strings.TrimSpace(projectPath),
		strings.TrimSpace(displayName),
	)
	if err != nil {
		return fmt.Errorf("set project for %s: %w", displayName, err)
	}
	return requireAffected(result, displayName)
}

// Get returns one entry by display name.
func (s *Store) Get(ctx context.Context, displayName string) (Entry, error) {
	if s == nil || s.db == nil {
		return Entry{}, errors.New("directory store is nil")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT display_name, pid, address, headless, project_path, created_at
FROM hosts WHERE display_name = ?`, strings.TrimSpace(displayName))
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, displayName)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", displayName, err)
	}
	return entry, nil
}

// List returns every entry, oldest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("directory store is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT display_name, pid, address, headless, project_path, created_at
FROM hosts ORDER BY created_at, display_name`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return entries, nil
}

// Remove deletes one entry.
func (s *Store) Remove(ctx context.Context, displayName string) error {
	if s == nil || s.db == nil {
		return errors.New("directory store is nil")
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE display_name = ?`, strings.TrimSpace(displayName))
	if err != nil {
		return fmt.Errorf("remove %s: %w", displayName, err)
	}
	return requireAffected(result, displayName)
}

// Prune removes entries whose process is no longer alive and returns them.
func (s *Store) Prune(ctx context.Context, alive func(pid int) bool) ([]Entry, error) {
	if alive == nil {
		return nil, errors.New("liveness check is required")
	}
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	pruned := make([]Entry, 0)
	for _, entry := range entries {
		if alive(entry.PID) {
			continue
		}
		if err := s.Remove(ctx, entry.DisplayName); err != nil && !errors.Is(err, ErrNotFound) {
			return pruned, err
		}
		pruned = append(pruned, entry)
	}
	return pruned, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close directory database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry     Entry
		headless  int
		createdAt string
	)
	if err := row.Scan(&entry.DisplayName, &entry.PID, &entry.Address, &headless, &entry.ProjectPath, &createdAt); err != nil {
		return Entry{}, err
	}
	entry.Headless = headless != 0
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	entry.CreatedAt = parsed
	return entry, nil
}

func requireAffected(result sql.Result, displayName string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", displayName, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, displayName)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
