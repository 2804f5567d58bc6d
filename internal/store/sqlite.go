// ABOUTME: SQLite implementation of the Repository interface using modernc.org/sqlite
// ABOUTME: Provides workspace/runtime/MCP persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLiteStore implements the Repository interface using SQLite
type SQLiteStore struct {
	db       *sql.DB
	notifier *Notifier
	logger   *slog.Logger
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; observe queries are short and never nested.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		notifier: NewNotifier(logger),
		logger:   logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id                         TEXT PRIMARY KEY,
			name                       TEXT NOT NULL,
			global_runtime_id          TEXT,
			default_testing_runtime_id TEXT,
			created_at                 TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runtimes (
			id              TEXT PRIMARY KEY,
			workspace_id    TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'INACTIVE',
			capabilities    TEXT NOT NULL DEFAULT '[]',
			roots           TEXT NOT NULL DEFAULT '[]',
			process_id      INTEGER NOT NULL DEFAULT 0,
			host_ip         TEXT NOT NULL DEFAULT '',
			hostname        TEXT NOT NULL DEFAULT '',
			mcp_client_name TEXT NOT NULL DEFAULT '',
			last_seen_at    TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			UNIQUE(workspace_id, name),
			CHECK (status IN ('ACTIVE', 'INACTIVE'))
		);

		CREATE INDEX IF NOT EXISTS idx_runtimes_status ON runtimes(status);

		CREATE TABLE IF NOT EXISTS mcp_servers (
			id           TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			transport    TEXT NOT NULL,
			command      TEXT NOT NULL DEFAULT '',
			args         TEXT NOT NULL DEFAULT '[]',
			env          TEXT NOT NULL DEFAULT '{}',
			server_url   TEXT NOT NULL DEFAULT '',
			headers      TEXT NOT NULL DEFAULT '{}',
			run_on       TEXT NOT NULL,
			runtime_id   TEXT REFERENCES runtimes(id) ON DELETE SET NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (transport IN ('STDIO', 'STREAM', 'SSE')),
			CHECK (run_on IN ('GLOBAL', 'AGENT', 'EDGE'))
		);

		CREATE INDEX IF NOT EXISTS idx_mcp_servers_runtime ON mcp_servers(runtime_id);
		CREATE INDEX IF NOT EXISTS idx_mcp_servers_workspace ON mcp_servers(workspace_id, run_on);

		CREATE TABLE IF NOT EXISTS mcp_tools (
			id            TEXT PRIMARY KEY,
			mcp_server_id TEXT NOT NULL REFERENCES mcp_servers(id) ON DELETE CASCADE,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			input_schema  TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			UNIQUE(mcp_server_id, name),
			CHECK (status IN ('ACTIVE', 'INACTIVE'))
		);

		CREATE TABLE IF NOT EXISTS runtime_tools (
			runtime_id TEXT NOT NULL REFERENCES runtimes(id) ON DELETE CASCADE,
			tool_id    TEXT NOT NULL REFERENCES mcp_tools(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,

			PRIMARY KEY (runtime_id, tool_id)
		);

		CREATE INDEX IF NOT EXISTS idx_runtime_tools_tool ON runtime_tools(tool_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "mcp_tools",
			column: "annotations",
			apply:  `ALTER TABLE mcp_tools ADD COLUMN annotations TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection and ends every observation
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	s.notifier.Close()
	return s.db.Close()
}

// Notifier returns the change notifier fed by this store's mutations
func (s *SQLiteStore) Notifier() *Notifier {
	return s.notifier
}

// exec runs a mutation and signals topics when it changed a row.
// Returns ErrNotFound when no row matched.
func (s *SQLiteStore) exec(ctx context.Context, what string, topics []string, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.notifier.Publish(topics...)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
