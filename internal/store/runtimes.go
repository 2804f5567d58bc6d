// ABOUTME: Workspace and runtime record persistence for SQLiteStore
// ABOUTME: Every mutation signals the notifier so observers re-query

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultWorkspace returns the default workspace, creating it on first use.
func (s *SQLiteStore) DefaultWorkspace(ctx context.Context) (*Workspace, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO workspaces (id, name, created_at)
		VALUES (?, ?, ?)
	`, DefaultWorkspaceID, "Default", formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("creating default workspace: %w", err)
	}
	return s.GetWorkspace(ctx, DefaultWorkspaceID)
}

// CreateWorkspace inserts a workspace. An empty ID is generated.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, global_runtime_id, default_testing_runtime_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ws.ID, ws.Name, nullString(ws.GlobalRuntimeID), nullString(ws.DefaultTestingRuntimeID), formatTime(ws.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("workspace %s: %w", ws.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting workspace: %w", err)
	}
	s.notifier.Publish(TopicWorkspaces)
	return nil
}

// GetWorkspace retrieves a workspace by ID.
// Returns ErrNotFound if the workspace doesn't exist.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var (
		ws              Workspace
		global, testing sql.NullString
		createdAtStr    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, global_runtime_id, default_testing_runtime_id, created_at
		FROM workspaces
		WHERE id = ?
	`, id).Scan(&ws.ID, &ws.Name, &global, &testing, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}

	ws.GlobalRuntimeID = global.String
	ws.DefaultTestingRuntimeID = testing.String
	ws.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ws, nil
}

// SetGlobalRuntime designates runtimeID as the workspace's global runtime.
// With enabled false the designation is cleared only if runtimeID holds it.
func (s *SQLiteStore) SetGlobalRuntime(ctx context.Context, workspaceID, runtimeID string, enabled bool) error {
	return s.setWorkspaceRuntime(ctx, "global_runtime_id", workspaceID, runtimeID, enabled)
}

// SetDefaultTestingRuntime designates runtimeID as the workspace's default
// testing runtime, with the same clearing rule as SetGlobalRuntime.
func (s *SQLiteStore) SetDefaultTestingRuntime(ctx context.Context, workspaceID, runtimeID string, enabled bool) error {
	return s.setWorkspaceRuntime(ctx, "default_testing_runtime_id", workspaceID, runtimeID, enabled)
}

func (s *SQLiteStore) setWorkspaceRuntime(ctx context.Context, column, workspaceID, runtimeID string, enabled bool) error {
	if enabled {
		return s.exec(ctx, "setting "+column, []string{TopicWorkspaces},
			`UPDATE workspaces SET `+column+` = ? WHERE id = ?`, runtimeID, workspaceID)
	}

	err := s.exec(ctx, "clearing "+column, []string{TopicWorkspaces},
		`UPDATE workspaces SET `+column+` = NULL WHERE id = ? AND `+column+` = ?`, workspaceID, runtimeID)
	if errors.Is(err, ErrNotFound) {
		// Either the workspace is unknown or runtimeID did not hold the role.
		if _, getErr := s.GetWorkspace(ctx, workspaceID); getErr != nil {
			return getErr
		}
		return nil
	}
	return err
}

const runtimeColumns = `
	id, workspace_id, name, description, status, capabilities, roots,
	process_id, host_ip, hostname, mcp_client_name, last_seen_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuntime(row rowScanner) (*Runtime, error) {
	var (
		rt                         Runtime
		status                     string
		capsJSON, rootsJSON        string
		lastSeen                   sql.NullString
		createdAtStr, updatedAtStr string
	)
	err := row.Scan(
		&rt.ID, &rt.WorkspaceID, &rt.Name, &rt.Description, &status, &capsJSON, &rootsJSON,
		&rt.ProcessID, &rt.HostIP, &rt.Hostname, &rt.MCPClientName, &lastSeen, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	rt.Status = Status(status)
	if err := decodeJSON(capsJSON, &rt.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if err := decodeJSON(rootsJSON, &rt.Roots); err != nil {
		return nil, fmt.Errorf("decoding roots: %w", err)
	}
	if rt.LastSeenAt, err = parseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if rt.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rt.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rt, nil
}

// GetRuntime retrieves a runtime by ID.
// Returns ErrNotFound if the runtime doesn't exist.
func (s *SQLiteStore) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	rt, err := scanRuntime(s.db.QueryRowContext(ctx, `SELECT `+runtimeColumns+` FROM runtimes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying runtime: %w", err)
	}
	return rt, nil
}

// GetRuntimeByName retrieves a runtime by its name within a workspace.
// Returns ErrNotFound if no such runtime exists.
func (s *SQLiteStore) GetRuntimeByName(ctx context.Context, workspaceID, name string) (*Runtime, error) {
	rt, err := scanRuntime(s.db.QueryRowContext(ctx,
		`SELECT `+runtimeColumns+` FROM runtimes WHERE workspace_id = ? AND name = ?`, workspaceID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying runtime by name: %w", err)
	}
	return rt, nil
}

// CreateRuntime inserts a runtime record. An empty ID is generated and an
// empty status defaults to INACTIVE.
// Returns ErrAlreadyExists if the name is taken within the workspace.
func (s *SQLiteStore) CreateRuntime(ctx context.Context, rt *Runtime) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	if rt.Status == "" {
		rt.Status = StatusInactive
	}
	now := time.Now().UTC()
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = now
	}
	rt.UpdatedAt = now

	capsJSON, err := encodeJSON(nonNil(rt.Capabilities))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	rootsJSON, err := encodeJSON(nonNil(rt.Roots))
	if err != nil {
		return fmt.Errorf("encoding roots: %w", err)
	}
	var lastSeen sql.NullString
	if rt.LastSeenAt != nil {
		lastSeen = nullString(formatTime(*rt.LastSeenAt))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runtimes (`+runtimeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rt.ID, rt.WorkspaceID, rt.Name, rt.Description, string(rt.Status), capsJSON, rootsJSON,
		rt.ProcessID, rt.HostIP, rt.Hostname, rt.MCPClientName, lastSeen,
		formatTime(rt.CreatedAt), formatTime(rt.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("runtime %q: %w", rt.Name, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting runtime: %w", err)
	}

	s.logger.Debug("created runtime", "id", rt.ID, "name", rt.Name, "workspace_id", rt.WorkspaceID)
	s.notifier.Publish(TopicRuntimes)
	return nil
}

// ListRuntimes returns runtimes with the given status ordered by name, or
// every runtime when status is empty.
func (s *SQLiteStore) ListRuntimes(ctx context.Context, status Status) ([]*Runtime, error) {
	query := `SELECT ` + runtimeColumns + ` FROM runtimes`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runtimes: %w", err)
	}
	defer rows.Close()

	var runtimes []*Runtime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning runtime: %w", err)
		}
		runtimes = append(runtimes, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runtimes: %w", err)
	}
	return runtimes, nil
}

// SetRuntimeActive marks a runtime ACTIVE and records its process metadata.
func (s *SQLiteStore) SetRuntimeActive(ctx context.Context, id string, info ProcessInfo) error {
	now := formatTime(time.Now())
	return s.exec(ctx, "activating runtime", []string{TopicRuntimes}, `
		UPDATE runtimes
		SET status = 'ACTIVE', process_id = ?, host_ip = ?, hostname = ?,
			mcp_client_name = CASE WHEN ? = '' THEN mcp_client_name ELSE ? END,
			last_seen_at = ?, updated_at = ?
		WHERE id = ?
	`, info.PID, info.HostIP, info.Hostname, info.MCPClientName, info.MCPClientName, now, now, id)
}

// SetRuntimeInactive marks a runtime INACTIVE.
func (s *SQLiteStore) SetRuntimeInactive(ctx context.Context, id string) error {
	return s.exec(ctx, "deactivating runtime", []string{TopicRuntimes},
		`UPDATE runtimes SET status = 'INACTIVE', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
}

// TouchRuntime records that the runtime was seen at the given time.
func (s *SQLiteStore) TouchRuntime(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "updating last seen", []string{TopicRuntimes},
		`UPDATE runtimes SET last_seen_at = ? WHERE id = ?`, formatTime(at), id)
}

// SetRoots replaces the roots of a runtime.
func (s *SQLiteStore) SetRoots(ctx context.Context, id string, roots []Root) error {
	rootsJSON, err := encodeJSON(nonNil(roots))
	if err != nil {
		return fmt.Errorf("encoding roots: %w", err)
	}
	return s.exec(ctx, "setting roots", []string{TopicRuntimes},
		`UPDATE runtimes SET roots = ?, updated_at = ? WHERE id = ?`, rootsJSON, formatTime(time.Now()), id)
}

// SetRuntimeCapabilities replaces the declared capabilities of a runtime.
func (s *SQLiteStore) SetRuntimeCapabilities(ctx context.Context, id string, capabilities []string) error {
	capsJSON, err := encodeJSON(nonNil(capabilities))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	return s.exec(ctx, "setting capabilities", []string{TopicRuntimes},
		`UPDATE runtimes SET capabilities = ?, updated_at = ? WHERE id = ?`, capsJSON, formatTime(time.Now()), id)
}

// SetMCPClientName records the MCP client name a runtime announced.
func (s *SQLiteStore) SetMCPClientName(ctx context.Context, id, name string) error {
	return s.exec(ctx, "setting mcp client name", []string{TopicRuntimes},
		`UPDATE runtimes SET mcp_client_name = ?, updated_at = ? WHERE id = ?`, name, formatTime(time.Now()), id)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
