// ABOUTME: MCP server, tool, and tool-capability persistence for SQLiteStore
// ABOUTME: Tools are keyed by (server, name) so tool-list updates upsert in place

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const mcpServerColumns = `
	s.id, s.workspace_id, s.name, s.description, s.transport, s.command, s.args, s.env,
	s.server_url, s.headers, s.run_on, s.runtime_id, s.created_at, s.updated_at
`

func scanMCPServer(row rowScanner) (*MCPServer, error) {
	var (
		srv                        MCPServer
		transport, runOn           string
		argsJSON, envJSON          string
		headersJSON                string
		runtimeID                  sql.NullString
		createdAtStr, updatedAtStr string
	)
	err := row.Scan(
		&srv.ID, &srv.WorkspaceID, &srv.Name, &srv.Description, &transport, &srv.Command, &argsJSON, &envJSON,
		&srv.ServerURL, &headersJSON, &runOn, &runtimeID, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	srv.Transport = Transport(transport)
	srv.RunOn = Scope(runOn)
	srv.RuntimeID = runtimeID.String
	if err := decodeJSON(argsJSON, &srv.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if err := decodeJSON(envJSON, &srv.Env); err != nil {
		return nil, fmt.Errorf("decoding env: %w", err)
	}
	if err := decodeJSON(headersJSON, &srv.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	if srv.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if srv.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &srv, nil
}

// CreateMCPServer inserts an MCP server. An empty ID is generated.
func (s *SQLiteStore) CreateMCPServer(ctx context.Context, srv *MCPServer) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = now

	argsJSON, err := encodeJSON(nonNil(srv.Args))
	if err != nil {
		return fmt.Errorf("encoding args: %w", err)
	}
	envJSON, err := encodeJSON(nonNilMap(srv.Env))
	if err != nil {
		return fmt.Errorf("encoding env: %w", err)
	}
	headersJSON, err := encodeJSON(nonNilMap(srv.Headers))
	if err != nil {
		return fmt.Errorf("encoding headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (
			id, workspace_id, name, description, transport, command, args, env,
			server_url, headers, run_on, runtime_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		srv.ID, srv.WorkspaceID, srv.Name, srv.Description, string(srv.Transport), srv.Command, argsJSON, envJSON,
		srv.ServerURL, headersJSON, string(srv.RunOn), nullString(srv.RuntimeID),
		formatTime(srv.CreatedAt), formatTime(srv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("mcp server %s: %w", srv.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting mcp server: %w", err)
	}

	s.logger.Debug("created mcp server", "id", srv.ID, "name", srv.Name, "run_on", srv.RunOn)
	s.notifier.Publish(TopicMCPServers)
	return nil
}

// GetMCPServer retrieves an MCP server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLiteStore) GetMCPServer(ctx context.Context, id string) (*MCPServer, error) {
	srv, err := scanMCPServer(s.db.QueryRowContext(ctx,
		`SELECT `+mcpServerColumns+` FROM mcp_servers s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying mcp server: %w", err)
	}
	return srv, nil
}

func (s *SQLiteStore) queryMCPServers(ctx context.Context, query string, args ...any) ([]*MCPServer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mcp servers: %w", err)
	}
	defer rows.Close()

	servers := []*MCPServer{}
	for rows.Next() {
		srv, err := scanMCPServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mcp server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mcp servers: %w", err)
	}
	return servers, nil
}

// EdgeMCPServers returns the EDGE servers linked directly to a runtime.
func (s *SQLiteStore) EdgeMCPServers(ctx context.Context, runtimeID string) ([]*MCPServer, error) {
	return s.queryMCPServers(ctx, `
		SELECT `+mcpServerColumns+`
		FROM mcp_servers s
		WHERE s.runtime_id = ? AND s.run_on = 'EDGE'
		ORDER BY s.name, s.id
	`, runtimeID)
}

// AgentMCPServers returns the servers owning at least one tool the runtime
// holds a capability edge to.
func (s *SQLiteStore) AgentMCPServers(ctx context.Context, runtimeID string) ([]*MCPServer, error) {
	return s.queryMCPServers(ctx, `
		SELECT DISTINCT `+mcpServerColumns+`
		FROM mcp_servers s
		JOIN mcp_tools t ON t.mcp_server_id = s.id
		JOIN runtime_tools rt ON rt.tool_id = t.id
		WHERE rt.runtime_id = ?
		ORDER BY s.name, s.id
	`, runtimeID)
}

// GlobalMCPServers returns the GLOBAL servers of a workspace.
func (s *SQLiteStore) GlobalMCPServers(ctx context.Context, workspaceID string) ([]*MCPServer, error) {
	return s.queryMCPServers(ctx, `
		SELECT `+mcpServerColumns+`
		FROM mcp_servers s
		WHERE s.workspace_id = ? AND s.run_on = 'GLOBAL'
		ORDER BY s.name, s.id
	`, workspaceID)
}

const mcpToolColumns = `
	id, mcp_server_id, name, description, input_schema, annotations, status, created_at, updated_at
`

func scanMCPTool(row rowScanner) (*MCPTool, error) {
	var (
		tool                       MCPTool
		status                     string
		createdAtStr, updatedAtStr string
	)
	err := row.Scan(
		&tool.ID, &tool.MCPServerID, &tool.Name, &tool.Description, &tool.InputSchema, &tool.Annotations,
		&status, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		return nil, err
	}
	tool.Status = Status(status)
	if tool.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tool.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &tool, nil
}

// ListMCPTools returns every tool of a server, active or not, ordered by name.
func (s *SQLiteStore) ListMCPTools(ctx context.Context, serverID string) ([]*MCPTool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mcpToolColumns+` FROM mcp_tools WHERE mcp_server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("querying mcp tools: %w", err)
	}
	defer rows.Close()

	var tools []*MCPTool
	for rows.Next() {
		tool, err := scanMCPTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mcp tool: %w", err)
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mcp tools: %w", err)
	}
	return tools, nil
}

// UpsertMCPTool creates a tool or updates the existing tool with the same
// server and name. tool.ID is set to the stored ID. An empty status
// defaults to ACTIVE.
func (s *SQLiteStore) UpsertMCPTool(ctx context.Context, tool *MCPTool) error {
	if tool.Status == "" {
		tool.Status = StatusActive
	}
	now := time.Now().UTC()
	candidateID := tool.ID
	if candidateID == "" {
		candidateID = uuid.New().String()
	}

	var createdAtStr string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO mcp_tools (id, mcp_server_id, name, description, input_schema, annotations, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mcp_server_id, name) DO UPDATE SET
			description  = excluded.description,
			input_schema = excluded.input_schema,
			annotations  = excluded.annotations,
			status       = excluded.status,
			updated_at   = excluded.updated_at
		RETURNING id, created_at
	`,
		candidateID, tool.MCPServerID, tool.Name, tool.Description, tool.InputSchema, tool.Annotations,
		string(tool.Status), formatTime(now), formatTime(now),
	).Scan(&tool.ID, &createdAtStr)
	if err != nil {
		return fmt.Errorf("upserting mcp tool %q: %w", tool.Name, err)
	}

	if tool.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return fmt.Errorf("parsing created_at: %w", err)
	}
	tool.UpdatedAt = now
	s.notifier.Publish(TopicMCPTools)
	return nil
}

// SetMCPToolStatus sets the status of the named tools of a server. Unknown
// names are ignored.
func (s *SQLiteStore) SetMCPToolStatus(ctx context.Context, serverID string, names []string, status Status) error {
	if len(names) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	args := make([]any, 0, len(names)+3)
	args = append(args, string(status), formatTime(time.Now()), serverID)
	for _, n := range names {
		args = append(args, n)
	}

	err := s.exec(ctx, "setting mcp tool status", []string{TopicMCPTools}, `
		UPDATE mcp_tools
		SET status = ?, updated_at = ?
		WHERE mcp_server_id = ? AND name IN (`+placeholders+`)
	`, args...)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SetRuntimeToolsInactive marks every tool of every EDGE server linked to
// the runtime INACTIVE.
func (s *SQLiteStore) SetRuntimeToolsInactive(ctx context.Context, runtimeID string) error {
	err := s.exec(ctx, "deactivating runtime tools", []string{TopicMCPTools}, `
		UPDATE mcp_tools
		SET status = 'INACTIVE', updated_at = ?
		WHERE status != 'INACTIVE'
		  AND mcp_server_id IN (SELECT id FROM mcp_servers WHERE runtime_id = ?)
	`, formatTime(time.Now()), runtimeID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// AddToolCapability lets a runtime call a tool. Adding an existing edge is
// a no-op.
func (s *SQLiteStore) AddToolCapability(ctx context.Context, runtimeID, toolID string) error {
	err := s.exec(ctx, "adding tool capability", []string{TopicRuntimeTools}, `
		INSERT OR IGNORE INTO runtime_tools (runtime_id, tool_id, created_at)
		VALUES (?, ?, ?)
	`, runtimeID, toolID, formatTime(time.Now()))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ToolCapabilities returns the active tools a runtime may call.
func (s *SQLiteStore) ToolCapabilities(ctx context.Context, runtimeID string) ([]*ToolCapability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.mcp_server_id, t.description, t.input_schema
		FROM runtime_tools rt
		JOIN mcp_tools t ON t.id = rt.tool_id
		WHERE rt.runtime_id = ? AND t.status = 'ACTIVE'
		ORDER BY t.name, t.id
	`, runtimeID)
	if err != nil {
		return nil, fmt.Errorf("querying tool capabilities: %w", err)
	}
	defer rows.Close()

	caps := []*ToolCapability{}
	for rows.Next() {
		var c ToolCapability
		if err := rows.Scan(&c.ToolID, &c.Name, &c.MCPServerID, &c.Description, &c.InputSchema); err != nil {
			return nil, fmt.Errorf("scanning tool capability: %w", err)
		}
		caps = append(caps, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool capabilities: %w", err)
	}
	return caps, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
