// ABOUTME: Repository interface and record types for workspaces, runtimes, and MCP servers/tools
// ABOUTME: Observe methods return live-updating sequences that re-query on every relevant change

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/runtime-gateway/internal/message"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = fmt.Errorf("record %w", message.ErrNotFound)

// ErrAlreadyExists is returned when a unique key is already taken
var ErrAlreadyExists = errors.New("already exists")

// DefaultWorkspaceID is the id of the workspace used when a runtime names none
const DefaultWorkspaceID = "default"

// Status is the activity status shared by runtimes and tools
type Status string

// Statuses
const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Transport is how a runtime reaches an MCP server
type Transport string

// Transports
const (
	TransportStdio  Transport = "STDIO"
	TransportStream Transport = "STREAM"
	TransportSSE    Transport = "SSE"
)

// Scope decides which runtimes an MCP server is attributed to
type Scope string

// Scopes. EDGE servers are linked to one runtime directly, AGENT servers
// reach runtimes through tool-capability edges, and GLOBAL servers run on
// the workspace's global runtime.
const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeAgent  Scope = "AGENT"
	ScopeEdge   Scope = "EDGE"
)

// Workspace groups runtimes and MCP servers
type Workspace struct {
	ID                      string
	Name                    string
	GlobalRuntimeID         string
	DefaultTestingRuntimeID string
	CreatedAt               time.Time
}

// Root is a filesystem root exposed by a runtime
type Root struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// Runtime is the persisted record of a named runtime
type Runtime struct {
	ID            string
	WorkspaceID   string
	Name          string
	Description   string
	Status        Status
	Capabilities  []string
	Roots         []Root
	ProcessID     int
	HostIP        string
	Hostname      string
	MCPClientName string
	LastSeenAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProcessInfo is the process metadata recorded when a runtime becomes active
type ProcessInfo struct {
	PID           int
	HostIP        string
	Hostname      string
	MCPClientName string
}

// MCPServer is a tool-hosting server configuration
type MCPServer struct {
	ID          string
	WorkspaceID string
	Name        string
	Description string
	Transport   Transport
	Command     string
	Args        []string
	Env         map[string]string
	ServerURL   string
	Headers     map[string]string
	RunOn       Scope
	RuntimeID   string // set for EDGE servers
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MCPTool is one tool reported by an MCP server
type MCPTool struct {
	ID          string
	MCPServerID string
	Name        string
	Description string
	InputSchema string
	Annotations string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToolCapability is an active tool a runtime is allowed to call
type ToolCapability struct {
	ToolID      string
	Name        string
	MCPServerID string
	Description string
	InputSchema string
}

// WorkspaceStore manages workspaces
type WorkspaceStore interface {
	// DefaultWorkspace returns the default workspace, creating it on first use
	DefaultWorkspace(ctx context.Context) (*Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	// SetGlobalRuntime designates runtimeID as the workspace's global runtime,
	// or clears the designation if enabled is false and runtimeID holds it
	SetGlobalRuntime(ctx context.Context, workspaceID, runtimeID string, enabled bool) error
	SetDefaultTestingRuntime(ctx context.Context, workspaceID, runtimeID string, enabled bool) error
}

// RuntimeStore manages runtime records
type RuntimeStore interface {
	GetRuntime(ctx context.Context, id string) (*Runtime, error)
	GetRuntimeByName(ctx context.Context, workspaceID, name string) (*Runtime, error)
	CreateRuntime(ctx context.Context, rt *Runtime) error
	// ListRuntimes returns runtimes with the given status, or all when status is empty
	ListRuntimes(ctx context.Context, status Status) ([]*Runtime, error)
	SetRuntimeActive(ctx context.Context, id string, info ProcessInfo) error
	SetRuntimeInactive(ctx context.Context, id string) error
	TouchRuntime(ctx context.Context, id string, at time.Time) error
	SetRoots(ctx context.Context, id string, roots []Root) error
	SetRuntimeCapabilities(ctx context.Context, id string, capabilities []string) error
	SetMCPClientName(ctx context.Context, id, name string) error
}

// MCPStore manages MCP servers, their tools, and capability edges
type MCPStore interface {
	CreateMCPServer(ctx context.Context, srv *MCPServer) error
	GetMCPServer(ctx context.Context, id string) (*MCPServer, error)
	ListMCPTools(ctx context.Context, serverID string) ([]*MCPTool, error)
	// UpsertMCPTool creates or updates a tool by (server, name) and sets its ID
	UpsertMCPTool(ctx context.Context, tool *MCPTool) error
	SetMCPToolStatus(ctx context.Context, serverID string, names []string, status Status) error
	// SetRuntimeToolsInactive marks every tool of every EDGE server linked to
	// the runtime INACTIVE
	SetRuntimeToolsInactive(ctx context.Context, runtimeID string) error
	AddToolCapability(ctx context.Context, runtimeID, toolID string) error
}

// Observer provides live-updating query results. Each sequence yields the
// current result first, then a new result after every change that alters
// it. Slow readers only see the newest result. Sequences end when ctx ends.
type Observer interface {
	ObserveRuntime(ctx context.Context, id string) <-chan *Runtime
	ObserveWorkspace(ctx context.Context, id string) <-chan *Workspace
	ObserveEdgeMCPServers(ctx context.Context, runtimeID string) <-chan []*MCPServer
	ObserveAgentMCPServers(ctx context.Context, runtimeID string) <-chan []*MCPServer
	ObserveGlobalMCPServers(ctx context.Context, workspaceID string) <-chan []*MCPServer
	ObserveToolCapabilities(ctx context.Context, runtimeID string) <-chan []*ToolCapability
}

// Repository is everything the fleet manager needs from persistence
type Repository interface {
	WorkspaceStore
	RuntimeStore
	MCPStore
	Observer
}
