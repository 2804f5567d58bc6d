// ABOUTME: Concrete message kinds exchanged between runtimes and the gateway.
// ABOUTME: Each kind declares its role, validation rules, and subject.

package message

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Kinds.
const (
	KindRuntimeConnect             Kind = "RuntimeConnect"
	KindConnectAck                 Kind = "ConnectAck"
	KindAck                        Kind = "Ack"
	KindError                      Kind = "Error"
	KindSetRoots                   Kind = "SetRoots"
	KindSetRuntimeCapabilities     Kind = "SetRuntimeCapabilities"
	KindSetGlobalRuntime           Kind = "SetGlobalRuntime"
	KindSetDefaultTestingRuntime   Kind = "SetDefaultTestingRuntime"
	KindSetMCPClientName           Kind = "SetMCPClientName"
	KindHeartbeat                  Kind = "Heartbeat"
	KindUpdateConfiguredMCPServers Kind = "UpdateConfiguredMCPServers"
	KindAgentCapabilities          Kind = "AgentCapabilities"
	KindUpdateMCPTools             Kind = "UpdateMCPTools"
)

// Subjects.
const (
	SubjectConnect        = "runtime.connect"
	SubjectHeartbeat      = "runtime.heartbeat"
	SubjectUpdateMCPTools = "runtime.update-mcp-tools"
)

// RuntimeSubject returns the subject for an RPC verb addressed to one runtime
// process, e.g. runtime.{RID}.set-roots.
func RuntimeSubject(rid, verb string) string {
	return "runtime." + rid + "." + verb
}

// RuntimeWildcard matches every RPC verb addressed to rid.
func RuntimeWildcard(rid string) string {
	return RuntimeSubject(rid, "*")
}

// ConfiguredMCPServersSubject is the ephemeral subject carrying the merged
// configuration for rid.
func ConfiguredMCPServersSubject(rid string) string {
	return "runtime.update-configured-mcp-server." + rid
}

// AgentCapabilitiesSubject is the ephemeral subject carrying tool
// capabilities for rid.
func AgentCapabilitiesSubject(rid string) string {
	return "runtime.agent-capabilities." + rid
}

// Root is a filesystem root a runtime exposes to its MCP servers.
type Root struct {
	Name string `json:"name" validate:"required"`
	URI  string `json:"uri" validate:"required"`
}

// MCPServerConfig is the subset of an MCP server record a runtime needs to
// launch or reach it.
type MCPServerConfig struct {
	ID        string            `json:"id" validate:"required"`
	Name      string            `json:"name" validate:"required"`
	Transport string            `json:"transport" validate:"required,oneof=STDIO STREAM SSE"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ServerURL string            `json:"serverUrl,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	RunOn     string            `json:"runOn" validate:"required,oneof=GLOBAL AGENT EDGE"`
}

// ToolCapability is a tool a runtime is allowed to call.
type ToolCapability struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	MCPServerID string `json:"mcpServerId" validate:"required"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"inputSchema,omitempty"`
}

// ToolDescriptor is a tool as reported by an MCP server.
type ToolDescriptor struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"inputSchema,omitempty"`
	Annotations string `json:"annotations,omitempty"`
}

// RuntimeConnect is sent by a runtime process when it starts.
type RuntimeConnect struct {
	Name        string `json:"name" validate:"required"`
	PID         int    `json:"pid" validate:"gt=0"`
	HostIP      string `json:"hostIP,omitempty" validate:"omitempty,ip"`
	Hostname    string `json:"hostname,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

func (*RuntimeConnect) Kind() Kind { return KindRuntimeConnect }
func (*RuntimeConnect) Role() Role { return RoleRequest }
func (*RuntimeConnect) Subject() string { return SubjectConnect }

// ConnectAck acknowledges a RuntimeConnect.
type ConnectAck struct {
	RID         string `json:"rid" validate:"required"`
	WorkspaceID string `json:"workspaceId" validate:"required"`
	RuntimeID   string `json:"runtimeId" validate:"required"`
}

func (*ConnectAck) Kind() Kind { return KindConnectAck }
func (*ConnectAck) Role() Role { return RoleResponse }

// Ack acknowledges an RPC with the updated field value as raw JSON.
type Ack struct {
	Field string              `json:"field" validate:"required"`
	Value jsoniter.RawMessage `json:"value,omitempty"`
}

func (*Ack) Kind() Kind { return KindAck }
func (*Ack) Role() Role { return RoleResponse }

// NewAck encodes v as the acknowledged value of field.
func NewAck(field string, v any) (*Ack, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s ack: %w", field, err)
	}
	return &Ack{Field: field, Value: raw}, nil
}

// DecodeValue unmarshals the acknowledged value into v.
func (a *Ack) DecodeValue(v any) error {
	return json.Unmarshal(a.Value, v)
}

// Error is the reply sent when a request fails, and the variant produced
// when decoding fails.
type Error struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message"`
}

func (*Error) Kind() Kind { return KindError }
func (*Error) Role() Role { return RoleResponse }

// SetRoots replaces the roots of a runtime.
type SetRoots struct {
	RID   string `json:"rid" validate:"required"`
	Roots []Root `json:"roots" validate:"dive"`
}

func (*SetRoots) Kind() Kind { return KindSetRoots }
func (*SetRoots) Role() Role { return RoleRequest }
func (p *SetRoots) Subject() string { return RuntimeSubject(p.RID, "set-roots") }

// Validate rejects duplicate root names.
func (p *SetRoots) Validate() error {
	seen := make(map[string]bool, len(p.Roots))
	for _, r := range p.Roots {
		if seen[r.Name] {
			return fmt.Errorf("duplicate root %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// SetRuntimeCapabilities replaces the declared capabilities of a runtime.
type SetRuntimeCapabilities struct {
	RID          string   `json:"rid" validate:"required"`
	Capabilities []string `json:"capabilities" validate:"dive,required"`
}

func (*SetRuntimeCapabilities) Kind() Kind { return KindSetRuntimeCapabilities }
func (*SetRuntimeCapabilities) Role() Role { return RoleRequest }
func (p *SetRuntimeCapabilities) Subject() string {
	return RuntimeSubject(p.RID, "set-runtime-capabilities")
}

// SetGlobalRuntime designates (or undesignates) the runtime as its
// workspace's global runtime.
type SetGlobalRuntime struct {
	RID    string `json:"rid" validate:"required"`
	Global bool   `json:"global"`
}

func (*SetGlobalRuntime) Kind() Kind { return KindSetGlobalRuntime }
func (*SetGlobalRuntime) Role() Role { return RoleRequest }
func (p *SetGlobalRuntime) Subject() string {
	return RuntimeSubject(p.RID, "set-global-runtime")
}

// SetDefaultTestingRuntime designates (or undesignates) the runtime as its
// workspace's default testing runtime.
type SetDefaultTestingRuntime struct {
	RID     string `json:"rid" validate:"required"`
	Enabled bool   `json:"enabled"`
}

func (*SetDefaultTestingRuntime) Kind() Kind { return KindSetDefaultTestingRuntime }
func (*SetDefaultTestingRuntime) Role() Role { return RoleRequest }
func (p *SetDefaultTestingRuntime) Subject() string {
	return RuntimeSubject(p.RID, "set-default-testing-runtime")
}

// SetMCPClientName records the MCP client name the runtime announces.
type SetMCPClientName struct {
	RID        string `json:"rid" validate:"required"`
	ClientName string `json:"clientName" validate:"required"`
}

func (*SetMCPClientName) Kind() Kind { return KindSetMCPClientName }
func (*SetMCPClientName) Role() Role { return RoleRequest }
func (p *SetMCPClientName) Subject() string {
	return RuntimeSubject(p.RID, "set-mcp-client-name")
}

// Heartbeat is the liveness value stored under the RID in the heartbeat
// bucket.
type Heartbeat struct {
	RID      string `json:"rid" validate:"required"`
	PID      int    `json:"pid,omitempty"`
	HostIP   string `json:"hostIP,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	SentAt   int64  `json:"sentAt"`
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }
func (*Heartbeat) Role() Role { return RolePublish }
func (*Heartbeat) Subject() string { return SubjectHeartbeat }

// UpdateConfiguredMCPServers carries the merged configuration for one
// runtime process.
type UpdateConfiguredMCPServers struct {
	RID        string            `json:"rid" validate:"required"`
	Roots      []Root            `json:"roots" validate:"dive"`
	MCPServers []MCPServerConfig `json:"mcpServers" validate:"dive"`
}

func (*UpdateConfiguredMCPServers) Kind() Kind { return KindUpdateConfiguredMCPServers }
func (*UpdateConfiguredMCPServers) Role() Role { return RolePublish }
func (p *UpdateConfiguredMCPServers) Subject() string {
	return ConfiguredMCPServersSubject(p.RID)
}

// AgentCapabilities carries the tools a runtime may call.
type AgentCapabilities struct {
	RID          string           `json:"rid" validate:"required"`
	Capabilities []ToolCapability `json:"capabilities" validate:"dive"`
}

func (*AgentCapabilities) Kind() Kind { return KindAgentCapabilities }
func (*AgentCapabilities) Role() Role { return RolePublish }
func (p *AgentCapabilities) Subject() string {
	return AgentCapabilitiesSubject(p.RID)
}

// UpdateMCPTools reports the current tool list of one MCP server.
type UpdateMCPTools struct {
	MCPServerID string           `json:"mcpServerId" validate:"required"`
	Tools       []ToolDescriptor `json:"tools" validate:"dive"`
}

func (*UpdateMCPTools) Kind() Kind { return KindUpdateMCPTools }
func (*UpdateMCPTools) Role() Role { return RolePublish }
func (*UpdateMCPTools) Subject() string { return SubjectUpdateMCPTools }

// Validate rejects duplicate tool names.
func (p *UpdateMCPTools) Validate() error {
	seen := make(map[string]bool, len(p.Tools))
	for _, t := range p.Tools {
		name := strings.TrimSpace(t.Name)
		if seen[name] {
			return fmt.Errorf("duplicate tool %q", name)
		}
		seen[name] = true
	}
	return nil
}
