// Package agent manages the runtime processes connected to the gateway.
//
// # Overview
//
// Each connected process is identified by its RID, the runtime record ID
// joined with the process ID:
//
//	rid := agent.RID(runtimeID, pid) // "3f2c...-4242"
//
// The Manager owns one Instance per RID. Both embed a lifecycle.Service,
// so they are started and stopped by consumer name.
//
// # Manager
//
// The Manager listens on runtime.connect and runtime.update-mcp-tools:
//
//	mgr := agent.NewManager(agent.ManagerConfig{}, agent.ManagerDeps{...})
//	if err := mgr.Start(ctx, "gateway"); err != nil { ... }
//
// Key operations:
//
//   - Connect(ctx, req): Resolve workspace and runtime record, start an Instance
//   - UpdateMCPTools(ctx, p): Reconcile the stored tools of one MCP server
//   - Instances(): All live instances, sorted by RID
//   - Instance(rid): One live instance
//
// A second connect for a live RID fails with ErrRuntimeConflict before
// anything is written.
//
// # Rehydration
//
// On start the Manager compares ACTIVE runtime records with the live keys
// of the heartbeat bucket. Records that still heartbeat get an Instance
// without being re-marked ACTIVE; the rest are marked INACTIVE along with
// the tools of their EDGE servers. A cron-scheduled sweep repeats the
// second half for records that lose their heartbeat while no Instance
// watches them.
//
// # Instance
//
// An Instance runs four tasks until it is stopped:
//
//  1. Heartbeat watch: refreshes last-seen, and on a missed heartbeat marks
//     the record and its tools INACTIVE and notifies the Manager
//  2. RPC: answers runtime.{RID}.* requests with an Ack or an Error
//  3. Configuration: joins roots with edge, agent, and global MCP servers,
//     debounces, and publishes UpdateConfiguredMCPServers
//  4. Capabilities: publishes AgentCapabilities for the active tools the
//     runtime may call
//
// Both pipelines publish to the ephemeral bucket and skip payloads equal to
// the previous publish.
//
// # Thread Safety
//
// Manager and Instance are safe for concurrent use. The instance map is
// guarded by a RWMutex; Stop waits for every task to end.
package agent
