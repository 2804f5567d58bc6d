// Package store provides persistent storage for the runtime gateway using SQLite.
//
// # Architecture
//
// The store package is consumed through the Repository interface, which is
// composed of smaller interfaces:
//
//   - WorkspaceStore: Workspaces and their global/testing runtime designations
//   - RuntimeStore: Runtime records, status, process metadata, roots
//   - MCPStore: MCP servers, their tools, and runtime-to-tool capability edges
//   - Observer: Live-updating queries over all of the above
//
// SQLiteStore implements all interfaces in a single struct.
//
// # Data Models
//
//   - Workspace: Groups runtimes and servers; names a global runtime
//   - Runtime: A named runtime; ACTIVE while a process holds it
//   - MCPServer: A tool-hosting server scoped GLOBAL, AGENT, or EDGE
//   - MCPTool: A tool reported by a server, keyed by (server, name)
//   - ToolCapability: An active tool a runtime may call
//
// # Observation
//
// Every mutation publishes a table-level topic on the Notifier. Observe
// methods subscribe to the topics their query reads, re-run the query on
// each signal, and emit only results that differ from the previous one.
// Delivery is latest-wins: a slow reader skips intermediate results.
//
//	for servers := range repo.ObserveEdgeMCPServers(ctx, runtimeID) {
//	    // recompute configuration
//	}
//
// # Schema Management
//
// The schema is created on open. Migrations for existing databases are
// idempotent checks against pragma_table_info.
//
// # Thread Safety
//
// SQLiteStore is safe for concurrent use. The database handle is limited
// to one open connection, so statements are serialized.
package store
