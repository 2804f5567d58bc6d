// Package gateway orchestrates the runtime-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the runtime-gateway
// process. It owns the SQLite store, the optional embedded NATS server, the
// shared bus connection with its heartbeat and ephemeral buckets, and the
// Fleet Manager that serves connected runtimes.
//
// # Gateway Struct
//
//	type Gateway struct {
//	    config     *config.Config
//	    services   *lifecycle.Registry
//	    registry   *message.Registry
//	    store      *store.SQLiteStore
//	    server     *bus.EmbeddedServer // nats.embedded only
//	    conn       *bus.Conn
//	    heartbeats *bus.Heartbeats
//	    ephemeral  *bus.Ephemeral
//	    manager    *agent.Manager
//	}
//
// # Lifecycle
//
// Startup sequence (Start):
//
//  1. Start the embedded NATS server, if configured
//  2. Build the bus connection against the resolved URL
//  3. Start the Fleet Manager, which starts the connection, both buckets,
//     and rehydrates runtimes that are still heartbeating
//
// Shutdown sequence (Shutdown):
//
//  1. Stop the Fleet Manager, which stops every Instance and releases the bus
//  2. Stop the embedded server
//  3. Close the store
//  4. Log any service some consumer still holds
//
// Run wraps both and blocks until its context is cancelled.
//
// # Environment
//
// RUNTIME_GATEWAY_DB_PATH overrides database.path.
package gateway
