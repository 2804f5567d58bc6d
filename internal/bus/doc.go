// Package bus carries messages between the gateway and runtime processes
// over NATS.
//
// # Transport
//
// Conn is a lifecycle-managed NATS connection. It publishes messages,
// sends time-bounded requests, answers requests, and opens subscriptions.
// Subjects follow NATS rules, so "runtime.{RID}.*" matches exactly one
// trailing token. A request that cannot be decoded is answered by the
// subscription itself with the Error it decoded to.
//
// # Key-value
//
// KV wraps a JetStream key-value bucket whose entries expire after the
// bucket TTL. Watch turns a key into a channel of entries that closes when
// the key is deleted or the watch is cancelled.
//
// Two buckets are built on it:
//
//   - Heartbeats: one key per RID, refreshed by the runtime. Observe yields
//     each value and closes quietly when nothing arrives within the TTL.
//   - Ephemeral: short-lived values keyed by subject, used to push computed
//     configuration to a single runtime.
//
// # Embedded server
//
// EmbeddedServer runs nats-server in-process with JetStream enabled, for
// single-node deployments and tests.
package bus
