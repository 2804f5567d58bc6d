// Package config handles configuration loading for runtime-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Unset fields take defaults suited to a single-node gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RUNTIME_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/runtime-gateway/gateway.yaml
//  3. ~/.config/runtime-gateway/gateway.yaml
//
// Files ending in .toml are decoded as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	nats:
//	  url: "${NATS_URL}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Bus:
//
//	nats:
//	  url: "nats://127.0.0.1:4222"
//	  embedded: false          # run an in-process server instead
//	  host: "127.0.0.1"        # embedded only
//	  port: 4222               # embedded only, -1 picks a free port
//	  store_dir: "./nats"      # embedded JetStream storage
//	  request_timeout: "5s"
//
// Database:
//
//	database:
//	  path: "/var/lib/runtime-gateway/gateway.db"
//
// Runtimes:
//
//	runtimes:
//	  heartbeat_ttl: "10s"     # liveness window per RID
//	  ephemeral_ttl: "5m"      # lifetime of pushed configuration
//	  debounce_window: "100ms" # quiet period before a push
//	  sweep_schedule: "@every 1m"
//	  tool_dedupe_ttl: "10m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
package config
