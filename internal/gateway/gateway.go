// ABOUTME: Main gateway orchestrator that wires the store, the bus, and the Fleet Manager
// ABOUTME: Runs an optional embedded NATS server and owns graceful startup and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/runtime-gateway/internal/agent"
	"github.com/2389/runtime-gateway/internal/bus"
	"github.com/2389/runtime-gateway/internal/config"
	"github.com/2389/runtime-gateway/internal/lifecycle"
	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
)

// Consumer is the lifecycle consumer name the gateway holds on its services.
const Consumer = "gateway"

// DBPathEnv overrides database.path when set.
const DBPathEnv = "RUNTIME_GATEWAY_DB_PATH"

const (
	statusInterval  = time.Minute
	shutdownTimeout = 15 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running gateway.
var ErrAlreadyStarted = errors.New("gateway already started")

// Gateway is the runtime-gateway process: a store, a bus connection with its
// heartbeat and ephemeral buckets, and the Fleet Manager serving runtimes.
type Gateway struct {
	config   *config.Config
	logger   *slog.Logger
	services *lifecycle.Registry
	registry *message.Registry
	store    *store.SQLiteStore

	// server is nil unless nats.embedded is set.
	server *bus.EmbeddedServer

	// Built by Start once the bus URL is known.
	conn       *bus.Conn
	heartbeats *bus.Heartbeats
	ephemeral  *bus.Ephemeral
	manager    *agent.Manager
}

// New creates a new Gateway instance with the given configuration.
// Nothing connects until Start or Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		services: lifecycle.NewRegistry(),
		registry: message.NewDefaultRegistry(),
		store:    s,
	}

	if cfg.NATS.Embedded {
		gw.server = bus.NewEmbeddedServer(bus.EmbeddedConfig{
			Host:     cfg.NATS.Host,
			Port:     cfg.NATS.Port,
			StoreDir: cfg.NATS.StoreDir,
		}, gw.services, logger)
	}

	return gw, nil
}

// initStore opens the SQLite database, honouring the path override.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(DBPathEnv); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// Services returns the lifecycle registry every component reports to.
func (g *Gateway) Services() *lifecycle.Registry {
	return g.services
}

// Store returns the gateway's repository.
func (g *Gateway) Store() store.Repository {
	return g.store
}

// Manager returns the Fleet Manager, or nil before Start.
func (g *Gateway) Manager() *agent.Manager {
	return g.manager
}

// BusURL is the address runtimes connect to. It is only final after Start
// when the bus is embedded.
func (g *Gateway) BusURL() string {
	if g.server != nil {
		if url := g.server.ClientURL(); url != "" {
			return url
		}
	}
	return g.config.NATS.URL
}

// Start brings up the embedded server (if any) and the Fleet Manager, which in
// turn starts the bus connection and both buckets.
func (g *Gateway) Start(ctx context.Context) error {
	if g.manager != nil {
		return ErrAlreadyStarted
	}

	if g.server != nil {
		if err := g.server.Start(ctx, Consumer); err != nil {
			return fmt.Errorf("starting embedded nats: %w", err)
		}
	}

	g.wire()
	if err := g.manager.Start(ctx, Consumer); err != nil {
		return fmt.Errorf("starting fleet manager: %w", err)
	}

	g.logger.Info("gateway started",
		"nats", g.BusURL(),
		"embedded", g.server != nil,
		"db", g.config.Database.Path,
		"heartbeat_ttl", g.config.Runtimes.HeartbeatTTL,
		"sweep", g.config.Runtimes.SweepSchedule,
	)
	return nil
}

// wire builds the bus side of the gateway against the resolved URL.
func (g *Gateway) wire() {
	cfg := g.config
	busCfg := bus.DefaultConfig()
	busCfg.URL = g.BusURL()
	busCfg.RequestTimeout = cfg.NATS.RequestTimeout
	g.conn = bus.NewConn(busCfg, g.registry, g.services, g.logger)

	hbKV := bus.NewKV(g.conn, bus.KVConfig{
		Bucket: bus.HeartbeatBucket,
		TTL:    cfg.Runtimes.HeartbeatTTL,
	}, g.services, g.logger)
	ephKV := bus.NewKV(g.conn, bus.KVConfig{
		Bucket: bus.EphemeralBucket,
		TTL:    cfg.Runtimes.EphemeralTTL,
	}, g.services, g.logger)
	g.heartbeats = bus.NewHeartbeats(hbKV, g.registry, g.logger)
	g.ephemeral = bus.NewEphemeral(ephKV, g.registry)

	g.manager = agent.NewManager(agent.ManagerConfig{
		DebounceWindow: cfg.Runtimes.DebounceWindow,
		SweepSchedule:  cfg.Runtimes.SweepSchedule,
		ToolDedupeTTL:  cfg.Runtimes.ToolDedupeTTL,
	}, agent.ManagerDeps{
		Repo:       g.store,
		Bus:        g.conn,
		Heartbeats: g.heartbeats,
		Ephemeral:  g.ephemeral,
		Services:   g.services,
		Logger:     g.logger,
	})
}

// Run starts the gateway and blocks until ctx is cancelled, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}

	reported := make(chan struct{})
	go func() {
		defer close(reported)
		g.reportStatus(ctx)
	}()
	<-ctx.Done()
	<-reported

	g.logger.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(shutdownCtx)
}

// reportStatus periodically logs the connected fleet.
func (g *Gateway) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.logger.Debug("fleet status",
				"instances", len(g.manager.Instances()),
				"services", len(g.services.Active()),
			)
		}
	}
}

// Shutdown stops the manager and the embedded server, then closes the store.
// Services still running afterwards are logged.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if g.manager != nil {
		errs = appendCloseError(errs, "fleet manager", g.manager.Stop(ctx, Consumer))
	}
	if g.server != nil {
		errs = appendCloseError(errs, "embedded nats", g.server.Stop(ctx, Consumer))
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	for _, st := range g.services.Active() {
		g.logger.Warn("service still running after shutdown",
			"service", st.Name,
			"state", st.State.String(),
			"consumers", st.Consumers,
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
