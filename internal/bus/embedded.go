// ABOUTME: In-process nats-server with JetStream for single-node deployments and tests.
// ABOUTME: Lifecycle-managed so the server outlives every connection that uses it.

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/2389/runtime-gateway/internal/lifecycle"
)

// EmbeddedConfig configures the in-process server. Port -1 picks a free port.
type EmbeddedConfig struct {
	Name     string
	Host     string
	Port     int
	StoreDir string
}

// EmbeddedServer is an in-process NATS server.
type EmbeddedServer struct {
	*lifecycle.Service

	cfg    EmbeddedConfig
	logger *slog.Logger

	mu  sync.RWMutex
	srv *server.Server
}

// NewEmbeddedServer creates a stopped server.
func NewEmbeddedServer(cfg EmbeddedConfig, services *lifecycle.Registry, logger *slog.Logger) *EmbeddedServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "runtime-gateway"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := &EmbeddedServer{cfg: cfg, logger: logger.With("component", "nats-server")}
	s.Service = lifecycle.New("nats-server", lifecycle.Funcs{
		OnInitialize: s.run,
		OnShutdown:   s.shutdown,
	}, services, logger)
	return s
}

func (s *EmbeddedServer) run(ctx context.Context) error {
	if s.cfg.StoreDir != "" {
		if err := os.MkdirAll(s.cfg.StoreDir, 0755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}

	srv, err := server.NewServer(&server.Options{
		ServerName: s.cfg.Name,
		Host:       s.cfg.Host,
		Port:       s.cfg.Port,
		JetStream:  true,
		StoreDir:   s.cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return fmt.Errorf("creating nats server: %w", err)
	}

	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return fmt.Errorf("nats server not ready after 5s")
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("nats server started", "url", srv.ClientURL(), "store_dir", s.cfg.StoreDir)
	return nil
}

func (s *EmbeddedServer) shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	srv.Shutdown()
	srv.WaitForShutdown()
	s.logger.Info("nats server stopped")
	return nil
}

// ClientURL returns the URL clients connect to, or "" when stopped.
func (s *EmbeddedServer) ClientURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.ClientURL()
}
