// ABOUTME: Lifecycle-managed NATS connection implementing publish, request, and reply.
// ABOUTME: Encodes and decodes messages through the shared message registry.

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/runtime-gateway/internal/lifecycle"
	"github.com/2389/runtime-gateway/internal/message"
)

// ServiceName is the lifecycle name of the shared connection.
const ServiceName = "bus"

// Config holds connection settings.
type Config struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	RequestTimeout time.Duration
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "runtime-gateway",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  time.Second,
		MaxReconnects:  -1,
		RequestTimeout: 5 * time.Second,
	}
}

// Conn is the shared bus connection.
type Conn struct {
	*lifecycle.Service

	cfg      Config
	registry *message.Registry
	logger   *slog.Logger

	mu sync.RWMutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewConn creates a stopped connection. Start it with a consumer name before
// use.
func NewConn(cfg Config, registry *message.Registry, services *lifecycle.Registry, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	c := &Conn{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "bus"),
	}
	c.Service = lifecycle.New(ServiceName, lifecycle.Funcs{
		OnInitialize: c.connect,
		OnShutdown:   c.close,
	}, services, logger)
	return c
}

func (c *Conn) connect(ctx context.Context) error {
	url := c.cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Debug("bus connection closed")
		}),
	}
	if c.cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(c.cfg.ConnectTimeout))
	}
	if c.cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(c.cfg.ReconnectWait))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("enabling jetstream: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.js = js
	c.mu.Unlock()

	c.logger.Info("connected to bus", "url", nc.ConnectedUrl())
	return nil
}

func (c *Conn) close(ctx context.Context) error {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.js = nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.logger.Debug("flush before close failed", "error", err)
	}
	nc.Close()
	return nil
}

func (c *Conn) conn() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.nc == nil {
		return nil, ErrNotStarted
	}
	return c.nc, nil
}

// JetStream returns the JetStream context of the live connection.
func (c *Conn) JetStream() (nats.JetStreamContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotStarted
	}
	return c.js, nil
}

// Registry returns the message registry used for decoding.
func (c *Conn) Registry() *message.Registry {
	return c.registry
}

// Publish sends msg to its subject without waiting for anything.
func (c *Conn) Publish(ctx context.Context, msg *message.Message) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	if msg.Subject == "" {
		return fmt.Errorf("%w: %s has no subject", message.ErrProtocol, msg.Kind)
	}
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if err := nc.Publish(msg.Subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Subject, err)
	}
	return nil
}

// Request sends msg and waits for exactly one response. A zero timeout uses
// the configured default. Error replies are returned as *message.RemoteError.
func (c *Conn) Request(ctx context.Context, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}
	if msg.Role() != message.RoleRequest {
		return nil, fmt.Errorf("%w: %s is not a request", message.ErrProtocol, msg.Kind)
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	data, err := message.Encode(msg)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := nc.RequestWithContext(rctx, msg.Subject, data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrTimeout),
			errors.Is(err, nats.ErrNoResponders),
			errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, msg.Subject, timeout)
		default:
			return nil, fmt.Errorf("requesting %s: %w", msg.Subject, err)
		}
	}

	resp := c.registry.Decode(reply.Data)
	if remote := message.AsError(resp); remote != nil {
		return nil, remote
	}
	if resp.Role() != message.RoleResponse {
		return nil, fmt.Errorf("%w: %s answered with %s", message.ErrProtocol, msg.Subject, resp.Kind)
	}
	return resp, nil
}

// Reply publishes resp to a reply address. It implements message.Replier.
func (c *Conn) Reply(ctx context.Context, reply string, resp *message.Message) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	data, err := message.Encode(resp)
	if err != nil {
		return err
	}
	if err := nc.Publish(reply, data); err != nil {
		return fmt.Errorf("replying to %s: %w", reply, err)
	}
	return nil
}

// Subscribe opens a subscription on subject. The subscription ends when
// Stop is called or ctx is cancelled.
func (c *Conn) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}
	return newSubscription(ctx, nc, subject, c.registry, c, c.logger)
}
