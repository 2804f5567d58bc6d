// ABOUTME: Test helpers that run an embedded NATS server with heartbeat and ephemeral buckets.
// ABOUTME: Everything started here is stopped through t.Cleanup.

package bustest

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/2389/runtime-gateway/internal/bus"
	"github.com/2389/runtime-gateway/internal/lifecycle"
	"github.com/2389/runtime-gateway/internal/message"
)

// consumer is the lifecycle consumer name held by the helper.
const consumer = "bustest"

// Options tunes the buckets.
type Options struct {
	HeartbeatTTL time.Duration
	EphemeralTTL time.Duration
}

// Env is a running bus with both buckets started.
type Env struct {
	Registry   *message.Registry
	Services   *lifecycle.Registry
	Server     *bus.EmbeddedServer
	Conn       *bus.Conn
	Heartbeats *bus.Heartbeats
	Ephemeral  *bus.Ephemeral
	Logger     *slog.Logger
}

// Start runs a fresh server on a random port.
func Start(t testing.TB, opts Options) *Env {
	t.Helper()
	if opts.HeartbeatTTL == 0 {
		opts.HeartbeatTTL = time.Second
	}
	if opts.EphemeralTTL == 0 {
		opts.EphemeralTTL = time.Second
	}

	ctx := context.Background()
	logger := slog.Default()
	env := &Env{
		Registry: message.NewDefaultRegistry(),
		Services: lifecycle.NewRegistry(),
		Logger:   logger,
	}

	env.Server = bus.NewEmbeddedServer(bus.EmbeddedConfig{Port: -1, StoreDir: t.TempDir()}, env.Services, logger)
	require.NoError(t, env.Server.Start(ctx, consumer))
	t.Cleanup(func() { _ = env.Server.Stop(context.Background(), consumer) })

	cfg := bus.DefaultConfig()
	cfg.URL = env.Server.ClientURL()
	cfg.RequestTimeout = 2 * time.Second
	env.Conn = bus.NewConn(cfg, env.Registry, env.Services, logger)

	hbKV := bus.NewKV(env.Conn, bus.KVConfig{Bucket: bus.HeartbeatBucket, TTL: opts.HeartbeatTTL}, env.Services, logger)
	ephKV := bus.NewKV(env.Conn, bus.KVConfig{Bucket: bus.EphemeralBucket, TTL: opts.EphemeralTTL}, env.Services, logger)
	env.Heartbeats = bus.NewHeartbeats(hbKV, env.Registry, logger)
	env.Ephemeral = bus.NewEphemeral(ephKV, env.Registry)

	require.NoError(t, env.Conn.Start(ctx, consumer))
	require.NoError(t, env.Heartbeats.Start(ctx, consumer))
	require.NoError(t, env.Ephemeral.Start(ctx, consumer))
	t.Cleanup(func() {
		ctx := context.Background()
		_ = env.Ephemeral.Stop(ctx, consumer)
		_ = env.Heartbeats.Stop(ctx, consumer)
		_ = env.Conn.Stop(ctx, consumer)
	})

	return env
}

// Client opens a second, independent connection to the same server, the
// way a runtime process would.
func (e *Env) Client(t testing.TB) *bus.Conn {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.URL = e.Server.ClientURL()
	cfg.Name = "bustest-client"
	cfg.RequestTimeout = 2 * time.Second

	c := bus.NewConn(cfg, e.Registry, nil, e.Logger)
	require.NoError(t, c.Start(context.Background(), consumer))
	t.Cleanup(func() { _ = c.Stop(context.Background(), consumer) })
	return c
}

// RawRequest sends data as-is to subject over a plain NATS connection and
// decodes the reply. It lets tests send envelopes the message package would
// refuse to build.
func (e *Env) RawRequest(t testing.TB, subject string, data []byte) *message.Message {
	t.Helper()
	nc, err := nats.Connect(e.Server.ClientURL(), nats.Name("bustest-raw"))
	require.NoError(t, err)
	defer nc.Close()

	resp, err := nc.Request(subject, data, 2*time.Second)
	require.NoError(t, err, "no reply on %s", subject)
	return e.Registry.Decode(resp.Data)
}
