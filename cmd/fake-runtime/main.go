// ABOUTME: Minimal fake runtime for E2E testing: connects over NATS, heartbeats, and prints pushed config.
// ABOUTME: Usage: fake-runtime [--nats nats://127.0.0.1:4222] [--name builder] [--root src=file:///src]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/2389/runtime-gateway/internal/bus"
	"github.com/2389/runtime-gateway/internal/message"
)

const consumer = "fake-runtime"

type options struct {
	url          string
	name         string
	workspace    string
	interval     time.Duration
	heartbeatTTL time.Duration
	roots        []string
	capabilities []string
	clientName   string
}

func main() {
	hostname, _ := os.Hostname()

	var opts options
	flag.StringVar(&opts.url, "nats", "nats://127.0.0.1:4222", "NATS server URL")
	flag.StringVar(&opts.name, "name", hostname, "runtime name")
	flag.StringVar(&opts.workspace, "workspace", "", "workspace id (default workspace when empty)")
	flag.DurationVar(&opts.interval, "interval", 3*time.Second, "heartbeat interval")
	flag.DurationVar(&opts.heartbeatTTL, "heartbeat-ttl", 10*time.Second, "heartbeat bucket TTL, must match the gateway")
	flag.StringArrayVar(&opts.roots, "root", nil, "filesystem root as name=uri (repeatable)")
	flag.StringSliceVar(&opts.capabilities, "capability", nil, "runtime capability (repeatable)")
	flag.StringVar(&opts.clientName, "client-name", "fake-runtime", "MCP client name to report")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	roots, err := parseRoots(opts.roots)
	if err != nil {
		return err
	}

	registry := message.NewDefaultRegistry()
	cfg := bus.DefaultConfig()
	cfg.URL = opts.url
	cfg.Name = consumer + ":" + opts.name

	conn := bus.NewConn(cfg, registry, nil, logger)
	hbKV := bus.NewKV(conn, bus.KVConfig{Bucket: bus.HeartbeatBucket, TTL: opts.heartbeatTTL}, nil, logger)
	ephKV := bus.NewKV(conn, bus.KVConfig{Bucket: bus.EphemeralBucket}, nil, logger)
	heartbeats := bus.NewHeartbeats(hbKV, registry, logger)
	ephemeral := bus.NewEphemeral(ephKV, registry)

	if err := heartbeats.Start(ctx, consumer); err != nil {
		return fmt.Errorf("starting heartbeats: %w", err)
	}
	defer heartbeats.Stop(context.Background(), consumer)
	if err := ephemeral.Start(ctx, consumer); err != nil {
		return fmt.Errorf("starting ephemeral store: %w", err)
	}
	defer ephemeral.Stop(context.Background(), consumer)

	hostname, _ := os.Hostname()
	pid := os.Getpid()
	ack, err := connect(ctx, conn, &message.RuntimeConnect{
		Name:        opts.name,
		PID:         pid,
		Hostname:    hostname,
		WorkspaceID: opts.workspace,
	})
	if err != nil {
		return err
	}
	rid := ack.RID
	logger.Info("connected", "rid", rid, "runtime", ack.RuntimeID, "workspace", ack.WorkspaceID)

	beat := func() {
		if err := heartbeats.Heartbeat(ctx, rid, &message.Heartbeat{PID: pid, Hostname: hostname}); err != nil && ctx.Err() == nil {
			logger.Warn("heartbeat failed", "error", err)
		}
	}
	beat()

	requests := []message.Payload{
		&message.SetMCPClientName{RID: rid, ClientName: opts.clientName},
	}
	if len(roots) > 0 {
		requests = append(requests, &message.SetRoots{RID: rid, Roots: roots})
	}
	if len(opts.capabilities) > 0 {
		requests = append(requests, &message.SetRuntimeCapabilities{RID: rid, Capabilities: opts.capabilities})
	}
	for _, p := range requests {
		if err := call(ctx, conn, p); err != nil {
			return err
		}
	}

	configs, err := ephemeral.ObserveEphemeral(ctx, message.ConfiguredMCPServersSubject(rid))
	if err != nil {
		return fmt.Errorf("observing configuration: %w", err)
	}
	capabilities, err := ephemeral.ObserveEphemeral(ctx, message.AgentCapabilitiesSubject(rid))
	if err != nil {
		return fmt.Errorf("observing capabilities: %w", err)
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		case msg, ok := <-configs:
			if !ok {
				configs = nil
				continue
			}
			printConfig(msg)
		case msg, ok := <-capabilities:
			if !ok {
				capabilities = nil
				continue
			}
			printCapabilities(msg)
		}
	}
}

func connect(ctx context.Context, conn *bus.Conn, req *message.RuntimeConnect) (*message.ConnectAck, error) {
	msg, err := message.New(req)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Request(ctx, msg, 0)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	ack, ok := resp.Data.(*message.ConnectAck)
	if !ok {
		return nil, fmt.Errorf("expected connect ack, got %s", resp.Kind)
	}
	return ack, nil
}

func call(ctx context.Context, conn *bus.Conn, p message.Payload) error {
	msg, err := message.New(p)
	if err != nil {
		return err
	}
	resp, err := conn.Request(ctx, msg, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", msg.Kind, err)
	}
	if ack, ok := resp.Data.(*message.Ack); ok {
		fmt.Fprintf(os.Stderr, "%s acknowledged (%s)\n", msg.Kind, ack.Field)
	}
	return nil
}

func parseRoots(specs []string) ([]message.Root, error) {
	roots := make([]message.Root, 0, len(specs))
	for _, spec := range specs {
		name, uri, ok := strings.Cut(spec, "=")
		if !ok || name == "" || uri == "" {
			return nil, fmt.Errorf("invalid --root %q, want name=uri", spec)
		}
		roots = append(roots, message.Root{Name: name, URI: uri})
	}
	return roots, nil
}

func printConfig(msg *message.Message) {
	cfg, ok := msg.Data.(*message.UpdateConfiguredMCPServers)
	if !ok {
		return
	}
	fmt.Printf("configuration: %d root(s), %d MCP server(s)\n", len(cfg.Roots), len(cfg.MCPServers))
	for _, r := range cfg.Roots {
		fmt.Printf("  root   %-16s %s\n", r.Name, r.URI)
	}
	for _, s := range cfg.MCPServers {
		fmt.Printf("  server %-16s %s\n", s.Name, s.Transport)
	}
}

func printCapabilities(msg *message.Message) {
	caps, ok := msg.Data.(*message.AgentCapabilities)
	if !ok {
		return
	}
	fmt.Printf("capabilities: %d tool(s)\n", len(caps.Capabilities))
	for _, c := range caps.Capabilities {
		fmt.Printf("  tool   %s\n", c.Name)
	}
}
