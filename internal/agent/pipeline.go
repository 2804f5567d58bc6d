// ABOUTME: Configuration and capability pipelines pushed to a runtime over the ephemeral store.
// ABOUTME: Joins roots with edge, agent, and global servers, debounces, and publishes on change.

package agent

import (
	"context"

	"github.com/zeebo/blake3"

	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
	"github.com/2389/runtime-gateway/internal/stream"
)

// configSource is one input of the configuration join. Only one field is
// set per source.
type configSource struct {
	roots   []store.Root
	servers []*store.MCPServer
}

func rootsSource(rt *store.Runtime) configSource {
	return configSource{roots: rt.Roots}
}

func serversSource(servers []*store.MCPServer) configSource {
	return configSource{servers: servers}
}

// configSources returns the roots, edge, agent, and global sources in
// that order. The global source is empty unless the runtime is its
// workspace's global runtime.
func (i *Instance) configSources(ctx context.Context) []<-chan configSource {
	repo := i.deps.Repo
	rtID, wsID := i.cfg.RuntimeID, i.cfg.WorkspaceID

	isGlobal := stream.Distinct(ctx, stream.Map(ctx, repo.ObserveWorkspace(ctx, wsID), func(ws *store.Workspace) bool {
		return ws.GlobalRuntimeID == rtID
	}))

	return []<-chan configSource{
		stream.Map(ctx, repo.ObserveRuntime(ctx, rtID), rootsSource),
		stream.Map(ctx, repo.ObserveEdgeMCPServers(ctx, rtID), serversSource),
		stream.Map(ctx, repo.ObserveAgentMCPServers(ctx, rtID), serversSource),
		stream.Switch(ctx, isGlobal, func(ctx context.Context, global bool) <-chan configSource {
			if !global {
				return stream.Just(configSource{})
			}
			return stream.Map(ctx, repo.ObserveGlobalMCPServers(ctx, wsID), serversSource)
		}),
	}
}

func (i *Instance) runConfigPipeline(ctx context.Context) {
	joined := stream.CombineLatest(ctx, i.configSources(ctx)...)

	var last [32]byte
	for snap := range stream.Debounce(ctx, joined, i.cfg.DebounceWindow) {
		cfg := mergeConfiguration(i.rid, snap[0].roots, snap[1].servers, snap[2].servers, snap[3].servers)
		i.publish(ctx, cfg, &last)
	}
}

func (i *Instance) runCapabilitiesPipeline(ctx context.Context) {
	caps := i.deps.Repo.ObserveToolCapabilities(ctx, i.cfg.RuntimeID)

	var last [32]byte
	for tools := range stream.Debounce(ctx, caps, i.cfg.DebounceWindow) {
		i.publish(ctx, agentCapabilities(i.rid, tools), &last)
	}
}

// publish pushes p unless its encoding matches the previous publish.
func (i *Instance) publish(ctx context.Context, p message.Payload, last *[32]byte) {
	msg, err := message.New(p)
	if err != nil {
		i.logger.Error("built invalid message", "kind", p.Kind(), "error", err)
		return
	}
	data, err := message.Encode(msg)
	if err != nil {
		i.logger.Error("failed to encode message", "kind", p.Kind(), "error", err)
		return
	}
	sum := blake3.Sum256(data)
	if sum == *last {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := i.deps.Ephemeral.PublishEphemeral(ctx, msg); err != nil {
		if ctx.Err() == nil {
			i.logger.Warn("failed to publish", "kind", msg.Kind, "subject", msg.Subject, "error", err)
		}
		return
	}
	*last = sum
	i.logger.Debug("published", "kind", msg.Kind, "subject", msg.Subject)
}

// mergeConfiguration builds the configuration for rid from its roots and
// the servers of each scope. A server reachable through several scopes
// appears once, at its first position.
func mergeConfiguration(rid string, roots []store.Root, scopes ...[]*store.MCPServer) *message.UpdateConfiguredMCPServers {
	out := &message.UpdateConfiguredMCPServers{
		RID:        rid,
		Roots:      make([]message.Root, 0, len(roots)),
		MCPServers: []message.MCPServerConfig{},
	}
	for _, r := range roots {
		out.Roots = append(out.Roots, message.Root{Name: r.Name, URI: r.URI})
	}

	seen := make(map[string]bool)
	for _, servers := range scopes {
		for _, s := range servers {
			if s == nil || seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			out.MCPServers = append(out.MCPServers, serverConfig(s))
		}
	}
	return out
}

func serverConfig(s *store.MCPServer) message.MCPServerConfig {
	return message.MCPServerConfig{
		ID:        s.ID,
		Name:      s.Name,
		Transport: string(s.Transport),
		Command:   s.Command,
		Args:      s.Args,
		Env:       s.Env,
		ServerURL: s.ServerURL,
		Headers:   s.Headers,
		RunOn:     string(s.RunOn),
	}
}

func agentCapabilities(rid string, tools []*store.ToolCapability) *message.AgentCapabilities {
	out := &message.AgentCapabilities{
		RID:          rid,
		Capabilities: make([]message.ToolCapability, 0, len(tools)),
	}
	for _, t := range tools {
		out.Capabilities = append(out.Capabilities, message.ToolCapability{
			ID:          t.ToolID,
			Name:        t.Name,
			MCPServerID: t.MCPServerID,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
