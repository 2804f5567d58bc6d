// ABOUTME: Tests for Runtime Instances: RPC acks, configuration and capability pushes, heartbeat loss.
// ABOUTME: Instances are created through the Manager against an embedded bus.

package agent

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/runtime-gateway/internal/bus/bustest"
	"github.com/2389/runtime-gateway/internal/lifecycle"
	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
)

func TestInstance_RPC(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ack := f.connect(t, "rpc", 55)
	client := f.env.Client(t)
	ctx := t.Context()

	request := func(t *testing.T, p message.Payload) *message.Ack {
		t.Helper()
		resp, err := client.Request(ctx, message.MustNew(p), 0)
		require.NoError(t, err)
		a, ok := resp.Data.(*message.Ack)
		require.True(t, ok, "expected Ack, got %s", resp.Kind)
		return a
	}

	t.Run("set roots", func(t *testing.T) {
		roots := []message.Root{{Name: "src", URI: "file:///src"}, {Name: "docs", URI: "file:///docs"}}
		a := request(t, &message.SetRoots{RID: ack.RID, Roots: roots})
		assert.Equal(t, FieldRoots, a.Field)

		var echoed []message.Root
		require.NoError(t, a.DecodeValue(&echoed))
		assert.Equal(t, roots, echoed)

		rt, err := f.db.GetRuntime(ctx, ack.RuntimeID)
		require.NoError(t, err)
		assert.Equal(t, []store.Root{{Name: "src", URI: "file:///src"}, {Name: "docs", URI: "file:///docs"}}, rt.Roots)
	})

	t.Run("set capabilities", func(t *testing.T) {
		a := request(t, &message.SetRuntimeCapabilities{RID: ack.RID, Capabilities: []string{"shell", "browser"}})
		assert.Equal(t, FieldCapabilities, a.Field)

		rt, err := f.db.GetRuntime(ctx, ack.RuntimeID)
		require.NoError(t, err)
		assert.Equal(t, []string{"shell", "browser"}, rt.Capabilities)
	})

	t.Run("set global runtime", func(t *testing.T) {
		a := request(t, &message.SetGlobalRuntime{RID: ack.RID, Global: true})
		assert.Equal(t, FieldGlobalRuntime, a.Field)

		var global bool
		require.NoError(t, a.DecodeValue(&global))
		assert.True(t, global)

		ws, err := f.db.GetWorkspace(ctx, ack.WorkspaceID)
		require.NoError(t, err)
		assert.Equal(t, ack.RuntimeID, ws.GlobalRuntimeID)
	})

	t.Run("set default testing runtime", func(t *testing.T) {
		request(t, &message.SetDefaultTestingRuntime{RID: ack.RID, Enabled: true})

		ws, err := f.db.GetWorkspace(ctx, ack.WorkspaceID)
		require.NoError(t, err)
		assert.Equal(t, ack.RuntimeID, ws.DefaultTestingRuntimeID)
	})

	t.Run("set mcp client name", func(t *testing.T) {
		a := request(t, &message.SetMCPClientName{RID: ack.RID, ClientName: "cursor"})
		assert.Equal(t, FieldMCPClientName, a.Field)

		rt, err := f.db.GetRuntime(ctx, ack.RuntimeID)
		require.NoError(t, err)
		assert.Equal(t, "cursor", rt.MCPClientName)
	})
}

func TestInstance_RPCMismatchedRID(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ack := f.connect(t, "strict", 3)

	inst, ok := f.mgr.Instance(ack.RID)
	require.True(t, ok)

	_, err := inst.dispatch(t.Context(), message.MustNew(&message.SetRoots{RID: "someone-else-1"}))
	require.ErrorIs(t, err, message.ErrValidation)

	_, err = inst.dispatch(t.Context(), message.MustNew(&message.Heartbeat{RID: ack.RID}))
	require.ErrorIs(t, err, message.ErrProtocol)
}

func TestInstance_UndecodableRPCAnswered(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ack := f.connect(t, "picky", 12)

	tests := []struct {
		name string
		verb string
		data string
		code string
	}{
		{"unknown type", "set-roots-v2", `{"type":"SetRootsV2","data":{"rid":"` + ack.RID + `"}}`, message.CodeProtocol},
		{"invalid root", "set-roots", `{"type":"SetRoots","data":{"rid":"` + ack.RID + `","roots":[{"name":""}]}}`, message.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.env.RawRequest(t, message.RuntimeSubject(ack.RID, tt.verb), []byte(tt.data))
			var remote *message.RemoteError
			require.ErrorAs(t, message.AsError(resp), &remote)
			assert.Equal(t, tt.code, remote.Code)
		})
	}

	// The instance keeps serving well-formed requests.
	resp, err := f.env.Client(t).Request(t.Context(), message.MustNew(&message.SetMCPClientName{RID: ack.RID, ClientName: "zed"}), 0)
	require.NoError(t, err)
	assert.IsType(t, &message.Ack{}, resp.Data)
}

func TestInstance_PublishesConfiguration(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ctx := t.Context()
	ack := f.connect(t, "config", 77)

	configs := f.observe(t, message.ConfiguredMCPServersSubject(ack.RID))
	initial := await(t, configs, func(*message.UpdateConfiguredMCPServers) bool { return true })
	assert.Equal(t, ack.RID, initial.RID)
	assert.Empty(t, initial.MCPServers)

	edge := &store.MCPServer{WorkspaceID: ack.WorkspaceID, Name: "fs", Transport: store.TransportStdio, RunOn: store.ScopeEdge, RuntimeID: ack.RuntimeID, Command: "mcp-fs"}
	require.NoError(t, f.db.CreateMCPServer(ctx, edge))

	// The same server is also reachable through a capability edge.
	tool := &store.MCPTool{MCPServerID: edge.ID, Name: "read_file"}
	require.NoError(t, f.db.UpsertMCPTool(ctx, tool))
	require.NoError(t, f.db.AddToolCapability(ctx, ack.RuntimeID, tool.ID))

	agentSrv := &store.MCPServer{WorkspaceID: ack.WorkspaceID, Name: "gh", Transport: store.TransportStream, RunOn: store.ScopeAgent, ServerURL: "http://gh.local"}
	require.NoError(t, f.db.CreateMCPServer(ctx, agentSrv))
	agentTool := &store.MCPTool{MCPServerID: agentSrv.ID, Name: "list_prs"}
	require.NoError(t, f.db.UpsertMCPTool(ctx, agentTool))
	require.NoError(t, f.db.AddToolCapability(ctx, ack.RuntimeID, agentTool.ID))

	require.NoError(t, f.db.SetRoots(ctx, ack.RuntimeID, []store.Root{{Name: "src", URI: "file:///src"}}))

	cfg := await(t, configs, func(p *message.UpdateConfiguredMCPServers) bool {
		return len(p.MCPServers) == 2 && len(p.Roots) == 1
	})
	assert.Equal(t, []string{edge.ID, agentSrv.ID}, serverIDs(cfg))
	assert.Equal(t, "file:///src", cfg.Roots[0].URI)
}

func TestInstance_GlobalServersFollowDesignation(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ctx := t.Context()
	ack := f.connect(t, "global", 9)

	global := &store.MCPServer{WorkspaceID: ack.WorkspaceID, Name: "search", Transport: store.TransportSSE, RunOn: store.ScopeGlobal, ServerURL: "http://search.local"}
	require.NoError(t, f.db.CreateMCPServer(ctx, global))

	configs := f.observe(t, message.ConfiguredMCPServersSubject(ack.RID))
	initial := await(t, configs, func(*message.UpdateConfiguredMCPServers) bool { return true })
	assert.Empty(t, initial.MCPServers, "global servers are only pushed to the global runtime")

	require.NoError(t, f.db.SetGlobalRuntime(ctx, ack.WorkspaceID, ack.RuntimeID, true))
	cfg := await(t, configs, func(p *message.UpdateConfiguredMCPServers) bool { return len(p.MCPServers) == 1 })
	assert.Equal(t, global.ID, cfg.MCPServers[0].ID)
	assert.Equal(t, "GLOBAL", cfg.MCPServers[0].RunOn)

	require.NoError(t, f.db.SetGlobalRuntime(ctx, ack.WorkspaceID, ack.RuntimeID, false))
	await(t, configs, func(p *message.UpdateConfiguredMCPServers) bool { return len(p.MCPServers) == 0 })
}

func TestInstance_PublishesCapabilities(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ctx := t.Context()
	ack := f.connect(t, "caps", 12)

	caps := f.observe(t, message.AgentCapabilitiesSubject(ack.RID))
	initial := await(t, caps, func(*message.AgentCapabilities) bool { return true })
	assert.Empty(t, initial.Capabilities)

	srv := &store.MCPServer{WorkspaceID: ack.WorkspaceID, Name: "gh", Transport: store.TransportStream, RunOn: store.ScopeAgent}
	require.NoError(t, f.db.CreateMCPServer(ctx, srv))
	require.NoError(t, f.mgr.UpdateMCPTools(ctx, &message.UpdateMCPTools{
		MCPServerID: srv.ID,
		Tools:       []message.ToolDescriptor{{Name: "list_prs", Description: "List pull requests"}},
	}))
	tools, err := f.db.ListMCPTools(ctx, srv.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.NoError(t, f.db.AddToolCapability(ctx, ack.RuntimeID, tools[0].ID))

	got := await(t, caps, func(p *message.AgentCapabilities) bool { return len(p.Capabilities) == 1 })
	assert.Equal(t, "list_prs", got.Capabilities[0].Name)
	assert.Equal(t, srv.ID, got.Capabilities[0].MCPServerID)
	assert.Equal(t, "List pull requests", got.Capabilities[0].Description)

	require.NoError(t, f.mgr.UpdateMCPTools(ctx, &message.UpdateMCPTools{MCPServerID: srv.ID}))
	await(t, caps, func(p *message.AgentCapabilities) bool { return len(p.Capabilities) == 0 })
}

func TestInstance_MissedHeartbeat(t *testing.T) {
	f := newFixture(t, bustest.Options{HeartbeatTTL: 500 * time.Millisecond}, ManagerConfig{})
	f.start(t)
	ctx := t.Context()

	ack, err := f.mgr.Connect(ctx, &message.RuntimeConnect{Name: "flaky", PID: 31})
	require.NoError(t, err)

	edge := &store.MCPServer{WorkspaceID: ack.WorkspaceID, Name: "fs", Transport: store.TransportStdio, RunOn: store.ScopeEdge, RuntimeID: ack.RuntimeID}
	require.NoError(t, f.db.CreateMCPServer(ctx, edge))
	require.NoError(t, f.db.UpsertMCPTool(ctx, &store.MCPTool{MCPServerID: edge.ID, Name: "read_file"}))

	// One heartbeat, then silence.
	require.NoError(t, f.env.Heartbeats.Heartbeat(ctx, ack.RID, nil))

	require.Eventually(t, func() bool {
		_, ok := f.mgr.Instance(ack.RID)
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, f.repo.inactiveCount(ack.RuntimeID))

	rt, err := f.db.GetRuntime(ctx, ack.RuntimeID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, rt.Status)

	tools, err := f.db.ListMCPTools(ctx, edge.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, store.StatusInactive, tools[0].Status)

	// The disconnected instance was stopped and released.
	assert.Eventually(t, func() bool {
		return !slices.ContainsFunc(f.env.Services.Active(), func(st lifecycle.Status) bool {
			return st.Name == "instance:"+ack.RID
		})
	}, 2*time.Second, 20*time.Millisecond)

	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, f.repo.inactiveCount(ack.RuntimeID), "disconnect runs once")

	t.Run("reconnect after disconnect", func(t *testing.T) {
		again := f.connect(t, "flaky", 31)
		assert.Equal(t, ack.RID, again.RID)
		rt, err := f.db.GetRuntime(ctx, ack.RuntimeID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusActive, rt.Status)
	})
}

func TestInstance_StopHasNoSideEffects(t *testing.T) {
	f := newFixture(t, bustest.Options{HeartbeatTTL: 500 * time.Millisecond}, ManagerConfig{})
	f.start(t)

	ack, err := f.mgr.Connect(t.Context(), &message.RuntimeConnect{Name: "quiet", PID: 5})
	require.NoError(t, err)
	require.NoError(t, f.env.Heartbeats.Heartbeat(t.Context(), ack.RID, nil))

	inst, ok := f.mgr.Instance(ack.RID)
	require.True(t, ok)

	require.NoError(t, f.mgr.Stop(context.Background(), "test"))
	assert.Equal(t, StateReady, inst.ConnectionState(), "a deliberate stop is not a disconnect")

	// Outlive the heartbeat window.
	time.Sleep(800 * time.Millisecond)
	assert.Zero(t, f.repo.inactiveCount(ack.RuntimeID))

	rt, err := f.db.GetRuntime(t.Context(), ack.RuntimeID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, rt.Status)
}
