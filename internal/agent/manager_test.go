// ABOUTME: Tests for the Fleet Manager: connect, conflicts, rehydration, sweep, and tool reconciliation.
// ABOUTME: Runs against an embedded NATS server and a temp SQLite store.

package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/runtime-gateway/internal/bus/bustest"
	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
)

func TestManager_ConnectOverBus(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	client := f.env.Client(t)

	resp, err := client.Request(t.Context(), message.MustNew(&message.RuntimeConnect{
		Name:     "laptop",
		PID:      4242,
		HostIP:   "10.0.0.7",
		Hostname: "laptop.local",
	}), 0)
	require.NoError(t, err)

	ack, ok := resp.Data.(*message.ConnectAck)
	require.True(t, ok, "expected ConnectAck, got %s", resp.Kind)
	assert.Equal(t, RID(ack.RuntimeID, 4242), ack.RID)
	f.keepAlive(t, ack.RID)

	ws, err := f.db.DefaultWorkspace(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ws.ID, ack.WorkspaceID)

	rt, err := f.db.GetRuntime(t.Context(), ack.RuntimeID)
	require.NoError(t, err)
	assert.Equal(t, "laptop", rt.Name)
	assert.Equal(t, store.StatusActive, rt.Status)
	assert.Equal(t, 4242, rt.ProcessID)
	assert.Equal(t, "10.0.0.7", rt.HostIP)
	assert.Equal(t, "laptop.local", rt.Hostname)

	inst, ok := f.mgr.Instance(ack.RID)
	require.True(t, ok)
	assert.Equal(t, StateReady, inst.ConnectionState())
	assert.False(t, inst.Rehydrated())
}

func TestManager_ConnectReusesRecordByName(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)

	first := f.connect(t, "builder", 100)
	second := f.connect(t, "builder", 200)

	assert.Equal(t, first.RuntimeID, second.RuntimeID)
	assert.NotEqual(t, first.RID, second.RID)

	instances := f.mgr.Instances()
	require.Len(t, instances, 2)
	assert.Less(t, instances[0].RID(), instances[1].RID())
}

func TestManager_DuplicateConnectConflicts(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)

	ack := f.connect(t, "dup", 7)
	require.Equal(t, 1, f.repo.activeCount(ack.RuntimeID))

	_, err := f.mgr.Connect(t.Context(), &message.RuntimeConnect{Name: "dup", PID: 7})
	require.ErrorIs(t, err, ErrRuntimeConflict)
	assert.Equal(t, 1, f.repo.activeCount(ack.RuntimeID), "conflicting connect must not touch the record")

	t.Run("over the bus", func(t *testing.T) {
		client := f.env.Client(t)
		_, err := client.Request(t.Context(), message.MustNew(&message.RuntimeConnect{Name: "dup", PID: 7}), 0)

		var remote *message.RemoteError
		require.True(t, errors.As(err, &remote), "expected remote error, got %v", err)
		assert.Equal(t, message.CodeConflict, remote.Code)
		assert.ErrorIs(t, err, ErrRuntimeConflict)
	})

	inst, ok := f.mgr.Instance(ack.RID)
	require.True(t, ok)
	assert.Equal(t, StateReady, inst.ConnectionState())
}

func TestManager_ConnectUnknownWorkspace(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)

	_, err := f.mgr.Connect(t.Context(), &message.RuntimeConnect{Name: "x", PID: 1, WorkspaceID: "nope"})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, message.CodeNotFound, errorCode(err))

	client := f.env.Client(t)
	_, err = client.Request(t.Context(), message.MustNew(&message.RuntimeConnect{Name: "x", PID: 1, WorkspaceID: "nope"}), 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, ErrRuntimeConflict)
	assert.Empty(t, f.mgr.Instances())
}

func TestManager_UndecodableConnectAnswered(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)

	tests := []struct {
		name string
		data string
		code string
	}{
		{"zero pid", `{"type":"RuntimeConnect","data":{"name":"x","pid":0}}`, message.CodeValidation},
		{"unknown type", `{"type":"RuntimeConnectV2","data":{"name":"x","pid":1}}`, message.CodeProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.env.RawRequest(t, message.SubjectConnect, []byte(tt.data))
			var remote *message.RemoteError
			require.ErrorAs(t, message.AsError(resp), &remote)
			assert.Equal(t, tt.code, remote.Code)
		})
	}
	assert.Empty(t, f.mgr.Instances())
}

func TestManager_Rehydration(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	ctx := t.Context()

	ws, err := f.db.DefaultWorkspace(ctx)
	require.NoError(t, err)

	alive := &store.Runtime{WorkspaceID: ws.ID, Name: "alive"}
	require.NoError(t, f.db.CreateRuntime(ctx, alive))
	require.NoError(t, f.db.SetRuntimeActive(ctx, alive.ID, store.ProcessInfo{PID: 100, Hostname: "a.local"}))

	dead := &store.Runtime{WorkspaceID: ws.ID, Name: "dead"}
	require.NoError(t, f.db.CreateRuntime(ctx, dead))
	require.NoError(t, f.db.SetRuntimeActive(ctx, dead.ID, store.ProcessInfo{PID: 200}))

	edge := &store.MCPServer{WorkspaceID: ws.ID, Name: "fs", Transport: store.TransportStdio, RunOn: store.ScopeEdge, RuntimeID: dead.ID}
	require.NoError(t, f.db.CreateMCPServer(ctx, edge))
	require.NoError(t, f.db.UpsertMCPTool(ctx, &store.MCPTool{MCPServerID: edge.ID, Name: "read_file"}))

	aliveRID := RID(alive.ID, 100)
	f.keepAlive(t, aliveRID)

	f.start(t)

	inst, ok := f.mgr.Instance(aliveRID)
	require.True(t, ok, "live heartbeat must produce an instance")
	assert.True(t, inst.Rehydrated())
	assert.Equal(t, "a.local", inst.Process().Hostname)
	assert.Zero(t, f.repo.activeCount(alive.ID), "rehydrated records are not re-marked active")

	_, ok = f.mgr.Instance(RID(dead.ID, 200))
	assert.False(t, ok)
	assert.Equal(t, 1, f.repo.inactiveCount(dead.ID))
	assert.Zero(t, f.repo.inactiveCount(alive.ID))

	got, err := f.db.GetRuntime(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, got.Status)

	tools, err := f.db.ListMCPTools(ctx, edge.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, store.StatusInactive, tools[0].Status)
}

func TestManager_Sweep(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ctx := t.Context()

	connected := f.connect(t, "connected", 10)

	ws, err := f.db.DefaultWorkspace(ctx)
	require.NoError(t, err)
	orphan := &store.Runtime{WorkspaceID: ws.ID, Name: "orphan"}
	require.NoError(t, f.db.CreateRuntime(ctx, orphan))
	require.NoError(t, f.db.SetRuntimeActive(ctx, orphan.ID, store.ProcessInfo{PID: 11}))

	f.mgr.sweep(ctx)

	assert.Equal(t, 1, f.repo.inactiveCount(orphan.ID))
	assert.Zero(t, f.repo.inactiveCount(connected.RuntimeID))

	rt, err := f.db.GetRuntime(ctx, connected.RuntimeID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, rt.Status)
}

func TestManager_SweepSchedule(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{SweepSchedule: "@every 1s"})
	f.start(t)
	ctx := t.Context()

	ws, err := f.db.DefaultWorkspace(ctx)
	require.NoError(t, err)
	orphan := &store.Runtime{WorkspaceID: ws.ID, Name: "orphan"}
	require.NoError(t, f.db.CreateRuntime(ctx, orphan))
	require.NoError(t, f.db.SetRuntimeActive(ctx, orphan.ID, store.ProcessInfo{PID: 11}))

	assert.Eventually(t, func() bool {
		return f.repo.inactiveCount(orphan.ID) == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestManager_InvalidSweepSchedule(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{SweepSchedule: "every so often"})

	err := f.mgr.Start(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduling sweep")

	// Everything the failed start acquired was released.
	for _, st := range f.env.Services.Active() {
		assert.NotContains(t, st.Consumers, ManagerConsumer, st.Name)
	}
}

func TestManager_UpdateMCPTools(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)
	ctx := t.Context()

	ws, err := f.db.DefaultWorkspace(ctx)
	require.NoError(t, err)
	srv := &store.MCPServer{WorkspaceID: ws.ID, Name: "gh", Transport: store.TransportStream, RunOn: store.ScopeAgent}
	require.NoError(t, f.db.CreateMCPServer(ctx, srv))

	statuses := func() map[string]store.Status {
		tools, err := f.db.ListMCPTools(ctx, srv.ID)
		require.NoError(t, err)
		out := make(map[string]store.Status, len(tools))
		for _, tool := range tools {
			out[tool.Name] = tool.Status
		}
		return out
	}
	update := func(names ...string) *message.UpdateMCPTools {
		p := &message.UpdateMCPTools{MCPServerID: srv.ID}
		for _, n := range names {
			p.Tools = append(p.Tools, message.ToolDescriptor{Name: n, Description: n + " tool"})
		}
		return p
	}

	require.NoError(t, f.mgr.UpdateMCPTools(ctx, update("list_prs", "merge_pr")))
	assert.Equal(t, map[string]store.Status{"list_prs": store.StatusActive, "merge_pr": store.StatusActive}, statuses())

	require.NoError(t, f.mgr.UpdateMCPTools(ctx, update("list_prs")))
	assert.Equal(t, map[string]store.Status{"list_prs": store.StatusActive, "merge_pr": store.StatusInactive}, statuses())

	t.Run("identical list is applied again once stored state drifts", func(t *testing.T) {
		require.NoError(t, f.db.SetMCPToolStatus(ctx, srv.ID, []string{"list_prs"}, store.StatusInactive))
		require.NoError(t, f.mgr.UpdateMCPTools(ctx, update("list_prs")))
		assert.Equal(t, store.StatusActive, statuses()["list_prs"])
	})

	t.Run("removed tool returns", func(t *testing.T) {
		require.NoError(t, f.mgr.UpdateMCPTools(ctx, update("list_prs", "merge_pr")))
		assert.Equal(t, map[string]store.Status{"list_prs": store.StatusActive, "merge_pr": store.StatusActive}, statuses())
	})

	t.Run("unknown server", func(t *testing.T) {
		err := f.mgr.UpdateMCPTools(ctx, &message.UpdateMCPTools{MCPServerID: "missing"})
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("over the bus", func(t *testing.T) {
		client := f.env.Client(t)
		require.NoError(t, client.Publish(ctx, message.MustNew(update("list_prs", "merge_pr", "close_issue"))))
		assert.Eventually(t, func() bool {
			return statuses()["close_issue"] == store.StatusActive
		}, 3*time.Second, 20*time.Millisecond)
	})
}

func TestManager_StopReleasesEverything(t *testing.T) {
	f := newFixture(t, bustest.Options{}, ManagerConfig{})
	f.start(t)

	ack := f.connect(t, "stopping", 1)
	inst, ok := f.mgr.Instance(ack.RID)
	require.True(t, ok)

	require.NoError(t, f.mgr.Stop(context.Background(), "test"))

	assert.Empty(t, f.mgr.Instances())
	for _, st := range f.env.Services.Active() {
		assert.NotEqual(t, inst.Name(), st.Name, "instance still running")
		assert.NotContains(t, st.Consumers, ManagerConsumer, st.Name)
	}
}
