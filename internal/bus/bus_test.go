// ABOUTME: Tests for the NATS transport, key-value buckets, heartbeats, and ephemeral store.
// ABOUTME: Runs against an embedded nats-server on a random port.

package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/runtime-gateway/internal/bus"
	"github.com/2389/runtime-gateway/internal/bus/bustest"
	"github.com/2389/runtime-gateway/internal/message"
)

func receive[T any](t *testing.T, ch <-chan T, within time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(within):
		t.Fatalf("nothing received within %s", within)
	}
	var zero T
	return zero
}

func requireClosed[T any](t *testing.T, ch <-chan T, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("channel still open after %s", within)
		}
	}
}

func TestPublishSubscribe_Wildcard(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})
	ctx := context.Background()
	client := env.Client(t)

	sub, err := env.Conn.Subscribe(ctx, message.RuntimeWildcard("rt-1-100"))
	require.NoError(t, err)
	defer sub.Stop()

	require.NoError(t, client.Publish(ctx, message.MustNew(&message.SetMCPClientName{RID: "rt-1-100", ClientName: "cursor"})))
	// Different RID must not match.
	require.NoError(t, client.Publish(ctx, message.MustNew(&message.SetMCPClientName{RID: "rt-2-100", ClientName: "zed"})))

	got := receive(t, sub.C(), 2*time.Second)
	assert.Equal(t, message.KindSetMCPClientName, got.Kind)
	assert.Equal(t, "runtime.rt-1-100.set-mcp-client-name", got.Subject)
	assert.False(t, got.ShouldRespond(), "published messages carry no reply address")

	select {
	case m := <-sub.C():
		t.Fatalf("unexpected message %v", m.Subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscription_StopClosesChannel(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})

	sub, err := env.Conn.Subscribe(context.Background(), "runtime.connect")
	require.NoError(t, err)

	sub.Stop()
	sub.Stop()
	requireClosed(t, sub.C(), time.Second)
}

func TestSubscription_ContextCancelClosesChannel(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := env.Conn.Subscribe(ctx, "runtime.connect")
	require.NoError(t, err)

	cancel()
	requireClosed(t, sub.C(), time.Second)
}

func TestRequestResponse(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})
	ctx := context.Background()
	client := env.Client(t)

	sub, err := env.Conn.Subscribe(ctx, message.SubjectConnect)
	require.NoError(t, err)
	defer sub.Stop()

	go func() {
		for m := range sub.C() {
			req, ok := m.Data.(*message.RuntimeConnect)
			if !ok || !m.ShouldRespond() {
				continue
			}
			if req.Name == "reject-me" {
				_ = m.Respond(ctx, &message.Error{Code: message.CodeConflict, Message: "duplicate"})
				continue
			}
			_ = m.Respond(ctx, &message.ConnectAck{RID: "rt-1-7", WorkspaceID: "ws", RuntimeID: "rt-1"})
		}
	}()

	t.Run("ack", func(t *testing.T) {
		resp, err := client.Request(ctx, message.MustNew(&message.RuntimeConnect{Name: "laptop", PID: 7}), 0)
		require.NoError(t, err)
		ack, ok := resp.Data.(*message.ConnectAck)
		require.True(t, ok)
		assert.Equal(t, "rt-1-7", ack.RID)
	})

	t.Run("error reply", func(t *testing.T) {
		_, err := client.Request(ctx, message.MustNew(&message.RuntimeConnect{Name: "reject-me", PID: 7}), 0)
		require.Error(t, err)
		var remote *message.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, message.CodeConflict, remote.Code)
	})

	t.Run("publish role rejected", func(t *testing.T) {
		_, err := client.Request(ctx, message.MustNew(&message.Heartbeat{RID: "x"}), 0)
		assert.ErrorIs(t, err, message.ErrProtocol)
	})
}

func TestSubscription_AnswersUndecodableRequests(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})
	ctx := context.Background()

	sub, err := env.Conn.Subscribe(ctx, message.RuntimeWildcard("rt-1-7"))
	require.NoError(t, err)
	defer sub.Stop()

	delivered := make(chan *message.Message, 4)
	go func() {
		for m := range sub.C() {
			delivered <- m
		}
	}()

	tests := []struct {
		name string
		data string
		code string
	}{
		{"malformed envelope", `{not json`, message.CodeProtocol},
		{"unknown type", `{"type":"SetRootsV2","data":{"rid":"rt-1-7"}}`, message.CodeProtocol},
		{"invalid payload", `{"type":"SetRoots","data":{"rid":""}}`, message.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.RawRequest(t, message.RuntimeSubject("rt-1-7", "set-roots"), []byte(tt.data))
			var remote *message.RemoteError
			require.ErrorAs(t, message.AsError(resp), &remote)
			assert.Equal(t, tt.code, remote.Code)

			// Handlers still see the failure but cannot answer it a second time.
			m := receive(t, delivered, time.Second)
			assert.Equal(t, message.KindError, m.Kind)
			assert.True(t, m.Undecodable())
			assert.False(t, m.ShouldRespond())
		})
	}
}

func TestRequest_Timeout(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})
	ctx := context.Background()

	t.Run("no responders", func(t *testing.T) {
		_, err := env.Conn.Request(ctx, message.MustNew(&message.SetRoots{RID: "nobody"}), 200*time.Millisecond)
		assert.ErrorIs(t, err, bus.ErrTimeout)
	})

	t.Run("silent responder", func(t *testing.T) {
		sub, err := env.Conn.Subscribe(ctx, message.RuntimeWildcard("silent"))
		require.NoError(t, err)
		defer sub.Stop()
		go func() {
			for range sub.C() {
			}
		}()

		start := time.Now()
		_, err = env.Conn.Request(ctx, message.MustNew(&message.SetRoots{RID: "silent"}), 200*time.Millisecond)
		assert.ErrorIs(t, err, bus.ErrTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestHeartbeat_OnceThenSilence(t *testing.T) {
	ttl := 500 * time.Millisecond
	env := bustest.Start(t, bustest.Options{HeartbeatTTL: ttl})
	ctx := context.Background()

	require.NoError(t, env.Heartbeats.Heartbeat(ctx, "rt-1-1", &message.Heartbeat{PID: 1}))

	start := time.Now()
	beats, err := env.Heartbeats.Observe(ctx, "rt-1-1")
	require.NoError(t, err)

	hb := receive(t, beats, time.Second)
	assert.Equal(t, "rt-1-1", hb.RID)
	assert.Equal(t, 1, hb.PID)

	requireClosed(t, beats, 3*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), ttl-50*time.Millisecond)
}

func TestHeartbeat_RepeatedBeatsKeepAlive(t *testing.T) {
	ttl := 500 * time.Millisecond
	env := bustest.Start(t, bustest.Options{HeartbeatTTL: ttl})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.Heartbeats.Heartbeat(ctx, "rt-1-2", nil))
	beats, err := env.Heartbeats.Observe(ctx, "rt-1-2")
	require.NoError(t, err)

	go func() {
		ticker := time.NewTicker(ttl / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = env.Heartbeats.Heartbeat(ctx, "rt-1-2", nil)
			}
		}
	}()

	received := 0
	deadline := time.After(4 * ttl)
loop:
	for {
		select {
		case _, ok := <-beats:
			require.True(t, ok, "observation ended while heartbeats were flowing")
			received++
		case <-deadline:
			break loop
		}
	}
	assert.GreaterOrEqual(t, received, 5)

	cancel()
	requireClosed(t, beats, time.Second)
}

func TestHeartbeat_KillEndsObservation(t *testing.T) {
	env := bustest.Start(t, bustest.Options{HeartbeatTTL: 10 * time.Second})
	ctx := context.Background()

	require.NoError(t, env.Heartbeats.Heartbeat(ctx, "rt-1-3", nil))
	beats, err := env.Heartbeats.Observe(ctx, "rt-1-3")
	require.NoError(t, err)
	receive(t, beats, time.Second)

	keys, err := env.Heartbeats.Keys(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "rt-1-3")

	require.NoError(t, env.Heartbeats.Kill(ctx, "rt-1-3"))
	// Long TTL: closing quickly means the delete, not the timer, ended it.
	requireClosed(t, beats, 2*time.Second)

	keys, err = env.Heartbeats.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, "rt-1-3")
}

func TestHeartbeat_KeysEmpty(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})
	keys, err := env.Heartbeats.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEphemeral_PublishObserve(t *testing.T) {
	env := bustest.Start(t, bustest.Options{EphemeralTTL: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := message.MustNew(&message.AgentCapabilities{RID: "rt-1-4"})
	require.NoError(t, env.Ephemeral.PublishEphemeral(ctx, first))

	updates, err := env.Ephemeral.ObserveEphemeral(ctx, message.AgentCapabilitiesSubject("rt-1-4"))
	require.NoError(t, err)

	got := receive(t, updates, time.Second)
	assert.Equal(t, message.KindAgentCapabilities, got.Kind)

	second := message.MustNew(&message.AgentCapabilities{
		RID:          "rt-1-4",
		Capabilities: []message.ToolCapability{{ID: "t1", Name: "read", MCPServerID: "s1"}},
	})
	require.NoError(t, env.Ephemeral.PublishEphemeral(ctx, second))

	got = receive(t, updates, time.Second)
	caps, ok := got.Data.(*message.AgentCapabilities)
	require.True(t, ok)
	require.Len(t, caps.Capabilities, 1)
	assert.Equal(t, "read", caps.Capabilities[0].Name)

	cancel()
	requireClosed(t, updates, time.Second)
}

func TestKV_GetAndNotStarted(t *testing.T) {
	env := bustest.Start(t, bustest.Options{})
	ctx := context.Background()

	kv := bus.NewKV(env.Conn, bus.KVConfig{Bucket: "scratch", TTL: time.Minute}, env.Services, nil)
	_, err := kv.Keys(ctx)
	assert.ErrorIs(t, err, bus.ErrNotStarted)

	require.NoError(t, kv.Start(ctx, "test"))
	defer kv.Stop(ctx, "test")

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, bus.ErrKeyNotFound)

	require.NoError(t, kv.Put(ctx, "present", []byte("v1")))
	v, err := kv.Get(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	// The bucket holds its own reference on the shared connection.
	assert.Contains(t, env.Conn.Consumers(), "kv:scratch")
}

func TestConn_NotStarted(t *testing.T) {
	conn := bus.NewConn(bus.DefaultConfig(), message.NewDefaultRegistry(), nil, nil)
	ctx := context.Background()

	assert.ErrorIs(t, conn.Publish(ctx, message.MustNew(&message.Heartbeat{RID: "x"})), bus.ErrNotStarted)
	_, err := conn.Subscribe(ctx, "x")
	assert.ErrorIs(t, err, bus.ErrNotStarted)
}
