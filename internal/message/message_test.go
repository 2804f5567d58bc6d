// ABOUTME: Tests for message construction, encoding, and the kind registry.
// ABOUTME: Covers round-trips for every kind, unknown kinds, and reply semantics.

package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReplier struct {
	mu      sync.Mutex
	replies []*Message
	targets []string
}

func (r *recordingReplier) Reply(_ context.Context, reply string, resp *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, resp)
	r.targets = append(r.targets, reply)
	return nil
}

func samplePayloads(t *testing.T) []Payload {
	t.Helper()
	ack, err := NewAck("roots", []Root{{Name: "src", URI: "file:///src"}})
	require.NoError(t, err)

	return []Payload{
		&RuntimeConnect{Name: "laptop", PID: 4242, HostIP: "10.0.0.5", Hostname: "dev-box", WorkspaceID: "ws-1"},
		&ConnectAck{RID: "rt-1-4242", WorkspaceID: "ws-1", RuntimeID: "rt-1"},
		ack,
		&Error{Code: CodeConflict, Message: "runtime already connected"},
		&SetRoots{RID: "rt-1-4242", Roots: []Root{{Name: "src", URI: "file:///src"}}},
		&SetRuntimeCapabilities{RID: "rt-1-4242", Capabilities: []string{"tool", "agent"}},
		&SetGlobalRuntime{RID: "rt-1-4242", Global: true},
		&SetDefaultTestingRuntime{RID: "rt-1-4242", Enabled: true},
		&SetMCPClientName{RID: "rt-1-4242", ClientName: "claude-desktop"},
		&Heartbeat{RID: "rt-1-4242", PID: 4242, HostIP: "10.0.0.5", Hostname: "dev-box", SentAt: 1700000000000},
		&UpdateConfiguredMCPServers{
			RID:   "rt-1-4242",
			Roots: []Root{{Name: "src", URI: "file:///src"}},
			MCPServers: []MCPServerConfig{{
				ID: "srv-1", Name: "filesystem", Transport: "STDIO", Command: "npx",
				Args: []string{"-y", "@mcp/fs"}, Env: map[string]string{"DEBUG": "1"}, RunOn: "EDGE",
			}},
		},
		&AgentCapabilities{
			RID:          "rt-1-4242",
			Capabilities: []ToolCapability{{ID: "tool-1", Name: "read_file", MCPServerID: "srv-1"}},
		},
		&UpdateMCPTools{
			MCPServerID: "srv-1",
			Tools:       []ToolDescriptor{{Name: "read_file", Description: "Read a file", InputSchema: `{"type":"object"}`}},
		},
	}
}

func TestRoundTripEveryKind(t *testing.T) {
	reg := NewDefaultRegistry()

	payloads := samplePayloads(t)
	require.Len(t, payloads, len(reg.Kinds()), "every registered kind should have a sample")

	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			msg, err := New(p)
			require.NoError(t, err)

			raw, err := Encode(msg)
			require.NoError(t, err)

			decoded := reg.Decode(raw)
			assert.Equal(t, p.Kind(), decoded.Kind)
			assert.Equal(t, msg.Subject, decoded.Subject)
			assert.IsType(t, p, decoded.Data)
			assert.Equal(t, p, decoded.Data)
			assert.False(t, decoded.Undecodable())
		})
	}
}

func TestSubjects(t *testing.T) {
	tests := []struct {
		payload Addressable
		want    string
	}{
		{&RuntimeConnect{Name: "a", PID: 1}, "runtime.connect"},
		{&SetRoots{RID: "r-1"}, "runtime.r-1.set-roots"},
		{&SetRuntimeCapabilities{RID: "r-1"}, "runtime.r-1.set-runtime-capabilities"},
		{&SetGlobalRuntime{RID: "r-1"}, "runtime.r-1.set-global-runtime"},
		{&SetDefaultTestingRuntime{RID: "r-1"}, "runtime.r-1.set-default-testing-runtime"},
		{&SetMCPClientName{RID: "r-1", ClientName: "c"}, "runtime.r-1.set-mcp-client-name"},
		{&Heartbeat{RID: "r-1"}, "runtime.heartbeat"},
		{&UpdateConfiguredMCPServers{RID: "r-1"}, "runtime.update-configured-mcp-server.r-1"},
		{&AgentCapabilities{RID: "r-1"}, "runtime.agent-capabilities.r-1"},
		{&UpdateMCPTools{MCPServerID: "s"}, "runtime.update-mcp-tools"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.payload.Subject(), tt.payload.Kind())
	}
	assert.Equal(t, "runtime.r-1.*", RuntimeWildcard("r-1"))
}

func TestNew_Validation(t *testing.T) {
	t.Run("missing required field", func(t *testing.T) {
		_, err := New(&RuntimeConnect{PID: 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, KindRuntimeConnect, verr.Kind)
	})

	t.Run("bad host ip", func(t *testing.T) {
		_, err := New(&RuntimeConnect{Name: "a", PID: 1, HostIP: "not-an-ip"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("duplicate tools", func(t *testing.T) {
		_, err := New(&UpdateMCPTools{
			MCPServerID: "srv",
			Tools:       []ToolDescriptor{{Name: "a"}, {Name: "a"}},
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("nested struct", func(t *testing.T) {
		_, err := New(&SetRoots{RID: "r", Roots: []Root{{Name: "src"}}})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("nil payload", func(t *testing.T) {
		_, err := New(nil)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestDecode_NeverFails(t *testing.T) {
	reg := NewDefaultRegistry()

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"unknown discriminator", `{"type":"FutureKind","data":{}}`, CodeProtocol},
		{"malformed envelope", `{not json`, CodeProtocol},
		{"malformed payload", `{"type":"SetRoots","data":{"rid":7}}`, CodeProtocol},
		{"invalid payload", `{"type":"RuntimeConnect","data":{"name":"","pid":1}}`, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := reg.Decode([]byte(tt.raw))
			require.NotNil(t, msg)
			assert.Equal(t, KindError, msg.Kind)
			assert.True(t, msg.Undecodable())
			p, ok := msg.Data.(*Error)
			require.True(t, ok)
			assert.Equal(t, tt.code, p.Code)
		})
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(func() Payload { return &SetRoots{} }))
	assert.Error(t, reg.Register(func() Payload { return &SetRoots{} }))
	assert.Equal(t, []Kind{KindSetRoots}, reg.Kinds())

	raw, err := Encode(MustNew(&SetRoots{RID: "r"}))
	require.NoError(t, err)
	assert.Equal(t, KindSetRoots, reg.Decode(raw).Kind)

	reg.Unregister(KindSetRoots)
	assert.Equal(t, KindError, reg.Decode(raw).Kind)
}

func TestRespond(t *testing.T) {
	ctx := context.Background()

	t.Run("no reply address is a no-op", func(t *testing.T) {
		msg := MustNew(&SetRoots{RID: "r"})
		assert.False(t, msg.ShouldRespond())
		assert.NoError(t, msg.Respond(ctx, &Error{Code: CodeInternal}))
	})

	t.Run("publish never responds", func(t *testing.T) {
		rep := &recordingReplier{}
		msg := MustNew(&Heartbeat{RID: "r"})
		msg.AttachReply("_INBOX.1", rep)
		assert.False(t, msg.ShouldRespond())
		assert.NoError(t, msg.Respond(ctx, &Error{Code: CodeInternal}))
		assert.Empty(t, rep.replies)
	})

	t.Run("responds exactly once", func(t *testing.T) {
		rep := &recordingReplier{}
		msg := MustNew(&SetRoots{RID: "r"})
		msg.AttachReply("_INBOX.2", rep)
		require.True(t, msg.ShouldRespond())

		ack, err := NewAck("roots", []Root{})
		require.NoError(t, err)
		require.NoError(t, msg.Respond(ctx, ack))
		assert.ErrorIs(t, msg.Respond(ctx, ack), ErrAlreadyResponded)

		require.Len(t, rep.replies, 1)
		assert.Equal(t, "_INBOX.2", rep.targets[0])
		assert.Equal(t, KindAck, rep.replies[0].Kind)
	})

	t.Run("rejects non-response payload", func(t *testing.T) {
		rep := &recordingReplier{}
		msg := MustNew(&SetRoots{RID: "r"})
		msg.AttachReply("_INBOX.3", rep)
		err := msg.Respond(ctx, &SetRoots{RID: "r"})
		assert.ErrorIs(t, err, ErrProtocol)
		assert.Empty(t, rep.replies)
	})
}

func TestAsError(t *testing.T) {
	assert.NoError(t, AsError(MustNew(&ConnectAck{RID: "a", WorkspaceID: "b", RuntimeID: "c"})))

	err := AsError(ErrorMessage(CodeValidation, "bad %s", "thing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrProtocol)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "bad thing", remote.Message)
}

func TestRemoteError_Is(t *testing.T) {
	sentinels := []error{ErrValidation, ErrProtocol, ErrConflict, ErrNotFound, ErrTimeout}
	tests := []struct {
		code string
		want error
	}{
		{CodeValidation, ErrValidation},
		{CodeProtocol, ErrProtocol},
		{CodeConflict, ErrConflict},
		{CodeNotFound, ErrNotFound},
		{CodeTimeout, ErrTimeout},
		{CodeInternal, nil},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := AsError(ErrorMessage(tt.code, "remote failure"))
			for _, s := range sentinels {
				if s == tt.want {
					assert.ErrorIs(t, err, s)
				} else {
					assert.NotErrorIs(t, err, s)
				}
			}
		})
	}

	t.Run("wrapping sentinel", func(t *testing.T) {
		missing := fmt.Errorf("record %w", ErrNotFound)
		assert.ErrorIs(t, AsError(ErrorMessage(CodeNotFound, "no such workspace")), missing)
		assert.NotErrorIs(t, AsError(ErrorMessage(CodeConflict, "taken")), missing)
	})
}

func TestAck_DecodeValue(t *testing.T) {
	ack, err := NewAck("capabilities", []string{"a", "b"})
	require.NoError(t, err)

	var got []string
	require.NoError(t, ack.DecodeValue(&got))
	assert.Equal(t, []string{"a", "b"}, got)
}
