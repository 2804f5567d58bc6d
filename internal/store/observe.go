// ABOUTME: Live-updating queries built on the change notifier
// ABOUTME: Each observation re-runs its query on relevant changes and emits only differing results

package store

import (
	"context"
	"errors"
	"reflect"

	"github.com/2389/runtime-gateway/internal/stream"
)

// observe subscribes to topics, then emits the result of query immediately
// and after every signal whose result differs from the previous one.
func observe[T any](ctx context.Context, s *SQLiteStore, name string, topics []string, query func(context.Context) (T, error)) <-chan T {
	changes, _ := s.notifier.Subscribe(ctx, topics...)
	out := stream.NewSlot[T]()

	go func() {
		defer out.Close()

		var (
			last T
			has  bool
		)
		emit := func() {
			v, err := query(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, ErrNotFound) {
					s.logger.Warn("observe query failed", "query", name, "error", err)
				}
				return
			}
			if has && reflect.DeepEqual(v, last) {
				return
			}
			last, has = v, true
			out.Put(v)
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				emit()
			}
		}
	}()

	return out.C()
}

// ObserveRuntime follows one runtime record.
func (s *SQLiteStore) ObserveRuntime(ctx context.Context, id string) <-chan *Runtime {
	return observe(ctx, s, "runtime", []string{TopicRuntimes}, func(ctx context.Context) (*Runtime, error) {
		return s.GetRuntime(ctx, id)
	})
}

// ObserveWorkspace follows one workspace.
func (s *SQLiteStore) ObserveWorkspace(ctx context.Context, id string) <-chan *Workspace {
	return observe(ctx, s, "workspace", []string{TopicWorkspaces}, func(ctx context.Context) (*Workspace, error) {
		return s.GetWorkspace(ctx, id)
	})
}

// ObserveEdgeMCPServers follows the EDGE servers linked to a runtime.
func (s *SQLiteStore) ObserveEdgeMCPServers(ctx context.Context, runtimeID string) <-chan []*MCPServer {
	return observe(ctx, s, "edge servers", []string{TopicMCPServers}, func(ctx context.Context) ([]*MCPServer, error) {
		return s.EdgeMCPServers(ctx, runtimeID)
	})
}

// ObserveAgentMCPServers follows the servers reachable through a runtime's
// tool capabilities.
func (s *SQLiteStore) ObserveAgentMCPServers(ctx context.Context, runtimeID string) <-chan []*MCPServer {
	topics := []string{TopicMCPServers, TopicMCPTools, TopicRuntimeTools}
	return observe(ctx, s, "agent servers", topics, func(ctx context.Context) ([]*MCPServer, error) {
		return s.AgentMCPServers(ctx, runtimeID)
	})
}

// ObserveGlobalMCPServers follows the GLOBAL servers of a workspace.
func (s *SQLiteStore) ObserveGlobalMCPServers(ctx context.Context, workspaceID string) <-chan []*MCPServer {
	return observe(ctx, s, "global servers", []string{TopicMCPServers}, func(ctx context.Context) ([]*MCPServer, error) {
		return s.GlobalMCPServers(ctx, workspaceID)
	})
}

// ObserveToolCapabilities follows the active tools a runtime may call.
func (s *SQLiteStore) ObserveToolCapabilities(ctx context.Context, runtimeID string) <-chan []*ToolCapability {
	topics := []string{TopicMCPTools, TopicRuntimeTools}
	return observe(ctx, s, "tool capabilities", topics, func(ctx context.Context) ([]*ToolCapability, error) {
		return s.ToolCapabilities(ctx, runtimeID)
	})
}
