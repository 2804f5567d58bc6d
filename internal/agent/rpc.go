// ABOUTME: Inbound RPC handling for a Runtime Instance on runtime.{RID}.*.
// ABOUTME: Each request runs concurrently and is answered exactly once with an Ack or an Error.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/2389/runtime-gateway/internal/bus"
	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
)

// Acknowledged field names.
const (
	FieldRoots                 = "roots"
	FieldCapabilities          = "capabilities"
	FieldGlobalRuntime         = "globalRuntime"
	FieldDefaultTestingRuntime = "defaultTestingRuntime"
	FieldMCPClientName         = "mcpClientName"
)

func (i *Instance) serveRPC(ctx context.Context, sub *bus.Subscription) {
	defer sub.Stop()

	var inflight sync.WaitGroup
	defer inflight.Wait()

	for msg := range sub.C() {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			i.handleRPC(ctx, msg)
		}()
	}
}

func (i *Instance) handleRPC(ctx context.Context, msg *message.Message) {
	ack, err := i.dispatch(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		i.logger.Warn("rpc failed", "kind", msg.Kind, "subject", msg.Subject, "error", err)
		if rerr := msg.RespondError(ctx, errorCode(err), err); rerr != nil {
			i.logger.Warn("failed to send error reply", "kind", msg.Kind, "error", rerr)
		}
		return
	}
	if ack == nil {
		return
	}
	if err := msg.Respond(ctx, ack); err != nil {
		i.logger.Warn("failed to send ack", "kind", msg.Kind, "error", err)
	}
}

// dispatch applies one request to the backing record and returns the Ack
// carrying the updated value.
func (i *Instance) dispatch(ctx context.Context, msg *message.Message) (*message.Ack, error) {
	repo := i.deps.Repo
	rtID := i.cfg.RuntimeID

	switch p := msg.Data.(type) {
	case *message.SetRoots:
		if err := i.checkRID(msg.Kind, p.RID); err != nil {
			return nil, err
		}
		roots := make([]store.Root, len(p.Roots))
		for n, r := range p.Roots {
			roots[n] = store.Root{Name: r.Name, URI: r.URI}
		}
		if err := repo.SetRoots(ctx, rtID, roots); err != nil {
			return nil, err
		}
		return message.NewAck(FieldRoots, p.Roots)

	case *message.SetRuntimeCapabilities:
		if err := i.checkRID(msg.Kind, p.RID); err != nil {
			return nil, err
		}
		if err := repo.SetRuntimeCapabilities(ctx, rtID, p.Capabilities); err != nil {
			return nil, err
		}
		return message.NewAck(FieldCapabilities, p.Capabilities)

	case *message.SetGlobalRuntime:
		if err := i.checkRID(msg.Kind, p.RID); err != nil {
			return nil, err
		}
		if err := repo.SetGlobalRuntime(ctx, i.cfg.WorkspaceID, rtID, p.Global); err != nil {
			return nil, err
		}
		return message.NewAck(FieldGlobalRuntime, p.Global)

	case *message.SetDefaultTestingRuntime:
		if err := i.checkRID(msg.Kind, p.RID); err != nil {
			return nil, err
		}
		if err := repo.SetDefaultTestingRuntime(ctx, i.cfg.WorkspaceID, rtID, p.Enabled); err != nil {
			return nil, err
		}
		return message.NewAck(FieldDefaultTestingRuntime, p.Enabled)

	case *message.SetMCPClientName:
		if err := i.checkRID(msg.Kind, p.RID); err != nil {
			return nil, err
		}
		if err := repo.SetMCPClientName(ctx, rtID, p.ClientName); err != nil {
			return nil, err
		}
		return message.NewAck(FieldMCPClientName, p.ClientName)

	case *message.Error:
		// The subscription has already sent this Error to the requester.
		i.logger.Warn("rejected undecodable rpc", "subject", msg.Subject, "code", p.Code, "error", p.Message)
		return nil, nil

	case *message.RuntimeConnect, *message.ConnectAck, *message.Ack, *message.Heartbeat,
		*message.UpdateConfiguredMCPServers, *message.AgentCapabilities, *message.UpdateMCPTools:
		return nil, fmt.Errorf("%w: %s is not an rpc for %s", message.ErrProtocol, msg.Kind, i.rid)

	default:
		return nil, fmt.Errorf("%w: unknown kind %s", message.ErrProtocol, msg.Kind)
	}
}

func (i *Instance) checkRID(kind message.Kind, rid string) error {
	if rid != i.rid {
		return &message.ValidationError{Kind: kind, Reason: fmt.Sprintf("rid %q sent to %s", rid, i.rid)}
	}
	return nil
}

// errorCode maps an error onto the Error reply codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, message.ErrValidation):
		return message.CodeValidation
	case errors.Is(err, message.ErrProtocol):
		return message.CodeProtocol
	case errors.Is(err, message.ErrConflict):
		return message.CodeConflict
	case errors.Is(err, message.ErrNotFound):
		return message.CodeNotFound
	case errors.Is(err, message.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return message.CodeTimeout
	default:
		return message.CodeInternal
	}
}
