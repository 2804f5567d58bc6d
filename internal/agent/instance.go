// ABOUTME: Runtime Instance owning one connected runtime process identified by its RID.
// ABOUTME: Runs heartbeat watch, inbound RPC, and configuration pipelines under its own lifecycle.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/runtime-gateway/internal/bus"
	"github.com/2389/runtime-gateway/internal/lifecycle"
	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
)

// DefaultDebounceWindow is the quiet period before a recomputed
// configuration is published.
const DefaultDebounceWindow = 100 * time.Millisecond

// Starter is a lifecycle-managed dependency.
type Starter interface {
	Start(ctx context.Context, consumer string) error
	Stop(ctx context.Context, consumer string) error
}

// Subscriber opens bus subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string) (*bus.Subscription, error)
}

// HeartbeatObserver follows the heartbeat of one RID.
type HeartbeatObserver interface {
	Observe(ctx context.Context, id string) (<-chan *message.Heartbeat, error)
}

// EphemeralPublisher pushes short-lived messages to one runtime.
type EphemeralPublisher interface {
	PublishEphemeral(ctx context.Context, msg *message.Message) error
}

// InstanceState is the connection state of an Instance.
type InstanceState int32

// Instance states. DISCONNECTED is terminal.
const (
	StateInitializing InstanceState = iota
	StateReady
	StateDisconnected
)

func (s InstanceState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("InstanceState(%d)", int32(s))
	}
}

// RID builds the identifier of one process of a runtime record.
func RID(runtimeID string, pid int) string {
	return runtimeID + "-" + strconv.Itoa(pid)
}

// ParseRID splits an RID into the runtime record ID and process ID.
func ParseRID(rid string) (runtimeID string, pid int, ok bool) {
	i := strings.LastIndexByte(rid, '-')
	if i <= 0 || i == len(rid)-1 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(rid[i+1:])
	if err != nil || pid <= 0 {
		return "", 0, false
	}
	return rid[:i], pid, true
}

// InstanceConfig identifies the process an Instance owns.
type InstanceConfig struct {
	RuntimeID   string
	WorkspaceID string
	Process     store.ProcessInfo

	// Rehydrated instances adopt a record that is already ACTIVE.
	Rehydrated bool

	DebounceWindow time.Duration

	OnReady      func(*Instance)
	OnDisconnect func(*Instance)
}

// InstanceDeps are the collaborators shared by every Instance.
type InstanceDeps struct {
	Repo       store.Repository
	Bus        Subscriber
	Heartbeats HeartbeatObserver
	Ephemeral  EphemeralPublisher
	Services   *lifecycle.Registry
	Logger     *slog.Logger
}

// Instance is the live, process-local counterpart of one runtime process.
type Instance struct {
	*lifecycle.Service

	rid  string
	cfg  InstanceConfig
	deps InstanceDeps

	logger *slog.Logger

	state    atomic.Int32
	stopping atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInstance creates an Instance in the INITIALIZING state. Start runs it.
func NewInstance(cfg InstanceConfig, deps InstanceDeps) *Instance {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}

	rid := RID(cfg.RuntimeID, cfg.Process.PID)
	i := &Instance{
		rid:    rid,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "instance", "rid", rid),
	}
	i.Service = lifecycle.New("instance:"+rid, lifecycle.Funcs{
		OnInitialize: i.initialize,
		OnShutdown:   i.shutdown,
	}, deps.Services, deps.Logger)
	return i
}

// RID returns the process identifier.
func (i *Instance) RID() string {
	return i.rid
}

// RuntimeID returns the backing record ID.
func (i *Instance) RuntimeID() string {
	return i.cfg.RuntimeID
}

// WorkspaceID returns the workspace of the backing record.
func (i *Instance) WorkspaceID() string {
	return i.cfg.WorkspaceID
}

// Process returns the process metadata the instance was created with.
func (i *Instance) Process() store.ProcessInfo {
	return i.cfg.Process
}

// Rehydrated reports whether the instance adopted an already ACTIVE record.
func (i *Instance) Rehydrated() bool {
	return i.cfg.Rehydrated
}

// ConnectionState returns the current connection state.
func (i *Instance) ConnectionState() InstanceState {
	return InstanceState(i.state.Load())
}

func (i *Instance) initialize(ctx context.Context) error {
	repo := i.deps.Repo

	if !i.cfg.Rehydrated {
		if err := repo.SetRuntimeActive(ctx, i.cfg.RuntimeID, i.cfg.Process); err != nil {
			return fmt.Errorf("marking runtime active: %w", err)
		}
	}

	// Tasks outlive the caller's context and end only on shutdown.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.cancel = cancel

	beats, err := i.deps.Heartbeats.Observe(taskCtx, i.rid)
	if err != nil {
		cancel()
		return fmt.Errorf("observing heartbeat: %w", err)
	}

	sub, err := i.deps.Bus.Subscribe(taskCtx, message.RuntimeWildcard(i.rid))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribing to rpc: %w", err)
	}

	ready := make(chan struct{})
	i.goTask(func() { i.serveRPC(taskCtx, sub) })
	i.goTask(func() { i.runConfigPipeline(taskCtx) })
	i.goTask(func() { i.runCapabilitiesPipeline(taskCtx) })
	i.goTask(func() {
		select {
		case <-ready:
		case <-taskCtx.Done():
			return
		}
		i.watchHeartbeat(taskCtx, beats)
	})

	i.state.Store(int32(StateReady))
	i.logger.Info("runtime instance ready", "runtime_id", i.cfg.RuntimeID, "rehydrated", i.cfg.Rehydrated)
	if i.cfg.OnReady != nil {
		i.cfg.OnReady(i)
	}
	close(ready)
	return nil
}

func (i *Instance) goTask(fn func()) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		fn()
	}()
}

func (i *Instance) shutdown(ctx context.Context) error {
	i.stopping.Store(true)
	if i.cancel != nil {
		i.cancel()
	}
	i.wg.Wait()
	i.logger.Debug("runtime instance stopped", "state", i.ConnectionState())
	return nil
}

// watchHeartbeat refreshes last-seen on every heartbeat. The sequence
// ending on its own means the process stopped heartbeating.
func (i *Instance) watchHeartbeat(ctx context.Context, beats <-chan *message.Heartbeat) {
	for range beats {
		if err := i.deps.Repo.TouchRuntime(ctx, i.cfg.RuntimeID, time.Now()); err != nil && ctx.Err() == nil {
			i.logger.Warn("failed to record heartbeat", "error", err)
		}
	}
	if ctx.Err() != nil {
		return
	}
	i.disconnect(ctx)
}

// disconnect handles a missed heartbeat. It runs at most once and never
// after a deliberate stop.
func (i *Instance) disconnect(ctx context.Context) {
	if i.stopping.Load() {
		return
	}
	if !i.state.CompareAndSwap(int32(StateReady), int32(StateDisconnected)) {
		return
	}

	i.logger.Warn("=== RUNTIME HEARTBEAT MISSED ===", "runtime_id", i.cfg.RuntimeID)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := i.deps.Repo.SetRuntimeInactive(writeCtx, i.cfg.RuntimeID); err != nil {
		i.logger.Error("failed to mark runtime inactive", "error", err)
	}
	if err := i.deps.Repo.SetRuntimeToolsInactive(writeCtx, i.cfg.RuntimeID); err != nil {
		i.logger.Error("failed to mark runtime tools inactive", "error", err)
	}

	if i.cfg.OnDisconnect != nil {
		i.cfg.OnDisconnect(i)
	}
}
