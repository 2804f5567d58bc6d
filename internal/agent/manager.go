// ABOUTME: Fleet Manager tracking live Runtime Instances by RID.
// ABOUTME: Handles connects, tool-list updates, startup rehydration, and the stale-runtime sweep.

package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/runtime-gateway/internal/dedupe"
	"github.com/2389/runtime-gateway/internal/lifecycle"
	"github.com/2389/runtime-gateway/internal/message"
	"github.com/2389/runtime-gateway/internal/store"
)

// ErrRuntimeConflict indicates an Instance already exists for the RID.
var ErrRuntimeConflict = fmt.Errorf("%w: runtime already connected", message.ErrConflict)

// ManagerConsumer is the lifecycle consumer name the manager holds on its
// dependencies and instances.
const ManagerConsumer = "fleet-manager"

// Defaults for ManagerConfig.
const (
	DefaultSweepSchedule = "@every 1m"
	DefaultToolDedupeTTL = 10 * time.Minute

	// SweepOff disables the stale-runtime sweep.
	SweepOff = "off"

	maxToolFingerprints = 4096
)

// BusConn is the request/response side of the bus.
type BusConn interface {
	Starter
	Subscriber
}

// HeartbeatTracker lists and follows heartbeats.
type HeartbeatTracker interface {
	Starter
	HeartbeatObserver
	Keys(ctx context.Context) ([]string, error)
}

// EphemeralStore is the push side of the ephemeral bucket.
type EphemeralStore interface {
	Starter
	EphemeralPublisher
}

// ManagerConfig tunes the manager and the instances it creates.
type ManagerConfig struct {
	DebounceWindow time.Duration
	SweepSchedule  string
	ToolDedupeTTL  time.Duration
}

// ManagerDeps are the manager's collaborators.
type ManagerDeps struct {
	Repo       store.Repository
	Bus        BusConn
	Heartbeats HeartbeatTracker
	Ephemeral  EphemeralStore
	Services   *lifecycle.Registry
	Logger     *slog.Logger
}

// Manager owns the Instance of every connected runtime process.
type Manager struct {
	*lifecycle.Service

	cfg    ManagerConfig
	deps   ManagerDeps
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance

	lookups singleflight.Group
	seen    *dedupe.Cache
	cron    *cron.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup // connect and tool-update loops
	stops  sync.WaitGroup // instances stopping after a missed heartbeat
}

// NewManager creates a stopped manager. Start runs it.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.ToolDedupeTTL <= 0 {
		cfg.ToolDedupeTTL = DefaultToolDedupeTTL
	}

	m := &Manager{
		cfg:       cfg,
		deps:      deps,
		logger:    deps.Logger.With("component", "fleet-manager"),
		instances: make(map[string]*Instance),
	}
	m.Service = lifecycle.New(ManagerConsumer, lifecycle.Funcs{
		OnInitialize: m.initialize,
		OnShutdown:   m.shutdown,
	}, deps.Services, deps.Logger)
	return m
}

func (m *Manager) dependencies() []Starter {
	return []Starter{m.deps.Bus, m.deps.Heartbeats, m.deps.Ephemeral}
}

func (m *Manager) initialize(ctx context.Context) error {
	deps := m.dependencies()
	for n, d := range deps {
		if err := d.Start(ctx, ManagerConsumer); err != nil {
			m.release(ctx, deps[:n])
			return fmt.Errorf("starting dependency: %w", err)
		}
	}

	m.seen = dedupe.New(m.cfg.ToolDedupeTTL, maxToolFingerprints)
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if err := m.start(taskCtx); err != nil {
		_ = m.shutdown(ctx)
		return err
	}

	m.logger.Info("fleet manager started", "instances", len(m.Instances()), "sweep", m.cfg.SweepSchedule)
	return nil
}

func (m *Manager) start(ctx context.Context) error {
	if err := m.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrating runtimes: %w", err)
	}

	connects, err := m.deps.Bus.Subscribe(ctx, message.SubjectConnect)
	if err != nil {
		return fmt.Errorf("subscribing to connects: %w", err)
	}
	m.goTask(func() { m.serve(ctx, connects.C(), m.handleConnect) })

	updates, err := m.deps.Bus.Subscribe(ctx, message.SubjectUpdateMCPTools)
	if err != nil {
		connects.Stop()
		return fmt.Errorf("subscribing to tool updates: %w", err)
	}
	m.goTask(func() { m.serve(ctx, updates.C(), m.handleToolUpdate) })

	if m.cfg.SweepSchedule != SweepOff {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := c.AddFunc(m.cfg.SweepSchedule, func() { m.sweep(ctx) }); err != nil {
			return fmt.Errorf("scheduling sweep %q: %w", m.cfg.SweepSchedule, err)
		}
		c.Start()
		m.cron = c
	}
	return nil
}

func (m *Manager) shutdown(ctx context.Context) error {
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.stopInstances(ctx)
	m.stops.Wait()

	if m.seen != nil {
		m.seen.Close()
		m.seen = nil
	}
	m.release(ctx, m.dependencies())
	return nil
}

func (m *Manager) release(ctx context.Context, deps []Starter) {
	for n := len(deps) - 1; n >= 0; n-- {
		if err := deps[n].Stop(ctx, ManagerConsumer); err != nil {
			m.logger.Warn("failed to release dependency", "error", err)
		}
	}
}

func (m *Manager) goTask(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// serve runs handle for every delivered message until the subscription ends.
func (m *Manager) serve(ctx context.Context, msgs <-chan *message.Message, handle func(context.Context, *message.Message)) {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for msg := range msgs {
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			handle(ctx, msg)
		}()
	}
}

func (m *Manager) handleConnect(ctx context.Context, msg *message.Message) {
	switch p := msg.Data.(type) {
	case *message.RuntimeConnect:
		ack, err := m.Connect(ctx, p)
		if err != nil {
			m.logger.Warn("connect rejected", "name", p.Name, "pid", p.PID, "error", err)
			if rerr := msg.RespondError(ctx, errorCode(err), err); rerr != nil {
				m.logger.Warn("failed to send connect error", "error", rerr)
			}
			return
		}
		if err := msg.Respond(ctx, ack); err != nil {
			m.logger.Warn("failed to send connect ack", "rid", ack.RID, "error", err)
		}

	case *message.Error:
		m.logger.Warn("rejected undecodable connect", "code", p.Code, "error", p.Message)

	default:
		err := fmt.Errorf("%w: %s on %s", message.ErrProtocol, msg.Kind, message.SubjectConnect)
		if rerr := msg.RespondError(ctx, message.CodeProtocol, err); rerr != nil {
			m.logger.Warn("failed to send protocol error", "error", rerr)
		}
	}
}

func (m *Manager) handleToolUpdate(ctx context.Context, msg *message.Message) {
	switch p := msg.Data.(type) {
	case *message.UpdateMCPTools:
		if err := m.UpdateMCPTools(ctx, p); err != nil && ctx.Err() == nil {
			m.logger.Warn("tool update failed", "mcp_server_id", p.MCPServerID, "error", err)
		}
	case *message.Error:
		m.logger.Warn("dropping undecodable tool update", "code", p.Code, "error", p.Message)
	default:
		m.logger.Warn("unexpected message on tool updates", "kind", msg.Kind)
	}
}

// Connect registers a runtime process and starts its Instance. A second
// connect for a live RID fails with ErrRuntimeConflict and changes nothing.
func (m *Manager) Connect(ctx context.Context, req *message.RuntimeConnect) (*message.ConnectAck, error) {
	if req == nil || req.Name == "" || req.PID <= 0 {
		return nil, &message.ValidationError{Kind: message.KindRuntimeConnect, Reason: "name and pid are required"}
	}

	ws, err := m.resolveWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	if err := m.checkAvailable(ctx, ws.ID, req); err != nil {
		return nil, err
	}

	rt, err := m.findOrCreateRuntime(ctx, ws.ID, req.Name)
	if err != nil {
		return nil, err
	}

	inst := m.newInstance(rt, store.ProcessInfo{
		PID:      req.PID,
		HostIP:   req.HostIP,
		Hostname: req.Hostname,
	}, false)
	if err := m.reserve(inst); err != nil {
		return nil, err
	}
	if err := inst.Start(ctx, ManagerConsumer); err != nil {
		m.unregister(inst)
		return nil, fmt.Errorf("starting instance %s: %w", inst.RID(), err)
	}

	return &message.ConnectAck{
		RID:         inst.RID(),
		WorkspaceID: ws.ID,
		RuntimeID:   rt.ID,
	}, nil
}

// checkAvailable fails early when the named runtime already has an
// Instance for this pid, before any record is created or touched.
func (m *Manager) checkAvailable(ctx context.Context, workspaceID string, req *message.RuntimeConnect) error {
	rt, err := m.deps.Repo.GetRuntimeByName(ctx, workspaceID, req.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up runtime %q: %w", req.Name, err)
	}
	rid := RID(rt.ID, req.PID)
	if _, ok := m.Instance(rid); ok {
		return fmt.Errorf("%w: %s", ErrRuntimeConflict, rid)
	}
	return nil
}

func (m *Manager) resolveWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	if id != "" {
		ws, err := m.deps.Repo.GetWorkspace(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace %s: %w", id, err)
		}
		return ws, nil
	}

	v, err, _ := m.lookups.Do("default-workspace", func() (any, error) {
		return m.deps.Repo.DefaultWorkspace(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("resolving default workspace: %w", err)
	}
	return v.(*store.Workspace), nil
}

func (m *Manager) findOrCreateRuntime(ctx context.Context, workspaceID, name string) (*store.Runtime, error) {
	v, err, _ := m.lookups.Do("runtime:"+workspaceID+"/"+name, func() (any, error) {
		repo := m.deps.Repo
		rt, err := repo.GetRuntimeByName(ctx, workspaceID, name)
		if err == nil {
			return rt, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		rt = &store.Runtime{WorkspaceID: workspaceID, Name: name}
		if err := repo.CreateRuntime(ctx, rt); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return repo.GetRuntimeByName(ctx, workspaceID, name)
			}
			return nil, err
		}
		m.logger.Info("created runtime record", "runtime_id", rt.ID, "name", name, "workspace_id", workspaceID)
		return rt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolving runtime %q: %w", name, err)
	}
	return v.(*store.Runtime), nil
}

func (m *Manager) newInstance(rt *store.Runtime, proc store.ProcessInfo, rehydrated bool) *Instance {
	return NewInstance(InstanceConfig{
		RuntimeID:      rt.ID,
		WorkspaceID:    rt.WorkspaceID,
		Process:        proc,
		Rehydrated:     rehydrated,
		DebounceWindow: m.cfg.DebounceWindow,
		OnReady:        m.onReady,
		OnDisconnect:   m.onDisconnect,
	}, InstanceDeps{
		Repo:       m.deps.Repo,
		Bus:        m.deps.Bus,
		Heartbeats: m.deps.Heartbeats,
		Ephemeral:  m.deps.Ephemeral,
		Services:   m.deps.Services,
		Logger:     m.deps.Logger,
	})
}

func (m *Manager) reserve(inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.RID()]; exists {
		return fmt.Errorf("%w: %s", ErrRuntimeConflict, inst.RID())
	}
	m.instances[inst.RID()] = inst
	return nil
}

// unregister removes inst if it is still the entry for its RID.
func (m *Manager) unregister(inst *Instance) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.instances[inst.RID()] != inst {
		return false
	}
	delete(m.instances, inst.RID())
	return true
}

func (m *Manager) onReady(inst *Instance) {
	m.mu.RLock()
	total := len(m.instances)
	m.mu.RUnlock()

	m.logger.Info("=== RUNTIME CONNECTED ===",
		"rid", inst.RID(),
		"runtime_id", inst.RuntimeID(),
		"workspace_id", inst.WorkspaceID(),
		"rehydrated", inst.Rehydrated(),
		"total_runtimes", total,
	)
}

func (m *Manager) onDisconnect(inst *Instance) {
	if !m.unregister(inst) {
		return
	}

	m.mu.RLock()
	total := len(m.instances)
	m.mu.RUnlock()

	m.logger.Info("=== RUNTIME DISCONNECTED ===",
		"rid", inst.RID(),
		"runtime_id", inst.RuntimeID(),
		"total_runtimes", total,
	)

	// Called from the instance's own heartbeat task, which Stop waits for.
	m.stops.Add(1)
	go func() {
		defer m.stops.Done()
		if err := inst.Stop(context.Background(), ManagerConsumer); err != nil {
			m.logger.Warn("failed to stop disconnected instance", "rid", inst.RID(), "error", err)
		}
	}()
}

func (m *Manager) stopInstances(ctx context.Context) {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	clear(m.instances)
	m.mu.Unlock()

	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			if err := inst.Stop(ctx, ManagerConsumer); err != nil {
				m.logger.Warn("failed to stop instance", "rid", inst.RID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Instances returns the live instances sorted by RID.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].RID() < out[b].RID() })
	return out
}

// Instance returns the live instance for rid.
func (m *Manager) Instance(rid string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[rid]
	return inst, ok
}

// liveRIDs groups the RIDs with a live heartbeat by runtime record ID.
func (m *Manager) liveRIDs(ctx context.Context) (map[string][]int, error) {
	keys, err := m.deps.Heartbeats.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing heartbeats: %w", err)
	}
	live := make(map[string][]int, len(keys))
	for _, key := range keys {
		runtimeID, pid, ok := ParseRID(key)
		if !ok {
			m.logger.Warn("ignoring malformed heartbeat key", "key", key)
			continue
		}
		live[runtimeID] = append(live[runtimeID], pid)
	}
	return live, nil
}

// rehydrate adopts ACTIVE records that still heartbeat and marks the rest
// INACTIVE.
func (m *Manager) rehydrate(ctx context.Context) error {
	records, err := m.deps.Repo.ListRuntimes(ctx, store.StatusActive)
	if err != nil {
		return fmt.Errorf("listing active runtimes: %w", err)
	}
	live, err := m.liveRIDs(ctx)
	if err != nil {
		return err
	}

	for _, rt := range records {
		pids := live[rt.ID]
		if len(pids) == 0 {
			m.markStale(ctx, rt)
			continue
		}
		for _, pid := range pids {
			inst := m.newInstance(rt, store.ProcessInfo{
				PID:           pid,
				HostIP:        rt.HostIP,
				Hostname:      rt.Hostname,
				MCPClientName: rt.MCPClientName,
			}, true)
			if err := m.reserve(inst); err != nil {
				m.logger.Warn("skipping rehydration", "rid", inst.RID(), "error", err)
				continue
			}
			if err := inst.Start(ctx, ManagerConsumer); err != nil {
				m.unregister(inst)
				m.logger.Error("failed to rehydrate runtime", "rid", inst.RID(), "error", err)
			}
		}
	}
	return nil
}

// sweep marks ACTIVE records with neither a heartbeat nor a local
// Instance INACTIVE.
func (m *Manager) sweep(ctx context.Context) {
	records, err := m.deps.Repo.ListRuntimes(ctx, store.StatusActive)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("sweep failed", "error", err)
		}
		return
	}
	if len(records) == 0 {
		return
	}
	live, err := m.liveRIDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("sweep failed", "error", err)
		}
		return
	}

	local := make(map[string]bool)
	for _, inst := range m.Instances() {
		local[inst.RuntimeID()] = true
	}
	for _, rt := range records {
		if len(live[rt.ID]) > 0 || local[rt.ID] {
			continue
		}
		m.markStale(ctx, rt)
	}
}

func (m *Manager) markStale(ctx context.Context, rt *store.Runtime) {
	m.logger.Warn("=== RUNTIME STALE ===", "runtime_id", rt.ID, "name", rt.Name, "pid", rt.ProcessID)
	if err := m.deps.Repo.SetRuntimeInactive(ctx, rt.ID); err != nil {
		m.logger.Error("failed to mark runtime inactive", "runtime_id", rt.ID, "error", err)
	}
	if err := m.deps.Repo.SetRuntimeToolsInactive(ctx, rt.ID); err != nil {
		m.logger.Error("failed to mark runtime tools inactive", "runtime_id", rt.ID, "error", err)
	}
}

// UpdateMCPTools reconciles the stored tools of one server with the
// reported list. Tools missing from the list become INACTIVE; the rest
// are upserted by name as ACTIVE. A list identical to the last applied
// one is skipped while the stored tools still match it.
func (m *Manager) UpdateMCPTools(ctx context.Context, p *message.UpdateMCPTools) error {
	repo := m.deps.Repo
	if _, err := repo.GetMCPServer(ctx, p.MCPServerID); err != nil {
		return fmt.Errorf("resolving mcp server %s: %w", p.MCPServerID, err)
	}

	fingerprint, err := toolsFingerprint(p)
	if err != nil {
		return err
	}

	existing, err := repo.ListMCPTools(ctx, p.MCPServerID)
	if err != nil {
		return fmt.Errorf("listing tools of %s: %w", p.MCPServerID, err)
	}

	reported := make(map[string]bool, len(p.Tools))
	for _, t := range p.Tools {
		reported[strings.TrimSpace(t.Name)] = true
	}
	active := make(map[string]bool, len(existing))
	var removed []string
	for _, t := range existing {
		if t.Status == store.StatusActive {
			active[t.Name] = true
		}
		if !reported[t.Name] && t.Status == store.StatusActive {
			removed = append(removed, t.Name)
		}
	}

	if m.seen != nil && m.seen.Matches(p.MCPServerID, fingerprint) && sameNames(active, reported) {
		m.logger.Debug("skipping unchanged tool list", "mcp_server_id", p.MCPServerID)
		return nil
	}

	if err := repo.SetMCPToolStatus(ctx, p.MCPServerID, removed, store.StatusInactive); err != nil {
		return fmt.Errorf("deactivating tools of %s: %w", p.MCPServerID, err)
	}
	for _, t := range p.Tools {
		tool := &store.MCPTool{
			MCPServerID: p.MCPServerID,
			Name:        strings.TrimSpace(t.Name),
			Description: t.Description,
			InputSchema: t.InputSchema,
			Annotations: t.Annotations,
			Status:      store.StatusActive,
		}
		if err := repo.UpsertMCPTool(ctx, tool); err != nil {
			return fmt.Errorf("upserting tool %s of %s: %w", tool.Name, p.MCPServerID, err)
		}
	}

	if m.seen != nil {
		m.seen.Remember(p.MCPServerID, fingerprint)
	}
	m.logger.Info("tools updated",
		"mcp_server_id", p.MCPServerID,
		"tools", len(p.Tools),
		"deactivated", len(removed),
	)
	return nil
}

func toolsFingerprint(p *message.UpdateMCPTools) (string, error) {
	msg, err := message.New(p)
	if err != nil {
		return "", err
	}
	data, err := message.Encode(msg)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func sameNames(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for name := range a {
		if !b[name] {
			return false
		}
	}
	return true
}
