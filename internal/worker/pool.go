package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/orchd/orchd/internal/catalog"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
	"github.com/orchd/orchd/internal/lock"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/state"
)

// EnsureOptions tune how Ensure matches or replaces an existing worker.
type EnsureOptions struct {
	// ModelOverride replaces the profile's model for this ensure only.
	ModelOverride string

	// ForceNew stops an incompatible existing worker and spawns a fresh one
	// instead of failing with IncompatibleWorker.
	ForceNew bool

	// Respawn stops the existing worker even when it would be compatible.
	Respawn bool

	// NeedsVision requires the worker's profile to support image input.
	NeedsVision bool
}

// Pool owns all live worker instances, keyed by profile id. It is the sole
// mutator of instance state; every mutation emits exactly one event.
type Pool struct {
	cfg      config.PoolConfig
	resolver *profile.Resolver
	prompts  *profile.PromptStore
	catalog  *catalog.Catalog
	modelCfg catalog.ResolveConfig
	locks    *lock.Manager
	broker   *events.Broker
	bridge   BridgeInfo
	backends map[profile.Kind]Backend
	logger   *logger.Logger

	group singleflight.Group

	mu             sync.RWMutex
	workers        map[string]*Instance
	pinnedPorts    map[int]string // port -> profile id, guards double-binding
	modelOverrides map[string]string
	hydrated       map[string]state.PersistedWorker
}

// PoolDeps bundles the collaborators a pool needs.
type PoolDeps struct {
	Config   config.PoolConfig
	Resolver *profile.Resolver
	Prompts  *profile.PromptStore
	Catalog  *catalog.Catalog
	ModelCfg catalog.ResolveConfig
	Locks    *lock.Manager
	Broker   *events.Broker
	Bridge   BridgeInfo
	Backends []Backend
	Logger   *logger.Logger
}

// NewPool creates an empty pool.
func NewPool(deps PoolDeps) *Pool {
	backends := make(map[profile.Kind]Backend, len(deps.Backends))
	for _, b := range deps.Backends {
		backends[b.Kind()] = b
	}
	return &Pool{
		cfg:            deps.Config,
		resolver:       deps.Resolver,
		prompts:        deps.Prompts,
		catalog:        deps.Catalog,
		modelCfg:       deps.ModelCfg,
		locks:          deps.Locks,
		broker:         deps.Broker,
		bridge:         deps.Bridge,
		backends:       backends,
		logger:         deps.Logger.WithComponent("worker-pool"),
		workers:        make(map[string]*Instance),
		pinnedPorts:    make(map[int]string),
		modelOverrides: make(map[string]string),
		hydrated:       make(map[string]state.PersistedWorker),
	}
}

// Get returns the live instance for a profile id.
func (p *Pool) Get(profileID string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.workers[profileID]
	return inst, ok
}

// List returns snapshots of all live instances, sorted by profile id.
func (p *Pool) List() []Snapshot {
	p.mu.RLock()
	out := make([]Snapshot, 0, len(p.workers))
	for _, inst := range p.workers {
		out = append(out, inst.Snapshot())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// Hydrate records previously observed worker metadata from the persisted
// snapshot. Nothing is respawned; the metadata only informs list views and
// model defaults until a real ensure happens.
func (p *Pool) Hydrate(persisted []state.PersistedWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range persisted {
		p.hydrated[w.ProfileID] = w
	}
	p.logger.Info("hydrated worker metadata", zap.Int("count", len(persisted)))
}

// Hydrated returns the persisted metadata for a profile, if any.
func (p *Pool) Hydrated(profileID string) (state.PersistedWorker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.hydrated[profileID]
	return w, ok
}

// SetModelOverride pins a profile to a model for subsequent ensures.
func (p *Pool) SetModelOverride(profileID, model string) {
	p.mu.Lock()
	p.modelOverrides[profileID] = model
	p.mu.Unlock()
}

// ResetModelOverride drops a pinned model.
func (p *Pool) ResetModelOverride(profileID string) {
	p.mu.Lock()
	delete(p.modelOverrides, profileID)
	p.mu.Unlock()
}

// Ensure returns a compatible live worker for the profile, spawning one if
// needed. It is idempotent: concurrent callers for the same profile share a
// single spawn through the singleflight group, and the profile lock
// serializes spawns across orchestrator processes on the host.
func (p *Pool) Ensure(ctx context.Context, profileID string, opts EnsureOptions) (*Instance, error) {
	key := fmt.Sprintf("%s|%s|%t|%t", profileID, opts.ModelOverride, opts.ForceNew, opts.Respawn)
	v, err, _ := p.group.Do(key, func() (any, error) {
		return p.ensure(ctx, profileID, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

func (p *Pool) ensure(ctx context.Context, profileID string, opts EnsureOptions) (*Instance, error) {
	prof, err := p.resolver.Resolve(profileID)
	if err != nil {
		return nil, err
	}

	modelRef := prof.Model
	p.mu.RLock()
	if pinned, ok := p.modelOverrides[profileID]; ok {
		modelRef = pinned
	}
	p.mu.RUnlock()
	if opts.ModelOverride != "" {
		modelRef = opts.ModelOverride
	}

	resolution, err := p.catalog.Resolve(ctx, modelRef, p.modelCfg)
	if err != nil {
		return nil, err
	}

	if opts.NeedsVision && !prof.Capabilities.SupportsVision {
		return nil, orcerr.New(orcerr.KindIncompatibleWorker,
			"profile %q does not support image input", profileID).
			WithHint("use a vision-capable profile or pass forceNew with a vision model")
	}

	// Fast path: reuse a live compatible worker.
	if inst, ok := p.Get(profileID); ok {
		compatible := p.compatible(inst, resolution.ResolvedModel, opts)
		switch {
		case compatible && !opts.Respawn:
			return inst, nil
		case opts.ForceNew || opts.Respawn:
			if err := p.Stop(context.WithoutCancel(ctx), profileID); err != nil {
				return nil, err
			}
		default:
			return nil, orcerr.New(orcerr.KindIncompatibleWorker,
				"worker %q is pinned to %s, requested %s",
				profileID, inst.ResolvedModel(), resolution.ResolvedModel).
				WithHint("pass forceNew to respawn with the requested model")
		}
	}

	p.mu.RLock()
	count := len(p.workers)
	p.mu.RUnlock()
	if count >= p.cfg.MaxWorkers {
		return nil, orcerr.New(orcerr.KindConfigInvalid,
			"worker pool is full (%d of %d)", count, p.cfg.MaxWorkers).
			WithHint("stop an idle worker or raise pool.maxWorkers")
	}

	var inst *Instance
	err = p.locks.WithLock(ctx, profileID, func() error {
		// Another orchestrator process may have spawned while we waited on
		// the file lock; the in-process map cannot know, so the spawn itself
		// stays inside the critical section.
		var spawnErr error
		inst, spawnErr = p.spawn(ctx, prof, resolution)
		return spawnErr
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// compatible implements the reuse rule: same resolved model and a capability
// envelope that still satisfies the task.
func (p *Pool) compatible(inst *Instance, resolvedModel string, opts EnsureOptions) bool {
	switch inst.Status() {
	case StatusStarting, StatusReady, StatusBusy:
	default:
		return false
	}
	if inst.ResolvedModel() != resolvedModel {
		return false
	}
	if opts.NeedsVision && !inst.Profile().Capabilities.SupportsVision {
		return false
	}
	return true
}

func (p *Pool) spawn(ctx context.Context, prof profile.WorkerProfile, resolution *catalog.Resolution) (*Instance, error) {
	backend, ok := p.backends[prof.Kind]
	if !ok {
		return nil, orcerr.New(orcerr.KindConfigInvalid,
			"no backend registered for kind %q", prof.Kind)
	}

	if prof.PinnedPort != 0 {
		p.mu.Lock()
		if holder, taken := p.pinnedPorts[prof.PinnedPort]; taken && holder != prof.ID {
			p.mu.Unlock()
			return nil, orcerr.New(orcerr.KindPortInUse,
				"port %d is pinned by profile %q", prof.PinnedPort, holder)
		}
		p.pinnedPorts[prof.PinnedPort] = prof.ID
		p.mu.Unlock()
	}

	promptText, _, err := p.prompts.Load(prof.SystemPromptRef)
	if err != nil {
		p.releasePort(prof)
		return nil, err
	}

	inst, err := backend.Spawn(ctx, SpawnSpec{
		Profile:       prof,
		ResolvedModel: resolution.ResolvedModel,
		ModelReason:   resolution.Reason,
		SystemPrompt:  promptText,
		Bridge:        p.bridge,
	})
	if err != nil {
		p.releasePort(prof)
		p.publishWorker(events.TypeWorkerError, events.WorkerPayload{
			ProfileID:   prof.ID,
			Status:      string(StatusError),
			Model:       resolution.ResolvedModel,
			ModelReason: resolution.Reason,
			Error:       err.Error(),
		})
		return nil, err
	}

	p.mu.Lock()
	p.workers[prof.ID] = inst
	p.mu.Unlock()

	snap := inst.Snapshot()
	p.publishWorker(events.TypeWorkerSpawned, events.WorkerPayload{
		ProfileID:   prof.ID,
		Status:      string(StatusStarting),
		Model:       snap.ResolvedModel,
		ModelReason: snap.ModelReason,
		PID:         snap.PID,
		Port:        snap.Port,
		SessionID:   snap.SessionID,
	})

	// Spawn ends with a live session, so the instance is ready for prompts.
	if err := p.UpdateStatus(prof.ID, StatusReady, nil); err != nil {
		return nil, err
	}
	return inst, nil
}

func (p *Pool) releasePort(prof profile.WorkerProfile) {
	if prof.PinnedPort == 0 {
		return
	}
	p.mu.Lock()
	if p.pinnedPorts[prof.PinnedPort] == prof.ID {
		delete(p.pinnedPorts, prof.PinnedPort)
	}
	p.mu.Unlock()
}

// UpdateStatus applies a lifecycle transition and emits exactly one event.
// Illegal transitions are rejected rather than silently reordered.
func (p *Pool) UpdateStatus(profileID string, next Status, cause error) error {
	inst, ok := p.Get(profileID)
	if !ok {
		return orcerr.New(orcerr.KindWorkerUnreachable, "no live worker for profile %q", profileID)
	}

	inst.mu.Lock()
	prev := inst.status
	if prev == next {
		inst.mu.Unlock()
		return nil
	}
	if !CanTransition(prev, next) {
		inst.mu.Unlock()
		return fmt.Errorf("illegal worker transition %s -> %s for %q", prev, next, profileID)
	}
	inst.status = next
	if cause != nil {
		inst.err = cause
	}
	if next != StatusBusy {
		inst.currentTask = ""
	}
	inst.touch()
	snap := snapshotLocked(inst)
	inst.mu.Unlock()

	payload := events.WorkerPayload{
		ProfileID:   profileID,
		Status:      string(next),
		Model:       snap.ResolvedModel,
		ModelReason: snap.ModelReason,
		PID:         snap.PID,
		Port:        snap.Port,
		SessionID:   snap.SessionID,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	p.publishWorker(statusEvent(next), payload)
	return nil
}

// MarkBusy records task ownership and transitions the worker to busy.
func (p *Pool) MarkBusy(profileID, taskID string) error {
	inst, ok := p.Get(profileID)
	if !ok {
		return orcerr.New(orcerr.KindWorkerUnreachable, "no live worker for profile %q", profileID)
	}
	inst.mu.Lock()
	inst.currentTask = taskID
	inst.mu.Unlock()
	return p.UpdateStatus(profileID, StatusBusy, nil)
}

// RecordOutput appends a streamed fragment to the worker's diagnostics tail.
// Chunks for unknown workers are dropped silently; the stream already
// reached its task by the time this is called.
func (p *Pool) RecordOutput(profileID, fragment string) {
	if fragment == "" {
		return
	}
	if inst, ok := p.Get(profileID); ok {
		inst.appendOutput(fragment)
	}
}

// MarkReady records the task result and returns the worker to ready.
func (p *Pool) MarkReady(profileID string, result *LastResult) error {
	inst, ok := p.Get(profileID)
	if !ok {
		return orcerr.New(orcerr.KindWorkerUnreachable, "no live worker for profile %q", profileID)
	}
	inst.mu.Lock()
	if result != nil {
		inst.lastResult = result
	}
	inst.mu.Unlock()
	return p.UpdateStatus(profileID, StatusReady, nil)
}

// Stop tears down one worker and removes it from the pool. Stopping an
// errored worker is how an error state is explicitly cleared.
func (p *Pool) Stop(ctx context.Context, profileID string) error {
	p.mu.Lock()
	inst, ok := p.workers[profileID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.workers, profileID)
	p.mu.Unlock()

	inst.mu.Lock()
	prev := inst.status
	inst.status = StatusStopped
	stop := inst.stop
	snap := snapshotLocked(inst)
	inst.mu.Unlock()

	p.releasePort(inst.Profile())

	if stop != nil && prev != StatusStopped {
		if err := stop(); err != nil {
			p.logger.Warn("worker stop failed",
				zap.String("profile_id", profileID), zap.Error(err))
		}
	}

	p.publishWorker(events.TypeWorkerStopped, events.WorkerPayload{
		ProfileID: profileID,
		Status:    string(StatusStopped),
		Model:     snap.ResolvedModel,
		PID:       snap.PID,
		Port:      snap.Port,
	})
	return nil
}

// StopAll stops every worker concurrently and returns the first error.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error { return p.Stop(ctx, id) })
	}
	return g.Wait()
}

func (p *Pool) publishWorker(t events.Type, payload events.WorkerPayload) {
	p.broker.Publish(events.New(t, payload))
}

func statusEvent(s Status) events.Type {
	switch s {
	case StatusStarting:
		return events.TypeWorkerSpawned
	case StatusReady:
		return events.TypeWorkerReady
	case StatusBusy:
		return events.TypeWorkerBusy
	case StatusError:
		return events.TypeWorkerError
	default:
		return events.TypeWorkerStopped
	}
}

// snapshotLocked builds a snapshot while the caller already holds inst.mu.
func snapshotLocked(i *Instance) Snapshot {
	s := Snapshot{
		ProfileID:     i.profile.ID,
		Status:        i.status,
		PID:           i.pid,
		Port:          i.port,
		ServerURL:     i.serverURL,
		SessionID:     i.sessionID,
		ResolvedModel: i.resolvedModel,
		ModelReason:   i.modelReason,
		RecentOutput:  strings.Join(i.recentOutput, ""),
	}
	if i.err != nil {
		s.Error = i.err.Error()
	}
	return s
}
