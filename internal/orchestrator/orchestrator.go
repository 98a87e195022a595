// Package orchestrator wires the orchd subsystems together: event broker,
// bridge server, websocket gateway, worker pool, task manager, and the
// host-facing MCP surface.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/bridge"
	"github.com/orchd/orchd/internal/catalog"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
	"github.com/orchd/orchd/internal/gateway/websocket"
	"github.com/orchd/orchd/internal/lock"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/probe"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
	"github.com/orchd/orchd/internal/state"
	"github.com/orchd/orchd/internal/task"
	"github.com/orchd/orchd/internal/tracing"
	"github.com/orchd/orchd/internal/worker"
)

// chunkRouter lets the bridge be constructed before the task manager exists.
// The bridge only sees the sink interface; the manager is plugged in at Start.
type chunkRouter struct {
	mu   sync.RWMutex
	sink bridge.ChunkSink
}

func (r *chunkRouter) set(sink bridge.ChunkSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *chunkRouter) HandleChunk(chunk bridge.Chunk) error {
	r.mu.RLock()
	sink := r.sink
	r.mu.RUnlock()
	if sink == nil {
		return orcerr.New(orcerr.KindBridgeMalformed, "task manager is not ready")
	}
	return sink.HandleChunk(chunk)
}

// Orchestrator owns the lifecycle of every orchd subsystem.
type Orchestrator struct {
	cfg    *config.Config
	logger *logger.Logger

	broker   *events.Broker
	mirror   *events.NATSMirror
	bridge   *bridge.Server
	hub      *websocket.Hub
	router   *chunkRouter
	shared   *runtime.Client
	catalog  *catalog.Catalog
	resolver *profile.Resolver
	prompts  *profile.PromptStore
	locks    *lock.Manager
	reader   *state.Reader
	memory   *state.MemoryStore
	prober   *probe.Prober
	pool     *worker.Pool
	health   *worker.HealthChecker
	tasks    *task.Manager
	mcp      *MCPServer

	token  string
	cancel context.CancelFunc
}

// New constructs the orchestrator from configuration. Nothing listens or
// spawns until Start.
func New(cfg *config.Config, log *logger.Logger) (*Orchestrator, error) {
	broker := events.NewBroker(log)

	token := cfg.Bridge.Token
	if token == "" {
		generated, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate bridge token: %w", err)
		}
		token = generated
	}

	router := &chunkRouter{}
	bridgeSrv := bridge.NewServer(cfg.Bridge, token, broker, router, log)

	resolver, err := profile.NewResolver(globalOverridePath(), projectOverridePath(), log)
	if err != nil {
		return nil, err
	}

	prompts := profile.NewPromptStore(promptDir())
	registerDefaultPrompts(prompts)

	locks, err := lock.NewManager(cfg.Pool.LockDir, cfg.Pool.LockTimeout(), cfg.Pool.StaleLockGrace(), log)
	if err != nil {
		return nil, err
	}

	memory, err := state.OpenMemoryStore(filepath.Join(runtimeDir(), "memory.db"), log)
	if err != nil {
		return nil, err
	}

	shared := runtime.NewClient(cfg.Runtime.SharedURL, log)

	return &Orchestrator{
		cfg:      cfg,
		logger:   log.WithComponent("orchestrator"),
		broker:   broker,
		bridge:   bridgeSrv,
		hub:      websocket.NewHub(broker, log),
		router:   router,
		shared:   shared,
		catalog:  catalog.New(shared, log),
		resolver: resolver,
		prompts:  prompts,
		locks:    locks,
		reader:   state.NewReader(cfg.State.SnapshotPath, log),
		memory:   memory,
		prober:   probe.New(cfg.Runtime.Binary, log),
		token:    token,
	}, nil
}

// Start brings the subsystems up in dependency order: bridge first (workers
// need its URL at spawn), then the event fan-out, then the pool and task
// manager, and finally the host-facing MCP surface.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.bridge.Start(); err != nil {
		return orcerr.Wrap(orcerr.KindPortInUse, err, "bridge failed to start").
			WithHint("set bridge.port to 0 for an OS-assigned port")
	}

	// The websocket gateway rides on the bridge listener; UI clients hold no
	// bridge token, so the route sits outside the authenticated group.
	o.bridge.Router().GET("/v1/ws", o.hub.Handler())
	go o.hub.Run(ctx)

	if o.cfg.NATS.URL != "" {
		mirror, err := events.NewNATSMirror(o.cfg.NATS, o.broker, o.logger)
		if err != nil {
			o.logger.Warn("event mirror disabled", zap.Error(err))
		} else {
			o.mirror = mirror
		}
	}

	backends := []worker.Backend{worker.NewServerBackend(o.cfg.Runtime, o.logger)}
	if o.cfg.Runtime.SharedURL != "" {
		hostSession, err := o.shared.CreateSession(ctx, runtime.CreateSessionRequest{Title: "orchd"})
		if err != nil {
			o.logger.Warn("shared runtime unavailable, subagent workers disabled", zap.Error(err))
		} else {
			backends = append(backends, worker.NewAgentBackend(o.shared, hostSession, o.logger))
		}
	}

	o.pool = worker.NewPool(worker.PoolDeps{
		Config:   o.cfg.Pool,
		Resolver: o.resolver,
		Prompts:  o.prompts,
		Catalog:  o.catalog,
		ModelCfg: catalog.ResolveConfig{
			DefaultModel: o.cfg.Models.Default,
			SmallModel:   o.cfg.Models.Small,
		},
		Locks:  o.locks,
		Broker: o.broker,
		Bridge: worker.BridgeInfo{
			URL:       o.bridge.URL(),
			Token:     o.token,
			TimeoutMs: o.cfg.Bridge.RequestTimeoutMs,
		},
		Backends: backends,
		Logger:   o.logger,
	})

	if persisted, err := o.reader.Load(); err != nil {
		o.logger.Warn("could not read state snapshot", zap.Error(err))
	} else if len(persisted) > 0 {
		o.pool.Hydrate(persisted)
	}

	o.tasks = task.NewManager(task.Deps{
		Pool:     o.pool,
		Resolver: o.resolver,
		Broker:   o.broker,
		Memory:   o.memory,
		Logger:   o.logger,
	})
	o.router.set(o.tasks)

	o.health = worker.NewHealthChecker(o.pool, o.cfg.Runtime.HealthCheckInterval(), o.logger)
	go o.health.Run(ctx)

	if dups, err := o.prober.Duplicates(); err == nil && len(dups) > 0 {
		for id, procs := range dups {
			o.logger.Warn("duplicate runtime processes for worker",
				zap.String("profile_id", id), zap.Int("count", len(procs)))
		}
	}

	if o.cfg.MCP.Enabled {
		o.mcp = NewMCPServer(o.cfg.MCP, o, o.logger)
		if err := o.mcp.Start(ctx); err != nil {
			return err
		}
	}

	o.logger.Info("orchestrator started",
		zap.String("bridge_url", o.bridge.URL()),
		zap.Bool("mcp", o.cfg.MCP.Enabled))
	return nil
}

// Shutdown tears everything down in reverse order: tasks first so workers
// quiesce, then the workers themselves, then the network surfaces.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.tasks != nil {
		o.tasks.CancelAll(ctx)
	}
	if o.pool != nil {
		if err := o.pool.StopAll(ctx); err != nil {
			o.logger.Warn("worker shutdown incomplete", zap.Error(err))
		}
	}
	if o.mcp != nil {
		if err := o.mcp.Stop(ctx); err != nil {
			o.logger.Warn("mcp shutdown incomplete", zap.Error(err))
		}
	}
	if err := o.bridge.Shutdown(ctx); err != nil {
		o.logger.Warn("bridge shutdown incomplete", zap.Error(err))
	}
	if o.mirror != nil {
		o.mirror.Close()
	}
	if o.cancel != nil {
		o.cancel()
	}
	if err := o.memory.Close(); err != nil {
		o.logger.Warn("memory store close failed", zap.Error(err))
	}
	o.broker.Close()
	if err := tracing.Shutdown(ctx); err != nil {
		o.logger.Warn("trace flush failed", zap.Error(err))
	}
	_ = o.logger.Sync()
	o.logger.Info("orchestrator stopped")
}

// Tasks exposes the task manager for embedding callers.
func (o *Orchestrator) Tasks() *task.Manager { return o.tasks }

// Pool exposes the worker pool for embedding callers.
func (o *Orchestrator) Pool() *worker.Pool { return o.pool }

// BridgeURL returns the bound bridge base URL; valid after Start.
func (o *Orchestrator) BridgeURL() string { return o.bridge.URL() }

// generateToken produces the per-process bridge bearer token.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func runtimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/orchd"
	}
	return filepath.Join(home, ".orchd")
}

func globalOverridePath() string {
	return filepath.Join(runtimeDir(), "workers.yaml")
}

func projectOverridePath() string {
	return filepath.Join(".orchd", "workers.yaml")
}

func promptDir() string {
	return filepath.Join(runtimeDir(), "prompts")
}
