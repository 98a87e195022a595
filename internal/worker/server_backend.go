package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/common/portutil"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
	"github.com/orchd/orchd/internal/tracing"
)

const readinessPollInterval = 250 * time.Millisecond

// ServerBackend spawns a dedicated agent-runtime process per worker.
type ServerBackend struct {
	binary        string
	spawnTimeout  time.Duration
	shutdownGrace time.Duration
	logger        *logger.Logger
}

// NewServerBackend creates the process-per-worker backend.
func NewServerBackend(cfg config.RuntimeConfig, log *logger.Logger) *ServerBackend {
	return &ServerBackend{
		binary:        cfg.Binary,
		spawnTimeout:  cfg.SpawnTimeout(),
		shutdownGrace: cfg.ShutdownGrace(),
		logger:        log.WithComponent("server-backend"),
	}
}

// Kind reports the profile kind this backend serves.
func (b *ServerBackend) Kind() profile.Kind { return profile.KindServer }

// Spawn launches the runtime, waits for readiness, and creates a session.
// On any failure the process is killed and its port freed before returning.
func (b *ServerBackend) Spawn(ctx context.Context, spec SpawnSpec) (*Instance, error) {
	ctx, span := tracing.TraceWorkerSpawn(ctx, spec.Profile.ID, spec.ResolvedModel, "server")
	var spawnErr error
	defer func() { tracing.RecordResult(span, spawnErr) }()

	port := spec.Profile.PinnedPort
	if port != 0 {
		if !portutil.IsFree(port) {
			spawnErr = orcerr.New(orcerr.KindPortInUse,
				"pinned port %d for profile %q is already bound", port, spec.Profile.ID)
			return nil, spawnErr
		}
	} else {
		var err error
		port, err = portutil.AllocatePort()
		if err != nil {
			spawnErr = orcerr.Wrap(orcerr.KindPortInUse, err, "no free loopback port")
			return nil, spawnErr
		}
	}

	rendered, err := renderConfig(spec)
	if err != nil {
		spawnErr = orcerr.Wrap(orcerr.KindConfigInvalid, err,
			"could not render runtime config for profile %q", spec.Profile.ID)
		return nil, spawnErr
	}

	cmd := exec.Command(b.binary, "serve", "--hostname", "127.0.0.1", "--port", strconv.Itoa(port))
	cmd.Env = append(os.Environ(),
		"ORCH_BRIDGE_URL="+spec.Bridge.URL,
		"ORCH_BRIDGE_TOKEN="+spec.Bridge.Token,
		"ORCH_WORKER_ID="+spec.Profile.ID,
		"ORCH_BRIDGE_TIMEOUT_MS="+strconv.Itoa(spec.Bridge.TimeoutMs),
		"ORCH_RUNTIME_CONFIG="+rendered,
	)

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			spawnErr = orcerr.Wrap(orcerr.KindRuntimeMissing, err,
				"agent runtime binary %q not found", b.binary).
				WithHint("install the runtime or set runtime.binary")
			return nil, spawnErr
		}
		spawnErr = fmt.Errorf("failed to start runtime: %w", err)
		return nil, spawnErr
	}

	b.logger.Info("runtime process started",
		zap.String("profile_id", spec.Profile.ID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", port))

	// Reap the process so it never zombies; waitDone also tells Stop when
	// SIGTERM has been honored.
	waitDone := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waitDone)
	}()

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := runtime.NewClient(serverURL, b.logger)

	if err := b.awaitReady(ctx, client, spec.Profile.ID, port); err != nil {
		b.kill(cmd, waitDone)
		spawnErr = err
		return nil, spawnErr
	}

	sessionID, err := client.CreateSession(ctx, runtime.CreateSessionRequest{
		Title: "worker:" + spec.Profile.ID,
	})
	if err != nil {
		b.kill(cmd, waitDone)
		spawnErr = orcerr.Wrap(orcerr.KindWorkerUnreachable, err,
			"runtime for profile %q came up but refused a session", spec.Profile.ID)
		return nil, spawnErr
	}

	now := time.Now()
	inst := &Instance{
		profile:       spec.Profile,
		status:        StatusStarting,
		pid:           cmd.Process.Pid,
		port:          port,
		serverURL:     serverURL,
		sessionID:     sessionID,
		resolvedModel: spec.ResolvedModel,
		modelReason:   spec.ModelReason,
		startedAt:     now,
		lastActivity:  now,
		client:        client,
	}
	inst.stop = func() error {
		b.terminate(cmd, waitDone, spec.Profile.ID)
		return nil
	}
	return inst, nil
}

// awaitReady polls the runtime's health endpoint until it answers or the
// spawn timeout elapses.
func (b *ServerBackend) awaitReady(ctx context.Context, client *runtime.Client, profileID string, port int) error {
	ctx, span := tracing.TraceWorkerReadiness(ctx, profileID, port)
	defer span.End()

	deadline := time.Now().Add(b.spawnTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		if err := client.Health(ctx); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return orcerr.New(orcerr.KindSpawnTimeout,
				"runtime for profile %q did not become ready within %s", profileID, b.spawnTimeout)
		}
		select {
		case <-ctx.Done():
			return orcerr.Wrap(orcerr.KindSpawnTimeout, ctx.Err(),
				"spawn of profile %q interrupted", profileID)
		case <-ticker.C:
		}
	}
}

// terminate asks the process to exit, then forces it after the grace period.
func (b *ServerBackend) terminate(cmd *exec.Cmd, waitDone <-chan struct{}, profileID string) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitDone:
	case <-time.After(b.shutdownGrace):
		b.logger.Warn("runtime ignored SIGTERM, killing",
			zap.String("profile_id", profileID),
			zap.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-waitDone
	}
}

func (b *ServerBackend) kill(cmd *exec.Cmd, waitDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	<-waitDone
}
