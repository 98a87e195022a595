package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
	"github.com/orchd/orchd/internal/tracing"
)

// AgentBackend runs workers as child sessions of a shared host runtime.
// No process is forked; the per-prompt model override pins the subagent to
// its resolved model.
type AgentBackend struct {
	client        *runtime.Client
	hostSessionID string
	logger        *logger.Logger
}

// NewAgentBackend creates the subagent backend on top of an existing host
// runtime session.
func NewAgentBackend(client *runtime.Client, hostSessionID string, log *logger.Logger) *AgentBackend {
	return &AgentBackend{
		client:        client,
		hostSessionID: hostSessionID,
		logger:        log.WithComponent("agent-backend"),
	}
}

// Kind reports the profile kind this backend serves.
func (b *AgentBackend) Kind() profile.Kind { return profile.KindSubagent }

// Spawn creates a child session named after the profile.
func (b *AgentBackend) Spawn(ctx context.Context, spec SpawnSpec) (*Instance, error) {
	ctx, span := tracing.TraceWorkerSpawn(ctx, spec.Profile.ID, spec.ResolvedModel, "agent")
	var spawnErr error
	defer func() { tracing.RecordResult(span, spawnErr) }()

	sessionID, err := b.client.CreateAgentSession(ctx, b.hostSessionID, spec.Profile.ID)
	if err != nil {
		spawnErr = orcerr.Wrap(orcerr.KindWorkerUnreachable, err,
			"host runtime refused an agent session for profile %q", spec.Profile.ID)
		return nil, spawnErr
	}

	b.logger.Info("agent session created",
		zap.String("profile_id", spec.Profile.ID),
		zap.String("session_id", sessionID),
		zap.String("parent_session_id", b.hostSessionID))

	now := time.Now()
	inst := &Instance{
		profile:       spec.Profile,
		status:        StatusStarting,
		serverURL:     b.client.BaseURL(),
		sessionID:     sessionID,
		parentSession: b.hostSessionID,
		resolvedModel: spec.ResolvedModel,
		modelReason:   spec.ModelReason,
		startedAt:     now,
		lastActivity:  now,
		client:        b.client,
	}
	inst.stop = func() error {
		// Best effort; the host runtime reaps idle child sessions itself.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return b.client.Abort(ctx, sessionID)
	}
	return inst, nil
}
