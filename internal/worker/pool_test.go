package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchd/orchd/internal/catalog"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
	"github.com/orchd/orchd/internal/lock"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeBackend hands out instances without forking anything.
type fakeBackend struct {
	kind   profile.Kind
	spawns atomic.Int32
	delay  time.Duration
	fail   error
	client *runtime.Client

	mu      sync.Mutex
	stopped []string
}

func (b *fakeBackend) Kind() profile.Kind { return b.kind }

func (b *fakeBackend) Spawn(_ context.Context, spec SpawnSpec) (*Instance, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail != nil {
		return nil, b.fail
	}
	n := b.spawns.Add(1)
	now := time.Now()
	inst := &Instance{
		profile:       spec.Profile,
		status:        StatusStarting,
		pid:           1000 + int(n),
		port:          39000 + int(n),
		sessionID:     "sess-" + spec.Profile.ID,
		resolvedModel: spec.ResolvedModel,
		modelReason:   spec.ModelReason,
		startedAt:     now,
		lastActivity:  now,
		client:        b.client,
	}
	inst.stop = func() error {
		b.mu.Lock()
		b.stopped = append(b.stopped, spec.Profile.ID)
		b.mu.Unlock()
		return nil
	}
	return inst, nil
}

func providersServer(t *testing.T) *httptest.Server {
	t.Helper()
	providers := runtime.ProvidersResponse{
		Model:      "anthropic/claude-large",
		SmallModel: "anthropic/claude-mini",
		Providers: []runtime.Provider{
			{
				ID: "anthropic", Name: "Anthropic", Source: "env",
				Models: map[string]runtime.Model{
					"claude-large": {
						Capabilities: runtime.ModelCapabilities{ImageInput: true, ToolCall: true},
						Cost:         runtime.ModelCost{Input: 3, Output: 15},
						ContextLimit: 200_000,
					},
					"claude-mini": {
						Capabilities: runtime.ModelCapabilities{ToolCall: true},
						Cost:         runtime.ModelCost{Input: 0.25, Output: 1.25},
						ContextLimit: 200_000,
					},
				},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/config/providers" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(providers)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type poolFixture struct {
	pool    *Pool
	backend *fakeBackend
	broker  *events.Broker
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	log := testLogger(t)

	srv := providersServer(t)
	cat := catalog.New(runtime.NewClient(srv.URL, log), log)

	resolver, err := profile.NewResolver("", "", log)
	require.NoError(t, err)

	prompts := profile.NewPromptStore(t.TempDir())
	for _, ref := range []string{"prompts/coder.md", "prompts/vision.md", "prompts/docs.md"} {
		prompts.SetDefault(ref, "prompt for "+ref)
	}

	locks, err := lock.NewManager(t.TempDir(), 2*time.Second, time.Second, log)
	require.NoError(t, err)

	broker := events.NewBroker(log)
	t.Cleanup(broker.Close)

	backend := &fakeBackend{kind: profile.KindServer}
	subagent := &fakeBackend{kind: profile.KindSubagent}

	pool := NewPool(PoolDeps{
		Config:   config.PoolConfig{MaxWorkers: 4},
		Resolver: resolver,
		Prompts:  prompts,
		Catalog:  cat,
		Locks:    locks,
		Broker:   broker,
		Bridge:   BridgeInfo{URL: "http://127.0.0.1:1", Token: "test-token", TimeoutMs: 1000},
		Backends: []Backend{backend, subagent},
		Logger:   log,
	})
	return &poolFixture{pool: pool, backend: backend, broker: broker}
}

func TestEnsureSpawnsAndBecomesReady(t *testing.T) {
	f := newPoolFixture(t)

	sub := f.broker.Subscribe([]string{"worker"})
	defer sub.Close()

	inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, inst.Status())
	assert.Equal(t, "anthropic/claude-large", inst.ResolvedModel())

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, events.TypeWorkerSpawned, first.Type)
	assert.Equal(t, events.TypeWorkerReady, second.Type)
}

func TestEnsureIsIdempotent(t *testing.T) {
	f := newPoolFixture(t)

	a, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)
	b, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, int32(1), f.backend.spawns.Load())
}

func TestConcurrentEnsureSpawnsOnce(t *testing.T) {
	f := newPoolFixture(t)
	f.backend.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	instances := make([]*Instance, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
			require.NoError(t, err)
			instances[i] = inst
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.backend.spawns.Load())
	for _, inst := range instances[1:] {
		assert.Same(t, instances[0], inst)
	}
}

func TestEnsureIncompatibleModel(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	_, err = f.pool.Ensure(context.Background(), "coder", EnsureOptions{ModelOverride: "anthropic/claude-mini"})
	require.Error(t, err)
	assert.Equal(t, orcerr.KindIncompatibleWorker, orcerr.KindOf(err))
}

func TestEnsureForceNewRespawns(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{
		ModelOverride: "anthropic/claude-mini",
		ForceNew:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-mini", inst.ResolvedModel())
	assert.Equal(t, int32(2), f.backend.spawns.Load())
	assert.Equal(t, []string{"coder"}, f.backend.stopped)
}

func TestEnsureVisionRequiresCapableProfile(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{NeedsVision: true})
	require.Error(t, err)
	assert.Equal(t, orcerr.KindIncompatibleWorker, orcerr.KindOf(err))

	inst, err := f.pool.Ensure(context.Background(), "vision", EnsureOptions{NeedsVision: true})
	require.NoError(t, err)
	assert.True(t, inst.Profile().Capabilities.SupportsVision)
}

func TestEnsureUnknownProfile(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "nope", EnsureOptions{})
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}

func TestModelOverridePersistsAcrossEnsures(t *testing.T) {
	f := newPoolFixture(t)

	f.pool.SetModelOverride("coder", "anthropic/claude-mini")
	inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-mini", inst.ResolvedModel())

	f.pool.ResetModelOverride("coder")
	_, err = f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.Error(t, err) // pinned mini, default large, no forceNew
	assert.Equal(t, orcerr.KindIncompatibleWorker, orcerr.KindOf(err))
}

func TestMarkBusyAndReady(t *testing.T) {
	f := newPoolFixture(t)

	inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	require.NoError(t, f.pool.MarkBusy("coder", "T1"))
	assert.Equal(t, StatusBusy, inst.Status())
	assert.Equal(t, "T1", inst.Snapshot().CurrentTask)

	require.NoError(t, f.pool.MarkReady("coder", &LastResult{Response: "done", DurationMs: 12}))
	assert.Equal(t, StatusReady, inst.Status())
	snap := inst.Snapshot()
	assert.Empty(t, snap.CurrentTask)
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, "done", snap.LastResult.Response)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	require.NoError(t, f.pool.UpdateStatus("coder", StatusError, orcerr.New(orcerr.KindWorkerUnreachable, "gone")))
	// error is terminal until explicit removal
	err = f.pool.UpdateStatus("coder", StatusReady, nil)
	require.Error(t, err)
}

func TestStopRemovesWorkerAndEmits(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	sub := f.broker.Subscribe([]string{"worker"})
	defer sub.Close()

	require.NoError(t, f.pool.Stop(context.Background(), "coder"))
	_, ok := f.pool.Get("coder")
	assert.False(t, ok)

	ev := <-sub.Events()
	assert.Equal(t, events.TypeWorkerStopped, ev.Type)

	// Stopping an absent worker is a no-op.
	require.NoError(t, f.pool.Stop(context.Background(), "coder"))
}

func TestStopAll(t *testing.T) {
	f := newPoolFixture(t)

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)
	_, err = f.pool.Ensure(context.Background(), "vision", EnsureOptions{})
	require.NoError(t, err)

	require.NoError(t, f.pool.StopAll(context.Background()))
	assert.Empty(t, f.pool.List())
}

func TestPoolFull(t *testing.T) {
	f := newPoolFixture(t)
	f.pool.cfg.MaxWorkers = 1

	_, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	_, err = f.pool.Ensure(context.Background(), "vision", EnsureOptions{})
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}

func TestCanTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusStarting, StatusReady))
	assert.True(t, CanTransition(StatusReady, StatusBusy))
	assert.True(t, CanTransition(StatusBusy, StatusReady))
	assert.True(t, CanTransition(StatusBusy, StatusError))
	assert.False(t, CanTransition(StatusReady, StatusStarting))
	assert.False(t, CanTransition(StatusError, StatusReady))
	assert.False(t, CanTransition(StatusStopped, StatusReady))
}

func TestHealthCheckerMarksErrorAfterThreeFailures(t *testing.T) {
	f := newPoolFixture(t)
	log := testLogger(t)

	// A runtime that always fails health checks.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	f.backend.client = runtime.NewClient(srv.URL, log)

	inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	checker := NewHealthChecker(f.pool, time.Hour, log)
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	assert.Equal(t, StatusReady, inst.Status())

	checker.CheckAll(context.Background())
	assert.Equal(t, StatusError, inst.Status())
}

func TestHealthCheckerRecoversOnSuccess(t *testing.T) {
	f := newPoolFixture(t)
	log := testLogger(t)

	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	f.backend.client = runtime.NewClient(srv.URL, log)

	inst, err := f.pool.Ensure(context.Background(), "coder", EnsureOptions{})
	require.NoError(t, err)

	checker := NewHealthChecker(f.pool, time.Hour, log)
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())
	healthy.Store(true)
	checker.CheckAll(context.Background())
	healthy.Store(false)
	checker.CheckAll(context.Background())
	checker.CheckAll(context.Background())

	// The counter reset on the success, so five checks never hit three in a row.
	assert.Equal(t, StatusReady, inst.Status())
}
