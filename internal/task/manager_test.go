package task

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchd/orchd/internal/bridge"
	"github.com/orchd/orchd/internal/catalog"
	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
	"github.com/orchd/orchd/internal/lock"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
	"github.com/orchd/orchd/internal/state"
	"github.com/orchd/orchd/internal/worker"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeRuntime stands in for the agent runtime's HTTP API.
type fakeRuntime struct {
	mu       sync.Mutex
	prompts  []runtime.PromptRequest
	aborts   []string
	sessions int

	// onPrompt overrides the default echo behavior per test.
	onPrompt func(r *http.Request, req runtime.PromptRequest) (string, error)
}

func (f *fakeRuntime) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/config/providers":
			_ = json.NewEncoder(w).Encode(runtime.ProvidersResponse{
				Model:      "anthropic/claude-large",
				SmallModel: "anthropic/claude-mini",
				Providers: []runtime.Provider{{
					ID: "anthropic", Source: "env",
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
				}},
			})
		case r.URL.Path == "/session":
			f.mu.Lock()
			f.sessions++
			id := fmt.Sprintf("sess-%d", f.sessions)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
		case strings.HasSuffix(r.URL.Path, "/abort"):
			f.mu.Lock()
			f.aborts = append(f.aborts, r.URL.Path)
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/message"):
			var preq runtime.PromptRequest
			_ = json.NewDecoder(r.Body).Decode(&preq)
			f.mu.Lock()
			f.prompts = append(f.prompts, preq)
			handler := f.onPrompt
			f.mu.Unlock()

			text := "fallback-response"
			var err error
			if handler != nil {
				text, err = handler(r, preq)
			}
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(runtime.PromptResult{Text: text})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeRuntime) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeRuntime) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aborts)
}

// stubBackend satisfies worker.Backend without forking processes; every
// instance talks to the shared fake runtime.
type stubBackend struct {
	kind   profile.Kind
	client *runtime.Client

	mu     sync.Mutex
	spawns int
}

func (b *stubBackend) Kind() profile.Kind { return b.kind }

func (b *stubBackend) Spawn(ctx context.Context, spec worker.SpawnSpec) (*worker.Instance, error) {
	sessionID, err := b.client.CreateSession(ctx, runtime.CreateSessionRequest{Title: spec.Profile.ID})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.spawns++
	b.mu.Unlock()
	return worker.NewInstance(worker.InstanceParams{
		Profile:       spec.Profile,
		SessionID:     sessionID,
		ResolvedModel: spec.ResolvedModel,
		ModelReason:   spec.ModelReason,
		Client:        b.client,
	}), nil
}

func (b *stubBackend) spawnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spawns
}

type fixture struct {
	mgr      *Manager
	pool     *worker.Pool
	broker   *events.Broker
	rt       *fakeRuntime
	backend  *stubBackend
	subagent *stubBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testLogger(t)

	rt := &fakeRuntime{}
	srv := httptest.NewServer(rt.handler())
	t.Cleanup(srv.Close)
	client := runtime.NewClient(srv.URL, log)

	resolver, err := profile.NewResolver("", "", log)
	require.NoError(t, err)

	prompts := profile.NewPromptStore(t.TempDir())
	for _, ref := range []string{"prompts/coder.md", "prompts/vision.md", "prompts/docs.md"} {
		prompts.SetDefault(ref, "prompt")
	}

	locks, err := lock.NewManager(t.TempDir(), 2*time.Second, time.Second, log)
	require.NoError(t, err)

	broker := events.NewBroker(log)
	t.Cleanup(broker.Close)

	backend := &stubBackend{kind: profile.KindServer, client: client}
	subagent := &stubBackend{kind: profile.KindSubagent, client: client}

	pool := worker.NewPool(worker.PoolDeps{
		Config:   config.PoolConfig{MaxWorkers: 8},
		Resolver: resolver,
		Prompts:  prompts,
		Catalog:  catalog.New(client, log),
		Locks:    locks,
		Broker:   broker,
		Bridge:   worker.BridgeInfo{URL: "http://127.0.0.1:1", Token: "tok", TimeoutMs: 1000},
		Backends: []worker.Backend{backend, subagent},
		Logger:   log,
	})

	memory, err := state.OpenMemoryStore(filepath.Join(t.TempDir(), "memory.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = memory.Close() })

	mgr := NewManager(Deps{
		Pool:     pool,
		Resolver: resolver,
		Broker:   broker,
		Memory:   memory,
		Logger:   log,
	})
	return &fixture{mgr: mgr, pool: pool, broker: broker, rt: rt, backend: backend, subagent: subagent}
}

func startAndAwait(t *testing.T, f *fixture, req StartRequest) AwaitResult {
	t.Helper()
	resp, err := f.mgr.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "task_await", resp.Next)

	results, err := f.mgr.Await(context.Background(), AwaitRequest{
		TaskIDs: []string{resp.TaskID}, TimeoutMs: 5000,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

func TestWorkerTaskHappyPathWithChunks(t *testing.T) {
	f := newFixture(t)

	f.rt.onPrompt = func(_ *http.Request, req runtime.PromptRequest) (string, error) {
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", JobID: req.JobID, Chunk: "print("}))
		require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", JobID: req.JobID, Chunk: "'hello')\n"}))
		return "terminal-body-unused", nil
	}

	r := startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "Write hello-world in Python"})
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "print('hello')\n", r.Response)
	assert.Greater(t, r.DurationMs, int64(0))

	// The streamed tail is kept on the worker for diagnostics.
	inst, ok := f.pool.Get("coder")
	require.True(t, ok)
	assert.Contains(t, inst.Snapshot().RecentOutput, "print(")
}

func TestWorkerTaskFallsBackToTerminalResponse(t *testing.T) {
	f := newFixture(t)

	r := startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "say hi"})
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "fallback-response", r.Response)
}

func TestStartUnknownWorkerFailsFast(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "nope", Task: "x"})
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, Task: "x"})
	require.Error(t, err)

	_, err = f.mgr.Start(context.Background(), StartRequest{Kind: KindOp})
	require.Error(t, err)

	_, err = f.mgr.Start(context.Background(), StartRequest{Kind: KindOp, Op: "worker.explode"})
	require.Error(t, err)

	_, err = f.mgr.Start(context.Background(), StartRequest{Kind: "banana"})
	require.Error(t, err)
}

func TestVisionAttachmentAgainstTextProfile(t *testing.T) {
	f := newFixture(t)
	attachment := Attachment{Type: "image", Data: "data:image/png;base64,AAAA"}

	r := startAndAwait(t, f, StartRequest{
		Kind: KindWorker, WorkerID: "coder", Task: "what is this",
		Attachments: []Attachment{attachment},
	})
	assert.Equal(t, StatusFailed, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, orcerr.KindIncompatibleWorker, r.Error.Kind)

	// Retrying against the vision profile succeeds.
	r = startAndAwait(t, f, StartRequest{
		Kind: KindWorker, WorkerID: "vision", Task: "what is this",
		Attachments: []Attachment{attachment},
	})
	assert.Equal(t, StatusCompleted, r.Status)
}

func TestConcurrentStartsOnColdProfileSpawnOnce(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 10; i++ {
		resp, err := f.mgr.Start(context.Background(), StartRequest{
			Kind: KindWorker, WorkerID: "docs", Task: fmt.Sprintf("q%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, resp.TaskID)
	}

	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: ids, TimeoutMs: 10_000})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, StatusCompleted, r.Status)
	}
	assert.Equal(t, 10, f.rt.promptCount())
	assert.Equal(t, 1, f.subagent.spawnCount())
}

func TestCancelAbortsInFlightPrompt(t *testing.T) {
	f := newFixture(t)

	started := make(chan string, 1)
	f.rt.onPrompt = func(r *http.Request, req runtime.PromptRequest) (string, error) {
		started <- req.JobID
		<-r.Context().Done()
		return "", r.Context().Err()
	}

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "loop forever"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("prompt never dispatched")
	}

	view, err := f.mgr.Cancel(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, orcerr.KindTaskCanceled, view.Error.Kind)
	assert.Equal(t, 1, f.rt.abortCount())

	// Late chunks after cancel are discarded.
	require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", JobID: resp.TaskID, Chunk: "late"}))
	peek, err := f.mgr.Peek(resp.TaskID)
	require.NoError(t, err)
	assert.Empty(t, peek.Chunks)

	// The worker returns to ready once the abort is acknowledged.
	require.Eventually(t, func() bool {
		inst, ok := f.pool.Get("coder")
		return ok && inst.Status() == worker.StatusReady
	}, 2*time.Second, 10*time.Millisecond)

	// Canceling again is a no-op.
	view2, err := f.mgr.Cancel(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, view2.Status)
}

func TestCancelQueuedTaskLeavesRunningPromptAlone(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	f.rt.onPrompt = func(r *http.Request, _ runtime.PromptRequest) (string, error) {
		started <- struct{}{}
		select {
		case <-release:
			return "first done", nil
		case <-r.Context().Done():
			return "", r.Context().Err()
		}
	}

	first, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "long job"})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first prompt never dispatched")
	}

	queued, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "behind it"})
	require.NoError(t, err)

	view, err := f.mgr.Cancel(context.Background(), queued.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, view.Status)

	// The first task keeps the worker: no abort reaches the runtime and the
	// worker stays busy with its prompt in flight.
	assert.Equal(t, 0, f.rt.abortCount())
	inst, ok := f.pool.Get("coder")
	require.True(t, ok)
	assert.Equal(t, worker.StatusBusy, inst.Status())

	close(release)
	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{first.TaskID}, TimeoutMs: 5000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Equal(t, "first done", results[0].Response)
}

func TestPeekShowsChunksWithoutBlocking(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.rt.onPrompt = func(r *http.Request, req runtime.PromptRequest) (string, error) {
		require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", JobID: req.JobID, Chunk: "partial"}))
		select {
		case <-release:
			return "done", nil
		case <-r.Context().Done():
			return "", r.Context().Err()
		}
	}

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "stream"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := f.mgr.Peek(resp.TaskID)
		return err == nil && len(v.Chunks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	v, err := f.mgr.Peek(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, v.Status)
	assert.Equal(t, []string{"partial"}, v.Chunks)

	close(release)
	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{resp.TaskID}, TimeoutMs: 5000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results[0].Status)
}

func TestAwaitTimeoutReportsLiveStatus(t *testing.T) {
	f := newFixture(t)

	f.rt.onPrompt = func(r *http.Request, _ runtime.PromptRequest) (string, error) {
		<-r.Context().Done()
		return "", r.Context().Err()
	}

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "slow"})
	require.NoError(t, err)

	start := time.Now()
	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{resp.TaskID}, TimeoutMs: 50})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, results[0].Status.Terminal())

	_, _ = f.mgr.Cancel(context.Background(), resp.TaskID)
}

func TestAwaitZeroTimeoutSnapshotsImmediately(t *testing.T) {
	f := newFixture(t)

	f.rt.onPrompt = func(r *http.Request, _ runtime.PromptRequest) (string, error) {
		<-r.Context().Done()
		return "", r.Context().Err()
	}

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.rt.promptCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// An omitted timeout is the same zero value: current status, no waiting.
	start := time.Now()
	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{resp.TaskID}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	require.Len(t, results, 1)
	assert.Equal(t, StatusRunning, results[0].Status)

	_, _ = f.mgr.Cancel(context.Background(), resp.TaskID)
}

func TestAwaitNegativeTimeoutWaitsUntilDone(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.rt.onPrompt = func(r *http.Request, _ runtime.PromptRequest) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-r.Context().Done():
			return "", r.Context().Err()
		}
	}

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "slow"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{resp.TaskID}, TimeoutMs: -1})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Equal(t, "done", results[0].Response)
}

func TestAwaitAcceptsSingularTaskID(t *testing.T) {
	f := newFixture(t)

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "x"})
	require.NoError(t, err)

	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskID: resp.TaskID, TimeoutMs: 5000})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, resp.TaskID, results[0].TaskID)
	assert.Equal(t, StatusCompleted, results[0].Status)

	// The singular and plural forms overlapping still awaits each task once.
	results, err = f.mgr.Await(context.Background(), AwaitRequest{
		TaskID: resp.TaskID, TaskIDs: []string{resp.TaskID}, TimeoutMs: 5000,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestAwaitUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{"ghost"}})
	require.Error(t, err)
}

func TestFinalChunkCompletesTask(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.rt.onPrompt = func(r *http.Request, req runtime.PromptRequest) (string, error) {
		require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", JobID: req.JobID, Chunk: "all of it"}))
		require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", JobID: req.JobID, Final: true}))
		<-release
		return "after-final", nil
	}
	defer close(release)

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "stream it"})
	require.NoError(t, err)

	// The task completes on the final chunk even though the session prompt
	// is still in flight.
	results, err := f.mgr.Await(context.Background(), AwaitRequest{TaskIDs: []string{resp.TaskID}, TimeoutMs: 5000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, results[0].Status)
	assert.Equal(t, "all of it", results[0].Response)
}

func TestChunkOrderingPreserved(t *testing.T) {
	f := newFixture(t)

	const n = 100
	f.rt.onPrompt = func(_ *http.Request, req runtime.PromptRequest) (string, error) {
		for i := 0; i < n; i++ {
			require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{
				WorkerID: "coder", JobID: req.JobID, Chunk: fmt.Sprintf("c%03d;", i),
			}))
		}
		return "", nil
	}

	r := startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "many chunks"})
	require.Equal(t, StatusCompleted, r.Status)

	var want strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&want, "c%03d;", i)
	}
	assert.Equal(t, want.String(), r.Response)
}

func TestChunkRoutedByWorkerOwnership(t *testing.T) {
	f := newFixture(t)

	f.rt.onPrompt = func(_ *http.Request, _ runtime.PromptRequest) (string, error) {
		// No job id on the chunk; the single active task owns the worker.
		require.NoError(t, f.mgr.HandleChunk(bridge.Chunk{WorkerID: "coder", Chunk: "owned"}))
		return "", nil
	}

	r := startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "x"})
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "owned", r.Response)
}

func TestChunkForUnknownWorkerRejected(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.HandleChunk(bridge.Chunk{WorkerID: "ghost", Chunk: "x"})
	require.Error(t, err)
}

func TestTaskEventsEmitted(t *testing.T) {
	f := newFixture(t)
	sub := f.broker.Subscribe([]string{"task"}, events.WithBuffer(64))
	defer sub.Close()

	r := startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "x"})
	require.Equal(t, StatusCompleted, r.Status)

	var types []events.Type
	deadline := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("saw only %v", types)
		}
	}
	assert.Equal(t, events.TypeTaskStarted, types[0])
	assert.Equal(t, events.TypeTaskCompleted, types[len(types)-1])
}

func TestOpWorkerStop(t *testing.T) {
	f := newFixture(t)

	_ = startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "warm up"})
	_, ok := f.pool.Get("coder")
	require.True(t, ok)

	r := startAndAwait(t, f, StartRequest{Kind: KindOp, Op: "worker.stop", OpArgs: map[string]string{"workerId": "coder"}})
	assert.Equal(t, StatusCompleted, r.Status)
	_, ok = f.pool.Get("coder")
	assert.False(t, ok)
}

func TestOpModelSetRespawnsLiveWorker(t *testing.T) {
	f := newFixture(t)

	_ = startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "warm up"})
	require.Equal(t, 1, f.backend.spawnCount())

	r := startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "worker.model.set",
		OpArgs: map[string]string{"workerId": "coder", "model": "anthropic/claude-mini"},
	})
	require.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, 2, f.backend.spawnCount())

	inst, ok := f.pool.Get("coder")
	require.True(t, ok)
	assert.Equal(t, "anthropic/claude-mini", inst.ResolvedModel())

	// Reset respawns back onto the profile default.
	r = startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "worker.model.reset",
		OpArgs: map[string]string{"workerId": "coder"},
	})
	require.Equal(t, StatusCompleted, r.Status)
	inst, ok = f.pool.Get("coder")
	require.True(t, ok)
	assert.Equal(t, "anthropic/claude-large", inst.ResolvedModel())
}

func TestOpMemoryRoundTrip(t *testing.T) {
	f := newFixture(t)

	r := startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "memory.set",
		OpArgs: map[string]string{"workerId": "coder", "key": "style", "value": "tabs"},
	})
	require.Equal(t, StatusCompleted, r.Status)

	r = startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "memory.get",
		OpArgs: map[string]string{"workerId": "coder", "key": "style"},
	})
	require.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "tabs", r.Response)

	r = startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "memory.list",
		OpArgs: map[string]string{"workerId": "coder"},
	})
	require.Equal(t, StatusCompleted, r.Status)
	assert.Contains(t, r.Response, "style: tabs")

	r = startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "memory.delete",
		OpArgs: map[string]string{"workerId": "coder", "key": "style"},
	})
	require.Equal(t, StatusCompleted, r.Status)

	r = startAndAwait(t, f, StartRequest{
		Kind: KindOp, Op: "memory.get",
		OpArgs: map[string]string{"workerId": "coder", "key": "style"},
	})
	assert.Equal(t, StatusFailed, r.Status)
}

func TestWorkflowRunsStepsInOrder(t *testing.T) {
	f := newFixture(t)
	f.mgr.RegisterWorkflow("write-then-review", []WorkflowStep{
		{WorkerID: "coder", Instruction: "Write the code."},
		{WorkerID: "docs", Instruction: "Review the following."},
	})

	f.rt.onPrompt = func(_ *http.Request, req runtime.PromptRequest) (string, error) {
		text := req.Parts[0].Text
		switch {
		case strings.HasPrefix(text, "Write the code."):
			return "the code", nil
		case strings.HasPrefix(text, "Review the following."):
			if !strings.Contains(text, "the code") {
				return "", fmt.Errorf("previous output not carried forward")
			}
			return "looks good", nil
		default:
			return "", fmt.Errorf("unexpected prompt %q", text)
		}
	}

	r := startAndAwait(t, f, StartRequest{Kind: KindWorkflow, WorkflowID: "write-then-review", Task: "build a parser"})
	require.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, "looks good", r.Response)
	assert.Equal(t, 2, f.rt.promptCount())
}

func TestWorkflowUnknownID(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorkflow, WorkflowID: "nope"})
	require.Error(t, err)
}

func TestListViews(t *testing.T) {
	f := newFixture(t)
	_ = startAndAwait(t, f, StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "x", Tags: []string{"demo"}})

	md, err := f.mgr.List(ListRequest{View: "tasks", Format: "markdown"})
	require.NoError(t, err)
	assert.Contains(t, md, "| Task |")
	assert.Contains(t, md, "completed")

	workers, err := f.mgr.List(ListRequest{View: "workers", Format: "markdown"})
	require.NoError(t, err)
	assert.Contains(t, workers, "coder")
	assert.Contains(t, workers, "anthropic/claude-large")
	assert.Contains(t, workers, "default")

	var rows []WorkerRow
	workersJSON, err := f.mgr.List(ListRequest{View: "workers", Format: "json"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(workersJSON), &rows))
	found := false
	for _, row := range rows {
		if row.ProfileID == "coder" {
			found = true
			assert.Equal(t, "anthropic/claude-large", row.ResolvedModel)
			assert.Equal(t, "default", row.ModelReason)
		}
	}
	assert.True(t, found)

	tags, err := f.mgr.List(ListRequest{View: "tags", Format: "markdown"})
	require.NoError(t, err)
	assert.Contains(t, tags, "demo")

	_, err = f.mgr.List(ListRequest{View: "bogus"})
	require.Error(t, err)
	_, err = f.mgr.List(ListRequest{Format: "xml"})
	require.Error(t, err)
}

func TestCancelAllAtShutdown(t *testing.T) {
	f := newFixture(t)

	f.rt.onPrompt = func(r *http.Request, _ runtime.PromptRequest) (string, error) {
		<-r.Context().Done()
		return "", r.Context().Err()
	}

	resp, err := f.mgr.Start(context.Background(), StartRequest{Kind: KindWorker, WorkerID: "coder", Task: "forever"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.rt.promptCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.mgr.CancelAll(context.Background())
	v, err := f.mgr.Peek(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, v.Status)
}
