package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/bridge"
	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
	"github.com/orchd/orchd/internal/state"
	"github.com/orchd/orchd/internal/tracing"
	"github.com/orchd/orchd/internal/worker"
)

// StartRequest is the input of task_start.
type StartRequest struct {
	Kind        Kind              `json:"kind"`
	WorkerID    string            `json:"workerId,omitempty"`
	WorkflowID  string            `json:"workflowId,omitempty"`
	Op          string            `json:"op,omitempty"`
	OpArgs      map[string]string `json:"opArgs,omitempty"`
	Task        string            `json:"task,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Model       string            `json:"model,omitempty"`
	ModelPolicy ModelPolicy       `json:"modelPolicy,omitempty"`
	ForceNew    bool              `json:"forceNew,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}

// StartResponse tells the caller how to collect the result.
type StartResponse struct {
	TaskID string `json:"taskId"`
	Next   string `json:"next"`
}

// Deps bundles the manager's collaborators.
type Deps struct {
	Pool     *worker.Pool
	Resolver *profile.Resolver
	Broker   *events.Broker
	Memory   *state.MemoryStore
	Logger   *logger.Logger
}

// Manager owns all tasks and implements the five Task API operations.
type Manager struct {
	pool     *worker.Pool
	resolver *profile.Resolver
	broker   *events.Broker
	memory   *state.MemoryStore
	logger   *logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.RWMutex
	tasks       map[string]*Task
	workerOwner map[string]string     // profile id -> active task id
	dispatch    map[string]*sync.Mutex // per-worker FIFO
	workflows   map[string][]WorkflowStep
	ops         map[string]opFunc
}

// NewManager creates the task manager.
func NewManager(deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		pool:        deps.Pool,
		resolver:    deps.Resolver,
		broker:      deps.Broker,
		memory:      deps.Memory,
		logger:      deps.Logger.WithComponent("task-manager"),
		baseCtx:     ctx,
		cancel:      cancel,
		tasks:       make(map[string]*Task),
		workerOwner: make(map[string]string),
		dispatch:    make(map[string]*sync.Mutex),
		workflows:   make(map[string][]WorkflowStep),
	}
	m.ops = m.buildOpRegistry()
	return m
}

// Start validates the request, records a pending task, and dispatches it in
// the background. It never blocks on the worker.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if req.Kind == "" {
		req.Kind = KindWorker
	}
	if req.ModelPolicy == "" {
		req.ModelPolicy = PolicySticky
	}

	switch req.Kind {
	case KindWorker:
		if req.WorkerID == "" || req.Task == "" {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "worker tasks require workerId and task")
		}
		if _, err := m.resolver.Resolve(req.WorkerID); err != nil {
			return nil, err
		}
		if req.ModelPolicy != PolicySticky && req.ModelPolicy != PolicyDynamic {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "invalid modelPolicy %q", req.ModelPolicy)
		}
	case KindOp:
		if req.Op == "" {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "op tasks require op")
		}
		if _, ok := m.ops[req.Op]; !ok {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "unknown op %q", req.Op).
				WithHint("known ops: %s", strings.Join(m.opNames(), ", "))
		}
		if strings.HasPrefix(req.Op, "memory.") && m.memory == nil {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "memory store is not configured")
		}
	case KindWorkflow:
		if req.WorkflowID == "" {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "workflow tasks require workflowId")
		}
		m.mu.RLock()
		_, ok := m.workflows[req.WorkflowID]
		m.mu.RUnlock()
		if !ok {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "unknown workflow %q", req.WorkflowID)
		}
	default:
		return nil, orcerr.New(orcerr.KindConfigInvalid, "invalid task kind %q", req.Kind)
	}

	t := &Task{
		id:          uuid.New().String(),
		kind:        req.Kind,
		workerID:    req.WorkerID,
		workflowID:  req.WorkflowID,
		op:          req.Op,
		prompt:      req.Task,
		attachments: req.Attachments,
		model:       req.Model,
		policy:      req.ModelPolicy,
		tags:        req.Tags,
		status:      StatusPending,
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.tasks[t.id] = t
	m.mu.Unlock()

	go m.run(t, req)

	return &StartResponse{TaskID: t.id, Next: "task_await"}, nil
}

func (m *Manager) run(t *Task, req StartRequest) {
	m.setRunning(t)
	switch t.kind {
	case KindWorker:
		m.runWorker(t, req)
	case KindOp:
		m.runOp(t, req)
	case KindWorkflow:
		m.runWorkflow(t, req)
	}
}

func (m *Manager) runWorker(t *Task, req StartRequest) {
	needsVision := hasImages(req.Attachments)

	opts := worker.EnsureOptions{ForceNew: req.ForceNew, NeedsVision: needsVision}
	if req.Model != "" && req.ModelPolicy == PolicySticky {
		opts.ModelOverride = req.Model
	}

	inst, err := m.pool.Ensure(m.baseCtx, req.WorkerID, opts)
	if err != nil {
		m.fail(t, err)
		return
	}

	// Per-worker FIFO: one prompt in flight per worker, in arrival order.
	lock := m.workerLock(req.WorkerID)
	lock.Lock()
	defer lock.Unlock()

	if t.Status().Terminal() {
		return // canceled while queued
	}

	m.setOwner(req.WorkerID, t.id)
	defer m.clearOwner(req.WorkerID, t.id)

	if err := m.pool.MarkBusy(req.WorkerID, t.id); err != nil {
		m.fail(t, err)
		return
	}

	preq, err := m.buildPrompt(t, req)
	if err != nil {
		m.fail(t, err)
		m.workerReady(req.WorkerID, nil)
		return
	}

	promptCtx, cancelPrompt := context.WithCancel(m.baseCtx)
	defer cancelPrompt()
	t.mu.Lock()
	t.cancelPrompt = cancelPrompt
	t.mu.Unlock()

	_, span := tracing.TracePromptDispatch(promptCtx, t.id, req.WorkerID, inst.ResolvedModel())
	res, err := inst.Client().Prompt(promptCtx, inst.SessionID(), preq)
	tracing.RecordResult(span, err)

	start := t.View().StartedAt
	switch {
	case t.Status() == StatusCanceled:
		// Late result of a canceled prompt; drop it, restore the worker.
		m.workerReady(req.WorkerID, nil)
	case err != nil:
		m.fail(t, err)
		m.workerReady(req.WorkerID, nil)
	default:
		text := m.finalText(t, res)
		m.complete(t, text)
		m.workerReady(req.WorkerID, &worker.LastResult{
			Response:   text,
			DurationMs: time.Since(start).Milliseconds(),
		})
	}
}

// finalText prefers the concatenated stream; the terminal response body is
// the fallback when the worker never streamed.
func (m *Manager) finalText(t *Task, res *runtime.PromptResult) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.chunks) > 0 {
		return strings.Join(t.chunks, "")
	}
	if res != nil {
		return res.Text
	}
	return ""
}

func (m *Manager) buildPrompt(t *Task, req StartRequest) (runtime.PromptRequest, error) {
	parts := []runtime.Part{{Type: "text", Text: req.Task}}
	for _, a := range req.Attachments {
		parts = append(parts, runtime.Part{
			Type:     a.Type,
			Data:     a.Data,
			MimeType: a.MimeType,
			Name:     a.Name,
		})
	}

	preq := runtime.PromptRequest{Parts: parts, JobID: t.id}
	if req.Model != "" && req.ModelPolicy == PolicyDynamic {
		providerID, modelID, ok := strings.Cut(req.Model, "/")
		if !ok || providerID == "" || modelID == "" {
			return runtime.PromptRequest{}, orcerr.New(orcerr.KindConfigInvalid,
				"per-message model %q is not provider/model", req.Model)
		}
		preq.Model = &runtime.ModelRef{ProviderID: providerID, ModelID: modelID}
	}
	return preq, nil
}

// HandleChunk routes a bridge chunk to its owning task: by job id when the
// worker echoes one, else by worker ownership. Chunks for terminal tasks are
// discarded.
func (m *Manager) HandleChunk(chunk bridge.Chunk) error {
	t := m.findChunkOwner(chunk)
	if t == nil {
		return orcerr.New(orcerr.KindBridgeMalformed,
			"no running task for worker %q (job %q)", chunk.WorkerID, chunk.JobID)
	}

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return nil // late chunk after cancel or completion
	}
	seq := t.seq
	t.seq++
	if chunk.Chunk != "" {
		t.chunks = append(t.chunks, chunk.Chunk)
	}
	final := chunk.Final && t.kind == KindWorker
	taskID := t.id
	workerID := t.workerID
	if workerID == "" {
		workerID = chunk.WorkerID
	}
	t.mu.Unlock()

	m.pool.RecordOutput(workerID, chunk.Chunk)

	m.broker.Publish(events.New(events.TypeTaskChunk, events.TaskChunkPayload{
		TaskID:   taskID,
		WorkerID: workerID,
		Seq:      seq,
		Chunk:    chunk.Chunk,
		Final:    final,
	}))

	if final {
		m.complete(t, m.finalText(t, nil))
	}
	return nil
}

func (m *Manager) findChunkOwner(chunk bridge.Chunk) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if chunk.JobID != "" {
		if t, ok := m.tasks[chunk.JobID]; ok {
			return t
		}
	}
	if taskID, ok := m.workerOwner[chunk.WorkerID]; ok {
		return m.tasks[taskID]
	}
	return nil
}

// AwaitRequest is the input of task_await. TaskID and TaskIDs may be used
// interchangeably; both together await the union.
type AwaitRequest struct {
	TaskID    string   `json:"taskId,omitempty"`
	TaskIDs   []string `json:"taskIds,omitempty"`
	TimeoutMs int      `json:"timeoutMs,omitempty"`
}

// ids folds the singular form into the list, deduplicating the overlap.
func (r AwaitRequest) ids() []string {
	if r.TaskID == "" {
		return r.TaskIDs
	}
	out := []string{r.TaskID}
	for _, id := range r.TaskIDs {
		if id != r.TaskID {
			out = append(out, id)
		}
	}
	return out
}

// AwaitResult is the per-task output of task_await.
type AwaitResult struct {
	TaskID     string        `json:"taskId"`
	Status     Status        `json:"status"`
	Response   string        `json:"response,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
	Error      *orcerr.Error `json:"error,omitempty"`
}

// Await collects results for the named tasks. It is level-triggered:
// already-terminal tasks report immediately. A positive timeout bounds the
// wait; zero (or omitted) returns the current status without waiting; a
// negative timeout waits until the tasks finish, bounded only by ctx.
// Still-running tasks report their live status.
func (m *Manager) Await(ctx context.Context, req AwaitRequest) ([]AwaitResult, error) {
	ids := req.ids()
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, ok := m.get(id)
		if !ok {
			return nil, orcerr.New(orcerr.KindConfigInvalid, "unknown task %q", id)
		}
		tasks = append(tasks, t)
	}

	if req.TimeoutMs != 0 {
		var expired <-chan time.Time
		if req.TimeoutMs > 0 {
			timer := time.NewTimer(time.Duration(req.TimeoutMs) * time.Millisecond)
			defer timer.Stop()
			expired = timer.C
		}
		for _, t := range tasks {
			select {
			case <-t.Done():
			case <-expired:
				goto collect
			case <-ctx.Done():
				goto collect
			}
		}
	}

collect:
	out := make([]AwaitResult, 0, len(tasks))
	for _, t := range tasks {
		v := t.View()
		r := AwaitResult{
			TaskID:     v.TaskID,
			Status:     v.Status,
			DurationMs: v.DurationMs,
			Error:      v.Error,
		}
		if v.Status == StatusCompleted {
			r.Response = v.Result
		}
		out = append(out, r)
	}
	return out, nil
}

// Peek returns the task's current state and accumulated chunks.
func (m *Manager) Peek(taskID string) (View, error) {
	t, ok := m.get(taskID)
	if !ok {
		return View{}, orcerr.New(orcerr.KindConfigInvalid, "unknown task %q", taskID)
	}
	return t.View(), nil
}

// Cancel marks the task canceled. When the task holds its worker's dispatch
// slot, the in-flight prompt is aborted and the worker returns to ready once
// the abort is acknowledged; a task still queued behind another is only
// removed from the queue. Canceling a terminal task is a no-op.
func (m *Manager) Cancel(ctx context.Context, taskID string) (View, error) {
	t, ok := m.get(taskID)
	if !ok {
		return View{}, orcerr.New(orcerr.KindConfigInvalid, "unknown task %q", taskID)
	}

	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return t.View(), nil
	}
	t.status = StatusCanceled
	t.canceled = true
	t.err = orcerr.New(orcerr.KindTaskCanceled, "task canceled by caller")
	t.finishedAt = time.Now()
	cancelPrompt := t.cancelPrompt
	workerID := t.workerID
	close(t.done)
	t.mu.Unlock()

	m.publishTerminal(t, events.TypeTaskCanceled)

	// Ownership is read before the prompt context is torn down; afterwards the
	// dispatch goroutine may already have released the worker.
	isOwner := workerID != "" && m.owns(workerID, taskID)
	if cancelPrompt != nil {
		cancelPrompt()
	}
	if isOwner {
		if inst, ok := m.pool.Get(workerID); ok {
			if err := inst.Client().Abort(ctx, inst.SessionID()); err != nil {
				m.logger.Warn("session abort failed",
					zap.String("task_id", taskID),
					zap.String("profile_id", workerID),
					zap.Error(err))
			} else {
				m.workerReady(workerID, nil)
			}
		}
	}
	return t.View(), nil
}

// CancelAll cancels every non-terminal task; used at shutdown.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tasks))
	for id, t := range m.tasks {
		if !t.Status().Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.Cancel(ctx, id); err != nil {
			m.logger.Warn("cancel at shutdown failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	m.cancel()
}

// Tasks returns views of all tasks, newest first.
func (m *Manager) Tasks() []View {
	m.mu.RLock()
	out := make([]View, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.View())
	}
	m.mu.RUnlock()

	sortViews(out)
	return out
}

// --- internal state helpers ---

func (m *Manager) get(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

func (m *Manager) workerLock(workerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.dispatch[workerID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.dispatch[workerID] = lock
	return lock
}

func (m *Manager) setOwner(workerID, taskID string) {
	m.mu.Lock()
	m.workerOwner[workerID] = taskID
	m.mu.Unlock()
}

// owns reports whether taskID currently holds the worker's dispatch slot.
func (m *Manager) owns(workerID, taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workerOwner[workerID] == taskID
}

func (m *Manager) clearOwner(workerID, taskID string) {
	m.mu.Lock()
	if m.workerOwner[workerID] == taskID {
		delete(m.workerOwner, workerID)
	}
	m.mu.Unlock()
}

func (m *Manager) workerReady(workerID string, result *worker.LastResult) {
	if err := m.pool.MarkReady(workerID, result); err != nil {
		m.logger.Debug("could not return worker to ready",
			zap.String("profile_id", workerID), zap.Error(err))
	}
}

// --- lifecycle transitions ---

func (m *Manager) setRunning(t *Task) {
	t.mu.Lock()
	if t.status != StatusPending {
		t.mu.Unlock()
		return
	}
	t.status = StatusRunning
	t.startedAt = time.Now()
	t.mu.Unlock()

	m.broker.Publish(events.New(events.TypeTaskStarted, events.TaskPayload{
		TaskID:   t.id,
		WorkerID: t.workerID,
		Status:   string(StatusRunning),
	}))
}

func (m *Manager) complete(t *Task, result string) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = StatusCompleted
	t.result = result
	t.finishedAt = time.Now()
	close(t.done)
	t.mu.Unlock()

	m.publishTerminal(t, events.TypeTaskCompleted)
}

func (m *Manager) fail(t *Task, cause error) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = StatusFailed
	t.err = cause
	t.finishedAt = time.Now()
	close(t.done)
	t.mu.Unlock()

	m.logger.Warn("task failed", zap.String("task_id", t.id), zap.Error(cause))
	m.publishTerminal(t, events.TypeTaskFailed)
}

func (m *Manager) publishTerminal(t *Task, eventType events.Type) {
	v := t.View()
	payload := events.TaskPayload{
		TaskID:     v.TaskID,
		WorkerID:   v.WorkerID,
		Status:     string(v.Status),
		DurationMs: v.DurationMs,
	}
	if v.Error != nil {
		payload.Error = v.Error.Message
		payload.ErrorKind = string(v.Error.Kind)
	}
	m.broker.Publish(events.New(eventType, payload))
}

func hasImages(attachments []Attachment) bool {
	for _, a := range attachments {
		if a.Type == "image" {
			return true
		}
	}
	return false
}

func sortViews(views []View) {
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
}
