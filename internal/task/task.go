// Package task implements the task lifecycle and the public Task API.
package task

import (
	"errors"
	"sync"
	"time"

	"github.com/orchd/orchd/internal/orcerr"
)

// Kind classifies what a task runs against.
type Kind string

const (
	KindWorker   Kind = "worker"
	KindWorkflow Kind = "workflow"
	KindOp       Kind = "op"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// statusRank enforces monotone progression; a task never moves to a state
// with a lower or equal rank once terminal.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
	StatusCanceled:  2,
}

// Attachment is one piece of non-text prompt content.
type Attachment struct {
	Type     string `json:"type"` // text, image, file
	Data     string `json:"data"` // data URL or inline base64
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

// ModelPolicy controls whether a per-task model changes the worker default.
type ModelPolicy string

const (
	// PolicySticky re-pins the worker to the requested model.
	PolicySticky ModelPolicy = "sticky"
	// PolicyDynamic overrides the model for this task's prompts only.
	PolicyDynamic ModelPolicy = "dynamic"
)

// Task is one unit of work. The manager is its sole mutator.
type Task struct {
	mu sync.RWMutex

	id          string
	kind        Kind
	workerID    string
	workflowID  string
	op          string
	prompt      string
	attachments []Attachment
	model       string
	policy      ModelPolicy
	tags        []string

	status     Status
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	chunks     []string
	seq        int
	result     string
	err        error
	canceled   bool

	// done closes when the task reaches a terminal state; await selects on it.
	done chan struct{}

	// cancelPrompt interrupts an in-flight session prompt.
	cancelPrompt func()
}

// View is a read-only copy of a task.
type View struct {
	TaskID     string        `json:"taskId"`
	Kind       Kind          `json:"kind"`
	WorkerID   string        `json:"workerId,omitempty"`
	WorkflowID string        `json:"workflowId,omitempty"`
	Op         string        `json:"op,omitempty"`
	Prompt     string        `json:"prompt,omitempty"`
	Status     Status        `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  time.Time     `json:"startedAt,omitempty"`
	FinishedAt time.Time     `json:"finishedAt,omitempty"`
	Chunks     []string      `json:"chunks,omitempty"`
	Result     string        `json:"result,omitempty"`
	Error      *orcerr.Error `json:"error,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
}

// View returns a consistent copy.
func (t *Task) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v := View{
		TaskID:     t.id,
		Kind:       t.kind,
		WorkerID:   t.workerID,
		WorkflowID: t.workflowID,
		Op:         t.op,
		Prompt:     t.prompt,
		Status:     t.status,
		CreatedAt:  t.createdAt,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Chunks:     append([]string(nil), t.chunks...),
		Result:     t.result,
		Tags:       append([]string(nil), t.tags...),
	}
	if t.err != nil {
		v.Error = asStructured(t.err)
	}
	if !t.finishedAt.IsZero() && !t.startedAt.IsZero() {
		v.DurationMs = t.finishedAt.Sub(t.startedAt).Milliseconds()
	}
	return v
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Done returns a channel closed at terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// asStructured wraps any error into the structured taxonomy form.
func asStructured(err error) *orcerr.Error {
	var oe *orcerr.Error
	if errors.As(err, &oe) {
		return oe
	}
	return orcerr.Wrap(orcerr.KindWorkerUnreachable, err, "%s", err.Error())
}
