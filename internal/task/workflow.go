package task

import (
	"strings"

	"github.com/orchd/orchd/internal/runtime"
	"github.com/orchd/orchd/internal/worker"
)

// WorkflowStep is one stage of a registered workflow: a profile plus an
// instruction. The previous step's output is appended to the instruction so
// stages hand work forward.
type WorkflowStep struct {
	WorkerID    string `json:"workerId" yaml:"workerId"`
	Instruction string `json:"instruction" yaml:"instruction"`
}

// RegisterWorkflow makes a named step sequence startable via kind "workflow".
func (m *Manager) RegisterWorkflow(id string, steps []WorkflowStep) {
	m.mu.Lock()
	m.workflows[id] = append([]WorkflowStep(nil), steps...)
	m.mu.Unlock()
}

// WorkflowIDs returns the registered workflow names.
func (m *Manager) WorkflowIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.workflows))
	for id := range m.workflows {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) runWorkflow(t *Task, req StartRequest) {
	m.mu.RLock()
	steps := m.workflows[req.WorkflowID]
	m.mu.RUnlock()

	carry := req.Task
	for _, step := range steps {
		if t.Status().Terminal() {
			return
		}

		inst, err := m.pool.Ensure(m.baseCtx, step.WorkerID, worker.EnsureOptions{})
		if err != nil {
			m.fail(t, err)
			return
		}

		text := step.Instruction
		if carry != "" {
			text += "\n\n" + carry
		}

		output, err := m.runWorkflowStep(t, inst, step.WorkerID, text)
		if err != nil {
			if t.Status() == StatusCanceled {
				return
			}
			m.fail(t, err)
			return
		}
		carry = output
	}
	m.complete(t, carry)
}

// runWorkflowStep prompts one worker under the per-worker FIFO and returns
// its output. Chunks stream into the workflow task via the shared job id.
func (m *Manager) runWorkflowStep(t *Task, inst *worker.Instance, workerID, text string) (string, error) {
	lock := m.workerLock(workerID)
	lock.Lock()
	defer lock.Unlock()

	m.setOwner(workerID, t.id)
	defer m.clearOwner(workerID, t.id)

	if err := m.pool.MarkBusy(workerID, t.id); err != nil {
		return "", err
	}
	defer m.workerReady(workerID, nil)

	// Each step concatenates its own chunk window.
	t.mu.Lock()
	chunkStart := len(t.chunks)
	t.mu.Unlock()

	res, err := inst.Client().Prompt(m.baseCtx, inst.SessionID(), runtime.PromptRequest{
		Parts: []runtime.Part{{Type: "text", Text: text}},
		JobID: t.id,
	})
	if err != nil {
		return "", err
	}

	t.mu.RLock()
	streamed := strings.Join(t.chunks[chunkStart:], "")
	t.mu.RUnlock()
	if streamed != "" {
		return streamed, nil
	}
	return res.Text, nil
}
