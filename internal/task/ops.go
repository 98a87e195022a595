package task

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/worker"
)

// opFunc executes one registry operation and returns its textual result.
// Ops never touch the agent runtime's prompt path.
type opFunc func(t *Task, args map[string]string) (string, error)

// memoryNamespace scopes memory keys; ops without a workerId share "global".
func memoryNamespace(args map[string]string) string {
	if id := args["workerId"]; id != "" {
		return id
	}
	return "global"
}

func (m *Manager) buildOpRegistry() map[string]opFunc {
	return map[string]opFunc{
		"worker.model.set": func(t *Task, args map[string]string) (string, error) {
			workerID, model := args["workerId"], args["model"]
			if workerID == "" || model == "" {
				return "", orcerr.New(orcerr.KindConfigInvalid, "worker.model.set requires workerId and model")
			}
			m.pool.SetModelOverride(workerID, model)
			// A live worker respawns now so the pin takes effect; a cold one
			// picks it up on its next ensure.
			if _, live := m.pool.Get(workerID); live {
				if _, err := m.pool.Ensure(m.baseCtx, workerID, worker.EnsureOptions{Respawn: true}); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("worker %q pinned to model %s", workerID, model), nil
		},

		"worker.model.reset": func(t *Task, args map[string]string) (string, error) {
			workerID := args["workerId"]
			if workerID == "" {
				return "", orcerr.New(orcerr.KindConfigInvalid, "worker.model.reset requires workerId")
			}
			m.pool.ResetModelOverride(workerID)
			if _, live := m.pool.Get(workerID); live {
				if _, err := m.pool.Ensure(m.baseCtx, workerID, worker.EnsureOptions{Respawn: true}); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("worker %q model reset to profile default", workerID), nil
		},

		"worker.stop": func(t *Task, args map[string]string) (string, error) {
			workerID := args["workerId"]
			if workerID == "" {
				return "", orcerr.New(orcerr.KindConfigInvalid, "worker.stop requires workerId")
			}
			if err := m.pool.Stop(m.baseCtx, workerID); err != nil {
				return "", err
			}
			return fmt.Sprintf("worker %q stopped", workerID), nil
		},

		"worker.stop.all": func(t *Task, args map[string]string) (string, error) {
			if err := m.pool.StopAll(m.baseCtx); err != nil {
				return "", err
			}
			return "all workers stopped", nil
		},

		"memory.set": func(t *Task, args map[string]string) (string, error) {
			key, value := args["key"], args["value"]
			if key == "" {
				return "", orcerr.New(orcerr.KindConfigInvalid, "memory.set requires key")
			}
			if err := m.memory.Set(memoryNamespace(args), key, value); err != nil {
				return "", err
			}
			return fmt.Sprintf("remembered %q", key), nil
		},

		"memory.get": func(t *Task, args map[string]string) (string, error) {
			key := args["key"]
			if key == "" {
				return "", orcerr.New(orcerr.KindConfigInvalid, "memory.get requires key")
			}
			value, found, err := m.memory.Get(memoryNamespace(args), key)
			if err != nil {
				return "", err
			}
			if !found {
				return "", orcerr.New(orcerr.KindConfigInvalid, "no memory under key %q", key)
			}
			return value, nil
		},

		"memory.list": func(t *Task, args map[string]string) (string, error) {
			entries, err := m.memory.List(memoryNamespace(args))
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "no memories stored", nil
			}
			lines := make([]string, 0, len(entries))
			for _, e := range entries {
				lines = append(lines, fmt.Sprintf("%s: %s", e.Key, e.Value))
			}
			return strings.Join(lines, "\n"), nil
		},

		"memory.delete": func(t *Task, args map[string]string) (string, error) {
			key := args["key"]
			if key == "" {
				return "", orcerr.New(orcerr.KindConfigInvalid, "memory.delete requires key")
			}
			if err := m.memory.Delete(memoryNamespace(args), key); err != nil {
				return "", err
			}
			return fmt.Sprintf("forgot %q", key), nil
		},
	}
}

func (m *Manager) opNames() []string {
	names := make([]string, 0, len(m.ops))
	for name := range m.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) runOp(t *Task, req StartRequest) {
	op := m.ops[req.Op]
	result, err := op(t, req.OpArgs)
	if err != nil {
		m.fail(t, err)
		return
	}
	m.complete(t, result)
}
