package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ListRequest selects a view and an output format for task_list.
type ListRequest struct {
	View   string `json:"view"`   // tasks, workers, tags
	Format string `json:"format"` // markdown, json
}

// WorkerRow is one line of the workers view.
type WorkerRow struct {
	ProfileID     string `json:"profileId"`
	Status        string `json:"status"`
	ResolvedModel string `json:"resolvedModel"`
	ModelReason   string `json:"modelReason"`
	CurrentTask   string `json:"currentTask,omitempty"`
	PID           int    `json:"pid,omitempty"`
	Port          int    `json:"port,omitempty"`
	RecentOutput  string `json:"recentOutput,omitempty"`
}

// TagRow is one line of the tags view.
type TagRow struct {
	Tag   string   `json:"tag"`
	Tasks []string `json:"tasks"`
}

// List renders the requested view. Unknown views and formats are errors so
// callers notice typos instead of silently getting the default.
func (m *Manager) List(req ListRequest) (string, error) {
	if req.View == "" {
		req.View = "tasks"
	}
	if req.Format == "" {
		req.Format = "markdown"
	}
	if req.Format != "markdown" && req.Format != "json" {
		return "", fmt.Errorf("unknown format %q", req.Format)
	}

	switch req.View {
	case "tasks":
		return m.listTasks(req.Format)
	case "workers":
		return m.listWorkers(req.Format)
	case "tags":
		return m.listTags(req.Format)
	default:
		return "", fmt.Errorf("unknown view %q", req.View)
	}
}

func (m *Manager) listTasks(format string) (string, error) {
	views := m.Tasks()
	if format == "json" {
		return marshal(views)
	}

	var b strings.Builder
	b.WriteString("| Task | Kind | Worker | Status | Duration |\n")
	b.WriteString("|------|------|--------|--------|----------|\n")
	for _, v := range views {
		target := v.WorkerID
		if v.Kind == KindWorkflow {
			target = v.WorkflowID
		} else if v.Kind == KindOp {
			target = v.Op
		}
		duration := "-"
		if v.DurationMs > 0 {
			duration = fmt.Sprintf("%dms", v.DurationMs)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			shortID(v.TaskID), v.Kind, target, v.Status, duration)
	}
	return b.String(), nil
}

func (m *Manager) listWorkers(format string) (string, error) {
	rows := make([]WorkerRow, 0)
	for _, snap := range m.pool.List() {
		rows = append(rows, WorkerRow{
			ProfileID:     snap.ProfileID,
			Status:        string(snap.Status),
			ResolvedModel: snap.ResolvedModel,
			ModelReason:   snap.ModelReason,
			CurrentTask:   snap.CurrentTask,
			PID:           snap.PID,
			Port:          snap.Port,
			RecentOutput:  snap.RecentOutput,
		})
	}

	// Cold profiles with persisted metadata still show up, marked stopped.
	live := make(map[string]bool, len(rows))
	for _, r := range rows {
		live[r.ProfileID] = true
	}
	for _, id := range m.resolver.IDs() {
		if live[id] {
			continue
		}
		row := WorkerRow{ProfileID: id, Status: "stopped"}
		if w, ok := m.pool.Hydrated(id); ok {
			row.ResolvedModel = w.LastModel
			row.ModelReason = w.ModelReason
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ProfileID < rows[j].ProfileID })

	if format == "json" {
		return marshal(rows)
	}

	var b strings.Builder
	b.WriteString("| Worker | Status | Model | Reason | Task |\n")
	b.WriteString("|--------|--------|-------|--------|------|\n")
	for _, r := range rows {
		task := r.CurrentTask
		if task == "" {
			task = "-"
		} else {
			task = shortID(task)
		}
		model := r.ResolvedModel
		if model == "" {
			model = "-"
		}
		reason := r.ModelReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", r.ProfileID, r.Status, model, reason, task)
	}
	return b.String(), nil
}

func (m *Manager) listTags(format string) (string, error) {
	byTag := make(map[string][]string)
	for _, v := range m.Tasks() {
		for _, tag := range v.Tags {
			byTag[tag] = append(byTag[tag], v.TaskID)
		}
	}

	rows := make([]TagRow, 0, len(byTag))
	for tag, ids := range byTag {
		rows = append(rows, TagRow{Tag: tag, Tasks: ids})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Tag < rows[j].Tag })

	if format == "json" {
		return marshal(rows)
	}

	var b strings.Builder
	b.WriteString("| Tag | Tasks |\n")
	b.WriteString("|-----|-------|\n")
	for _, r := range rows {
		short := make([]string, len(r.Tasks))
		for i, id := range r.Tasks {
			short[i] = shortID(id)
		}
		fmt.Fprintf(&b, "| %s | %s |\n", r.Tag, strings.Join(short, ", "))
	}
	return b.String(), nil
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// shortID trims UUIDs to their first segment for table readability.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
