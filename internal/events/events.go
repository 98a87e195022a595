// Package events defines the orchestrator event model and the in-process
// broker that fans events out to subscribers.
//
// Events are typed at the edge: the bridge parses worker callbacks into one
// payload shape per variant before anything is published, so subscribers
// never inspect untyped maps.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies an event variant. The first dot-separated segment is the
// topic ("worker", "task", "skill") used for subscription filtering and
// replay bucketing.
type Type string

const (
	TypeWorkerSpawned Type = "worker.spawned"
	TypeWorkerReady   Type = "worker.ready"
	TypeWorkerBusy    Type = "worker.busy"
	TypeWorkerError   Type = "worker.error"
	TypeWorkerStopped Type = "worker.stopped"

	TypeTaskStarted   Type = "task.started"
	TypeTaskChunk     Type = "task.chunk"
	TypeTaskCompleted Type = "task.completed"
	TypeTaskFailed    Type = "task.failed"
	TypeTaskCanceled  Type = "task.canceled"

	TypeSkillLoadStarted   Type = "skill.load.started"
	TypeSkillLoadCompleted Type = "skill.load.completed"
	TypeSkillLoadFailed    Type = "skill.load.failed"
	TypeSkillPermission    Type = "skill.permission"
)

// Topic returns the topic segment of the type ("worker", "task", "skill").
func (t Type) Topic() string {
	s := string(t)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return s
}

// Payload is implemented by every event payload variant.
type Payload interface {
	isPayload()
}

// WorkerPayload accompanies all worker.* events.
type WorkerPayload struct {
	ProfileID   string `json:"profile_id"`
	Status      string `json:"status"`
	Model       string `json:"model,omitempty"`
	ModelReason string `json:"model_reason,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Port        int    `json:"port,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// TaskPayload accompanies task.started/completed/failed/canceled events.
type TaskPayload struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// TaskChunkPayload accompanies task.chunk events.
type TaskChunkPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Seq      int    `json:"seq"`
	Chunk    string `json:"chunk"`
	Final    bool   `json:"final,omitempty"`
}

// SkillPayload accompanies all skill.* events.
type SkillPayload struct {
	WorkerID   string `json:"worker_id"`
	Skill      string `json:"skill"`
	Error      string `json:"error,omitempty"`
	Permission string `json:"permission,omitempty"` // allow, ask, deny
}

func (WorkerPayload) isPayload()    {}
func (TaskPayload) isPayload()      {}
func (TaskChunkPayload) isPayload() {}
func (SkillPayload) isPayload()     {}

// Event is a single message on the broker.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// New creates an event with a UUID and current timestamp.
func New(t Type, payload Payload) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
