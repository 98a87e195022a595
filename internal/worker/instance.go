// Package worker manages agent-runtime workers: the per-profile instance
// state machine, the server and subagent backends, and the pool that owns
// all instances.
package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/orchd/orchd/internal/profile"
	"github.com/orchd/orchd/internal/runtime"
)

// Status is the lifecycle state of a worker instance.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// validTransitions encodes the monotone lifecycle:
// starting -> ready -> (busy <-> ready)* -> stopped, with error terminal
// until the instance is removed.
var validTransitions = map[Status][]Status{
	StatusStarting: {StatusReady, StatusError, StatusStopped},
	StatusReady:    {StatusBusy, StatusError, StatusStopped},
	StatusBusy:     {StatusReady, StatusError, StatusStopped},
	StatusError:    {},
	StatusStopped:  {},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LastResult holds the outcome of the most recent completed task.
type LastResult struct {
	Response   string
	Report     string
	DurationMs int64
}

// Instance is one live worker. The pool is its sole mutator; everyone else
// reads through Snapshot.
type Instance struct {
	mu sync.RWMutex

	profile       profile.WorkerProfile
	status        Status
	pid           int // 0 for the agent backend
	port          int
	serverURL     string
	sessionID     string
	parentSession string
	resolvedModel string
	modelReason   string
	startedAt     time.Time
	lastActivity  time.Time
	currentTask   string
	lastResult    *LastResult
	recentOutput  []string
	recentBytes   int
	err           error
	warning       string

	// client talks to the runtime that hosts this worker's session. For the
	// server backend it points at the dedicated process; for the agent
	// backend it is the shared runtime client.
	client *runtime.Client

	// stop tears down the backend resources (process, port) for this
	// instance. Set by the backend at spawn time.
	stop func() error
}

// InstanceParams seed a new instance; backends fill what their spawn path
// produced.
type InstanceParams struct {
	Profile         profile.WorkerProfile
	PID             int
	Port            int
	ServerURL       string
	SessionID       string
	ParentSessionID string
	ResolvedModel   string
	ModelReason     string
	Client          *runtime.Client
	Stop            func() error
}

// NewInstance creates an instance in the starting state.
func NewInstance(p InstanceParams) *Instance {
	now := time.Now()
	return &Instance{
		profile:       p.Profile,
		status:        StatusStarting,
		pid:           p.PID,
		port:          p.Port,
		serverURL:     p.ServerURL,
		sessionID:     p.SessionID,
		parentSession: p.ParentSessionID,
		resolvedModel: p.ResolvedModel,
		modelReason:   p.ModelReason,
		startedAt:     now,
		lastActivity:  now,
		client:        p.Client,
		stop:          p.Stop,
	}
}

// Snapshot is a read-only view of an instance.
type Snapshot struct {
	ProfileID       string                `json:"profileId"`
	Profile         profile.WorkerProfile `json:"-"`
	Status          Status                `json:"status"`
	PID             int                   `json:"pid,omitempty"`
	Port            int                   `json:"port,omitempty"`
	ServerURL       string                `json:"serverUrl,omitempty"`
	SessionID       string                `json:"sessionId,omitempty"`
	ParentSessionID string                `json:"parentSessionId,omitempty"`
	ResolvedModel   string                `json:"resolvedModel"`
	ModelReason     string                `json:"modelReason"`
	StartedAt       time.Time             `json:"startedAt"`
	LastActivity    time.Time             `json:"lastActivity"`
	CurrentTask     string                `json:"currentTask,omitempty"`
	LastResult      *LastResult           `json:"lastResult,omitempty"`
	RecentOutput    string                `json:"recentOutput,omitempty"`
	Error           string                `json:"error,omitempty"`
	Warning         string                `json:"warning,omitempty"`
}

// Snapshot returns a consistent copy of the instance state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	s := Snapshot{
		ProfileID:       i.profile.ID,
		Profile:         i.profile,
		Status:          i.status,
		PID:             i.pid,
		Port:            i.port,
		ServerURL:       i.serverURL,
		SessionID:       i.sessionID,
		ParentSessionID: i.parentSession,
		ResolvedModel:   i.resolvedModel,
		ModelReason:     i.modelReason,
		StartedAt:       i.startedAt,
		LastActivity:    i.lastActivity,
		CurrentTask:     i.currentTask,
		RecentOutput:    strings.Join(i.recentOutput, ""),
		Warning:         i.warning,
	}
	if i.lastResult != nil {
		r := *i.lastResult
		s.LastResult = &r
	}
	if i.err != nil {
		s.Error = i.err.Error()
	}
	return s
}

// Status returns the current lifecycle state.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// ProfileID returns the owning profile id.
func (i *Instance) ProfileID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.profile.ID
}

// Profile returns the resolved profile this instance was spawned from.
func (i *Instance) Profile() profile.WorkerProfile {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.profile
}

// ResolvedModel returns the canonical model the instance is pinned to.
func (i *Instance) ResolvedModel() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.resolvedModel
}

// SessionID returns the runtime session this worker prompts into.
func (i *Instance) SessionID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.sessionID
}

// Client returns the runtime client for this worker.
func (i *Instance) Client() *runtime.Client {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.client
}

// touch records activity. Callers hold i.mu.
func (i *Instance) touch() {
	i.lastActivity = time.Now()
}

// recentOutputCap bounds the diagnostics tail kept per instance.
const recentOutputCap = 4096

// appendOutput keeps a bounded tail of streamed output for diagnostics.
func (i *Instance) appendOutput(fragment string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recentOutput = append(i.recentOutput, fragment)
	i.recentBytes += len(fragment)
	for i.recentBytes > recentOutputCap && len(i.recentOutput) > 1 {
		i.recentBytes -= len(i.recentOutput[0])
		i.recentOutput = i.recentOutput[1:]
	}
	i.touch()
}
