// Package profile defines worker profiles and resolves them from built-ins
// plus user and project override files.
package profile

import "sort"

// Kind selects the backend a profile runs on.
type Kind string

const (
	// KindServer runs the profile as a dedicated agent-runtime process.
	KindServer Kind = "server"
	// KindSubagent runs the profile as a child session of a shared runtime.
	KindSubagent Kind = "subagent"
)

// Capabilities flags what a profile's worker can handle.
type Capabilities struct {
	SupportsVision    bool `yaml:"supportsVision" json:"supportsVision"`
	SupportsWeb       bool `yaml:"supportsWeb" json:"supportsWeb"`
	InjectRepoContext bool `yaml:"injectRepoContext" json:"injectRepoContext"`
}

// Permission category values.
const (
	FilesystemFull = "full"
	FilesystemRead = "read"
	FilesystemNone = "none"

	ExecutionFull      = "full"
	ExecutionSandboxed = "sandboxed"
	ExecutionNone      = "none"

	NetworkFull      = "full"
	NetworkLocalhost = "localhost"
	NetworkNone      = "none"

	SkillAllow = "allow"
	SkillAsk   = "ask"
	SkillDeny  = "deny"
)

// Permissions is the permission envelope mirrored into worker config.
type Permissions struct {
	Filesystem string `yaml:"filesystem" json:"filesystem"`
	Execution  string `yaml:"execution" json:"execution"`
	Network    string `yaml:"network" json:"network"`

	PathAllow []string `yaml:"pathAllow,omitempty" json:"pathAllow,omitempty"`
	PathDeny  []string `yaml:"pathDeny,omitempty" json:"pathDeny,omitempty"`

	// Skills maps a skill name pattern to allow, ask, or deny.
	Skills map[string]string `yaml:"skills,omitempty" json:"skills,omitempty"`
}

// DefaultPermissions returns the conservative baseline: mutating operations
// ask, read-only operations are allowed.
func DefaultPermissions() Permissions {
	return Permissions{
		Filesystem: FilesystemRead,
		Execution:  ExecutionSandboxed,
		Network:    NetworkLocalhost,
		Skills:     map[string]string{"*": SkillAsk},
	}
}

// WorkerProfile fully describes a worker's configuration. Immutable once
// resolved; the pool copies it into each spawned instance.
type WorkerProfile struct {
	ID              string          `yaml:"id" json:"id"`
	Name            string          `yaml:"name" json:"name"`
	Model           string          `yaml:"model" json:"model"`
	Kind            Kind            `yaml:"kind" json:"kind"`
	Purpose         string          `yaml:"purpose" json:"purpose"`
	WhenToUse       string          `yaml:"whenToUse" json:"whenToUse"`
	SystemPromptRef string          `yaml:"systemPromptRef" json:"systemPromptRef"`
	Capabilities    Capabilities    `yaml:"capabilities" json:"capabilities"`
	Tools           map[string]bool `yaml:"tools" json:"tools"`
	Permissions     Permissions     `yaml:"permissions" json:"permissions"`
	Tags            []string        `yaml:"tags" json:"tags"`

	// PinnedPort fixes the server backend's listen port; 0 lets the OS pick.
	PinnedPort int `yaml:"pinnedPort,omitempty" json:"pinnedPort,omitempty"`
}

// Clone returns a deep copy so resolved profiles stay immutable.
func (p WorkerProfile) Clone() WorkerProfile {
	out := p
	out.Tools = cloneBoolMap(p.Tools)
	out.Tags = append([]string(nil), p.Tags...)
	out.Permissions.PathAllow = append([]string(nil), p.Permissions.PathAllow...)
	out.Permissions.PathDeny = append([]string(nil), p.Permissions.PathDeny...)
	out.Permissions.Skills = cloneStringMap(p.Permissions.Skills)
	return out
}

// ToolIDs returns the enabled tool ids in sorted order.
func (p WorkerProfile) ToolIDs() []string {
	ids := make([]string, 0, len(p.Tools))
	for id, on := range p.Tools {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
