package worker

import (
	"context"
	"encoding/json"

	"github.com/orchd/orchd/internal/profile"
)

// BridgeInfo is what a spawned worker needs to call back into the bridge.
type BridgeInfo struct {
	URL       string
	Token     string
	TimeoutMs int
}

// SpawnSpec carries everything a backend needs to bring up a worker.
type SpawnSpec struct {
	Profile       profile.WorkerProfile
	ResolvedModel string
	ModelReason   string

	// SystemPrompt is the loaded prompt text the profile references.
	SystemPrompt string

	Bridge BridgeInfo
}

// Backend brings worker instances up and down. The pool decides which
// backend to use from the profile's kind.
type Backend interface {
	Spawn(ctx context.Context, spec SpawnSpec) (*Instance, error)
	Kind() profile.Kind
}

// runtimeConfig is the pre-rendered configuration injected into a spawned
// runtime through its standard config-injection mechanism.
type runtimeConfig struct {
	Model        string              `json:"model"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Tools        map[string]bool     `json:"tools,omitempty"`
	Permissions  profile.Permissions `json:"permissions"`
}

// renderConfig serializes the worker-facing runtime configuration.
func renderConfig(spec SpawnSpec) (string, error) {
	cfg := runtimeConfig{
		Model:        spec.ResolvedModel,
		SystemPrompt: spec.SystemPrompt,
		Tools:        spec.Profile.Tools,
		Permissions:  spec.Profile.Permissions,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
