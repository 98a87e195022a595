package runtime

// ProvidersResponse is the runtime's provider catalog.
type ProvidersResponse struct {
	Providers []Provider `json:"providers"`

	// Model is the runtime's configured default, canonical provider/model.
	Model string `json:"model,omitempty"`

	// SmallModel is the runtime's configured low-latency model, if any.
	SmallModel string `json:"small_model,omitempty"`
}

// Provider describes one configured model provider.
type Provider struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Source string           `json:"source"` // "api", "env", "config"
	Models map[string]Model `json:"models"`
}

// Model describes one model within a provider.
type Model struct {
	Name         string            `json:"name"`
	Capabilities ModelCapabilities `json:"capabilities"`
	Cost         ModelCost         `json:"cost"`
	ContextLimit int               `json:"context_limit"` // tokens
}

// ModelCapabilities flags what a model accepts and supports.
type ModelCapabilities struct {
	ImageInput bool `json:"image_input"`
	ToolCall   bool `json:"tool_call"`
	Reasoning  bool `json:"reasoning"`
}

// ModelCost is the per-million-token price used by tag scoring.
type ModelCost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// CreateSessionRequest creates a session, optionally as a child of another
// session bound to a named agent.
type CreateSessionRequest struct {
	ParentID string `json:"parent_id,omitempty"`
	Agent    string `json:"agent,omitempty"`
	Title    string `json:"title,omitempty"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

// ModelRef addresses a concrete provider/model pair in a prompt.
type ModelRef struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// Part is one piece of prompt content.
type Part struct {
	Type     string `json:"type"` // "text", "image", "file"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // data URL or inline base64
	MimeType string `json:"mime_type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// PromptRequest sends content into a session. Model overrides the session
// default for this message only. JobID is echoed back in bridge chunk
// callbacks so the orchestrator can route them to the owning task.
type PromptRequest struct {
	Parts []Part    `json:"parts"`
	Model *ModelRef `json:"model,omitempty"`
	JobID string    `json:"job_id,omitempty"`
}

// PromptResult is the terminal response of a prompt.
type PromptResult struct {
	Text string `json:"text"`
}
