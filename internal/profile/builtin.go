package profile

// builtins is the shipped profile table. Overrides can change any field but
// cannot delete an entry; new profiles can be added wholesale.
func builtins() map[string]WorkerProfile {
	return map[string]WorkerProfile{
		"coder": {
			ID:              "coder",
			Name:            "Coder",
			Model:           "auto",
			Kind:            KindServer,
			Purpose:         "General software engineering: write, edit, and refactor code",
			WhenToUse:       "Code changes, debugging, running tests, repository work",
			SystemPromptRef: "prompts/coder.md",
			Capabilities:    Capabilities{InjectRepoContext: true},
			Tools: map[string]bool{
				"read":     true,
				"write":    true,
				"edit":     true,
				"bash":     true,
				"grep":     true,
				"glob":     true,
				"webfetch": false,
			},
			Permissions: Permissions{
				Filesystem: FilesystemFull,
				Execution:  ExecutionSandboxed,
				Network:    NetworkLocalhost,
				Skills:     map[string]string{"*": SkillAsk},
			},
			Tags: []string{"code", "default"},
		},
		"vision": {
			ID:              "vision",
			Name:            "Vision",
			Model:           "auto:vision",
			Kind:            KindServer,
			Purpose:         "Analyze screenshots, diagrams, and other images",
			WhenToUse:       "Any task whose input includes image attachments",
			SystemPromptRef: "prompts/vision.md",
			Capabilities:    Capabilities{SupportsVision: true},
			Tools: map[string]bool{
				"read": true,
				"grep": true,
				"glob": true,
			},
			Permissions: Permissions{
				Filesystem: FilesystemRead,
				Execution:  ExecutionNone,
				Network:    NetworkNone,
				Skills:     map[string]string{"*": SkillDeny},
			},
			Tags: []string{"vision"},
		},
		"docs": {
			ID:              "docs",
			Name:            "Docs",
			Model:           "auto:docs",
			Kind:            KindSubagent,
			Purpose:         "Read and summarize large documents and codebases",
			WhenToUse:       "Long-document question answering, summarization, research",
			SystemPromptRef: "prompts/docs.md",
			Capabilities:    Capabilities{SupportsWeb: true, InjectRepoContext: true},
			Tools: map[string]bool{
				"read":     true,
				"grep":     true,
				"glob":     true,
				"webfetch": true,
			},
			Permissions: Permissions{
				Filesystem: FilesystemRead,
				Execution:  ExecutionNone,
				Network:    NetworkFull,
				Skills:     map[string]string{"*": SkillAsk},
			},
			Tags: []string{"docs", "research"},
		},
	}
}
