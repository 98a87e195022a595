package profile

import (
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
)

// Override is a partial profile. Nil fields keep the base value; slices
// replace the base wholesale; maps merge key by key.
type Override struct {
	Name            *string              `yaml:"name"`
	Model           *string              `yaml:"model"`
	Kind            *Kind                `yaml:"kind"`
	Purpose         *string              `yaml:"purpose"`
	WhenToUse       *string              `yaml:"whenToUse"`
	SystemPromptRef *string              `yaml:"systemPromptRef"`
	Capabilities    *CapabilityOverride  `yaml:"capabilities"`
	Tools           map[string]bool      `yaml:"tools"`
	Permissions     *PermissionsOverride `yaml:"permissions"`
	Tags            []string             `yaml:"tags"`
	PinnedPort      *int                 `yaml:"pinnedPort"`
}

// CapabilityOverride mirrors Capabilities with optional fields.
type CapabilityOverride struct {
	SupportsVision    *bool `yaml:"supportsVision"`
	SupportsWeb       *bool `yaml:"supportsWeb"`
	InjectRepoContext *bool `yaml:"injectRepoContext"`
}

// PermissionsOverride mirrors Permissions with optional fields.
type PermissionsOverride struct {
	Filesystem *string           `yaml:"filesystem"`
	Execution  *string           `yaml:"execution"`
	Network    *string           `yaml:"network"`
	PathAllow  []string          `yaml:"pathAllow"`
	PathDeny   []string          `yaml:"pathDeny"`
	Skills     map[string]string `yaml:"skills"`
}

// overrideFile is the on-disk shape of workers.yaml.
type overrideFile struct {
	Workers map[string]Override `yaml:"workers"`
}

// Resolver merges built-in profiles with user-global and per-project
// override files.
type Resolver struct {
	base     map[string]WorkerProfile
	overlays []map[string]Override // applied in order: global first, project last
	logger   *logger.Logger
}

// NewResolver loads override files from the given paths. Missing files are
// fine; malformed files are a ConfigInvalid error. globalPath is applied
// before projectPath so project settings win.
func NewResolver(globalPath, projectPath string, log *logger.Logger) (*Resolver, error) {
	r := &Resolver{
		base:   builtins(),
		logger: log.WithComponent("profile-resolver"),
	}
	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		overlay, err := loadOverrides(path)
		if err != nil {
			return nil, err
		}
		if overlay != nil {
			r.overlays = append(r.overlays, overlay)
		}
	}
	return r, nil
}

func loadOverrides(path string) (map[string]Override, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindConfigInvalid, err, "could not read profile overrides %s", path)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, orcerr.Wrap(orcerr.KindConfigInvalid, err, "malformed profile overrides %s", path)
	}
	return f.Workers, nil
}

// IDs returns all known profile ids (built-in plus override-defined), sorted.
func (r *Resolver) IDs() []string {
	seen := make(map[string]struct{})
	for id := range r.base {
		seen[id] = struct{}{}
	}
	for _, overlay := range r.overlays {
		for id := range overlay {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve produces the fully merged profile for id.
func (r *Resolver) Resolve(id string) (WorkerProfile, error) {
	p, known := r.base[id]
	if known {
		p = p.Clone()
	} else {
		// Overrides may define entirely new profiles.
		p = WorkerProfile{
			ID:          id,
			Model:       "auto",
			Kind:        KindServer,
			Permissions: DefaultPermissions(),
		}
	}

	applied := known
	for _, overlay := range r.overlays {
		ov, ok := overlay[id]
		if !ok {
			continue
		}
		applyOverride(&p, ov)
		applied = true
	}
	if !applied {
		return WorkerProfile{}, orcerr.New(orcerr.KindConfigInvalid, "unknown worker profile %q", id).
			WithHint("known profiles: %s", strings.Join(r.IDs(), ", "))
	}

	p.Tools = NormalizeTools(p.Tools)
	if err := validate(p); err != nil {
		return WorkerProfile{}, err
	}
	return p, nil
}

// ResolveAll resolves every known profile, skipping none; any invalid entry
// fails the whole call so startup catches bad override files early.
func (r *Resolver) ResolveAll() ([]WorkerProfile, error) {
	var out []WorkerProfile
	for _, id := range r.IDs() {
		p, err := r.Resolve(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func applyOverride(p *WorkerProfile, ov Override) {
	if ov.Name != nil {
		p.Name = *ov.Name
	}
	if ov.Model != nil {
		p.Model = *ov.Model
	}
	if ov.Kind != nil {
		p.Kind = *ov.Kind
	}
	if ov.Purpose != nil {
		p.Purpose = *ov.Purpose
	}
	if ov.WhenToUse != nil {
		p.WhenToUse = *ov.WhenToUse
	}
	if ov.SystemPromptRef != nil {
		p.SystemPromptRef = *ov.SystemPromptRef
	}
	if ov.Capabilities != nil {
		if ov.Capabilities.SupportsVision != nil {
			p.Capabilities.SupportsVision = *ov.Capabilities.SupportsVision
		}
		if ov.Capabilities.SupportsWeb != nil {
			p.Capabilities.SupportsWeb = *ov.Capabilities.SupportsWeb
		}
		if ov.Capabilities.InjectRepoContext != nil {
			p.Capabilities.InjectRepoContext = *ov.Capabilities.InjectRepoContext
		}
	}
	if ov.Tools != nil {
		if p.Tools == nil {
			p.Tools = make(map[string]bool)
		}
		for id, on := range ov.Tools {
			p.Tools[id] = on
		}
	}
	if ov.Permissions != nil {
		if ov.Permissions.Filesystem != nil {
			p.Permissions.Filesystem = *ov.Permissions.Filesystem
		}
		if ov.Permissions.Execution != nil {
			p.Permissions.Execution = *ov.Permissions.Execution
		}
		if ov.Permissions.Network != nil {
			p.Permissions.Network = *ov.Permissions.Network
		}
		if ov.Permissions.PathAllow != nil {
			p.Permissions.PathAllow = append([]string(nil), ov.Permissions.PathAllow...)
		}
		if ov.Permissions.PathDeny != nil {
			p.Permissions.PathDeny = append([]string(nil), ov.Permissions.PathDeny...)
		}
		if ov.Permissions.Skills != nil {
			if p.Permissions.Skills == nil {
				p.Permissions.Skills = make(map[string]string)
			}
			for pattern, policy := range ov.Permissions.Skills {
				p.Permissions.Skills[pattern] = policy
			}
		}
	}
	if ov.Tags != nil {
		p.Tags = append([]string(nil), ov.Tags...)
	}
	if ov.PinnedPort != nil {
		p.PinnedPort = *ov.PinnedPort
	}
}

// toolAliases maps historical tool spellings to their canonical ids.
var toolAliases = map[string]string{
	"web_fetch":  "webfetch",
	"web-fetch":  "webfetch",
	"shell":      "bash",
	"file_read":  "read",
	"file_write": "write",
	"file_edit":  "edit",
}

// NormalizeTools lowercases tool ids and folds known aliases onto canonical
// names. An explicit false never gets clobbered by an aliased true.
func NormalizeTools(tools map[string]bool) map[string]bool {
	if tools == nil {
		return nil
	}
	out := make(map[string]bool, len(tools))
	for id, on := range tools {
		canonical := strings.ToLower(strings.TrimSpace(id))
		if alias, ok := toolAliases[canonical]; ok {
			canonical = alias
		}
		if existing, ok := out[canonical]; ok && !existing {
			continue
		}
		out[canonical] = on
	}
	return out
}

func validate(p WorkerProfile) error {
	if p.Kind != KindServer && p.Kind != KindSubagent {
		return orcerr.New(orcerr.KindConfigInvalid, "profile %q: invalid kind %q", p.ID, p.Kind)
	}
	if p.Model == "" {
		return orcerr.New(orcerr.KindConfigInvalid, "profile %q: model is required", p.ID)
	}
	if err := checkEnum(p.ID, "filesystem", p.Permissions.Filesystem,
		FilesystemFull, FilesystemRead, FilesystemNone); err != nil {
		return err
	}
	if err := checkEnum(p.ID, "execution", p.Permissions.Execution,
		ExecutionFull, ExecutionSandboxed, ExecutionNone); err != nil {
		return err
	}
	if err := checkEnum(p.ID, "network", p.Permissions.Network,
		NetworkFull, NetworkLocalhost, NetworkNone); err != nil {
		return err
	}
	for pattern, policy := range p.Permissions.Skills {
		if policy != SkillAllow && policy != SkillAsk && policy != SkillDeny {
			return orcerr.New(orcerr.KindConfigInvalid,
				"profile %q: skill pattern %q has invalid policy %q", p.ID, pattern, policy)
		}
	}
	return nil
}

func checkEnum(profileID, field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return orcerr.New(orcerr.KindConfigInvalid,
		"profile %q: invalid %s permission %q", profileID, field, value).
		WithHint("allowed: %s", strings.Join(allowed, ", "))
}
