// Package catalog resolves model references against the agent runtime's
// provider catalog.
//
// A reference is either a symbolic tag (auto, auto:fast, auto:vision,
// auto:docs, with node accepted as an alias for auto) or an explicit
// provider/model string. Resolution is a pure function of the reference,
// the fetched catalog, and the orchestrator's model configuration, so it
// can be tested with fixtures and no mocks.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
	"github.com/orchd/orchd/internal/runtime"
)

// Resolution is a successfully resolved model reference.
type Resolution struct {
	// ResolvedModel is the canonical "provider/model" string.
	ResolvedModel string

	// Reason records how the model was selected: "default", "small_model",
	// "score:fast", "score:vision", "score:docs", or "configured".
	Reason string

	Capabilities runtime.ModelCapabilities
}

// ResolveConfig carries the orchestrator-side model defaults that take
// precedence over the runtime's own configuration.
type ResolveConfig struct {
	DefaultModel string
	SmallModel   string
}

// Catalog caches the provider list fetched from a runtime.
type Catalog struct {
	client *runtime.Client
	logger *logger.Logger

	mu        sync.Mutex
	providers *runtime.ProvidersResponse
}

// New creates a catalog backed by the given runtime client.
func New(client *runtime.Client, log *logger.Logger) *Catalog {
	return &Catalog{
		client: client,
		logger: log.WithComponent("model-catalog"),
	}
}

// Providers returns the cached provider list, fetching it on first use.
func (c *Catalog) Providers(ctx context.Context) (*runtime.ProvidersResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.providers != nil {
		return c.providers, nil
	}
	providers, err := c.client.Providers(ctx)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindModelUnavailable, err, "could not fetch provider catalog")
	}
	c.providers = providers
	return providers, nil
}

// Refresh drops the cached provider list so the next call re-fetches.
func (c *Catalog) Refresh() {
	c.mu.Lock()
	c.providers = nil
	c.mu.Unlock()
}

// Resolve fetches providers as needed and resolves ref.
func (c *Catalog) Resolve(ctx context.Context, ref string, cfg ResolveConfig) (*Resolution, error) {
	providers, err := c.Providers(ctx)
	if err != nil {
		return nil, err
	}
	return ResolveModelRef(ref, providers, cfg)
}

// ResolveModelRef resolves a model reference against a provider catalog.
// It is deterministic given the same inputs.
func ResolveModelRef(ref string, providers *runtime.ProvidersResponse, cfg ResolveConfig) (*Resolution, error) {
	tag, ok := normalizeTag(ref)
	if ok {
		switch tag {
		case "auto":
			return resolveDefault(providers, cfg)
		case "auto:fast":
			return resolveFast(providers, cfg)
		case "auto:vision":
			return resolveVision(providers, cfg)
		case "auto:docs":
			return resolveDocs(providers)
		}
	}

	providerID, modelID, found := strings.Cut(ref, "/")
	if !found || providerID == "" || modelID == "" {
		return nil, badRef(ref, providers)
	}

	for _, p := range providers.Providers {
		if p.ID != providerID {
			continue
		}
		if m, exists := p.Models[modelID]; exists {
			return &Resolution{
				ResolvedModel: ref,
				Reason:        "configured",
				Capabilities:  m.Capabilities,
			}, nil
		}
		// API-sourced providers accept models beyond the preconfigured
		// list; take the caller's word for it.
		if p.Source == "api" {
			return &Resolution{ResolvedModel: ref, Reason: "configured"}, nil
		}
		break
	}
	return nil, badRef(ref, providers)
}

// normalizeTag maps auto/node tag spellings to their canonical auto form.
func normalizeTag(ref string) (string, bool) {
	base, suffix, _ := strings.Cut(ref, ":")
	if base != "auto" && base != "node" {
		return "", false
	}
	switch suffix {
	case "":
		return "auto", true
	case "fast", "vision", "docs":
		return "auto:" + suffix, true
	}
	return "", false
}

func resolveDefault(providers *runtime.ProvidersResponse, cfg ResolveConfig) (*Resolution, error) {
	def := cfg.DefaultModel
	if def == "" {
		def = providers.Model
	}
	if def == "" {
		return nil, orcerr.New(orcerr.KindModelUnavailable,
			"no default model configured in the runtime").
			WithHint("set models.default or configure the runtime's model")
	}
	caps, ok := lookup(providers, def)
	if !ok {
		return nil, orcerr.New(orcerr.KindModelUnavailable,
			"configured default model %q is not in the catalog", def)
	}
	return &Resolution{ResolvedModel: def, Reason: "default", Capabilities: caps}, nil
}

func resolveFast(providers *runtime.ProvidersResponse, cfg ResolveConfig) (*Resolution, error) {
	small := cfg.SmallModel
	if small == "" {
		small = providers.SmallModel
	}
	if small != "" {
		if caps, ok := lookup(providers, small); ok {
			return &Resolution{ResolvedModel: small, Reason: "small_model", Capabilities: caps}, nil
		}
	}

	// No valid small_model: pick the cheapest model in the catalog.
	best := pickBest(providers, func(m runtime.Model) (float64, bool) {
		return -(m.Cost.Input + m.Cost.Output), true
	})
	if best == nil {
		return nil, orcerr.New(orcerr.KindModelUnavailable, "catalog has no models to satisfy auto:fast")
	}
	best.Reason = "score:fast"
	return best, nil
}

func resolveVision(providers *runtime.ProvidersResponse, cfg ResolveConfig) (*Resolution, error) {
	// The default model wins when it accepts images.
	if res, err := resolveDefault(providers, cfg); err == nil && res.Capabilities.ImageInput {
		return res, nil
	}

	// Otherwise the cheapest image-capable model. Never downgrade to a
	// text-only model.
	best := pickBest(providers, func(m runtime.Model) (float64, bool) {
		if !m.Capabilities.ImageInput {
			return 0, false
		}
		return -(m.Cost.Input + m.Cost.Output), true
	})
	if best == nil {
		return nil, orcerr.New(orcerr.KindModelUnavailable,
			"no model in the catalog accepts image input").
			WithHint("configure a vision-capable provider before using auto:vision")
	}
	best.Reason = "score:vision"
	return best, nil
}

func resolveDocs(providers *runtime.ProvidersResponse) (*Resolution, error) {
	// Largest context window among tool-calling models.
	best := pickBest(providers, func(m runtime.Model) (float64, bool) {
		if !m.Capabilities.ToolCall {
			return 0, false
		}
		return float64(m.ContextLimit), true
	})
	if best == nil {
		return nil, orcerr.New(orcerr.KindModelUnavailable,
			"no tool-calling model in the catalog to satisfy auto:docs")
	}
	best.Reason = "score:docs"
	return best, nil
}

// pickBest scans the catalog in deterministic order and returns the
// highest-scoring eligible model. Ties break on the canonical id, so equal
// inputs always produce the same pick.
func pickBest(providers *runtime.ProvidersResponse, score func(runtime.Model) (float64, bool)) *Resolution {
	var (
		bestID    string
		bestScore float64
		bestCaps  runtime.ModelCapabilities
		have      bool
	)
	for _, p := range providers.Providers {
		ids := make([]string, 0, len(p.Models))
		for id := range p.Models {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			m := p.Models[id]
			s, eligible := score(m)
			if !eligible {
				continue
			}
			canonical := p.ID + "/" + id
			if !have || s > bestScore || (s == bestScore && canonical < bestID) {
				bestID, bestScore, bestCaps, have = canonical, s, m.Capabilities, true
			}
		}
	}
	if !have {
		return nil
	}
	return &Resolution{ResolvedModel: bestID, Capabilities: bestCaps}
}

// lookup finds capabilities for a canonical provider/model string.
func lookup(providers *runtime.ProvidersResponse, canonical string) (runtime.ModelCapabilities, bool) {
	providerID, modelID, found := strings.Cut(canonical, "/")
	if !found {
		return runtime.ModelCapabilities{}, false
	}
	for _, p := range providers.Providers {
		if p.ID != providerID {
			continue
		}
		if m, ok := p.Models[modelID]; ok {
			return m.Capabilities, true
		}
		return runtime.ModelCapabilities{}, false
	}
	return runtime.ModelCapabilities{}, false
}

func badRef(ref string, providers *runtime.ProvidersResponse) error {
	suggestions := Suggest(ref, providers, 3)
	err := orcerr.New(orcerr.KindModelUnavailable, "unknown model %q", ref)
	if len(suggestions) > 0 {
		err = err.WithHint("did you mean: %s", strings.Join(suggestions, ", "))
	}
	return err
}

// Suggest returns the n catalog entries nearest to ref by edit distance.
func Suggest(ref string, providers *runtime.ProvidersResponse, n int) []string {
	type scored struct {
		id   string
		dist int
	}
	var all []scored
	for _, p := range providers.Providers {
		for id := range p.Models {
			canonical := p.ID + "/" + id
			all = append(all, scored{canonical, editDistance(ref, canonical)})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].id < all[j].id
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

// editDistance is the Levenshtein distance between two strings.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
