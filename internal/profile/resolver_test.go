package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/orcerr"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func writeOverrides(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveBuiltin(t *testing.T) {
	r, err := NewResolver("", "", testLogger(t))
	require.NoError(t, err)

	p, err := r.Resolve("coder")
	require.NoError(t, err)
	assert.Equal(t, "coder", p.ID)
	assert.Equal(t, "auto", p.Model)
	assert.Equal(t, KindServer, p.Kind)
	assert.True(t, p.Tools["bash"])
	assert.False(t, p.Tools["webfetch"])
	assert.Equal(t, FilesystemFull, p.Permissions.Filesystem)
}

func TestResolveUnknownProfile(t *testing.T) {
	r, err := NewResolver("", "", testLogger(t))
	require.NoError(t, err)

	_, err = r.Resolve("nope")
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}

func TestOverrideMergesFields(t *testing.T) {
	global := writeOverrides(t, `
workers:
  coder:
    model: anthropic/claude-large
    tools:
      webfetch: true
    permissions:
      network: full
`)
	r, err := NewResolver(global, "", testLogger(t))
	require.NoError(t, err)

	p, err := r.Resolve("coder")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-large", p.Model)
	assert.Equal(t, NetworkFull, p.Permissions.Network)
	// Untouched fields survive the merge.
	assert.Equal(t, FilesystemFull, p.Permissions.Filesystem)
	assert.True(t, p.Tools["webfetch"])
	assert.True(t, p.Tools["bash"])
}

func TestProjectOverridesWinOverGlobal(t *testing.T) {
	global := writeOverrides(t, `
workers:
  coder:
    model: anthropic/claude-large
`)
	project := writeOverrides(t, `
workers:
  coder:
    model: local/tiny-coder
`)
	r, err := NewResolver(global, project, testLogger(t))
	require.NoError(t, err)

	p, err := r.Resolve("coder")
	require.NoError(t, err)
	assert.Equal(t, "local/tiny-coder", p.Model)
}

func TestOverrideReplacesArrays(t *testing.T) {
	global := writeOverrides(t, `
workers:
  coder:
    tags: [reviews]
    permissions:
      pathAllow: [/workspace]
`)
	r, err := NewResolver(global, "", testLogger(t))
	require.NoError(t, err)

	p, err := r.Resolve("coder")
	require.NoError(t, err)
	// Arrays are replaced, never concatenated.
	assert.Equal(t, []string{"reviews"}, p.Tags)
	assert.Equal(t, []string{"/workspace"}, p.Permissions.PathAllow)
}

func TestOverrideDefinesNewProfile(t *testing.T) {
	global := writeOverrides(t, `
workers:
  reviewer:
    name: Reviewer
    model: auto:fast
    kind: subagent
    purpose: Review diffs
`)
	r, err := NewResolver(global, "", testLogger(t))
	require.NoError(t, err)

	p, err := r.Resolve("reviewer")
	require.NoError(t, err)
	assert.Equal(t, KindSubagent, p.Kind)
	assert.Equal(t, "auto:fast", p.Model)
	// New profiles start from the conservative permission baseline.
	assert.Equal(t, FilesystemRead, p.Permissions.Filesystem)
	assert.Contains(t, r.IDs(), "reviewer")
}

func TestOverrideInvalidPermissionRejected(t *testing.T) {
	global := writeOverrides(t, `
workers:
  coder:
    permissions:
      filesystem: everything
`)
	r, err := NewResolver(global, "", testLogger(t))
	require.NoError(t, err)

	_, err = r.Resolve("coder")
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}

func TestMalformedOverrideFile(t *testing.T) {
	global := writeOverrides(t, "workers: [not, a, map]")
	_, err := NewResolver(global, "", testLogger(t))
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}

func TestMissingOverrideFileIsFine(t *testing.T) {
	r, err := NewResolver(filepath.Join(t.TempDir(), "absent.yaml"), "", testLogger(t))
	require.NoError(t, err)
	_, err = r.Resolve("docs")
	require.NoError(t, err)
}

func TestNormalizeTools(t *testing.T) {
	got := NormalizeTools(map[string]bool{
		"Web_Fetch": true,
		"shell":     true,
		"read":      true,
	})
	assert.Equal(t, map[string]bool{
		"webfetch": true,
		"bash":     true,
		"read":     true,
	}, got)
}

func TestNormalizeToolsExplicitFalseWins(t *testing.T) {
	got := NormalizeTools(map[string]bool{
		"webfetch":  false,
		"web_fetch": true,
	})
	assert.False(t, got["webfetch"])
}

func TestCloneIsDeep(t *testing.T) {
	r, err := NewResolver("", "", testLogger(t))
	require.NoError(t, err)

	a, err := r.Resolve("coder")
	require.NoError(t, err)
	a.Tools["bash"] = false
	a.Permissions.Skills["*"] = SkillDeny

	b, err := r.Resolve("coder")
	require.NoError(t, err)
	assert.True(t, b.Tools["bash"])
	assert.Equal(t, SkillAsk, b.Permissions.Skills["*"])
}

func TestPromptStoreLoadsAndCachesByHash(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "prompts", "coder.md"), []byte("be helpful"), 0o644))

	store := NewPromptStore(root)
	text, hash, err := store.Load("prompts/coder.md")
	require.NoError(t, err)
	assert.Equal(t, "be helpful", text)
	assert.NotEmpty(t, hash)

	// Identical content under a different ref shares the hash.
	require.NoError(t, os.WriteFile(filepath.Join(root, "prompts", "twin.md"), []byte("be helpful"), 0o644))
	_, hash2, err := store.Load("prompts/twin.md")
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
}

func TestPromptStoreFallsBackToDefault(t *testing.T) {
	store := NewPromptStore(t.TempDir())
	store.SetDefault("prompts/coder.md", "fallback text")

	text, hash, err := store.Load("prompts/coder.md")
	require.NoError(t, err)
	assert.Equal(t, "fallback text", text)
	assert.NotEmpty(t, hash)
}

func TestPromptStoreMissingRefErrors(t *testing.T) {
	store := NewPromptStore(t.TempDir())
	_, _, err := store.Load("prompts/absent.md")
	require.Error(t, err)
	assert.Equal(t, orcerr.KindConfigInvalid, orcerr.KindOf(err))
}
