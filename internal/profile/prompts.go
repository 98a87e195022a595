package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/orchd/orchd/internal/orcerr"
)

// PromptStore loads system prompt files referenced by profiles and caches
// them by content hash, so two profiles pointing at identical text share one
// cached entry and edits on disk are picked up.
type PromptStore struct {
	root string

	mu       sync.Mutex
	byHash   map[string]string // sha256 hex -> text
	defaults map[string]string
}

// NewPromptStore serves prompt refs relative to root. Refs that do not exist
// on disk fall back to registered defaults.
func NewPromptStore(root string) *PromptStore {
	return &PromptStore{
		root:     root,
		byHash:   make(map[string]string),
		defaults: make(map[string]string),
	}
}

// SetDefault registers fallback text for a prompt ref with no file on disk.
func (s *PromptStore) SetDefault(ref, text string) {
	s.mu.Lock()
	s.defaults[ref] = text
	s.mu.Unlock()
}

// Load returns the prompt text for ref and its content hash.
func (s *PromptStore) Load(ref string) (text, hash string, err error) {
	if ref == "" {
		return "", "", nil
	}
	data, readErr := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref)))
	if readErr != nil {
		s.mu.Lock()
		fallback, ok := s.defaults[ref]
		s.mu.Unlock()
		if !ok {
			return "", "", orcerr.Wrap(orcerr.KindConfigInvalid, readErr,
				"system prompt %q could not be read", ref)
		}
		data = []byte(fallback)
	}

	sum := sha256.Sum256(data)
	hash = hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.byHash[hash]; ok {
		return cached, hash, nil
	}
	text = string(data)
	s.byHash[hash] = text
	return text, hash, nil
}
