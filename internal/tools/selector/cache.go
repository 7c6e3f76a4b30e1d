package selector

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tidewater-ai/keel/internal/tools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const cacheVersion = "1"

// cacheFile is the on-disk shape of the embedding cache.
type cacheFile struct {
	Embeddings map[string][]float32        `json:"embeddings"`
	Metadata   map[string]tools.Definition `json:"metadata"`
	Timestamp  int64                       `json:"timestamp"`
	Version    string                      `json:"version"`
}

// Cache is the persistent tool-embedding cache. It may be shared across
// sessions; it is a memoization layer and safely rebuildable.
type Cache struct {
	mu       sync.Mutex
	path     string
	interval time.Duration

	embeddings map[string][]float32
	metadata   map[string]tools.Definition
	dirty      bool
	lastSave   time.Time
}

// LoadCache reads the cache file, falling back to the .bak on a malformed
// primary, and to an empty cache when neither parses.
func LoadCache(path string, autoSaveInterval time.Duration) *Cache {
	c := &Cache{
		path:       path,
		interval:   autoSaveInterval,
		embeddings: make(map[string][]float32),
		metadata:   make(map[string]tools.Definition),
		lastSave:   time.Now(),
	}

	for _, candidate := range []string{path, path + ".bak"} {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var f cacheFile
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("embedding cache unreadable", "path", candidate, "error", err)
			continue
		}
		if f.Version != cacheVersion {
			slog.Warn("embedding cache version mismatch, rebuilding",
				"path", candidate, "version", f.Version)
			continue
		}
		if f.Embeddings != nil {
			c.embeddings = f.Embeddings
		}
		if f.Metadata != nil {
			c.metadata = f.Metadata
		}
		return c
	}
	return c
}

// Get returns the cached embedding and optimized definition for a tool.
func (c *Cache) Get(name string) ([]float32, tools.Definition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.embeddings[name]
	if !ok {
		return nil, tools.Definition{}, false
	}
	return vec, c.metadata[name], true
}

// Put stores a tool's embedding and optimized definition and marks the cache
// dirty.
func (c *Cache) Put(name string, vec []float32, def tools.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embeddings[name] = vec
	c.metadata[name] = def
	c.dirty = true
}

// Len returns the number of cached embeddings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.embeddings)
}

// MaybeAutoSave persists the cache when it is dirty and the auto-save
// interval has elapsed since the last save.
func (c *Cache) MaybeAutoSave() {
	c.mu.Lock()
	due := c.dirty && time.Since(c.lastSave) >= c.interval
	c.mu.Unlock()
	if due {
		if err := c.Save(); err != nil {
			slog.Warn("embedding cache auto-save failed", "error", err)
		}
	}
}

// Save writes the cache atomically: temp file + rename, with the previous
// cache kept as .bak.
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := cacheFile{
		Embeddings: c.embeddings,
		Metadata:   c.metadata,
		Timestamp:  time.Now().Unix(),
		Version:    cacheVersion,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal embedding cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tool_embeddings-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}

	if _, err := os.Stat(c.path); err == nil {
		if err := os.Rename(c.path, c.path+".bak"); err != nil {
			slog.Warn("embedding cache backup failed", "error", err)
		}
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}

	c.dirty = false
	c.lastSave = time.Now()
	return nil
}
