// Package cache implements CacheManager: the on-disk JSON document that
// persists service configuration and the one-shot custom-tool result
// cache across restarts, plus HistoryWriter, the append-only tool-call
// log. Atomic-write idiom (temp file + fsync + rename) grounded on
// vanducng-goclaw/internal/sessions/manager.go; the load-or-init /
// in-process synchronization idiom grounded on
// kagenti-mcp-gateway/internal/cache/session-caching.go's sync.Map
// GetOrInit pattern, adapted here to a single mutex since the full
// document (not just a session map) must be read-modify-written
// atomically.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xzcli/gateway/internal/gwtypes"
)

const documentVersion = 1

// document is the on-disk shape of the cache file: {version, mcpServers,
// customMCPResults, metadata}.
type document struct {
	Version          int                            `json:"version"`
	MCPServers       map[string]gwtypes.ServiceConfig `json:"mcpServers"`
	CustomMCPResults map[string]gwtypes.CacheEntry    `json:"customMCPResults"`
	Metadata         map[string]any                   `json:"metadata,omitempty"`
}

func newDocument() document {
	return document{
		Version:          documentVersion,
		MCPServers:       make(map[string]gwtypes.ServiceConfig),
		CustomMCPResults: make(map[string]gwtypes.CacheEntry),
		Metadata:         make(map[string]any),
	}
}

// CacheManager owns the gateway's persisted document: per-service config
// snapshots and the one-shot custom-tool result cache. All reads and
// writes go through a single mutex; the document is rewritten to disk in
// full on every mutating call, via a temp-file-then-rename so a reader
// (or a crash) never observes a partially written file.
type CacheManager struct {
	path string

	mu  sync.Mutex
	doc document
}

// Load reads path if it exists, or starts from an empty document
// otherwise. A malformed file is treated as an unrecoverable error: the
// caller decides whether to fail startup or move the file aside.
func Load(path string) (*CacheManager, error) {
	m := &CacheManager{path: path, doc: newDocument()}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m.doc); err != nil {
		return nil, fmt.Errorf("cache: parse %q: %w", path, err)
	}
	if m.doc.MCPServers == nil {
		m.doc.MCPServers = make(map[string]gwtypes.ServiceConfig)
	}
	if m.doc.CustomMCPResults == nil {
		m.doc.CustomMCPResults = make(map[string]gwtypes.CacheEntry)
	}
	return m, nil
}

// flush atomically rewrites the document to m.path. Callers must hold
// m.mu.
func (m *CacheManager) flush() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal document: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, "cache-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("cache: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// PutServiceConfig records cfg's snapshot and persists the document.
func (m *CacheManager) PutServiceConfig(cfg gwtypes.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.MCPServers[cfg.Name] = cfg
	return m.flush()
}

// RemoveServiceConfig forgets a service's snapshot and persists.
func (m *CacheManager) RemoveServiceConfig(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc.MCPServers, name)
	return m.flush()
}

// ServiceConfigs returns a snapshot of all persisted service configs.
func (m *CacheManager) ServiceConfigs() map[string]gwtypes.ServiceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]gwtypes.ServiceConfig, len(m.doc.MCPServers))
	for k, v := range m.doc.MCPServers {
		out[k] = v
	}
	return out
}

// GetCacheEntry returns the entry for cacheKey, if present.
func (m *CacheManager) GetCacheEntry(cacheKey string) (gwtypes.CacheEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.doc.CustomMCPResults[cacheKey]
	return e, ok
}

// PutCacheEntry upserts and persists a one-shot cache entry.
func (m *CacheManager) PutCacheEntry(entry gwtypes.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.CustomMCPResults[entry.CacheKey] = entry
	return m.flush()
}

// MarkConsumed flips an entry's Consumed flag and status to consumed, if
// present, and persists the change.
func (m *CacheManager) MarkConsumed(cacheKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.doc.CustomMCPResults[cacheKey]
	if !ok {
		return nil
	}
	e.Consumed = true
	e.Status = gwtypes.CacheStatusConsumed
	m.doc.CustomMCPResults[cacheKey] = e
	return m.flush()
}

// DeleteCacheEntry removes an entry outright and persists the change.
func (m *CacheManager) DeleteCacheEntry(cacheKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.doc.CustomMCPResults, cacheKey)
	return m.flush()
}

// CleanupExpired removes every cache entry eligible for cleanup per
// gwtypes.CacheEntry.EligibleForCleanup and persists the result once,
// regardless of how many entries were removed. Returns the count
// removed.
func (m *CacheManager) CleanupExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.doc.CustomMCPResults {
		if e.EligibleForCleanup(now) {
			delete(m.doc.CustomMCPResults, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.flush()
}
