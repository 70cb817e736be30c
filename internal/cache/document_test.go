package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xzcli/gateway/internal/gwtypes"
)

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.ServiceConfigs()) != 0 {
		t.Fatalf("expected empty document")
	}
}

func TestPutServiceConfigPersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := gwtypes.ServiceConfig{Name: "svc", TransportKind: gwtypes.TransportStdio, Command: "run"}
	if err := m.PutServiceConfig(cfg); err != nil {
		t.Fatalf("PutServiceConfig: %v", err)
	}

	m2, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := m2.ServiceConfigs()["svc"]
	if !ok || got.Command != "run" {
		t.Fatalf("reloaded config = %+v, ok=%v", got, ok)
	}
}

func TestCleanupExpiredRemovesEligibleEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	m, _ := Load(path)

	now := time.Now()
	_ = m.PutCacheEntry(gwtypes.CacheEntry{CacheKey: "fresh", Timestamp: now, TTLMs: int64(time.Hour / time.Millisecond), Status: gwtypes.CacheStatusCompleted})
	_ = m.PutCacheEntry(gwtypes.CacheEntry{CacheKey: "failed", Timestamp: now, TTLMs: int64(time.Hour / time.Millisecond), Status: gwtypes.CacheStatusFailed})
	_ = m.PutCacheEntry(gwtypes.CacheEntry{CacheKey: "expired", Timestamp: now.Add(-time.Hour), TTLMs: 1, Status: gwtypes.CacheStatusCompleted})

	removed, err := m.CleanupExpired(now)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := m.GetCacheEntry("fresh"); !ok {
		t.Fatal("fresh entry should survive cleanup")
	}
	if _, ok := m.GetCacheEntry("failed"); ok {
		t.Fatal("failed entry should have been removed")
	}
	if _, ok := m.GetCacheEntry("expired"); ok {
		t.Fatal("expired entry should have been removed")
	}
}

func TestMarkConsumedUpdatesStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	m, _ := Load(path)
	_ = m.PutCacheEntry(gwtypes.CacheEntry{CacheKey: "k", Timestamp: time.Now(), Status: gwtypes.CacheStatusCompleted})

	if err := m.MarkConsumed("k"); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	e, ok := m.GetCacheEntry("k")
	if !ok || !e.Consumed || e.Status != gwtypes.CacheStatusConsumed {
		t.Fatalf("entry = %+v, ok=%v", e, ok)
	}
}
