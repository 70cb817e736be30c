package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xzcli/gateway/internal/events"
)

func TestLoadMissingFileFallsBackToMCPEndpointEnv(t *testing.T) {
	t.Setenv("MCP_ENDPOINT", "ws://fallback.example/ws")

	w, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	doc := w.Document()
	if len(doc.Endpoints) != 1 || doc.Endpoints[0].URL != "ws://fallback.example/ws" {
		t.Fatalf("Endpoints = %+v", doc.Endpoints)
	}
}

func TestLoadMissingFileNoFallbackFails(t *testing.T) {
	t.Setenv("MCP_ENDPOINT", "")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil, nil); err == nil {
		t.Fatal("expected an error with no config file and no MCP_ENDPOINT")
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	initial := `{"mcpEndpoints": ["ws://one.example"]}`
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	bus := events.New(nil, 16)
	defer bus.Destroy(context.Background())
	updated := make(chan events.ConfigUpdatedPayload, 1)
	bus.Subscribe(events.KindConfigUpdated, func(ev events.Event) {
		updated <- ev.Payload.(events.ConfigUpdatedPayload)
	})

	w, err := Load(path, bus, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	updatedDoc := `{"mcpEndpoints": ["ws://one.example", "ws://two.example"]}`
	if err := os.WriteFile(path, []byte(updatedDoc), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case payload := <-updated:
		if payload.Scope != events.ScopeFull {
			t.Fatalf("scope = %s, want full", payload.Scope)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config:updated")
	}

	if len(w.Document().Endpoints) != 2 {
		t.Fatalf("Endpoints after reload = %+v", w.Document().Endpoints)
	}
}
