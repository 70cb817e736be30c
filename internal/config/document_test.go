package config

import (
	"testing"

	"github.com/xzcli/gateway/internal/gwtypes"
)

func TestParseStdioAndSSEServers(t *testing.T) {
	data := []byte(`{
		"mcpEndpoints": ["ws://gw.example/ws", "<placeholder>", ""],
		"mcpServers": {
			"files": {"command": "mcp-files", "args": ["--root", "/tmp"]},
			"search": {"type": "sse", "url": "https://search.example/sse"}
		},
		"customMCP": {"tools": [
			{"name": "double", "handler": {"kind": "function", "module": "math", "entry": "double"}}
		]}
	}`)

	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Endpoints) != 1 || doc.Endpoints[0].URL != "ws://gw.example/ws" {
		t.Fatalf("Endpoints = %+v, want one filtered endpoint", doc.Endpoints)
	}
	if doc.Services["files"].TransportKind != gwtypes.TransportStdio {
		t.Fatalf("files transport = %s", doc.Services["files"].TransportKind)
	}
	if doc.Services["search"].TransportKind != gwtypes.TransportSSE {
		t.Fatalf("search transport = %s", doc.Services["search"].TransportKind)
	}
	if len(doc.CustomTools) != 1 || doc.CustomTools[0].Name != "double" {
		t.Fatalf("CustomTools = %+v", doc.CustomTools)
	}
}

func TestParseLegacyTransportSpellingsNormalized(t *testing.T) {
	data := []byte(`{"mcpServers": {
		"a": {"type": "streamable_http", "url": "https://a.example"},
		"b": {"type": "s_se", "url": "https://b.example"}
	}}`)
	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Services["a"].TransportKind != gwtypes.TransportStreamableHTTP {
		t.Fatalf("a transport = %s", doc.Services["a"].TransportKind)
	}
	if doc.Services["b"].TransportKind != gwtypes.TransportSSE {
		t.Fatalf("b transport = %s", doc.Services["b"].TransportKind)
	}
}

func TestParseRejectsInvalidServiceConfig(t *testing.T) {
	data := []byte(`{"mcpServers": {"broken": {"type": "sse"}}}`)
	if _, err := Parse(data); err == nil {
		t.Fatal("expected validation error for sse server missing url")
	}
}

func TestParseMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParsePlatformToolUsesPlatformsTokenFallback(t *testing.T) {
	data := []byte(`{
		"platforms": {"dify": {"token": "tok-123"}},
		"customMCP": {"tools": [
			{"name": "workflow", "handler": {"kind": "platform", "platform": "dify", "endpoint": "https://dify.example/run"}}
		]}
	}`)
	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.CustomTools[0].Platform.Token != "tok-123" {
		t.Fatalf("token = %q, want fallback from platforms map", doc.CustomTools[0].Platform.Token)
	}
}
