// Package config loads and validates the gateway's JSON configuration
// document: the set of upstream MCP servers, downstream endpoints,
// custom tools, and connection defaults described in spec §6.3.
// Grounded on kagenti-mcp-gateway/internal/config's config-document
// shape, adapted from a routing/virtual-server document to this
// gateway's service-pool/endpoint document.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// rawDocument is the on-wire JSON shape of the config file.
type rawDocument struct {
	MCPEndpoint     string                    `json:"mcpEndpoint"`
	MCPEndpoints    []string                  `json:"mcpEndpoints"`
	MCPServers      map[string]rawServer      `json:"mcpServers"`
	MCPServerConfig map[string]rawServerTools `json:"mcpServerConfig"`
	CustomMCP       struct {
		Tools []rawCustomTool `json:"tools"`
	} `json:"customMCP"`
	Connection  rawConnection            `json:"connection"`
	WebUI       struct{ Port int }       `json:"webUI"`
	Platforms   map[string]rawPlatform   `json:"platforms"`
	ToolCallLog string                   `json:"toolCallLog"`
}

type rawServer struct {
	// STDIO
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`

	// SSE / streamable HTTP
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	APIKey  string            `json:"apiKey"`

	TimeoutMs int `json:"timeoutMs"`
}

type rawServerTools struct {
	EnabledTools []string          `json:"enabledTools"`
	Descriptions map[string]string `json:"descriptions"`
}

type rawCustomTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Handler     struct {
		Kind     string `json:"kind"`
		Module   string `json:"module"`
		Entry    string `json:"entry"`
		URL      string `json:"url"`
		Method   string `json:"method"`
		Headers  map[string]string `json:"headers"`
		Body     string `json:"bodyTemplate"`
		AuthMode string `json:"authMode"`
		AuthToken string `json:"authToken"`
		AuthHeader string `json:"authHeader"`
		TimeoutMs int `json:"timeoutMs"`
		RetryCount int `json:"retryCount"`
		RetryDelayMs int `json:"retryDelayMs"`
		DataPath string `json:"dataPath"`
		ServiceName string `json:"serviceName"`
		ToolName string `json:"toolName"`
		Platform string `json:"platform"`
		Token    string `json:"token"`
		Endpoint string `json:"endpoint"`
	} `json:"handler"`
}

type rawConnection struct {
	HeartbeatMs    int  `json:"heartbeatMs"`
	TimeoutMs      int  `json:"timeoutMs"`
	ReconnectMs    int  `json:"reconnectMs"`
	MaxAttempts    int  `json:"maxAttempts"`
}

type rawPlatform struct {
	Token string `json:"token"`
}

// Document is the parsed, validated configuration.
type Document struct {
	Services    map[string]gwtypes.ServiceConfig
	Endpoints   []gwtypes.EndpointConfig
	CustomTools []gwtypes.CustomTool
	ToolCallLog string
	WebUIPort   int
}

// Parse decodes and validates raw JSON config bytes into a Document.
func Parse(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", gwtypes.ErrConfigInvalid, err)
	}

	doc := &Document{
		Services:    make(map[string]gwtypes.ServiceConfig, len(raw.MCPServers)),
		ToolCallLog: raw.ToolCallLog,
		WebUIPort:   raw.WebUI.Port,
	}

	for name, s := range raw.MCPServers {
		cfg, err := toServiceConfig(name, s, raw.Connection)
		if err != nil {
			return nil, err
		}
		if overlay, ok := raw.MCPServerConfig[name]; ok {
			applyServerToolsOverlay(&cfg, overlay)
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		doc.Services[name] = cfg
	}

	endpoints := endpointURLs(raw.MCPEndpoint, raw.MCPEndpoints)
	for _, u := range endpoints {
		ec := gwtypes.EndpointConfig{URL: u}
		if err := ec.Validate(); err != nil {
			return nil, err
		}
		doc.Endpoints = append(doc.Endpoints, ec)
	}

	for _, t := range raw.CustomMCP.Tools {
		tool, err := toCustomTool(t, raw.Platforms)
		if err != nil {
			return nil, err
		}
		doc.CustomTools = append(doc.CustomTools, tool)
	}

	return doc, nil
}

// endpointURLs merges the legacy singular mcpEndpoint with the
// preferred mcpEndpoints array, filtering empty and placeholder
// (`<...>`) values, per spec §6.3.
func endpointURLs(single string, many []string) []string {
	var all []string
	if single != "" {
		all = append(all, single)
	}
	all = append(all, many...)

	var out []string
	seen := make(map[string]bool)
	for _, u := range all {
		u = strings.TrimSpace(u)
		if u == "" || (strings.HasPrefix(u, "<") && strings.HasSuffix(u, ">")) {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
