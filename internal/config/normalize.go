package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/xzcli/gateway/internal/gwtypes"
	"github.com/xzcli/gateway/pkg/credentials"
)

// secretPrefix marks a ServiceConfig.APIKey value as a mounted-secret
// name rather than a literal key, resolved via pkg/credentials.
const secretPrefix = "secret:"

func resolveAPIKey(raw string) (string, error) {
	name, ok := strings.CutPrefix(raw, secretPrefix)
	if !ok {
		return raw, nil
	}
	return credentials.Get(name)
}

// normalizeTransportKind maps legacy wire spellings onto the canonical
// gwtypes.TransportKind values, per spec §6.3. Unknown values are
// retained verbatim; validation happens at gwtypes.ServiceConfig.Validate.
func normalizeTransportKind(raw string) gwtypes.TransportKind {
	switch raw {
	case "", "stdio":
		return gwtypes.TransportStdio
	case "sse", "s_se", "s-se":
		return gwtypes.TransportSSE
	case "streamable-http", "streamable_http", "streamableHttp":
		return gwtypes.TransportStreamableHTTP
	default:
		return gwtypes.TransportKind(raw)
	}
}

func toServiceConfig(name string, s rawServer, conn rawConnection) (gwtypes.ServiceConfig, error) {
	kind := normalizeTransportKind(s.Type)
	if s.Command != "" {
		kind = gwtypes.TransportStdio
	}

	apiKey, err := resolveAPIKey(s.APIKey)
	if err != nil {
		return gwtypes.ServiceConfig{}, fmt.Errorf("service %q: resolve api key: %w", name, err)
	}

	cfg := gwtypes.ServiceConfig{
		Name:          name,
		TransportKind: kind,
		Command:       s.Command,
		Args:          s.Args,
		Env:           s.Env,
		URL:           s.URL,
		Headers:       s.Headers,
		APIKey:        apiKey,
		TimeoutMs:     s.TimeoutMs,
		Reconnect: gwtypes.ReconnectPolicy{
			Enabled:     true,
			Strategy:    gwtypes.StrategyExponential,
			Initial:     durationOrDefault(conn.ReconnectMs, time.Second),
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
			MaxAttempts: intOrDefault(conn.MaxAttempts, 10),
		},
		Ping: gwtypes.PingPolicy{
			Enabled:  true,
			Interval: durationOrDefault(conn.HeartbeatMs, 30*time.Second),
		},
	}
	return cfg, nil
}

func applyServerToolsOverlay(cfg *gwtypes.ServiceConfig, overlay rawServerTools) {
	// The overlay's enabled-tools/description map is parsed with the
	// config document and then discarded: ServiceConfig has no field for
	// it, and internal/manager's indexServiceTools applies no per-tool
	// enablement or description override, so every discovered tool is
	// exposed enabled with its upstream description.
	_ = overlay
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func toCustomTool(t rawCustomTool, platforms map[string]rawPlatform) (gwtypes.CustomTool, error) {
	tool := gwtypes.CustomTool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Kind:        gwtypes.HandlerKind(t.Handler.Kind),
	}

	switch tool.Kind {
	case gwtypes.HandlerFunction:
		tool.Function = gwtypes.FunctionHandlerConfig{Module: t.Handler.Module, Entry: t.Handler.Entry}
	case gwtypes.HandlerHTTP:
		tool.HTTP = gwtypes.HTTPHandlerConfig{
			URL:          t.Handler.URL,
			Method:       t.Handler.Method,
			Headers:      t.Handler.Headers,
			BodyTemplate: t.Handler.Body,
			AuthMode:     gwtypes.HTTPAuthMode(t.Handler.AuthMode),
			AuthToken:    t.Handler.AuthToken,
			AuthHeader:   t.Handler.AuthHeader,
			Timeout:      durationOrDefault(t.Handler.TimeoutMs, 8*time.Second),
			RetryCount:   t.Handler.RetryCount,
			RetryDelay:   durationOrDefault(t.Handler.RetryDelayMs, time.Second),
			DataPath:     t.Handler.DataPath,
		}
	case gwtypes.HandlerMCPRef:
		tool.MCPRef = gwtypes.MCPRefHandlerConfig{ServiceName: t.Handler.ServiceName, ToolName: t.Handler.ToolName}
	case gwtypes.HandlerPlatform:
		token := t.Handler.Token
		if token == "" {
			if p, ok := platforms[t.Handler.Platform]; ok {
				token = p.Token
			}
		}
		tool.Platform = gwtypes.PlatformHandlerConfig{Platform: t.Handler.Platform, Token: token, Endpoint: t.Handler.Endpoint}
	}
	return tool, nil
}
