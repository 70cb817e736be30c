package mcpservice

import (
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// newClient dispatches on cfg.TransportKind to the matching
// mark3labs/mcp-go/client constructor, mirroring
// kagenti-mcp-gateway/internal/broker/upstream/mcp.go's Connect and the
// same three-way dispatch seen throughout the example pack.
func newClient(cfg gwtypes.ServiceConfig) (*mcpclient.Client, error) {
	switch cfg.TransportKind {
	case gwtypes.TransportStdio:
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)

	case gwtypes.TransportSSE:
		var opts []transport.ClientOption
		if headers := withAuth(cfg); len(headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case gwtypes.TransportStreamableHTTP:
		opts := []transport.StreamableHTTPCOption{transport.WithContinuousListening()}
		if headers := withAuth(cfg); len(headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("%w: service %q: unsupported transport kind %q", gwtypes.ErrConfigInvalid, cfg.Name, cfg.TransportKind)
	}
}

// withAuth merges cfg.Headers with an Authorization header derived from
// cfg.APIKey, when set. cfg.Headers takes precedence over the derived
// Authorization so an explicit header always wins.
func withAuth(cfg gwtypes.ServiceConfig) map[string]string {
	if cfg.APIKey == "" && len(cfg.Headers) == 0 {
		return nil
	}
	headers := make(map[string]string, len(cfg.Headers)+1)
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return headers
}

// envSlice converts the env map of a stdio ServiceConfig into the
// KEY=VALUE slice NewStdioMCPClient expects.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
