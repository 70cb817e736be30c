// Package testutil provides the mock-transport seam used to exercise
// MCPService and ServiceManager without a real subprocess
// or network endpoint: an in-process mark3labs/mcp-go server wired
// through client.NewInProcessClient, the same construction seen in
// other_examples/3a9dde35_mark3labs-kit (internal/tools/mcp.go) and
// maximhq-bifrost (core/mcp/mcp.go).
package testutil

import (
	"context"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// ToolStub describes one tool a MockMCPServer exposes, along with the
// behavior its handler runs when called.
type ToolStub struct {
	Name        string
	Description string
	Handler     func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)
}

// MockMCPServer wraps an in-process mark3labs/mcp-go server. Use Dialer
// to obtain an mcpservice.Option-compatible dial func bound to it,
// ignoring the ServiceConfig passed in (the in-process transport carries
// no URL/command of its own).
type MockMCPServer struct {
	srv *server.MCPServer
}

// NewMockMCPServer builds an in-process server exposing the given tool
// stubs, as a drop-in upstream for MCPService tests.
func NewMockMCPServer(name string, tools ...ToolStub) *MockMCPServer {
	srv := server.NewMCPServer(name, "test", server.WithToolCapabilities(true))
	for _, stub := range tools {
		stub := stub
		tool := mcp.NewTool(stub.Name, mcp.WithDescription(stub.Description))
		srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]any)
			return stub.Handler(ctx, args)
		})
	}
	return &MockMCPServer{srv: srv}
}

// Dialer returns a dial func suitable for mcpservice.WithDialer: every
// call returns a fresh in-process client wired to this mock server,
// regardless of the requested transport kind.
func (m *MockMCPServer) Dialer() func(gwtypes.ServiceConfig) (*mcpclient.Client, error) {
	return func(gwtypes.ServiceConfig) (*mcpclient.Client, error) {
		return mcpclient.NewInProcessClient(m.srv)
	}
}
