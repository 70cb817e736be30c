// Package mcpservice implements the Service Layer: one MCPService per
// upstream entry in the service pool, owning that service's transport
// connection, handshake, tool discovery, ping-based liveness check, and
// reconnect backoff. Grounded on
// kagenti-mcp-gateway/internal/broker/upstream/mcp.go (handshake shape)
// and manager.go (long-lived ticker-driven lifecycle), with the
// stdio/sse/streamable-http transport dispatch shared by the rest of the
// example pack (vanducng-goclaw/internal/mcp/manager_connect.go,
// Jint8888-Pocket-Omega/internal/mcp/client.go).
package mcpservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/xzcli/gateway/internal/backoff"
	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
)

// handshakeTimeout bounds the connect+initialize+list-tools sequence,
// independent of any caller-supplied context deadline.
const handshakeTimeout = 10 * time.Second

// MCPService owns one upstream MCP server connection across its whole
// lifetime: connect, reconnect, tool discovery, and tool invocation.
// Safe for concurrent use.
type MCPService struct {
	cfg    gwtypes.ServiceConfig
	logger *slog.Logger
	bus    *events.Bus

	mu               sync.RWMutex
	state            gwtypes.ServiceStateKind
	client           *mcpclient.Client
	tools            []gwtypes.ToolDescriptor
	lastErr          error
	reconnectAttempt int

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	dial func(gwtypes.ServiceConfig) (*mcpclient.Client, error)
}

// Option configures an MCPService at construction.
type Option func(*MCPService)

// WithDialer overrides the transport constructor used by Connect. Tests
// use this to substitute a mock MCP server's in-process transport for
// the real stdio/sse/streamable-http dial, per the private-method-test
// seam described for this component.
func WithDialer(dial func(gwtypes.ServiceConfig) (*mcpclient.Client, error)) Option {
	return func(s *MCPService) { s.dial = dial }
}

// New constructs an MCPService in the DISCONNECTED state. Connect must be
// called before any tool can be invoked.
func New(cfg gwtypes.ServiceConfig, bus *events.Bus, logger *slog.Logger, opts ...Option) *MCPService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPService{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("service", cfg.Name),
		state:  gwtypes.StateDisconnected,
		done:   make(chan struct{}),
		dial:   newClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the configured service name.
func (s *MCPService) Name() string { return s.cfg.Name }

// State returns the current lifecycle state.
func (s *MCPService) State() gwtypes.ServiceStateKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tools returns a snapshot of the currently known tool descriptors.
func (s *MCPService) Tools() []gwtypes.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gwtypes.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Connect performs the transport-construct, handshake, and tool-discovery
// sequence and, on success, starts the ping loop if Ping.Enabled. Connect
// returns nil without doing anything while already CONNECTED and fails
// with ErrAlreadyConnecting while CONNECTING.
func (s *MCPService) Connect(ctx context.Context) error {
	return s.connect(ctx, true)
}

// connect is Connect's body. startReconnect is false when reconnectLoop
// calls it, since that loop keeps retrying on its own.
func (s *MCPService) connect(ctx context.Context, startReconnect bool) error {
	s.mu.Lock()
	switch s.state {
	case gwtypes.StateConnecting:
		s.mu.Unlock()
		return fmt.Errorf("%w: service %q", gwtypes.ErrAlreadyConnecting, s.cfg.Name)
	case gwtypes.StateConnected:
		s.mu.Unlock()
		return nil
	}
	s.state = gwtypes.StateConnecting
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	client, tools, err := s.handshake(hctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		reconnect := s.cfg.Reconnect.Enabled
		if reconnect {
			s.state = gwtypes.StateReconnecting
		} else {
			s.state = gwtypes.StateFailed
		}
		s.mu.Unlock()
		s.publishFailed(err, 0)
		if reconnect && startReconnect {
			s.wg.Add(1)
			go s.reconnectLoop()
		}
		return err
	}

	s.mu.Lock()
	s.client = client
	s.tools = tools
	s.state = gwtypes.StateConnected
	s.reconnectAttempt = 0
	s.lastErr = nil
	s.mu.Unlock()

	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.ExposedName()
	}
	if s.bus != nil {
		s.bus.Publish(events.KindServiceConnected, events.ServiceConnectedPayload{
			ServiceName: s.cfg.Name,
			Tools:       names,
			At:          time.Now(),
		})
	}

	if s.cfg.Ping.Enabled {
		s.wg.Add(1)
		go s.pingLoop()
	}
	return nil
}

// handshake builds the transport, starts it if necessary, performs the
// MCP initialize request, and lists tools, mirroring
// upstream.MCPServer.Connect and manager_connect.connectServer.
func (s *MCPService) handshake(ctx context.Context) (*mcpclient.Client, []gwtypes.ToolDescriptor, error) {
	client, err := s.dial(s.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	if s.cfg.TransportKind != gwtypes.TransportStdio {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "xzcli-gateway", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("list tools: %w", err)
	}

	descs := make([]gwtypes.ToolDescriptor, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		descs = append(descs, gwtypes.ToolDescriptor{
			OriginalName: t.Name,
			Description:  t.Description,
			InputSchema:  schemaToMap(t.InputSchema),
			ServiceName:  s.cfg.Name,
			Enabled:      true,
		})
	}
	return client, descs, nil
}

// CallTool invokes originalName (unnamespaced) against the connected
// upstream client and returns its raw result. Callers are responsible for
// namespace translation; CallTool requires the service to be CONNECTED.
func (s *MCPService) CallTool(ctx context.Context, originalName string, args map[string]any) (*mcpgo.CallToolResult, error) {
	s.mu.RLock()
	client := s.client
	state := s.state
	s.mu.RUnlock()

	if state != gwtypes.StateConnected || client == nil {
		return nil, fmt.Errorf("%w: service %q is %s", gwtypes.ErrServiceNotConnected, s.cfg.Name, state)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = originalName
	req.Params.Arguments = args

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", gwtypes.ErrUpstreamError, originalName, err)
	}
	return result, nil
}

// pingLoop periodically calls Ping against the upstream client. A failure
// transitions the service into the reconnect loop, mirroring the health
// loop idiom in vanducng-goclaw/internal/mcp/manager_connect.go.
func (s *MCPService) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Ping.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			client := s.client
			state := s.state
			s.mu.RUnlock()
			if state != gwtypes.StateConnected || client == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
			err := client.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				s.onConnectionLost(err)
				return
			}
		}
	}
}

// onConnectionLost records the failure, publishes service:disconnected,
// and if Reconnect.Enabled starts the reconnect loop; otherwise the
// service settles into FAILED.
func (s *MCPService) onConnectionLost(cause error) {
	s.mu.Lock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.state = gwtypes.StateReconnecting
	s.lastErr = cause
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.KindServiceDisconnected, events.ServiceDisconnectedPayload{
			ServiceName: s.cfg.Name,
			Reason:      errString(cause),
			At:          time.Now(),
		})
	}

	if !s.cfg.Reconnect.Enabled {
		s.mu.Lock()
		s.state = gwtypes.StateFailed
		s.mu.Unlock()
		return
	}

	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries Connect with the configured backoff strategy
// until it succeeds, the service is stopped, or MaxAttempts is exhausted
// (0 means unlimited), at which point the service settles into FAILED.
func (s *MCPService) reconnectLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		s.reconnectAttempt++
		attempt := s.reconnectAttempt
		s.mu.Unlock()

		if s.cfg.Reconnect.MaxAttempts > 0 && attempt > s.cfg.Reconnect.MaxAttempts {
			s.mu.Lock()
			s.state = gwtypes.StateFailed
			s.mu.Unlock()
			s.publishFailed(s.lastErr, attempt)
			return
		}

		delay := backoff.Delay(s.cfg.Reconnect, attempt-1, nil)
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}

		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := s.connect(ctx, false)
		cancel()
		if err == nil {
			return
		}
		s.mu.Lock()
		s.lastErr = err
		s.state = gwtypes.StateReconnecting
		s.mu.Unlock()
		s.publishFailed(err, attempt)
	}
}

func (s *MCPService) publishFailed(err error, attempt int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.KindServiceConnectionFailed, events.ServiceConnectionFailedPayload{
		ServiceName: s.cfg.Name,
		Error:       errString(err),
		Attempt:     attempt,
	})
}

// Disconnect stops the ping/reconnect loops and closes the upstream
// client. Safe to call more than once and safe to call on a service that
// was never successfully connected.
func (s *MCPService) Disconnect() error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.state = gwtypes.StateDisconnected
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// schemaToMap normalizes an mcp.ToolInputSchema (already a JSON-shaped
// struct in mark3labs/mcp-go) into the map[string]any representation
// ToolDescriptor carries for cache/config serialization.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	props := make(map[string]any, len(schema.Properties))
	for k, v := range schema.Properties {
		props[k] = v
	}
	out := map[string]any{
		"type": schema.Type,
	}
	if len(props) > 0 {
		out["properties"] = props
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
