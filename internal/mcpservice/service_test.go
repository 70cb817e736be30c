package mcpservice

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/xzcli/gateway/internal/events"
	"github.com/xzcli/gateway/internal/gwtypes"
	"github.com/xzcli/gateway/internal/testutil"
)

func echoTool() testutil.ToolStub {
	return testutil.ToolStub{
		Name:        "echo",
		Description: "echoes its input",
		Handler: func(_ context.Context, args map[string]any) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(args["text"].(string)), nil
		},
	}
}

func newTestService(t *testing.T, bus *events.Bus, tools ...testutil.ToolStub) *MCPService {
	t.Helper()
	mock := testutil.NewMockMCPServer("mock", tools...)
	cfg := gwtypes.ServiceConfig{
		Name:          "svc",
		TransportKind: gwtypes.TransportStdio,
		Command:       "unused",
	}
	return New(cfg, bus, nil, WithDialer(mock.Dialer()))
}

func TestConnectDiscoversTools(t *testing.T) {
	svc := newTestService(t, nil, echoTool())
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect()

	if svc.State() != gwtypes.StateConnected {
		t.Fatalf("State = %v, want CONNECTED", svc.State())
	}
	tools := svc.Tools()
	if len(tools) != 1 || tools[0].OriginalName != "echo" {
		t.Fatalf("Tools = %+v, want one tool named echo", tools)
	}
}

func TestConnectIsIdempotentWhenAlreadyConnected(t *testing.T) {
	svc := newTestService(t, nil, echoTool())
	ctx := context.Background()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	defer svc.Disconnect()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestCallToolBeforeConnectFails(t *testing.T) {
	svc := newTestService(t, nil, echoTool())
	_, err := svc.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	if err == nil {
		t.Fatal("expected error calling tool before Connect")
	}
}

func TestCallToolRoundTrip(t *testing.T) {
	svc := newTestService(t, nil, echoTool())
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect()

	result, err := svc.CallTool(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok || text.Text != "hello" {
		t.Fatalf("result = %+v, want text content \"hello\"", result.Content)
	}
}

func TestConnectPublishesServiceConnected(t *testing.T) {
	bus := events.New(nil, 0)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Destroy(ctx)
	}()

	received := make(chan events.ServiceConnectedPayload, 1)
	bus.Subscribe(events.KindServiceConnected, func(ev events.Event) {
		received <- ev.Payload.(events.ServiceConnectedPayload)
	})

	svc := newTestService(t, bus, echoTool())
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer svc.Disconnect()

	select {
	case p := <-received:
		if p.ServiceName != "svc" || len(p.Tools) != 1 {
			t.Fatalf("payload = %+v, want service svc with one tool", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for service:connected")
	}
}

// TestInitialConnectFailureReconnectsWhenEnabled covers spec §4.2's
// state diagram: a service whose very first handshake fails must land
// in RECONNECTING and keep retrying when Reconnect.Enabled, not settle
// permanently into FAILED.
func TestInitialConnectFailureReconnectsWhenEnabled(t *testing.T) {
	mock := testutil.NewMockMCPServer("mock", echoTool())
	realDialer := mock.Dialer()

	var attempts int32
	failingDialer := func(cfg gwtypes.ServiceConfig) (*mcpclient.Client, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, fmt.Errorf("simulated first-connect failure")
		}
		return realDialer(cfg)
	}

	cfg := gwtypes.ServiceConfig{
		Name:          "svc",
		TransportKind: gwtypes.TransportStdio,
		Command:       "unused",
		Reconnect: gwtypes.ReconnectPolicy{
			Enabled:  true,
			Strategy: gwtypes.StrategyFixed,
			Initial:  10 * time.Millisecond,
		},
	}
	svc := New(cfg, nil, nil, WithDialer(failingDialer))

	err := svc.Connect(context.Background())
	if err == nil {
		t.Fatal("expected the first Connect to report the simulated failure")
	}
	if svc.State() != gwtypes.StateReconnecting {
		t.Fatalf("State = %v, want RECONNECTING immediately after a first-connect failure with reconnect enabled", svc.State())
	}
	defer svc.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.State() == gwtypes.StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("service never reconnected, state = %v", svc.State())
}

func TestInitialConnectFailureSettlesFailedWhenReconnectDisabled(t *testing.T) {
	failingDialer := func(cfg gwtypes.ServiceConfig) (*mcpclient.Client, error) {
		return nil, fmt.Errorf("simulated first-connect failure")
	}
	cfg := gwtypes.ServiceConfig{
		Name:          "svc",
		TransportKind: gwtypes.TransportStdio,
		Command:       "unused",
	}
	svc := New(cfg, nil, nil, WithDialer(failingDialer))

	if err := svc.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to fail")
	}
	if svc.State() != gwtypes.StateFailed {
		t.Fatalf("State = %v, want FAILED when reconnect is disabled", svc.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil, echoTool())
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := svc.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := svc.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if svc.State() != gwtypes.StateDisconnected {
		t.Fatalf("State = %v, want DISCONNECTED", svc.State())
	}
}
