package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// TestScenarioE1StdioToolCall exercises spec scenario E1: a namespaced
// tools/call against a single STDIO-backed service returns the
// service's result as tool content, unwrapped to the caller untouched.
func TestScenarioE1StdioToolCall(t *testing.T) {
	services := &fakeServices{
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			if name != "calc_xzcli_add" {
				t.Fatalf("unexpected tool name %q", name)
			}
			x, _ := args["x"].(float64)
			y, _ := args["y"].(float64)
			sum := fmt.Sprintf("%v", x+y)
			return map[string]any{"content": []map[string]any{{"type": "text", "text": sum}}}, nil
		},
	}
	p := New("ws://example", services, nil, nil)
	p.UpdateRetryConfig(RetryConfigPartial{MaxAttempts: intPtr(1)})

	req := request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"calc_xzcli_add","arguments":{"x":2,"y":3}}`),
	}
	resp, ok := p.dispatch(req)
	if !ok || resp.Error != nil {
		t.Fatalf("dispatch failed: %+v", resp)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	content := result["content"].([]map[string]any)
	if content[0]["text"] != "5" {
		t.Fatalf("content text = %v, want 5", content[0]["text"])
	}
}

// TestScenarioE6RetrySucceedsWithoutInflatingTotalCalls exercises spec
// scenario E6: a retryable upstream error on the first two attempts,
// success on the third, reports exactly one call in the metrics.
func TestScenarioE6RetrySucceedsWithoutInflatingTotalCalls(t *testing.T) {
	attempt := 0
	services := &fakeServices{
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			attempt++
			if attempt < 3 {
				return nil, gwtypes.ErrUpstreamError
			}
			return map[string]any{"content": []map[string]any{{"type": "text", "text": "ok"}}}, nil
		},
	}
	p := New("ws://example", services, nil, nil)
	p.UpdateRetryConfig(RetryConfigPartial{
		MaxAttempts:  intPtr(3),
		InitialDelay: durPtr(0),
	})

	req := request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"svc_xzcli_tool","arguments":{}}`),
	}
	resp, ok := p.dispatch(req)
	if !ok || resp.Error != nil {
		t.Fatalf("dispatch failed: %+v", resp)
	}
	if attempt != 3 {
		t.Fatalf("attempts = %d, want 3", attempt)
	}

	metrics := p.Metrics()
	if metrics.TotalCalls != 1 || metrics.SuccessfulCalls != 1 || metrics.FailedCalls != 0 {
		t.Fatalf("metrics = %+v, want totalCalls=1 successfulCalls=1 failedCalls=0", metrics)
	}
}

// TestInvariantZeroTimeoutAlwaysTimesOut covers testable property 11: a
// non-positive timeout must still resolve as a timeout, never hang or
// succeed by accident.
func TestInvariantZeroTimeoutAlwaysTimesOut(t *testing.T) {
	services := &fakeServices{
		call: func(ctx context.Context, name string, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	p := New("ws://example", services, nil, nil)
	p.UpdateRetryConfig(RetryConfigPartial{MaxAttempts: intPtr(1)})
	p.UpdateToolCallConfig(ToolCallConfigPartial{Timeout: durPtr(0)})

	req := request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"svc_xzcli_tool","arguments":{}}`),
	}
	resp, ok := p.dispatch(req)
	if !ok || resp.Error == nil {
		t.Fatalf("expected a timeout error, got %+v", resp)
	}
	if resp.Error.Code != gwtypes.JSONRPCCode(gwtypes.ErrToolTimeout) {
		t.Fatalf("error code = %d, want ToolTimeout", resp.Error.Code)
	}
}

// TestInvariantReplyDroppedWhenSocketClosed covers testable property
// 12: reply() must not panic or block when the underlying connection is
// nil (socket not open).
func TestInvariantReplyDroppedWhenSocketClosed(t *testing.T) {
	p := New("ws://example", nil, nil, nil)
	done := make(chan struct{})
	go func() {
		p.reply(successResponse(json.RawMessage(`1`), map[string]any{}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reply blocked with no connection open")
	}
}
