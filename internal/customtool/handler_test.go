package customtool

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xzcli/gateway/internal/cache"
	"github.com/xzcli/gateway/internal/gwtypes"
)

func newTestCache(t *testing.T) *cache.CacheManager {
	t.Helper()
	m, err := cache.Load(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("cache.Load: %v", err)
	}
	return m
}

func TestCallToolFunctionHandlerSucceeds(t *testing.T) {
	RegisterFunction("testmod", "add", func(args map[string]any) (Result, error) {
		return textResult("ok"), nil
	})

	h := New(newTestCache(t), nil, nil, nil)
	h.SetTools([]gwtypes.CustomTool{{
		Name: "add", Kind: gwtypes.HandlerFunction,
		Function: gwtypes.FunctionHandlerConfig{Module: "testmod", Entry: "add"},
	}})

	res, err := h.CallTool(context.Background(), "add", map[string]any{"a": 1}, CallOptions{TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || res.Content[0].Text != "ok" {
		t.Fatalf("res = %+v", res)
	}
}

func TestCallToolUnknownNameFails(t *testing.T) {
	h := New(newTestCache(t), nil, nil, nil)
	_, err := h.CallTool(context.Background(), "nope", nil, CallOptions{})
	if !errors.Is(err, gwtypes.ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestCallToolFunctionFailureReturnsIsError(t *testing.T) {
	RegisterFunction("testmod", "boom", func(args map[string]any) (Result, error) {
		return Result{}, errors.New("kaboom")
	})
	h := New(newTestCache(t), nil, nil, nil)
	h.SetTools([]gwtypes.CustomTool{{
		Name: "boom", Kind: gwtypes.HandlerFunction,
		Function: gwtypes.FunctionHandlerConfig{Module: "testmod", Entry: "boom"},
	}})

	res, err := h.CallTool(context.Background(), "boom", nil, CallOptions{TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("CallTool returned error instead of isError result: %v", err)
	}
	if !res.IsError {
		t.Fatalf("res = %+v, want IsError", res)
	}
}

func TestCallToolTimeoutThenReplay(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	RegisterFunction("testmod", "slow", func(args map[string]any) (Result, error) {
		calls.Add(1)
		<-release
		return textResult("finally"), nil
	})

	h := New(newTestCache(t), nil, nil, nil)
	h.SetTools([]gwtypes.CustomTool{{
		Name: "slow", Kind: gwtypes.HandlerFunction,
		Function: gwtypes.FunctionHandlerConfig{Module: "testmod", Entry: "slow"},
	}})

	args := map[string]any{"x": 1}
	res, err := h.CallTool(context.Background(), "slow", args, CallOptions{TimeoutMs: 20})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.TaskID == "" {
		t.Fatalf("expected a taskId on timeout, got %+v", res)
	}

	close(release)
	time.Sleep(100 * time.Millisecond)

	res2, err := h.CallTool(context.Background(), "slow", args, CallOptions{TimeoutMs: 1000})
	if err != nil {
		t.Fatalf("second CallTool: %v", err)
	}
	if res2.Content[0].Text != "finally" {
		t.Fatalf("res2 = %+v, want cached result \"finally\"", res2)
	}

	res3, err := h.CallTool(context.Background(), "slow", args, CallOptions{TimeoutMs: 20})
	if err != nil {
		t.Fatalf("third CallTool: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler ran %d times after three calls, want 2: the third call should run the handler rather than replay an already-consumed entry (res3 = %+v)", n, res3)
	}
}

func TestGetToolsIsNonBlockingDuringSetTools(t *testing.T) {
	h := New(newTestCache(t), nil, nil, nil)
	h.SetTools([]gwtypes.CustomTool{{Name: "a", Kind: gwtypes.HandlerFunction}})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.SetTools([]gwtypes.CustomTool{{Name: "b", Kind: gwtypes.HandlerFunction}})
		}
		close(done)
	}()
	for i := 0; i < 1000; i++ {
		_ = h.GetTools()
	}
	<-done
}
