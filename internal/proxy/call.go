package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xzcli/gateway/internal/backoff"
	"github.com/xzcli/gateway/internal/customtool"
	"github.com/xzcli/gateway/internal/gwtypes"
)

// handleToolsCall implements spec §4.5's tools/call algorithm: validate
// params, execute ServiceManager/CustomToolHandler dispatch under a
// timeout, retry per p.retryCfg, then reply.
func (p *ProxyServer) handleToolsCall(req request) response {
	var params toolsCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return p.callError(req.ID, gwtypes.ErrInvalidParams, "malformed params: "+err.Error())
		}
	}
	if params.Name == "" {
		return p.callError(req.ID, gwtypes.ErrInvalidParams, "params.name must be a non-empty string")
	}

	p.mu.RLock()
	timeout := p.callCfg.Timeout
	retryCfg := p.retryCfg
	p.mu.RUnlock()

	// A configured timeout of zero or less always times out immediately
	// (testable property 11); it is never treated as "unset".
	if timeout <= 0 {
		err := fmt.Errorf("%w: %s", gwtypes.ErrToolTimeout, params.Name)
		p.recordCall(0, false)
		return p.callError(req.ID, err, err.Error())
	}

	start := time.Now()
	result, err := p.callWithRetry(params.Name, params.Arguments, timeout, retryCfg)
	p.recordCall(time.Since(start), err == nil)

	if err != nil {
		return p.callError(req.ID, err, err.Error())
	}
	return successResponse(req.ID, result)
}

// callWithRetry attempts dispatchCall up to retryCfg.MaxAttempts times
// (0 means do not even attempt), retrying only when the error's mapped
// JSON-RPC code is in retryCfg.RetryableErrorCodes, with exponential
// delay capped at retryCfg.MaxDelay.
func (p *ProxyServer) callWithRetry(name string, args map[string]any, timeout time.Duration, retryCfg gwtypes.RetryPolicy) (any, error) {
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts == 0 {
		return nil, fmt.Errorf("%w: retry policy disallows any attempt", gwtypes.ErrInternal)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		result, err := p.dispatchCall(ctx, name, args)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxAttempts || !isRetryable(err, retryCfg.RetryableErrorCodes) {
			return nil, lastErr
		}

		delay := retryDelay(retryCfg, attempt)
		time.Sleep(delay)
	}
	return nil, lastErr
}

func isRetryable(err error, codes []int) bool {
	code := gwtypes.JSONRPCCode(err)
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// retryDelay computes the delay that follows the given failed attempt
// (1-indexed; InitialDelay after the first) by
// stepping a k8s.io/apimachinery wait.Backoff, the same primitive
// internal/backoff.Delay drives for MCPService's reconnect loop.
func retryDelay(cfg gwtypes.RetryPolicy, attempt int) time.Duration {
	base := backoff.StepDelay(backoff.K8sRetryBackoff(cfg), attempt-1)
	if cfg.MaxDelay > 0 && base > cfg.MaxDelay {
		base = cfg.MaxDelay
	}
	return base
}

// dispatchCall routes a namespaced name to ServiceManager, otherwise to
// CustomToolHandler, per spec §6.1's namespacing rule.
func (p *ProxyServer) dispatchCall(ctx context.Context, name string, args map[string]any) (any, error) {
	if _, _, ok := gwtypes.SplitExposedToolName(name); ok {
		if p.services == nil {
			return nil, fmt.Errorf("%w: no service manager wired", gwtypes.ErrInternal)
		}
		result, err := p.services.CallTool(ctx, name, args)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", gwtypes.ErrToolTimeout, name)
			}
			return nil, err
		}
		return result, nil
	}

	if p.custom == nil {
		return nil, fmt.Errorf("%w: %s", gwtypes.ErrToolNotFound, name)
	}
	result, err := p.custom.CallTool(ctx, name, args, customtool.CallOptions{TimeoutMs: int(timeoutMs(ctx))})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", gwtypes.ErrToolTimeout, name)
		}
		return nil, err
	}
	return result, nil
}

func timeoutMs(ctx context.Context) int64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	d := time.Until(deadline)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

// callError maps a sentinel or generic error to a JSON-RPC error
// response with a stable code.
func (p *ProxyServer) callError(id json.RawMessage, err error, message string) response {
	return errorResponse(id, gwtypes.JSONRPCCode(err), message)
}
